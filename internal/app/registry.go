package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

// SessionRegistry owns the process-wide map from document id to its
// one live Room. Rooms are created lazily on first join and evicted
// once empty; contention inside a room never touches this map.
type SessionRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.DocumentID]*core.Room
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{rooms: make(map[domain.DocumentID]*core.Room)}
}

// GetOrCreate returns the authoritative Room for a document. Under
// simultaneous first-joins every caller observes the same instance.
func (r *SessionRegistry) GetOrCreate(id domain.DocumentID, access domain.AccessView) *core.Room {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		return room
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok = r.rooms[id]; ok {
		return room
	}
	room = core.NewRoom(id, access)
	r.rooms[id] = room
	log.Info().Str("module", "app.registry").Str("doc", string(id)).Msg("room created")
	return room
}

func (r *SessionRegistry) Get(id domain.DocumentID) (*core.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// ReleaseIfEmpty removes a room only if its roster is empty at the
// moment of eviction. The room is marked closed under its own lock
// before the map entry goes away, so a join racing the eviction sees
// ErrRoomClosed and retries GetOrCreate instead of silently vanishing.
func (r *SessionRegistry) ReleaseIfEmpty(id domain.DocumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return false
	}
	if !room.CloseIfEmpty() {
		return false
	}
	delete(r.rooms, id)
	log.Info().Str("module", "app.registry").Str("doc", string(id)).Msg("room evicted")
	return true
}

// OnlineCount reports live connections without creating a room.
func (r *SessionRegistry) OnlineCount(id domain.DocumentID) int {
	if room, ok := r.Get(id); ok {
		return room.ParticipantCount()
	}
	return 0
}

func (r *SessionRegistry) List() []core.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, core.RoomInfo{DocumentID: id, ParticipantCount: room.ParticipantCount()})
	}
	return out
}
