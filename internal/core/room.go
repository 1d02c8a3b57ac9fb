package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/domain"
)

// Room is the threadsafe in-memory roster of one document. It owns
// membership and fan-out but never closes adapter-owned transports.
// A room exists only while at least one participant is connected.
type Room struct {
	docID domain.DocumentID

	mu           sync.RWMutex
	byConn       map[domain.ConnectionID]ParticipantSession
	access       domain.AccessView
	lastActivity time.Time
	closed       bool
}

func NewRoom(docID domain.DocumentID, access domain.AccessView) *Room {
	return &Room{
		docID:        docID,
		byConn:       make(map[domain.ConnectionID]ParticipantSession),
		access:       access,
		lastActivity: time.Now(),
	}
}

func (r *Room) DocumentID() domain.DocumentID { return r.docID }

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Join registers a session and returns the full roster snapshot.
// A connection id already present is replaced, not duplicated, so a
// retried join converges to the same roster. Distinct connection ids
// sharing one nickname are separate participants (multi-tab).
func (r *Room) Join(ps ParticipantSession) ([]RosterEntry, error) {
	cid := ps.Meta().ConnectionID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, replaced := r.byConn[cid]; !replaced {
		max := r.access.Settings.MaxParticipants
		if max > 0 && len(r.byConn) >= max {
			return nil, ErrRoomFull
		}
	}
	r.byConn[cid] = ps
	r.lastActivity = time.Now()
	log.Info().Str("module", "core.room").Str("doc", string(r.docID)).
		Str("conn", string(cid)).Str("nickname", ps.Meta().Nickname).
		Str("role", string(ps.Meta().Role)).Msg("participant joined")
	return r.rosterLocked(), nil
}

// Leave removes the entry if present. Duplicate disconnect
// notifications are benign: the second call reports false and the
// caller skips the roster broadcast.
func (r *Room) Leave(cid domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[cid]; !ok {
		return false
	}
	delete(r.byConn, cid)
	r.lastActivity = time.Now()
	log.Info().Str("module", "core.room").Str("doc", string(r.docID)).
		Str("conn", string(cid)).Msg("participant left")
	return true
}

func (r *Room) Participant(cid domain.ConnectionID) (ParticipantSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.byConn[cid]
	return ps, ok
}

func (r *Room) UpdateCursor(cid domain.ConnectionID, cur domain.Cursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.byConn[cid]; ok {
		ps.Meta().Cursor = &cur
	}
}

// RosterSnapshot returns the current full roster. Join/roster events
// always carry the full list, never a delta, so any late or
// long-disconnected client converges in one message.
func (r *Room) RosterSnapshot() []RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []RosterEntry {
	out := make([]RosterEntry, 0, len(r.byConn))
	for _, ps := range r.byConn {
		m := ps.Meta()
		out = append(out, RosterEntry{
			ConnectionID: m.ConnectionID,
			Nickname:     m.Nickname,
			Role:         m.Role,
		})
	}
	return out
}

// AccessSnapshot is the cached role-resolution input. It is consulted
// on every mutation so permission changes apply without reconnect.
func (r *Room) AccessSnapshot() domain.AccessView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.access
}

// SetAccess replaces the cached role-resolution inputs, e.g. after a
// settings or authorized-users change.
func (r *Room) SetAccess(view domain.AccessView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access = view
	r.lastActivity = time.Now()
}

// ApplyAccess swaps the cached view and re-resolves every stored
// participant's role against it, so the roster reflects permission
// changes immediately. Mutation checks re-resolve on their own and do
// not depend on this refresh.
func (r *Room) ApplyAccess(view domain.AccessView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access = view
	r.lastActivity = time.Now()
	for _, ps := range r.byConn {
		m := ps.Meta()
		m.Role = domain.ResolveRole(view, m.Nickname)
	}
}

// BumpSlideCount keeps the cached slide count in step with accepted
// slide mutations, so the last-slide check never touches storage.
func (r *Room) BumpSlideCount(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access.SlideCount += delta
}

// BroadcastFrom fans a frame out to every participant except the
// sender; the sender already applied the change optimistically.
func (r *Room) BroadcastFrom(from domain.ConnectionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for cid, ps := range r.byConn {
		if cid == from {
			continue
		}
		if err := ps.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, ps)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.room").Str("doc", string(r.docID)).
		Str("from", string(from)).Int("sent_to", res.SentTo).
		Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// BroadcastAll includes the originator: roster and settings events
// carry authoritative state every participant needs.
func (r *Room) BroadcastAll(data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, ps := range r.byConn {
		if err := ps.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, ps)
			continue
		}
		res.SentTo++
	}
	return res
}

// CloseIfEmpty atomically marks the room closed when the roster is
// empty. Used by the registry so eviction cannot race a join: a join
// arriving after the close sees ErrRoomClosed and retries.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byConn) > 0 || r.closed {
		return false
	}
	r.closed = true
	return true
}
