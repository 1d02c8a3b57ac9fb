package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

// DocumentSource is the read half of the persistence collaborator.
// The router fetches role inputs through it exactly once per join,
// before any room lock is taken.
type DocumentSource interface {
	FetchDocument(ctx context.Context, id domain.DocumentID) (*domain.Document, error)
}

// EventRouter authorizes room traffic and fans it out. It never
// persists anything itself: durable writes happen around it, after
// the broadcast, so fan-out latency is decoupled from storage.
type EventRouter struct {
	Registry *SessionRegistry
	Source   DocumentSource
	Policy   Policy
}

func NewEventRouter(reg *SessionRegistry, src DocumentSource) *EventRouter {
	return &EventRouter{Registry: reg, Source: src, Policy: KickSlowPolicy{}}
}

type JoinResult struct {
	Room        *core.Room
	Document    *domain.Document
	Participant *domain.Participant
	Roster      []core.RosterEntry
}

// Join fetches the document, resolves the caller's role and registers
// the connection in the document's room. Fetch happens before the
// room lock so a slow read never blocks sibling connections. NoAccess
// is refused before any room state changes.
func (rt *EventRouter) Join(ctx context.Context, id domain.DocumentID, nickname string, cid domain.ConnectionID, conn core.SignalConnection) (*JoinResult, error) {
	doc, err := rt.Source.FetchDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	view := doc.AccessView()
	role := domain.ResolveRole(view, nickname)
	if !role.HasAccess() {
		return nil, core.ErrNoAccess
	}
	participant, err := domain.NewParticipant(cid, nickname, role)
	if err != nil {
		return nil, err
	}
	ps := core.NewParticipantSession(participant, conn)

	for {
		room := rt.Registry.GetOrCreate(id, view)
		roster, err := room.Join(ps)
		if errors.Is(err, core.ErrRoomClosed) {
			// Lost the race against eviction; the registry entry is
			// gone by now, so the next GetOrCreate starts fresh.
			continue
		}
		if err != nil {
			return nil, err
		}
		rt.broadcastRoster(room)
		return &JoinResult{Room: room, Document: doc, Participant: participant, Roster: roster}, nil
	}
}

// Leave removes the connection and rebroadcasts the roster. Safe to
// call twice per connection: the explicit leave message and the
// transport close both land here, the second call is a no-op.
func (rt *EventRouter) Leave(room *core.Room, cid domain.ConnectionID) bool {
	if !room.Leave(cid) {
		return false
	}
	rt.broadcastRoster(room)
	rt.Registry.ReleaseIfEmpty(room.DocumentID())
	return true
}

// Mutate authorizes a content mutation against the room's cached
// access view and echoes it verbatim to everyone but the sender.
// The role is re-resolved on every call, never trusted from join
// time, so revoking access applies without a reconnect.
func (rt *EventRouter) Mutate(room *core.Room, cid domain.ConnectionID, m core.Mutation) error {
	ps, ok := room.Participant(cid)
	if !ok {
		return core.ErrNotJoined
	}
	if !m.Kind.Valid() {
		return core.ErrUnknownMutation
	}
	view := room.AccessSnapshot()
	role := domain.ResolveRole(view, ps.Meta().Nickname)
	if !role.HasAccess() {
		return core.ErrNoAccess
	}
	if !role.CanEdit() {
		return core.ErrForbidden
	}
	if m.Kind == core.MutationSlideDelete && view.SlideCount <= 1 {
		return core.ErrLastSlide
	}

	frame, err := marshalEvent(mutationEvent{
		Type:     "mutation",
		From:     cid,
		Nickname: ps.Meta().Nickname,
		Mutation: m,
	})
	if err != nil {
		return err
	}
	res := room.BroadcastFrom(cid, frame)
	switch m.Kind {
	case core.MutationSlideAdd:
		room.BumpSlideCount(1)
	case core.MutationSlideDelete:
		room.BumpSlideCount(-1)
	}
	rt.handleDropped(room, res)
	return nil
}

// Cursor relays pointer positions. Informational, allowed for every
// connected role including Viewer.
func (rt *EventRouter) Cursor(room *core.Room, cid domain.ConnectionID, cur core.CursorEvent) error {
	ps, ok := room.Participant(cid)
	if !ok {
		return core.ErrNotJoined
	}
	room.UpdateCursor(cid, domain.Cursor{SlideID: cur.SlideID, X: cur.X, Y: cur.Y})
	frame, err := marshalEvent(cursorEvent{
		Type:     "cursor",
		From:     cid,
		Nickname: ps.Meta().Nickname,
		Cursor:   cur,
	})
	if err != nil {
		return err
	}
	res := room.BroadcastFrom(cid, frame)
	rt.handleDropped(room, res)
	return nil
}

// SettingsChanged swaps the cached access view, re-resolves every
// participant's role and tells the whole room, originator included.
func (rt *EventRouter) SettingsChanged(id domain.DocumentID, view domain.AccessView) {
	room, ok := rt.Registry.Get(id)
	if !ok {
		return
	}
	room.ApplyAccess(view)
	frame, err := marshalEvent(settingsEvent{Type: "settings", Settings: view.Settings})
	if err != nil {
		return
	}
	res := room.BroadcastAll(frame)
	rt.handleDropped(room, res)
	rt.broadcastRoster(room)
}

// AccessChanged covers authorized-user grants/revocations: same cache
// swap and role refresh, but clients only need the roster.
func (rt *EventRouter) AccessChanged(id domain.DocumentID, view domain.AccessView) {
	room, ok := rt.Registry.Get(id)
	if !ok {
		return
	}
	room.ApplyAccess(view)
	rt.broadcastRoster(room)
}

// broadcastRoster sends the authoritative full roster to everyone in
// the room. Full list, never a delta: one message converges any
// client regardless of what it missed.
func (rt *EventRouter) broadcastRoster(room *core.Room) {
	frame, err := marshalEvent(rosterEvent{Type: "roster", Roster: room.RosterSnapshot()})
	if err != nil {
		return
	}
	res := room.BroadcastAll(frame)
	rt.handleDropped(room, res)
}

func (rt *EventRouter) handleDropped(room *core.Room, res core.PublishResult) {
	if rt.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch rt.Policy.OnBackpressure(room, slow) {
		case KickParticipant:
			cid := slow.Meta().ConnectionID
			log.Warn().Str("module", "app.router").Str("doc", string(room.DocumentID())).
				Str("conn", string(cid)).Msg("kicking slow participant")
			slow.Signal().Close()
			rt.Leave(room, cid)
		case DropEvent, NoAction:
		}
	}
}

type mutationEvent struct {
	Type     string              `json:"type"`
	From     domain.ConnectionID `json:"from"`
	Nickname string              `json:"nickname"`
	Mutation core.Mutation       `json:"mutation"`
}

type cursorEvent struct {
	Type     string              `json:"type"`
	From     domain.ConnectionID `json:"from"`
	Nickname string              `json:"nickname"`
	Cursor   core.CursorEvent    `json:"cursor"`
}

type rosterEvent struct {
	Type   string             `json:"type"`
	Roster []core.RosterEntry `json:"roster"`
}

type settingsEvent struct {
	Type     string          `json:"type"`
	Settings domain.Settings `json:"settings"`
}

func marshalEvent(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("module", "app.router").Err(err).Msg("marshal event")
		return nil, err
	}
	return b, nil
}
