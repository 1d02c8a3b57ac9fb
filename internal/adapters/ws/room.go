package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

func (ctl *Controller) handleJoin(ctx context.Context, cl *client, data []byte) {
	var p struct {
		Type     string `json:"type"`
		Document string `json:"document"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Document == "" {
		ctl.sendError(cl, "bad_payload")
		return
	}

	// Joining while already in a room (e.g. switching documents in
	// the same tab) leaves the old room first.
	cl.mu.Lock()
	if cl.room != nil {
		old := cl.room
		cl.room = nil
		cl.mu.Unlock()
		ctl.Router.Leave(old, cl.cid)
		cl.mu.Lock()
	}
	cl.mu.Unlock()

	res, err := ctl.Router.Join(ctx, domain.DocumentID(p.Document), p.Name, cl.cid, cl.conn)
	if err != nil {
		log.Info().Str("module", "ws").Str("conn", string(cl.cid)).
			Str("doc", p.Document).Err(err).Msg("join refused")
		ctl.sendError(cl, reasonFor(err))
		return
	}

	cl.mu.Lock()
	cl.room = res.Room
	cl.nickname = p.Name
	cl.mu.Unlock()

	log.Info().Str("module", "ws").Str("conn", string(cl.cid)).
		Str("doc", p.Document).Str("nickname", p.Name).
		Str("role", string(res.Participant.Role)).Msg("joined")

	// The ack carries the full document snapshot: a reconnecting
	// client recovers by refetch, there is no event replay.
	ctl.sendJSON(cl, struct {
		Type     string             `json:"type"`
		Document *domain.Document   `json:"document"`
		You      domain.Participant `json:"you"`
		Roster   []core.RosterEntry `json:"roster"`
	}{
		Type:     "joined",
		Document: res.Document,
		You:      *res.Participant,
		Roster:   res.Roster,
	})
}

func (ctl *Controller) handleLeave(cl *client) {
	cl.mu.Lock()
	room := cl.room
	cl.room = nil
	cl.mu.Unlock()
	if room != nil {
		ctl.Router.Leave(room, cl.cid)
	}
	ctl.sendJSON(cl, map[string]any{"type": "left"})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, core.ErrNoAccess):
		return "no_access"
	case errors.Is(err, core.ErrForbidden):
		return "forbidden"
	case errors.Is(err, core.ErrLastSlide):
		return "last_slide"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrRoomFull):
		return "room_full"
	case errors.Is(err, core.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, core.ErrUnknownMutation):
		return "unknown_mutation"
	case errors.Is(err, domain.ErrNicknameEmpty), errors.Is(err, domain.ErrNicknameTooLong):
		return "invalid_name"
	default:
		return "internal"
	}
}
