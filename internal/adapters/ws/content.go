package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
	"github.com/delpha/deckroom/internal/store"
)

func (ctl *Controller) handleMutation(ctx context.Context, cl *client, data []byte) {
	room, ok := cl.currentRoom()
	if !ok {
		ctl.sendError(cl, "not_joined")
		return
	}
	var p struct {
		Type string `json:"type"`
		core.Mutation
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl, "bad_payload")
		return
	}

	if err := ctl.Router.Mutate(room, cl.cid, p.Mutation); err != nil {
		log.Info().Str("module", "ws").Str("conn", string(cl.cid)).
			Str("kind", string(p.Kind)).Err(err).Msg("mutation rejected")
		ctl.sendError(cl, reasonFor(err))
		return
	}

	// Durable write happens after the broadcast, deliberately: fan-out
	// latency is decoupled from storage at the cost of a bounded
	// window where broadcast state is ahead of persisted state.
	if err := ctl.Store.AppendMutation(ctx, room.DocumentID(), cl.cid, p.Mutation); err != nil {
		log.Error().Str("module", "ws").Str("doc", string(room.DocumentID())).
			Str("kind", string(p.Kind)).Err(err).Msg("mutation not persisted")
		ctl.sendJSON(cl, map[string]any{
			"type":    "warning",
			"warning": "not_saved",
			"kind":    p.Kind,
		})
	}
}

func (ctl *Controller) handleCursor(cl *client, data []byte) {
	room, ok := cl.currentRoom()
	if !ok {
		ctl.sendError(cl, "not_joined")
		return
	}
	var p struct {
		Type string `json:"type"`
		core.CursorEvent
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl, "bad_payload")
		return
	}
	if err := ctl.Router.Cursor(room, cl.cid, p.CursorEvent); err != nil {
		ctl.sendError(cl, reasonFor(err))
	}
}

// handleSettings updates the public-access policy. Creator only; the
// change is persisted first, then pushed to the whole room so live
// participants' roles re-resolve without reconnecting.
func (ctl *Controller) handleSettings(ctx context.Context, cl *client, data []byte) {
	room, ok := cl.currentRoom()
	if !ok {
		ctl.sendError(cl, "not_joined")
		return
	}
	var p struct {
		Type     string          `json:"type"`
		Settings domain.Settings `json:"settings"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl, "bad_payload")
		return
	}
	if !ctl.requireCreator(cl, room) {
		return
	}
	if p.Settings.MaxParticipants <= 0 {
		p.Settings.MaxParticipants = domain.DefaultMaxParticipants
	}
	if err := ctl.Store.UpdateSettings(ctx, room.DocumentID(), p.Settings); err != nil {
		log.Error().Str("module", "ws").Err(err).Msg("settings not persisted")
		ctl.sendError(cl, reasonFor(err))
		return
	}
	view := room.AccessSnapshot()
	view.Settings = p.Settings
	ctl.Router.SettingsChanged(room.DocumentID(), view)
}

// handleAccess grants or revokes a persistent Editor/Viewer entry for
// a display name. Creator only.
func (ctl *Controller) handleAccess(ctx context.Context, cl *client, data []byte) {
	room, ok := cl.currentRoom()
	if !ok {
		ctl.sendError(cl, "not_joined")
		return
	}
	var p struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Name   string `json:"name"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Name == "" {
		ctl.sendError(cl, "bad_payload")
		return
	}
	if !ctl.requireCreator(cl, room) {
		return
	}

	docID := room.DocumentID()
	switch p.Action {
	case "grant":
		role, err := domain.ParseRole(p.Role)
		if err != nil {
			ctl.sendError(cl, "unknown_role")
			return
		}
		au := domain.NewAuthorizedUser(p.Name, role, cl.nickname)
		if err := ctl.Store.GrantAccess(ctx, docID, au); err != nil {
			ctl.sendError(cl, grantReason(err))
			return
		}
	case "revoke":
		if err := ctl.Store.RevokeAccess(ctx, docID, p.Name); err != nil {
			ctl.sendError(cl, reasonFor(err))
			return
		}
	default:
		ctl.sendError(cl, "bad_payload")
		return
	}

	// Rebuild the access view from storage so the cached inputs match
	// exactly what a fresh join would resolve against.
	doc, err := ctl.Store.FetchDocument(ctx, docID)
	if err != nil {
		log.Error().Str("module", "ws").Err(err).Msg("refetch after access change")
		return
	}
	ctl.Router.AccessChanged(docID, doc.AccessView())
}

func (ctl *Controller) requireCreator(cl *client, room *core.Room) bool {
	ps, ok := room.Participant(cl.cid)
	if !ok {
		ctl.sendError(cl, "not_joined")
		return false
	}
	role := domain.ResolveRole(room.AccessSnapshot(), ps.Meta().Nickname)
	if role != domain.RoleCreator {
		ctl.sendError(cl, "forbidden")
		return false
	}
	return true
}

func grantReason(err error) string {
	if errors.Is(err, store.ErrDuplicate) {
		return "already_authorized"
	}
	return reasonFor(err)
}
