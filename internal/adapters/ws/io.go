package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/core"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, cl *client) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cl.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Str("module", "ws").Str("conn", string(cl.cid)).Err(err).Msg("ping failed")
				return
			}
		case data, ok := <-cl.conn.send:
			if !ok {
				return
			}
			if err := cl.conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Str("module", "ws").Err(err).Msg("set write deadline")
				return
			}
			if err := cl.conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Str("module", "ws").Str("conn", string(cl.cid)).Err(err).Msg("write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, cl *client) {
	defer func() {
		log.Info().Str("module", "ws").Str("conn", string(cl.cid)).Msg("connection closing")
		cancel()
		ctl.teardown(cl)
	}()
	if ctl.ReadLimit > 0 {
		cl.conn.conn.SetReadLimit(ctl.ReadLimit)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				log.Debug().Str("module", "ws").Str("conn", string(cl.cid)).Err(err).Msg("read error")
				return
			}
			ctl.dispatch(ctx, cl, data)
		}
	}
}

func (ctl *Controller) dispatch(ctx context.Context, cl *client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Str("module", "ws").Err(err).Msg("bad json")
		ctl.sendError(cl, "bad_payload")
		return
	}
	switch env.Type {
	case "join":
		ctl.handleJoin(ctx, cl, data)
	case "leave":
		ctl.handleLeave(cl)
	case "mutation":
		ctl.handleMutation(ctx, cl, data)
	case "cursor":
		ctl.handleCursor(cl, data)
	case "settings":
		ctl.handleSettings(ctx, cl, data)
	case "access":
		ctl.handleAccess(ctx, cl, data)
	case "ping":
		ctl.sendJSON(cl, map[string]any{"type": "pong"})
	default:
		log.Warn().Str("module", "ws").Str("type", env.Type).Msg("unknown message")
		ctl.sendError(cl, "unknown_type")
	}
}

func (ctl *Controller) sendJSON(cl *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("module", "ws").Err(err).Msg("marshal reply")
		return
	}
	_ = cl.conn.TrySend(core.Frame(b))
}

func (ctl *Controller) sendError(cl *client, reason string) {
	ctl.sendJSON(cl, map[string]any{"type": "error", "error": reason})
}
