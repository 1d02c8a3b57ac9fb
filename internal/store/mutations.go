package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

// AppendMutation records a broadcast mutation in the log and applies
// it to the content tables. Callers invoke it after fan-out; a failure
// here is surfaced to the sender as a not-saved warning, the broadcast
// is never rolled back.
func (s *Store) AppendMutation(ctx context.Context, id domain.DocumentID, from domain.ConnectionID, m core.Mutation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mutations (document_id, conn_id, kind, slide_id, block_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, from, m.Kind, m.SlideID, m.BlockID, []byte(m.Payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log mutation: %w", err)
	}
	if err := s.applyMutation(ctx, id, m); err != nil {
		return err
	}
	return s.TouchActivity(ctx, id)
}

// Mutation payloads come from clients that already applied the change
// locally; last write wins at this layer.
func (s *Store) applyMutation(ctx context.Context, id domain.DocumentID, m core.Mutation) error {
	switch m.Kind {
	case core.MutationSlideAdd:
		var p struct {
			ID    domain.SlideID `json:"id"`
			Title string         `json:"title"`
		}
		if len(m.Payload) > 0 {
			if err := json.Unmarshal(m.Payload, &p); err != nil {
				log.Warn().Str("module", "store").Err(err).Msg("slide_add payload ignored")
			}
		}
		if p.ID == "" {
			p.ID = m.SlideID
		}
		_, err := s.addSlide(ctx, id, p.ID, p.Title)
		return err
	case core.MutationSlideDelete:
		return s.DeleteSlide(ctx, id, m.SlideID)
	case core.MutationTextBlockAdd, core.MutationTextBlockUpdate:
		var tb domain.TextBlock
		if err := json.Unmarshal(m.Payload, &tb); err != nil {
			return fmt.Errorf("decode text block: %w", err)
		}
		if tb.ID == "" {
			tb.ID = m.BlockID
		}
		return s.UpsertTextBlock(ctx, id, m.SlideID, tb)
	case core.MutationTextBlockDelete:
		return s.DeleteTextBlock(ctx, m.SlideID, m.BlockID)
	default:
		return core.ErrUnknownMutation
	}
}
