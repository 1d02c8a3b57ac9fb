package core

import (
	"encoding/json"
	"errors"

	"github.com/delpha/deckroom/internal/domain"
)

// MutationKind enumerates the content mutations the router fans out.
type MutationKind string

const (
	MutationSlideAdd        MutationKind = "slide_add"
	MutationSlideDelete     MutationKind = "slide_delete"
	MutationTextBlockAdd    MutationKind = "text_block_add"
	MutationTextBlockUpdate MutationKind = "text_block_update"
	MutationTextBlockDelete MutationKind = "text_block_delete"
)

var ErrUnknownMutation = errors.New("unknown mutation kind")

func (k MutationKind) Valid() bool {
	switch k {
	case MutationSlideAdd, MutationSlideDelete,
		MutationTextBlockAdd, MutationTextBlockUpdate, MutationTextBlockDelete:
		return true
	}
	return false
}

// Mutation is a content change echoed verbatim to the rest of the room.
// Payload stays raw so the router never re-encodes client data.
type Mutation struct {
	Kind    MutationKind    `json:"kind"`
	SlideID domain.SlideID  `json:"slide_id,omitempty"`
	BlockID domain.BlockID  `json:"block_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CursorEvent is informational presence, allowed for every role.
type CursorEvent struct {
	SlideID domain.SlideID `json:"slide_id"`
	X       float64        `json:"x"`
	Y       float64        `json:"y"`
}
