package core

import "github.com/delpha/deckroom/internal/domain"

// Frame is a marshaled wire message handed to a transport.
type Frame []byte

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ParticipantSession binds a domain.Participant and its transport
// endpoint. This is what a room stores and fans out to.
type ParticipantSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the router.
type PublishResult struct {
	SentTo  int
	Dropped []ParticipantSession
}

// RosterEntry is a read-only roster view for wire payloads (no
// transport fields).
type RosterEntry struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
	Nickname     string              `json:"nickname"`
	Role         domain.Role         `json:"role"`
}

type RoomInfo struct {
	DocumentID       domain.DocumentID `json:"document_id"`
	ParticipantCount int               `json:"participant_count"`
}
