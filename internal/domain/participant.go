package domain

import "time"

// ConnectionID identifies one live socket, not one person. The same
// nickname may hold several concurrent connections (multiple tabs).
type ConnectionID string

// Cursor is the last-known pointer position of a participant.
type Cursor struct {
	SlideID SlideID `json:"slide_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Participant is one live connection plus its resolved identity and role.
type Participant struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Nickname     string       `json:"nickname"`
	Role         Role         `json:"role"`
	JoinedAt     time.Time    `json:"joined_at"`
	Cursor       *Cursor      `json:"cursor,omitempty"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(cid ConnectionID, nickname string, role Role) (*Participant, error) {
	if err := ValidateNickname(nickname); err != nil {
		return nil, err
	}
	return &Participant{
		ConnectionID: cid,
		Nickname:     nickname,
		Role:         role,
		JoinedAt:     time.Now().UTC(),
	}, nil
}
