package app

import "github.com/delpha/deckroom/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEvent
	KickParticipant
)

// Policy decides what happens to a participant whose send buffer
// overflows during fan-out.
type Policy interface {
	OnBackpressure(room *core.Room, ps core.ParticipantSession) BackpressureAction
}

// KickSlowPolicy disconnects a participant that cannot keep up; the
// client reconnects and recovers with a full refetch, so dropping the
// connection is cheaper than queueing unbounded backlog.
type KickSlowPolicy struct{}

func (KickSlowPolicy) OnBackpressure(*core.Room, core.ParticipantSession) BackpressureAction {
	return KickParticipant
}
