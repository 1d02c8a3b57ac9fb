package core

import "errors"

var (
	// ErrNoAccess rejects a join before any room state changes.
	ErrNoAccess = errors.New("no access to document")
	// ErrForbidden rejects a mutation whose sender lacks edit rights.
	ErrForbidden = errors.New("role cannot edit")
	// ErrLastSlide guards the at-least-one-slide invariant, any role.
	ErrLastSlide = errors.New("cannot delete the last slide")
	// ErrRoomFull rejects a join over settings.MaxParticipants.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomClosed is returned by a room evicted mid-join; the caller
	// retries get-or-create and never lands in a vanishing room.
	ErrRoomClosed = errors.New("room closed")
	// ErrNotFound refuses a join against an unknown document id.
	ErrNotFound = errors.New("document not found")
	// ErrNotJoined rejects room traffic from a connection that never joined.
	ErrNotJoined = errors.New("not joined to a room")
)
