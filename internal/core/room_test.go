package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delpha/deckroom/internal/domain"
)

// fakeSignal collects frames instead of touching a socket.
type fakeSignal struct {
	frames []Frame
	fail   bool
}

func (f *fakeSignal) TrySend(fr Frame) error {
	if f.fail {
		return errors.New("buffer full")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func session(cid, nickname string, role domain.Role) (ParticipantSession, *fakeSignal) {
	sig := &fakeSignal{}
	p := &domain.Participant{ConnectionID: domain.ConnectionID(cid), Nickname: nickname, Role: role}
	return NewParticipantSession(p, sig), sig
}

func openAccess(slides int) domain.AccessView {
	return domain.AccessView{
		CreatedBy:  "alice",
		Settings:   domain.Settings{IsPublic: true, AllowAnonymousEdit: true, MaxParticipants: domain.DefaultMaxParticipants},
		SlideCount: slides,
	}
}

func rosterIDs(roster []RosterEntry) map[domain.ConnectionID]bool {
	out := make(map[domain.ConnectionID]bool, len(roster))
	for _, e := range roster {
		out[e.ConnectionID] = true
	}
	return out
}

func TestRoomJoinReturnsFullRoster(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))

	a, _ := session("c1", "alice", domain.RoleCreator)
	roster, err := room.Join(a)
	require.NoError(t, err)
	assert.Len(t, roster, 1)

	b, _ := session("c2", "bob", domain.RoleEditor)
	roster, err = room.Join(b)
	require.NoError(t, err)
	assert.Equal(t, map[domain.ConnectionID]bool{"c1": true, "c2": true}, rosterIDs(roster))
}

func TestRoomRejoinReplacesEntry(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))

	first, _ := session("c1", "alice", domain.RoleCreator)
	_, err := room.Join(first)
	require.NoError(t, err)

	// A retried join with the same connection id must not duplicate.
	second, _ := session("c1", "alice", domain.RoleCreator)
	roster, err := room.Join(second)
	require.NoError(t, err)
	assert.Len(t, roster, 1)
	assert.Equal(t, 1, room.ParticipantCount())

	got, ok := room.Participant("c1")
	require.True(t, ok)
	assert.Same(t, second.Meta(), got.Meta())
}

func TestRoomMultiTabSameNickname(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))

	tab1, _ := session("c1", "bob", domain.RoleEditor)
	tab2, _ := session("c2", "bob", domain.RoleEditor)
	_, err := room.Join(tab1)
	require.NoError(t, err)
	roster, err := room.Join(tab2)
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestRoomLeaveIdempotent(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	a, _ := session("c1", "alice", domain.RoleCreator)
	_, err := room.Join(a)
	require.NoError(t, err)

	assert.True(t, room.Leave("c1"))
	// The transport close arriving after an explicit leave is benign.
	assert.False(t, room.Leave("c1"))
	assert.False(t, room.Leave("never-joined"))
	assert.Equal(t, 0, room.ParticipantCount())
}

func TestRoomRosterMatchesJoinLeaveHistory(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	joined := map[domain.ConnectionID]bool{}

	for _, cid := range []string{"c1", "c2", "c3", "c4"} {
		ps, _ := session(cid, "user-"+cid, domain.RoleEditor)
		_, err := room.Join(ps)
		require.NoError(t, err)
		joined[domain.ConnectionID(cid)] = true
	}
	room.Leave("c2")
	delete(joined, "c2")
	room.Leave("c4")
	delete(joined, "c4")

	assert.Equal(t, joined, rosterIDs(room.RosterSnapshot()))
}

func TestRoomBroadcastFromExcludesSender(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	a, aSig := session("c1", "alice", domain.RoleCreator)
	b, bSig := session("c2", "bob", domain.RoleEditor)
	_, _ = room.Join(a)
	_, _ = room.Join(b)

	res := room.BroadcastFrom("c2", Frame(`{"type":"mutation"}`))
	assert.Equal(t, 1, res.SentTo)
	assert.Len(t, aSig.frames, 1)
	assert.Empty(t, bSig.frames)
}

func TestRoomBroadcastAllIncludesEveryone(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	a, aSig := session("c1", "alice", domain.RoleCreator)
	b, bSig := session("c2", "bob", domain.RoleEditor)
	_, _ = room.Join(a)
	_, _ = room.Join(b)

	res := room.BroadcastAll(Frame(`{"type":"roster"}`))
	assert.Equal(t, 2, res.SentTo)
	assert.Len(t, aSig.frames, 1)
	assert.Len(t, bSig.frames, 1)
}

func TestRoomBroadcastReportsDropped(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	a, _ := session("c1", "alice", domain.RoleCreator)
	b, bSig := session("c2", "bob", domain.RoleEditor)
	bSig.fail = true
	_, _ = room.Join(a)
	_, _ = room.Join(b)

	res := room.BroadcastFrom("c1", Frame(`x`))
	assert.Equal(t, 0, res.SentTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, domain.ConnectionID("c2"), res.Dropped[0].Meta().ConnectionID)
}

func TestRoomMaxParticipants(t *testing.T) {
	access := openAccess(1)
	access.Settings.MaxParticipants = 2
	room := NewRoom("doc1", access)

	for _, cid := range []string{"c1", "c2"} {
		ps, _ := session(cid, "u", domain.RoleEditor)
		_, err := room.Join(ps)
		require.NoError(t, err)
	}
	late, _ := session("c3", "late", domain.RoleEditor)
	_, err := room.Join(late)
	assert.ErrorIs(t, err, ErrRoomFull)

	// A re-join of an existing connection is a replace, not an add.
	again, _ := session("c2", "u", domain.RoleEditor)
	_, err = room.Join(again)
	assert.NoError(t, err)
}

func TestRoomCloseIfEmpty(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	a, _ := session("c1", "alice", domain.RoleCreator)
	_, err := room.Join(a)
	require.NoError(t, err)

	assert.False(t, room.CloseIfEmpty(), "occupied room must not close")

	room.Leave("c1")
	assert.True(t, room.CloseIfEmpty())

	// Joins after close are refused so the caller retries the registry.
	b, _ := session("c2", "bob", domain.RoleEditor)
	_, err = room.Join(b)
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestRoomApplyAccessRefreshesRoles(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	b, _ := session("c1", "bob", domain.RoleEditor)
	_, err := room.Join(b)
	require.NoError(t, err)

	private := openAccess(1)
	private.Settings = domain.Settings{IsPublic: false, MaxParticipants: domain.DefaultMaxParticipants}
	room.ApplyAccess(private)

	got, ok := room.Participant("c1")
	require.True(t, ok)
	assert.Equal(t, domain.RoleNoAccess, got.Meta().Role)
}

func TestRoomBumpSlideCount(t *testing.T) {
	room := NewRoom("doc1", openAccess(3))
	room.BumpSlideCount(1)
	assert.Equal(t, 4, room.AccessSnapshot().SlideCount)
	room.BumpSlideCount(-1)
	assert.Equal(t, 3, room.AccessSnapshot().SlideCount)
}

func TestRoomUpdateCursor(t *testing.T) {
	room := NewRoom("doc1", openAccess(1))
	a, _ := session("c1", "alice", domain.RoleCreator)
	_, _ = room.Join(a)

	room.UpdateCursor("c1", domain.Cursor{SlideID: "s1", X: 10, Y: 20})
	got, _ := room.Participant("c1")
	require.NotNil(t, got.Meta().Cursor)
	assert.Equal(t, domain.SlideID("s1"), got.Meta().Cursor.SlideID)

	// Unknown connections are ignored, not an error.
	room.UpdateCursor("ghost", domain.Cursor{})
}
