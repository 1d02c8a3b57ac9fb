package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

// fakeSignal collects frames instead of touching a socket.
type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	fail   bool
	closed bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("buffer full")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// byType filters collected frames on the wire "type" field.
func (f *fakeSignal) byType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, fr := range f.frames {
		var m map[string]any
		if json.Unmarshal(fr, &m) == nil && m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func newTestSession(cid, nickname string, role domain.Role) (core.ParticipantSession, *fakeSignal) {
	sig := &fakeSignal{}
	p := &domain.Participant{ConnectionID: domain.ConnectionID(cid), Nickname: nickname, Role: role}
	return core.NewParticipantSession(p, sig), sig
}

// fakeSource serves canned documents like the persistence collaborator.
type fakeSource struct {
	mu   sync.Mutex
	docs map[domain.DocumentID]*domain.Document
}

func newFakeSource(docs ...*domain.Document) *fakeSource {
	s := &fakeSource{docs: make(map[domain.DocumentID]*domain.Document)}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s
}

func (s *fakeSource) FetchDocument(_ context.Context, id domain.DocumentID) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return doc, nil
}

func testDocument(id domain.DocumentID, slides int) *domain.Document {
	doc := &domain.Document{
		ID:        id,
		Title:     "deck",
		CreatedBy: "alice",
		Settings:  domain.Settings{IsPublic: true, AllowAnonymousEdit: true, MaxParticipants: domain.DefaultMaxParticipants},
	}
	for i := 0; i < slides; i++ {
		doc.Slides = append(doc.Slides, domain.NewSlide(i))
	}
	return doc
}

func newTestRouter(docs ...*domain.Document) *EventRouter {
	return NewEventRouter(NewSessionRegistry(), newFakeSource(docs...))
}

func joinConn(t *testing.T, rt *EventRouter, id domain.DocumentID, cid, nickname string) (*JoinResult, *fakeSignal) {
	t.Helper()
	sig := &fakeSignal{}
	res, err := rt.Join(context.Background(), id, nickname, domain.ConnectionID(cid), sig)
	require.NoError(t, err)
	return res, sig
}

func TestRouterJoin(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))

	res, sig := joinConn(t, rt, "doc1", "c1", "alice")
	assert.Equal(t, domain.RoleCreator, res.Participant.Role)
	assert.Len(t, res.Roster, 1)
	// The roster broadcast reaches the joiner too.
	assert.Len(t, sig.byType("roster"), 1)

	_, bobSig := joinConn(t, rt, "doc1", "c2", "bob")
	assert.Len(t, sig.byType("roster"), 2)
	assert.Len(t, bobSig.byType("roster"), 1)
}

func TestRouterJoinUnknownDocument(t *testing.T) {
	rt := newTestRouter()
	sig := &fakeSignal{}
	_, err := rt.Join(context.Background(), "missing", "alice", "c1", sig)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Len(t, rt.Registry.List(), 0, "no room may be created for a refused join")
}

func TestRouterJoinNoAccess(t *testing.T) {
	doc := testDocument("doc1", 1)
	doc.Settings = domain.Settings{IsPublic: false, MaxParticipants: domain.DefaultMaxParticipants}
	rt := newTestRouter(doc)

	sig := &fakeSignal{}
	_, err := rt.Join(context.Background(), "doc1", "bob", "c1", sig)
	assert.ErrorIs(t, err, core.ErrNoAccess)
	assert.Len(t, rt.Registry.List(), 0)

	// The creator still gets in.
	_, err = rt.Join(context.Background(), "doc1", "alice", "c2", sig)
	assert.NoError(t, err)
}

func TestRouterMutationFanOutExcludesSender(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, aliceSig := joinConn(t, rt, "doc1", "c1", "alice")
	_, bobSig := joinConn(t, rt, "doc1", "c2", "bob")

	m := core.Mutation{Kind: core.MutationTextBlockAdd, SlideID: "s1", BlockID: "b1",
		Payload: json.RawMessage(`{"id":"b1","content":"hi"}`)}
	require.NoError(t, rt.Mutate(res.Room, "c2", m))

	got := aliceSig.byType("mutation")
	require.Len(t, got, 1, "alice receives exactly one mutation broadcast")
	mut := got[0]["mutation"].(map[string]any)
	assert.Equal(t, "text_block_add", mut["kind"])
	assert.Empty(t, bobSig.byType("mutation"), "sender is excluded")
}

func TestRouterViewerMutationsRejected(t *testing.T) {
	doc := testDocument("doc1", 2)
	doc.Settings = domain.Settings{IsPublic: true, AllowAnonymousEdit: false, MaxParticipants: domain.DefaultMaxParticipants}
	rt := newTestRouter(doc)
	res, aliceSig := joinConn(t, rt, "doc1", "c1", "alice")
	_, _ = joinConn(t, rt, "doc1", "c2", "bob") // viewer: public, no anonymous edit

	kinds := []core.MutationKind{
		core.MutationSlideAdd,
		core.MutationSlideDelete,
		core.MutationTextBlockAdd,
		core.MutationTextBlockUpdate,
		core.MutationTextBlockDelete,
	}
	for _, kind := range kinds {
		err := rt.Mutate(res.Room, "c2", core.Mutation{Kind: kind, SlideID: "s1"})
		assert.ErrorIs(t, err, core.ErrForbidden, string(kind))
	}
	assert.Empty(t, aliceSig.byType("mutation"), "rejected mutations never reach others")
}

func TestRouterLastSlideDeleteRejected(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, _ := joinConn(t, rt, "doc1", "c1", "alice")

	// Even the creator cannot empty the deck.
	err := rt.Mutate(res.Room, "c1", core.Mutation{Kind: core.MutationSlideDelete, SlideID: "s0"})
	assert.ErrorIs(t, err, core.ErrLastSlide)
}

func TestRouterSlideCountTracksMutations(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, _ := joinConn(t, rt, "doc1", "c1", "alice")

	require.NoError(t, rt.Mutate(res.Room, "c1", core.Mutation{Kind: core.MutationSlideAdd}))
	assert.Equal(t, 2, res.Room.AccessSnapshot().SlideCount)

	require.NoError(t, rt.Mutate(res.Room, "c1", core.Mutation{Kind: core.MutationSlideDelete, SlideID: "s1"}))
	assert.Equal(t, 1, res.Room.AccessSnapshot().SlideCount)

	err := rt.Mutate(res.Room, "c1", core.Mutation{Kind: core.MutationSlideDelete, SlideID: "s0"})
	assert.ErrorIs(t, err, core.ErrLastSlide)
}

func TestRouterUnknownMutationKind(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, _ := joinConn(t, rt, "doc1", "c1", "alice")
	err := rt.Mutate(res.Room, "c1", core.Mutation{Kind: "drop_table"})
	assert.ErrorIs(t, err, core.ErrUnknownMutation)
}

func TestRouterMutationFromStranger(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, _ := joinConn(t, rt, "doc1", "c1", "alice")
	err := rt.Mutate(res.Room, "ghost", core.Mutation{Kind: core.MutationSlideAdd})
	assert.ErrorIs(t, err, core.ErrNotJoined)
}

func TestRouterCursorAllowedForViewer(t *testing.T) {
	doc := testDocument("doc1", 1)
	doc.Settings = domain.Settings{IsPublic: true, AllowAnonymousEdit: false, MaxParticipants: domain.DefaultMaxParticipants}
	rt := newTestRouter(doc)
	res, aliceSig := joinConn(t, rt, "doc1", "c1", "alice")
	_, bobSig := joinConn(t, rt, "doc1", "c2", "bob")

	require.NoError(t, rt.Cursor(res.Room, "c2", core.CursorEvent{SlideID: "s1", X: 4, Y: 2}))
	require.Len(t, aliceSig.byType("cursor"), 1)
	assert.Empty(t, bobSig.byType("cursor"), "sender excluded from cursor fan-out")
}

func TestRouterRevocationAppliesWithoutReconnect(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, _ := joinConn(t, rt, "doc1", "c1", "alice")
	_, bobSig := joinConn(t, rt, "doc1", "c2", "bob")

	require.NoError(t, rt.Mutate(res.Room, "c2", core.Mutation{Kind: core.MutationTextBlockAdd, SlideID: "s1"}))

	// alice flips the document private mid-session.
	view := res.Room.AccessSnapshot()
	view.Settings = domain.Settings{IsPublic: false, MaxParticipants: domain.DefaultMaxParticipants}
	rt.SettingsChanged("doc1", view)

	require.Len(t, bobSig.byType("settings"), 1, "settings snapshot reaches everyone")
	err := rt.Mutate(res.Room, "c2", core.Mutation{Kind: core.MutationTextBlockAdd, SlideID: "s1"})
	assert.ErrorIs(t, err, core.ErrNoAccess, "bob's next mutation is rejected without reconnect")
}

func TestRouterLeaveRebroadcastsAndEvicts(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, _ := joinConn(t, rt, "doc1", "c1", "alice")
	_, bobSig := joinConn(t, rt, "doc1", "c2", "bob")

	assert.True(t, rt.Leave(res.Room, "c2"))
	assert.False(t, rt.Leave(res.Room, "c2"), "duplicate leave is a no-op")
	// bob's own departure broadcast count stays at the join-time one.
	assert.Len(t, bobSig.byType("roster"), 1)

	assert.True(t, rt.Leave(res.Room, "c1"))
	_, ok := rt.Registry.Get("doc1")
	assert.False(t, ok, "empty room is evicted")
}

func TestRouterKicksSlowParticipant(t *testing.T) {
	rt := newTestRouter(testDocument("doc1", 1))
	res, _ := joinConn(t, rt, "doc1", "c1", "alice")

	slowSig := &fakeSignal{}
	_, err := rt.Join(context.Background(), "doc1", "bob", "c2", slowSig)
	require.NoError(t, err)

	// The buffer fills up after the join completed.
	slowSig.mu.Lock()
	slowSig.fail = true
	slowSig.mu.Unlock()

	require.NoError(t, rt.Mutate(res.Room, "c1", core.Mutation{Kind: core.MutationTextBlockAdd, SlideID: "s1"}))

	slowSig.mu.Lock()
	closed := slowSig.closed
	slowSig.mu.Unlock()
	assert.True(t, closed, "slow connection is closed")
	_, stillThere := res.Room.Participant("c2")
	assert.False(t, stillThere, "slow participant removed from roster")
}
