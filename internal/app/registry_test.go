package app

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

func testAccess() domain.AccessView {
	return domain.AccessView{
		CreatedBy:  "alice",
		Settings:   domain.Settings{IsPublic: true, AllowAnonymousEdit: true, MaxParticipants: domain.DefaultMaxParticipants},
		SlideCount: 1,
	}
}

func TestRegistryGetOrCreateSingleInstance(t *testing.T) {
	reg := NewSessionRegistry()

	const callers = 64
	rooms := make([]*core.Room, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			rooms[i] = reg.GetOrCreate("doc1", testAccess())
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, rooms[0], rooms[i], "all concurrent first-joins must observe one room")
	}
}

func TestRegistryPerDocumentIsolation(t *testing.T) {
	reg := NewSessionRegistry()
	r1 := reg.GetOrCreate("doc1", testAccess())
	r2 := reg.GetOrCreate("doc2", testAccess())
	assert.NotSame(t, r1, r2)
	assert.Len(t, reg.List(), 2)
}

func TestRegistryReleaseIfEmpty(t *testing.T) {
	reg := NewSessionRegistry()
	room := reg.GetOrCreate("doc1", testAccess())

	ps, _ := newTestSession("c1", "alice", domain.RoleCreator)
	_, err := room.Join(ps)
	require.NoError(t, err)

	assert.False(t, reg.ReleaseIfEmpty("doc1"), "occupied room stays")
	_, ok := reg.Get("doc1")
	assert.True(t, ok)

	room.Leave("c1")
	assert.True(t, reg.ReleaseIfEmpty("doc1"))
	_, ok = reg.Get("doc1")
	assert.False(t, ok)

	assert.False(t, reg.ReleaseIfEmpty("doc1"), "eviction of a missing room is a no-op")
}

func TestRegistryEvictionNeverStrandsAJoin(t *testing.T) {
	reg := NewSessionRegistry()

	// Hammer join/leave against eviction; every joiner must end up in
	// a live registered room (retrying like the router does).
	const iterations = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			ps, _ := newTestSession("c1", "alice", domain.RoleCreator)
			for {
				room := reg.GetOrCreate("doc1", testAccess())
				if _, err := room.Join(ps); err == nil {
					current, ok := reg.Get("doc1")
					if !ok || current != room {
						t.Errorf("joined a room missing from the registry")
					}
					room.Leave("c1")
					break
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			reg.ReleaseIfEmpty("doc1")
		}
	}()
	wg.Wait()
}

func TestRegistryOnlineCount(t *testing.T) {
	reg := NewSessionRegistry()
	assert.Equal(t, 0, reg.OnlineCount("doc1"), "no room, no connections")

	room := reg.GetOrCreate("doc1", testAccess())
	ps, _ := newTestSession("c1", "alice", domain.RoleCreator)
	_, err := room.Join(ps)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.OnlineCount("doc1"))
}
