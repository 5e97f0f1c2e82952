// ABOUTME: Tests for the device session Registry.
// ABOUTME: Validates reject-new acquire, identity-checked release, and concurrent acquisition.

package device

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return NewSession(SessionParams{Conn: server})
}

func TestRegistry_AcquireRejectsSecondSession(t *testing.T) {
	r := NewRegistry(nil)
	first := newTestSession(t)
	second := newTestSession(t)

	require.True(t, r.Acquire("A", first))
	assert.False(t, r.Acquire("A", second), "second session for the same name must be refused")

	got, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReleaseRequiresIdentity(t *testing.T) {
	r := NewRegistry(nil)
	stale := newTestSession(t)
	current := newTestSession(t)

	require.True(t, r.Acquire("A", stale))
	require.True(t, r.Release("A", stale))
	require.True(t, r.Acquire("A", current))

	// A late release from the superseded session must not evict the new one.
	assert.False(t, r.Release("A", stale))
	got, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Same(t, current, got)

	assert.True(t, r.Release("A", current))
	_, ok = r.Lookup("A")
	assert.False(t, ok)
	assert.False(t, r.Release("A", current), "double release is a no-op")
}

func TestRegistry_ConcurrentAcquireSingleWinner(t *testing.T) {
	r := NewRegistry(nil)

	const contenders = 32
	sessions := make([]*Session, contenders)
	for i := range sessions {
		sessions[i] = newTestSession(t)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			<-start
			if r.Acquire("A", s) {
				wins.Add(1)
			}
		}(s)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ListSortedByName(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"gamma", "alpha", "beta"} {
		require.True(t, r.Acquire(name, newTestSession(t)))
	}

	list := r.List()
	require.Len(t, list, 3)

	var names []string
	for name := range r.sessions.Items() {
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, names)

	a, _ := r.Lookup("alpha")
	b, _ := r.Lookup("beta")
	g, _ := r.Lookup("gamma")
	assert.Equal(t, []*Session{a, b, g}, list)
}

func TestRegistry_LookupMissing(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Lookup("nope")
	assert.False(t, ok)
	assert.Empty(t, r.List())
}
