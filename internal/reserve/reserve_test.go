// ABOUTME: Tests for reservation acquire/release, all-or-nothing semantics, and TTL expiry.
// ABOUTME: Two managers over one directory stand in for two independent agents.

package reserve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	dir := t.TempDir()
	a := New(dir, "agent-a", time.Hour, nil)
	b := New(dir, "agent-b", time.Hour, nil)
	return a, b
}

func TestAcquire(t *testing.T) {
	a, _ := newPair(t)

	ok, err := a.Acquire([]string{"f.csv"}, "processing", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := a.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "f.csv", active[0].Resource)
	assert.Equal(t, "agent-a", active[0].AgentID)
	assert.Equal(t, "processing", active[0].Reason)
	assert.True(t, active[0].ExpiresAt.After(active[0].AcquiredAt))
}

func TestAcquire_EmptyList(t *testing.T) {
	a, _ := newPair(t)
	_, err := a.Acquire(nil, "nothing", 0)
	assert.Error(t, err)
}

func TestAcquire_ConflictIsAllOrNothing(t *testing.T) {
	a, b := newPair(t)

	ok, err := a.Acquire([]string{"f.csv"}, "work", 0)
	require.NoError(t, err)
	require.True(t, ok)

	// B wants f.csv (held) and g.csv (free): must fail with no side effects.
	ok, err = b.Acquire([]string{"f.csv", "g.csv"}, "work", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := b.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "f.csv", active[0].Resource)
	assert.Equal(t, "agent-a", active[0].AgentID)

	// g.csv stayed free, so B can take it on its own.
	ok, err = b.Acquire([]string{"g.csv"}, "work", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquire_SameOwnerRenews(t *testing.T) {
	a, _ := newPair(t)

	ok, err := a.Acquire([]string{"f.csv"}, "first pass", 0)
	require.NoError(t, err)
	require.True(t, ok)
	first, err := a.ListActive()
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	ok, err = a.Acquire([]string{"f.csv"}, "second pass", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	renewed, err := a.ListActive()
	require.NoError(t, err)
	require.Len(t, renewed, 1)
	assert.True(t, renewed[0].ExpiresAt.After(first[0].ExpiresAt))
	assert.Equal(t, "second pass", renewed[0].Reason)
}

func TestAcquire_ExpiredReservationIsFree(t *testing.T) {
	a, b := newPair(t)

	ok, err := a.Acquire([]string{"f.csv"}, "short", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire([]string{"f.csv"}, "waiting", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = b.Acquire([]string{"f.csv"}, "takeover", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListActive_DropsExpired(t *testing.T) {
	a, _ := newPair(t)

	ok, err := a.Acquire([]string{"f.csv"}, "short", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	active, err := a.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	// The expired record was physically removed during listing.
	entries, err := os.ReadDir(a.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRelease(t *testing.T) {
	a, b := newPair(t)

	ok, err := a.Acquire([]string{"f.csv", "g.csv"}, "work", 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Acquire([]string{"h.csv"}, "other", 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing another agent's resource is a no-op.
	require.NoError(t, a.Release([]string{"g.csv", "h.csv", "unreserved.csv"}))

	active, err := a.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "f.csv", active[0].Resource)
	assert.Equal(t, "h.csv", active[1].Resource)
}

func TestReleaseAll(t *testing.T) {
	a, b := newPair(t)

	ok, err := a.Acquire([]string{"f.csv", "g.csv"}, "work", 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Acquire([]string{"h.csv"}, "other", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.ReleaseAll())

	active, err := a.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-b", active[0].AgentID)
}

func TestKey_StableDerivation(t *testing.T) {
	// The on-disk key scheme is load-bearing for interop with existing
	// reservation files: fixed length, hex, deterministic.
	k := Key("f.csv")
	assert.Len(t, k, keyLen)
	assert.Equal(t, k, Key("f.csv"))
	assert.NotEqual(t, k, Key("g.csv"))

	a, _ := newPair(t)
	ok, err := a.Acquire([]string{"f.csv"}, "work", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = os.Stat(filepath.Join(a.dir, k+".json"))
	assert.NoError(t, err)
}
