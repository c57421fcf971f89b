// ABOUTME: Tests for the presence registry: join/leave, heartbeat, liveness, GC.
// ABOUTME: Uses the test process pid as the live subject and huge pids as dead ones.

package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-drop/internal/fsio"
)

// deadPID is far above any real pid_max so the liveness probe always fails.
const deadPID = 1 << 30

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(t.TempDir(), 30*time.Second, "", nil)
}

func testRecord(id, name string) *Record {
	return &Record{
		AgentID:  id,
		Name:     name,
		PID:      os.Getpid(),
		Hostname: "test-host",
		Cwd:      "/tmp/work",
		Role:     "worker",
		Status:   "idle",
	}
}

func TestRegistry_JoinAndListActive(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Join(testRecord("agent-a", "Alice")))
	require.NoError(t, r.Join(testRecord("agent-b", "Bob")))

	active, err := r.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "agent-a", active[0].AgentID)
	assert.Equal(t, "agent-b", active[1].AgentID)
	assert.False(t, active[0].JoinedAt.IsZero())
	assert.False(t, active[0].LastSeen.IsZero())
}

func TestRegistry_Join_RequiresID(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.Join(&Record{Name: "anonymous"}))
}

func TestRegistry_Leave(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Join(testRecord("agent-a", "Alice")))
	require.NoError(t, r.Leave("agent-a"))

	active, err := r.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	// Leaving twice is fine.
	assert.NoError(t, r.Leave("agent-a"))
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Join(testRecord("agent-a", "Alice")))

	before, err := r.Resolve("agent-a")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Heartbeat("agent-a", "busy", "crunching f.csv"))

	after, err := r.Resolve("agent-a")
	require.NoError(t, err)
	assert.True(t, after.LastSeen.After(before.LastSeen))
	assert.Equal(t, "busy", after.Status)
	assert.Equal(t, "crunching f.csv", after.Message)
	// JoinedAt is not touched by heartbeats.
	assert.Equal(t, before.JoinedAt, after.JoinedAt)
}

func TestRegistry_Heartbeat_MissingRecord(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Heartbeat("ghost", "", "")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_DeadPIDExcludedImmediately(t *testing.T) {
	r := newTestRegistry(t)

	rec := testRecord("agent-dead", "Deadbeef")
	rec.PID = deadPID
	require.NoError(t, r.Join(rec))
	// Heartbeat is fresh; only the PID probe can exclude it.

	active, err := r.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	removed, err := r.GCStale()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-dead"}, removed)
}

func TestRegistry_StaleHeartbeatExcluded(t *testing.T) {
	r := New(t.TempDir(), 50*time.Millisecond, "", nil)
	require.NoError(t, r.Join(testRecord("agent-a", "Alice")))

	time.Sleep(80 * time.Millisecond)

	active, err := r.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	removed, err := r.GCStale()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a"}, removed)
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Join(testRecord("agent-a", "Alice")))

	t.Run("by id", func(t *testing.T) {
		rec, err := r.Resolve("agent-a")
		require.NoError(t, err)
		assert.Equal(t, "Alice", rec.Name)
	})

	t.Run("by name, case-insensitive", func(t *testing.T) {
		rec, err := r.Resolve("alice")
		require.NoError(t, err)
		assert.Equal(t, "agent-a", rec.AgentID)
	})

	t.Run("id and name resolve to the same record", func(t *testing.T) {
		byID, err := r.Resolve("agent-a")
		require.NoError(t, err)
		byName, err := r.Resolve("Alice")
		require.NoError(t, err)
		assert.Equal(t, byID.AgentID, byName.AgentID)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := r.Resolve("nobody")
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})
}

func TestRegistry_CwdScoping(t *testing.T) {
	dir := t.TempDir()
	scoped := New(dir, 30*time.Second, "/tmp/work", nil)
	unscoped := New(dir, 30*time.Second, "", nil)

	inScope := testRecord("agent-in", "In")
	outOfScope := testRecord("agent-out", "Out")
	outOfScope.Cwd = "/tmp/elsewhere"
	require.NoError(t, scoped.Join(inScope))
	require.NoError(t, scoped.Join(outOfScope))

	active, err := scoped.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-in", active[0].AgentID)

	all, err := unscoped.ListActive()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRegistry_MalformedRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 30*time.Second, "", nil)

	require.NoError(t, r.Join(testRecord("agent-a", "Alice")))
	require.NoError(t, fsio.WriteAtomic(filepath.Join(dir, "broken.json"), []byte("{half a rec")))

	active, err := r.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-a", active[0].AgentID)
}

func TestRegistry_RecordJSONShape(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 30*time.Second, "", nil)
	require.NoError(t, r.Join(testRecord("agent-a", "Alice")))

	data, err := os.ReadFile(filepath.Join(dir, "agent-a.json"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"agent_id", "name", "pid", "hostname", "cwd", "role", "status", "message", "joined_at", "last_seen"} {
		assert.Contains(t, raw, key)
	}
}
