// ABOUTME: Tests for the filesystem transport: lifecycle, send/receive, broadcast, reservations.
// ABOUTME: Spins up multiple transports over one shared root to act as independent agents.

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-drop/internal/config"
	"github.com/2389/coven-drop/internal/inbox"
	"github.com/2389/coven-drop/internal/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Timing.HeartbeatInterval = 50 * time.Millisecond
	cfg.Timing.StaleAfter = time.Second
	cfg.Timing.PollInterval = 20 * time.Millisecond
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config, id, name string) *FS {
	t.Helper()
	tr, err := New(cfg, Identity{AgentID: id, Name: name, Role: "worker"}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func receiveOne(t *testing.T, ch <-chan *inbox.Message) *inbox.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "message stream closed early")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(cfg, Identity{}, nil)
	assert.Error(t, err, "agent id required")

	bad := config.Default()
	bad.Root = ""
	_, err = New(bad, Identity{AgentID: "a"}, nil)
	assert.Error(t, err, "invalid config rejected at construction")
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, Identity{AgentID: "agent-a", Name: "Alice"}, nil)
	require.NoError(t, err)

	// Operations before Start fail with a typed error.
	_, err = tr.Send("anyone", "hi", "message", nil, "")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = tr.ListAgents()
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, tr.Start(context.Background()))
	// Starting twice is a no-op.
	require.NoError(t, tr.Start(context.Background()))

	agents, err := tr.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-a", agents[0].AgentID)

	require.NoError(t, tr.Stop())
	// Stop is idempotent.
	require.NoError(t, tr.Stop())

	// stopped is terminal.
	assert.Error(t, tr.Start(context.Background()))
}

func TestStop_WithoutStartIsNoOp(t *testing.T) {
	tr, err := New(testConfig(t), Identity{AgentID: "agent-a"}, nil)
	require.NoError(t, err)
	assert.NoError(t, tr.Stop())
}

func TestStop_ReversesStartSideEffects(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "Alice")
	b := startAgent(t, cfg, "agent-b", "Bob")

	ok, err := a.Reserve([]string{"f.csv", "g.csv"}, "working")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Stop())

	// A's presence is gone and its reservations are released.
	agents, err := b.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-b", agents[0].AgentID)

	ok, err = b.Reserve([]string{"f.csv", "g.csv"}, "takeover")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSend_PingPongScenario(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "A")
	b := startAgent(t, cfg, "agent-b", "B")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingID, err := a.Send("B", "ping", "message", nil, "")
	require.NoError(t, err)

	ping := receiveOne(t, b.Messages(ctx))
	assert.Equal(t, "ping", ping.Content)
	assert.Equal(t, "agent-a", ping.From)
	assert.Equal(t, pingID, ping.ID)

	_, err = b.Send("A", "pong", "message", nil, ping.ID)
	require.NoError(t, err)

	pong := receiveOne(t, a.Messages(ctx))
	assert.Equal(t, "pong", pong.Content)
	assert.Equal(t, pingID, pong.ReplyTo)
}

func TestSend_UnknownRecipient(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "Alice")

	_, err := a.Send("nobody", "hello", "message", nil, "")
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestSend_ResolvesByNameCaseInsensitive(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "Alice")
	b := startAgent(t, cfg, "agent-b", "Bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := a.Send("bob", "hi there", "message", nil, "")
	require.NoError(t, err)

	msg := receiveOne(t, b.Messages(ctx))
	assert.Equal(t, "hi there", msg.Content)
	assert.Equal(t, "agent-b", msg.To)
}

func TestBroadcastAndChannelMessages(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "Alice")
	b := startAgent(t, cfg, "agent-b", "Bob")

	require.NoError(t, a.Broadcast("general", "hello everyone", map[string]any{"k": 1}))
	require.NoError(t, b.Broadcast("general", "hi", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := b.ChannelMessages(ctx, "general", 0)

	first := <-stream
	assert.Equal(t, "hello everyone", first.Content)
	assert.Equal(t, "agent-a", first.From)
	assert.Equal(t, 0, first.Offset)

	second := <-stream
	assert.Equal(t, "hi", second.Content)
	assert.Equal(t, 1, second.Offset)

	// Late entries reach an already-running stream.
	require.NoError(t, a.Broadcast("general", "late", nil))
	select {
	case third := <-stream:
		assert.Equal(t, "late", third.Content)
		assert.Equal(t, 2, third.Offset)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for late broadcast")
	}
}

func TestReserve_ConflictScenario(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "A")
	b := startAgent(t, cfg, "agent-b", "B")

	ok, err := a.Reserve([]string{"f.csv"}, "processing")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Reserve([]string{"f.csv", "g.csv"}, "processing")
	require.NoError(t, err)
	assert.False(t, ok)

	// g.csv remained unreserved.
	active, err := b.Reservations()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "f.csv", active[0].Resource)

	require.NoError(t, a.Release([]string{"f.csv"}))
	ok, err = b.Reserve([]string{"f.csv", "g.csv"}, "processing")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetStatusAndWhoIs(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "Alice")

	require.NoError(t, a.SetStatus("busy", "crunching f.csv"))

	rec, err := a.WhoIs("Alice")
	require.NoError(t, err)
	assert.Equal(t, "busy", rec.Status)
	assert.Equal(t, "crunching f.csv", rec.Message)
}

func TestHeartbeat_RejoinsAfterForeignGC(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "Alice")

	// Simulate a foreign GC removing our record out from under us.
	require.NoError(t, a.registry.Leave("agent-a"))

	// The presence loop notices within a heartbeat interval and rejoins.
	require.Eventually(t, func() bool {
		agents, err := a.ListAgents()
		return err == nil && len(agents) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFeed_RecordsLifecycleEvents(t *testing.T) {
	cfg := testConfig(t)
	a := startAgent(t, cfg, "agent-a", "Alice")
	b := startAgent(t, cfg, "agent-b", "Bob")

	_, err := a.Send("agent-b", "hello", "message", nil, "")
	require.NoError(t, err)
	require.NoError(t, a.Broadcast("general", "all hands", nil))
	ok, err := a.Reserve([]string{"f.csv"}, "work")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Stop())

	events, err := a.FeedTail(0)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, ev := range events {
		names[ev.Name] = true
	}
	for _, want := range []string{"agent_joined", "message_sent", "broadcast_sent", "reservation_acquired", "agent_left"} {
		assert.True(t, names[want], "missing feed event %s", want)
	}
}

func TestTransportInterfaceCompliance(t *testing.T) {
	var _ Transport = (*FS)(nil)
}
