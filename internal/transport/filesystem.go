// ABOUTME: Filesystem transport orchestrator: composes registry, inbox, channels, reservations, feed.
// ABOUTME: Owns the agent lifecycle — join, heartbeat/GC loop, graceful leave.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389/coven-drop/internal/channel"
	"github.com/2389/coven-drop/internal/config"
	"github.com/2389/coven-drop/internal/feed"
	"github.com/2389/coven-drop/internal/inbox"
	"github.com/2389/coven-drop/internal/registry"
	"github.com/2389/coven-drop/internal/reserve"
)

// Identity names the agent an FS transport instance acts as.
type Identity struct {
	AgentID string
	Name    string
	Role    string
	Status  string
}

// Lifecycle states. stopped is terminal.
const (
	stateNotStarted = iota
	stateStarted
	stateStopped
)

// FS is the filesystem-backed Transport implementation.
type FS struct {
	cfg    *config.Config
	id     Identity
	logger *slog.Logger

	registry     *registry.Registry
	inbox        *inbox.Manager
	channels     *channel.Manager
	reservations *reserve.Manager
	feed         *feed.Feed

	mu     sync.Mutex
	state  int
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*FS)(nil)

// New creates a filesystem transport for one agent over cfg.Root. Nothing
// touches the disk until Start.
func New(cfg *config.Config, id Identity, logger *slog.Logger) (*FS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if id.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if id.Name == "" {
		id.Name = id.AgentID
	}
	if id.Status == "" {
		id.Status = "online"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", id.AgentID)

	scopeCwd := ""
	if cfg.ScopeToCwd {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		scopeCwd = cwd
	}

	return &FS{
		cfg:    cfg,
		id:     id,
		logger: logger,
		registry: registry.New(
			filepath.Join(cfg.Root, "registry"), cfg.Timing.StaleAfter, scopeCwd, logger),
		inbox: inbox.New(
			filepath.Join(cfg.Root, "inbox"), id.AgentID,
			cfg.Timing.MessageTTL, cfg.Timing.PollInterval,
			cfg.Inbox.KeepProcessed, cfg.Notify == "poll", logger),
		channels: channel.New(filepath.Join(cfg.Root, "channels"), logger),
		reservations: reserve.New(
			filepath.Join(cfg.Root, "reservations"), id.AgentID, cfg.Timing.ReservationTTL, logger),
		feed: feed.New(filepath.Join(cfg.Root, "feed.jsonl"), cfg.Feed.MaxEntries, logger),
	}, nil
}

// Start creates the on-disk layout, registers presence, and launches the
// background presence loop. Failure to establish the layout or presence is
// fatal; a transport that cannot register must not pretend to be running.
func (t *FS) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateStarted:
		return nil
	case stateStopped:
		return fmt.Errorf("transport is stopped")
	}

	for _, dir := range []string{"registry", "inbox", "channels", "reservations"} {
		if err := os.MkdirAll(filepath.Join(t.cfg.Root, dir), 0o755); err != nil {
			return fmt.Errorf("creating layout under %s: %w", t.cfg.Root, err)
		}
	}
	if _, err := t.inbox.OwnerDir(); err != nil {
		return err
	}

	if err := t.registry.Join(t.selfRecord()); err != nil {
		return fmt.Errorf("registering presence: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.presenceLoop(loopCtx)

	t.state = stateStarted
	t.emit("agent_joined", map[string]any{
		"agent_id": t.id.AgentID,
		"name":     t.id.Name,
		"role":     t.id.Role,
		"pid":      os.Getpid(),
	})
	t.logger.Info("transport started", "root", t.cfg.Root)
	return nil
}

// Stop cancels the presence loop, releases all reservations, and deregisters
// presence. Idempotent; a Stop without a prior Start is a no-op.
func (t *FS) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateNotStarted:
		t.state = stateStopped
		return nil
	case stateStopped:
		return nil
	}
	t.state = stateStopped

	t.cancel()
	<-t.done

	var errs []error
	if err := t.reservations.ReleaseAll(); err != nil {
		errs = append(errs, fmt.Errorf("releasing reservations: %w", err))
	}
	if err := t.registry.Leave(t.id.AgentID); err != nil {
		errs = append(errs, fmt.Errorf("deregistering: %w", err))
	}
	t.emit("agent_left", map[string]any{"agent_id": t.id.AgentID, "name": t.id.Name})
	t.logger.Info("transport stopped")
	return errors.Join(errs...)
}

// Send resolves the recipient through the registry and delivers to its inbox.
func (t *FS) Send(to, content, msgType string, payload map[string]any, replyTo string) (string, error) {
	if err := t.requireStarted(); err != nil {
		return "", err
	}

	rec, err := t.registry.Resolve(to)
	if err != nil {
		return "", fmt.Errorf("resolving recipient %q: %w", to, err)
	}

	id, err := t.inbox.Deliver(rec.AgentID, content, msgType, payload, replyTo, t.id.Name)
	if err != nil {
		return "", err
	}

	t.emit("message_sent", map[string]any{
		"message_id": id,
		"from":       t.id.AgentID,
		"to":         rec.AgentID,
		"type":       msgType,
	})
	return id, nil
}

// Broadcast appends an entry to a channel log.
func (t *FS) Broadcast(channelName, content string, payload map[string]any) error {
	if err := t.requireStarted(); err != nil {
		return err
	}
	if err := t.channels.Publish(channelName, t.id.AgentID, t.id.Name, content, payload); err != nil {
		return err
	}
	t.emit("broadcast_sent", map[string]any{"channel": channelName, "from": t.id.AgentID})
	return nil
}

// Messages forwards the inbox's lazy message stream.
func (t *FS) Messages(ctx context.Context) <-chan *inbox.Message {
	return t.inbox.Poll(ctx)
}

// ChannelMessages streams a channel's entries starting at sinceOffset. This
// is an extension beyond the Transport interface, specific to the filesystem
// implementation.
func (t *FS) ChannelMessages(ctx context.Context, channelName string, sinceOffset int) <-chan channel.Entry {
	out := make(chan channel.Entry)

	go func() {
		defer close(out)
		offset := sinceOffset
		for {
			entries, err := t.channels.Poll(channelName, offset)
			if err != nil {
				t.logger.Warn("channel poll failed", "channel", channelName, "error", err)
			}
			for _, entry := range entries {
				select {
				case out <- entry:
					offset = entry.Offset + 1
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.Timing.PollInterval):
			}
		}
	}()

	return out
}

// ListAgents returns all currently-active agents.
func (t *FS) ListAgents() ([]*registry.Record, error) {
	if err := t.requireStarted(); err != nil {
		return nil, err
	}
	return t.registry.ListActive()
}

// WhoIs resolves an agent by id or display name. Transport-specific extension.
func (t *FS) WhoIs(nameOrID string) (*registry.Record, error) {
	if err := t.requireStarted(); err != nil {
		return nil, err
	}
	return t.registry.Resolve(nameOrID)
}

// Reserve attempts an all-or-nothing advisory lock on the given resources.
func (t *FS) Reserve(resources []string, reason string) (bool, error) {
	if err := t.requireStarted(); err != nil {
		return false, err
	}
	ok, err := t.reservations.Acquire(resources, reason, 0)
	if err != nil || !ok {
		return ok, err
	}
	t.emit("reservation_acquired", map[string]any{
		"agent_id":  t.id.AgentID,
		"resources": resources,
		"reason":    reason,
	})
	return true, nil
}

// Release drops this agent's reservations on the given resources.
func (t *FS) Release(resources []string) error {
	if err := t.requireStarted(); err != nil {
		return err
	}
	if err := t.reservations.Release(resources); err != nil {
		return err
	}
	t.emit("reservation_released", map[string]any{
		"agent_id":  t.id.AgentID,
		"resources": resources,
	})
	return nil
}

// Reservations lists all live reservations. Transport-specific extension.
func (t *FS) Reservations() ([]*reserve.Reservation, error) {
	if err := t.requireStarted(); err != nil {
		return nil, err
	}
	return t.reservations.ListActive()
}

// SetStatus updates this agent's advertised status and status message.
func (t *FS) SetStatus(status, message string) error {
	if err := t.requireStarted(); err != nil {
		return err
	}
	if err := t.registry.Heartbeat(t.id.AgentID, status, message); err != nil {
		return err
	}
	t.id.Status = status
	t.emit("status_changed", map[string]any{
		"agent_id": t.id.AgentID,
		"status":   status,
		"message":  message,
	})
	return nil
}

// FeedTail returns the most recent n activity-feed events, oldest first.
// Transport-specific extension.
func (t *FS) FeedTail(n int) ([]feed.Event, error) {
	return t.feed.Tail(n)
}

// presenceLoop refreshes this agent's heartbeat and collects stale agents on
// a fixed interval. A failed cycle is logged and the loop continues: one bad
// heartbeat must not take the agent down.
func (t *FS) presenceLoop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := t.registry.Heartbeat(t.id.AgentID, "", ""); err != nil {
			if errors.Is(err, registry.ErrAgentNotFound) {
				// Someone GC'd us while we were alive; rejoin.
				if joinErr := t.registry.Join(t.selfRecord()); joinErr != nil {
					t.logger.Warn("rejoin failed", "error", joinErr)
				}
			} else {
				t.logger.Warn("heartbeat failed", "error", err)
			}
		}

		if _, err := t.registry.GCStale(); err != nil {
			t.logger.Warn("stale-agent collection failed", "error", err)
		}
	}
}

func (t *FS) selfRecord() *registry.Record {
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	return &registry.Record{
		AgentID:  t.id.AgentID,
		Name:     t.id.Name,
		PID:      os.Getpid(),
		Hostname: hostname,
		Cwd:      cwd,
		Role:     t.id.Role,
		Status:   t.id.Status,
	}
}

func (t *FS) requireStarted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateStarted {
		return ErrNotStarted
	}
	return nil
}

// emit records a feed event. Feed failures are observability problems, not
// operation failures.
func (t *FS) emit(event string, data map[string]any) {
	if err := t.feed.Emit(event, data); err != nil {
		t.logger.Warn("feed emit failed", "event", event, "error", err)
	}
}
