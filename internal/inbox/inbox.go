// ABOUTME: Per-agent point-to-point inboxes with atomic delivery and exactly-once consumption.
// ABOUTME: Claiming a message renames it out of the pending set before it is handed to the caller.

package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-drop/internal/fsio"
	"github.com/2389/coven-drop/internal/watch"
)

// processedDir is the sub-directory a consumed message is moved into when
// processed messages are retained.
const processedDir = ".processed"

// Message is one point-to-point delivery.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	FromName  string         `json:"from_name"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the message's time-to-live has elapsed.
func (m *Message) Expired() bool {
	return time.Now().After(m.ExpiresAt)
}

// Manager delivers messages into recipient inbox directories and streams the
// owner's own inbox. One Manager instance belongs to one agent.
type Manager struct {
	root          string // the shared inbox/ directory
	owner         string
	ttl           time.Duration
	pollInterval  time.Duration
	keepProcessed bool
	forcePoll     bool
	logger        *slog.Logger
}

// New creates an inbox manager for the given owner agent. root is the shared
// inbox directory that holds one sub-directory per agent. forcePoll disables
// filesystem notifications in favor of fixed-interval rescanning.
func New(root, owner string, ttl, pollInterval time.Duration, keepProcessed, forcePoll bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:          root,
		owner:         owner,
		ttl:           ttl,
		pollInterval:  pollInterval,
		keepProcessed: keepProcessed,
		forcePoll:     forcePoll,
		logger:        logger.With("component", "inbox", "agent_id", owner),
	}
}

// OwnerDir returns the owner's pending-message directory, creating it if needed.
func (m *Manager) OwnerDir() (string, error) {
	dir := filepath.Join(m.root, m.owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating inbox dir for %s: %w", m.owner, err)
	}
	return dir, nil
}

// Deliver writes a message into the recipient's inbox and returns its id.
// The write is temp-then-rename, so a concurrent poller never observes a
// partial message regardless of payload size.
func (m *Manager) Deliver(to, content, msgType string, payload map[string]any, replyTo string, fromName string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if msgType == "" {
		msgType = "message"
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:        uuid.New().String(),
		From:      m.owner,
		FromName:  fromName,
		To:        to,
		Type:      msgType,
		Content:   content,
		Payload:   payload,
		ReplyTo:   replyTo,
		Timestamp: now,
		ExpiresAt: now.Add(m.ttl),
	}

	dir := filepath.Join(m.root, to)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating inbox dir for %s: %w", to, err)
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	if err := fsio.WriteAtomic(filepath.Join(dir, msg.ID+".json"), data); err != nil {
		return "", fmt.Errorf("delivering message %s to %s: %w", msg.ID, to, err)
	}

	m.logger.Debug("message delivered", "message_id", msg.ID, "to", to, "type", msgType)
	return msg.ID, nil
}

// Poll returns a long-lived stream of the owner's messages. Each message is
// claimed (moved out of the pending set) before it is sent on the channel, so
// across all concurrent Poll streams a message is yielded at most once.
// Expired messages are silently removed. The channel closes when ctx is done.
func (m *Manager) Poll(ctx context.Context) <-chan *Message {
	out := make(chan *Message)

	go func() {
		defer close(out)

		dir, err := m.OwnerDir()
		if err != nil {
			m.logger.Error("cannot open inbox", "error", err)
			return
		}

		w := watch.New(dir, m.pollInterval, m.forcePoll, m.logger)
		defer w.Close()

		for {
			msgs, err := m.scan(dir)
			if err != nil {
				m.logger.Warn("inbox scan failed", "error", err)
			}
			for _, msg := range msgs {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
			if !w.Wait(ctx) {
				return
			}
		}
	}()

	return out
}

// scan claims and returns all pending messages, oldest first by file
// modification time. Modification time, not delivery order, because multiple
// independent senders write into the same inbox.
func (m *Manager) scan(dir string) ([]*Message, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading inbox dir: %w", err)
	}

	type pending struct {
		path    string
		name    string
		modTime time.Time
	}
	var files []pending
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Disappeared between listing and stat: claimed elsewhere.
			continue
		}
		files = append(files, pending{filepath.Join(dir, name), name, info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	var msgs []*Message
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Mid-write or malformed: leave it for the next scan.
			m.logger.Debug("skipping undecodable message", "file", f.name, "error", err)
			continue
		}

		if !m.claim(dir, f.name) {
			continue // another poller got there first
		}
		if msg.Expired() {
			m.discard(dir, f.name)
			m.logger.Debug("dropped expired message", "message_id", msg.ID)
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// claim atomically removes one message from the pending set. Exactly one
// claimer succeeds: the rename (or remove) fails with ENOENT for everyone else.
func (m *Manager) claim(dir, name string) bool {
	if m.keepProcessed {
		processed := filepath.Join(dir, processedDir)
		if err := os.MkdirAll(processed, 0o755); err != nil {
			m.logger.Warn("cannot create processed dir", "error", err)
			return false
		}
		err := os.Rename(filepath.Join(dir, name), filepath.Join(processed, name))
		return err == nil
	}
	return os.Remove(filepath.Join(dir, name)) == nil
}

// discard drops a message that was claimed but turned out to be expired.
func (m *Manager) discard(dir, name string) {
	if m.keepProcessed {
		os.Remove(filepath.Join(dir, processedDir, name))
	}
}
