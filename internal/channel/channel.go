// ABOUTME: Append-only broadcast channel logs with offset-based consumption.
// ABOUTME: No subscription state: every reader tracks its own last-consumed offset.

package channel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrInvalidChannelName indicates a channel name outside the safe character set.
var ErrInvalidChannelName = fmt.Errorf("invalid channel name")

// channelNameRe restricts names so the channel-to-file mapping cannot be used
// for path traversal.
var channelNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Entry is one broadcast record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	From      string         `json:"from"`
	FromName  string         `json:"from_name"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`

	// Offset is the entry's 0-based position in the channel log. It is
	// derived at read time, not stored.
	Offset int `json:"-"`
}

// Manager appends to and reads per-channel JSONL logs. A single in-process
// write lock serializes same-process publishers; cross-process appends are
// safe because each entry is one O_APPEND write.
type Manager struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a channel manager over dir.
func New(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		logger: logger.With("component", "channel"),
	}
}

func (m *Manager) path(channel string) (string, error) {
	if !channelNameRe.MatchString(channel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannelName, channel)
	}
	return filepath.Join(m.dir, channel+".jsonl"), nil
}

// Publish appends one entry to the channel log.
func (m *Manager) Publish(channel, from, fromName, content string, payload map[string]any) error {
	path, err := m.path(channel)
	if err != nil {
		return err
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		From:      from,
		FromName:  fromName,
		Content:   content,
		Payload:   payload,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding channel entry: %w", err)
	}
	line = append(line, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening channel %s: %w", channel, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to channel %s: %w", channel, err)
	}

	m.logger.Debug("published to channel", "channel", channel, "from", from)
	return nil
}

// Poll returns the channel's entries starting at the caller-supplied 0-based
// offset. A missing channel log yields no entries. Malformed lines are
// skipped but still occupy their offset, so offsets stay stable for all
// readers.
func (m *Manager) Poll(channel string, sinceOffset int) ([]Entry, error) {
	path, err := m.path(channel)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening channel %s: %w", channel, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	offset := 0
	for scanner.Scan() {
		idx := offset
		offset++
		if idx < sinceOffset {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			m.logger.Debug("skipping malformed channel line",
				"channel", channel, "offset", idx, "error", err)
			continue
		}
		entry.Offset = idx
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("reading channel %s: %w", channel, err)
	}
	return entries, nil
}

// List returns the names of all channels that have a log file.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading channels dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".jsonl"); ok && name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
