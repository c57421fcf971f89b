// ABOUTME: Append-only activity feed with self-rotation to a bounded line count.
// ABOUTME: Every significant coordination event lands here for observability.

package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one audit-log entry. Fields carries event-specific data and is
// flattened into the JSON object alongside the timestamp and event name.
type Event struct {
	Timestamp time.Time
	Name      string
	Fields    map[string]any
}

// MarshalJSON flattens Fields into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		obj[k] = v
	}
	obj["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	obj["event"] = e.Name
	return json.Marshal(obj)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if ts, ok := obj["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("parsing feed timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}
	e.Name, _ = obj["event"].(string)
	delete(obj, "timestamp")
	delete(obj, "event")
	e.Fields = obj
	return nil
}

// Feed is the single append-only event log. One mutex serializes appends and
// rotation so the rotation pass never races a concurrent append in this
// process; cross-process appends stay line-atomic through O_APPEND.
type Feed struct {
	path       string
	maxEntries int
	mu         sync.Mutex
	logger     *slog.Logger
}

// New creates a feed writing to path, trimmed back to maxEntries lines
// whenever an append pushes it past the bound.
func New(path string, maxEntries int, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		path:       path,
		maxEntries: maxEntries,
		logger:     logger.With("component", "feed"),
	}
}

// Emit appends one event to the feed. Failures are reported but are never
// fatal to the caller's operation; the feed is observability, not state.
func (f *Feed) Emit(event string, data map[string]any) error {
	line, err := json.Marshal(Event{Timestamp: time.Now().UTC(), Name: event, Fields: data})
	if err != nil {
		return fmt.Errorf("encoding feed event %q: %w", event, err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening feed: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return fmt.Errorf("appending to feed: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing feed: %w", err)
	}

	return f.rotateLocked()
}

// Tail returns the most recent n events, oldest first. Malformed lines are
// skipped.
func (f *Feed) Tail(n int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines, err := f.readLinesLocked()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			f.logger.Debug("skipping malformed feed line", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// rotateLocked rewrites the feed to its newest maxEntries lines once it has
// grown past the bound. The rewrite goes through a temp file and rename so
// concurrent readers never observe a truncated feed.
func (f *Feed) rotateLocked() error {
	lines, err := f.readLinesLocked()
	if err != nil {
		return err
	}
	if len(lines) <= f.maxEntries {
		return nil
	}

	keep := lines[len(lines)-f.maxEntries:]
	var buf bytes.Buffer
	for _, line := range keep {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".feed.tmp-*")
	if err != nil {
		return fmt.Errorf("creating rotation temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing rotated feed: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting mode on rotated feed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing rotated feed: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("swapping rotated feed: %w", err)
	}

	f.logger.Debug("feed rotated", "kept", len(keep), "dropped", len(lines)-len(keep))
	return nil
}

func (f *Feed) readLinesLocked() ([][]byte, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}
	return lines, nil
}
