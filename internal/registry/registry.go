// ABOUTME: Filesystem-backed agent presence registry with PID-based liveness.
// ABOUTME: One JSON record per agent; crashed processes vanish without a staleness wait.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-drop/internal/fsio"
	"github.com/2389/coven-drop/internal/proc"
)

// ErrAgentNotFound indicates the specified agent was not found among active agents.
var ErrAgentNotFound = errors.New("agent not found")

// Record is one agent's presence entry.
type Record struct {
	AgentID  string    `json:"agent_id"`
	Name     string    `json:"name"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Cwd      string    `json:"cwd"`
	Role     string    `json:"role"`
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry manages the presence directory. All cross-process coordination
// happens through record files; the only in-process state is configuration.
type Registry struct {
	dir        string
	staleAfter time.Duration
	scopeCwd   string // empty disables working-directory scoping
	logger     *slog.Logger
}

// New creates a registry over dir. If scopeCwd is non-empty, only agents
// whose record carries the same working directory are considered active.
func New(dir string, staleAfter time.Duration, scopeCwd string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:        dir,
		staleAfter: staleAfter,
		scopeCwd:   scopeCwd,
		logger:     logger.With("component", "registry"),
	}
}

func (r *Registry) recordPath(agentID string) string {
	return filepath.Join(r.dir, agentID+".json")
}

// Join writes the agent's presence record. JoinedAt and LastSeen are set here.
func (r *Registry) Join(rec *Record) error {
	if rec.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}

	now := time.Now().UTC()
	rec.JoinedAt = now
	rec.LastSeen = now

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", rec.AgentID, err)
	}
	if err := fsio.WriteAtomic(r.recordPath(rec.AgentID), data); err != nil {
		return fmt.Errorf("writing record for %s: %w", rec.AgentID, err)
	}

	r.logger.Info("agent joined",
		"agent_id", rec.AgentID,
		"name", rec.Name,
		"pid", rec.PID,
		"role", rec.Role,
	)
	return nil
}

// Leave removes the agent's presence record. Removing an already-absent
// record is not an error.
func (r *Registry) Leave(agentID string) error {
	if err := os.Remove(r.recordPath(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing record for %s: %w", agentID, err)
	}
	r.logger.Info("agent left", "agent_id", agentID)
	return nil
}

// Heartbeat refreshes the agent's LastSeen timestamp. Non-empty status and
// message also update the corresponding fields. Returns ErrAgentNotFound if
// the record has been garbage-collected; callers typically rejoin.
func (r *Registry) Heartbeat(agentID, status, message string) error {
	rec, err := r.read(r.recordPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("reading record for %s: %w", agentID, err)
	}

	rec.LastSeen = time.Now().UTC()
	if status != "" {
		rec.Status = status
	}
	if message != "" {
		rec.Message = message
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", agentID, err)
	}
	if err := fsio.WriteAtomic(r.recordPath(agentID), data); err != nil {
		return fmt.Errorf("writing record for %s: %w", agentID, err)
	}
	return nil
}

// ListActive returns all currently-active agents, sorted by agent id.
// A record is active when its process is alive, its heartbeat is within the
// staleness bound, and (when scoping is on) it shares the caller's working
// directory.
func (r *Registry) ListActive() ([]*Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading registry dir: %w", err)
	}

	var active []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := r.read(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			// Mid-write or malformed record: absent for this scan, the
			// next scan picks it up once the write completes.
			if !os.IsNotExist(err) {
				r.logger.Debug("skipping unreadable record", "file", entry.Name(), "error", err)
			}
			continue
		}
		if !r.isActive(rec) {
			continue
		}
		active = append(active, rec)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].AgentID < active[j].AgentID })
	return active, nil
}

// Resolve finds an active agent by exact id, then by case-insensitive name.
func (r *Registry) Resolve(nameOrID string) (*Record, error) {
	rec, err := r.read(r.recordPath(nameOrID))
	if err == nil && r.isActive(rec) {
		return rec, nil
	}

	active, err := r.ListActive()
	if err != nil {
		return nil, err
	}
	for _, rec := range active {
		if strings.EqualFold(rec.Name, nameOrID) {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, nameOrID)
}

// GCStale removes records whose process is dead or whose heartbeat has gone
// stale. Returns the ids of the removed agents.
func (r *Registry) GCStale() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading registry dir: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		rec, err := r.read(path)
		if err != nil {
			continue
		}
		if proc.Alive(rec.PID) && time.Since(rec.LastSeen) <= r.staleAfter {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("removing stale record", "agent_id", rec.AgentID, "error", err)
			continue
		}
		r.logger.Info("collected stale agent",
			"agent_id", rec.AgentID,
			"pid", rec.PID,
			"last_seen", rec.LastSeen,
		)
		removed = append(removed, rec.AgentID)
	}
	return removed, nil
}

// isActive applies the liveness rule: a dead PID disqualifies immediately,
// regardless of heartbeat recency.
func (r *Registry) isActive(rec *Record) bool {
	if !proc.Alive(rec.PID) {
		return false
	}
	if time.Since(rec.LastSeen) > r.staleAfter {
		return false
	}
	if r.scopeCwd != "" && rec.Cwd != r.scopeCwd {
		return false
	}
	return true
}

func (r *Registry) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &rec, nil
}
