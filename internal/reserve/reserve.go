// ABOUTME: Advisory, all-or-nothing resource reservations with TTL expiry.
// ABOUTME: Resource keys are content-addressed: truncated sha256 of the resource path.

package reserve

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-drop/internal/fsio"
)

// keyLen is the number of hex characters kept from the sha256 digest.
// Collisions between distinct resources are theoretically possible and are
// a known, accepted limitation: already-written reservation files depend on
// this derivation, so it must not change.
const keyLen = 16

// Reservation is one advisory lock record.
type Reservation struct {
	Resource   string    `json:"resource"`
	AgentID    string    `json:"agent_id"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the reservation's TTL has elapsed.
func (r *Reservation) Expired() bool {
	return time.Now().After(r.ExpiresAt)
}

// Manager grants and releases advisory locks for one owning agent.
type Manager struct {
	dir        string
	owner      string
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New creates a reservation manager owned by the given agent.
func New(dir, owner string, defaultTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:        dir,
		owner:      owner,
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "reserve", "agent_id", owner),
	}
}

// Key returns the fixed-length file key for a resource path.
func Key(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:])[:keyLen]
}

func (m *Manager) path(resource string) string {
	return filepath.Join(m.dir, Key(resource)+".json")
}

// Acquire reserves all of the given resources for the owner, or none of them.
// Phase one checks every resource for a live reservation held by a different
// agent; any conflict aborts with no side effects. Phase two writes all
// records. Re-acquiring a resource the owner already holds renews its expiry.
// A non-positive ttl uses the manager default.
func (m *Manager) Acquire(resources []string, reason string, ttl time.Duration) (bool, error) {
	if len(resources) == 0 {
		return false, fmt.Errorf("at least one resource is required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	// Phase one: conflict check, no writes.
	for _, resource := range resources {
		existing, err := m.read(m.path(resource))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			// Unreadable record: treat as absent, the write below supersedes it.
			m.logger.Debug("unreadable reservation treated as absent", "resource", resource, "error", err)
			continue
		}
		if existing.Expired() {
			continue
		}
		if existing.AgentID != m.owner {
			m.logger.Debug("reservation conflict",
				"resource", resource,
				"held_by", existing.AgentID,
				"expires_at", existing.ExpiresAt,
			)
			return false, nil
		}
	}

	// Phase two: write every record.
	now := time.Now().UTC()
	for _, resource := range resources {
		rec := &Reservation{
			Resource:   resource,
			AgentID:    m.owner,
			Reason:     reason,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return false, fmt.Errorf("encoding reservation for %s: %w", resource, err)
		}
		if err := fsio.WriteAtomic(m.path(resource), data); err != nil {
			return false, fmt.Errorf("writing reservation for %s: %w", resource, err)
		}
	}

	m.logger.Debug("resources reserved", "resources", resources, "reason", reason)
	return true, nil
}

// Release drops the owner's reservations on the given resources. Resources
// reserved by other agents, expired, or not reserved at all are left alone.
func (m *Manager) Release(resources []string) error {
	for _, resource := range resources {
		path := m.path(resource)
		rec, err := m.read(path)
		if err != nil {
			continue
		}
		if rec.AgentID != m.owner {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("releasing %s: %w", resource, err)
		}
	}
	return nil
}

// ReleaseAll drops every reservation held by the owner, expired or not.
func (m *Manager) ReleaseAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading reservations dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		rec, err := m.read(path)
		if err != nil {
			continue
		}
		if rec.AgentID != m.owner {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("releasing reservation", "resource", rec.Resource, "error", err)
		}
	}
	return nil
}

// ListActive returns all live reservations across all agents, sorted by
// resource. Expired records are removed opportunistically along the way.
func (m *Manager) ListActive() ([]*Reservation, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading reservations dir: %w", err)
	}

	var active []*Reservation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		rec, err := m.read(path)
		if err != nil {
			continue
		}
		if rec.Expired() {
			os.Remove(path)
			continue
		}
		active = append(active, rec)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].Resource < active[j].Resource })
	return active, nil
}

func (m *Manager) read(path string) (*Reservation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Reservation
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &rec, nil
}
