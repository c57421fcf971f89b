// ABOUTME: Configuration loading and parsing for coven-drop
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-drop configuration.
type Config struct {
	// Root is the directory that holds the shared coordination tree
	// (registry/, inbox/, channels/, reservations/, feed.jsonl).
	Root string `yaml:"root"`

	Timing  TimingConfig  `yaml:"timing"`
	Inbox   InboxConfig   `yaml:"inbox"`
	Feed    FeedConfig    `yaml:"feed"`
	Logging LoggingConfig `yaml:"logging"`

	// ScopeToCwd limits active-agent visibility to agents that share the
	// caller's working directory, so independent runtimes can share one root.
	ScopeToCwd bool `yaml:"scope_to_cwd"`

	// Notify selects how message consumers learn about inbox changes:
	// "auto" uses filesystem notifications when available, "poll" forces
	// fixed-interval rescanning.
	Notify string `yaml:"notify"`
}

// TimingConfig holds the interval and staleness settings for presence and polling.
type TimingConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	StaleAfter        time.Duration `yaml:"-"`
	PollInterval      time.Duration `yaml:"-"`
	MessageTTL        time.Duration `yaml:"-"`
	ReservationTTL    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	StaleAfterRaw        string `yaml:"stale_after"`
	PollIntervalRaw      string `yaml:"poll_interval"`
	MessageTTLRaw        string `yaml:"message_ttl"`
	ReservationTTLRaw    string `yaml:"reservation_ttl"`
}

// InboxConfig holds message-consumption behavior.
type InboxConfig struct {
	// KeepProcessed moves consumed messages into a .processed sub-directory
	// instead of deleting them.
	KeepProcessed bool `yaml:"keep_processed"`
}

// FeedConfig holds activity-feed retention settings.
type FeedConfig struct {
	// MaxEntries is the line count the feed file is trimmed back to after
	// it grows past the bound.
	MaxEntries int `yaml:"max_entries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a fully-populated configuration suitable for immediate use.
// The root defaults to "coven-drop" under the user cache directory, falling
// back to the system temp directory when no cache directory is available.
func Default() *Config {
	root := filepath.Join(os.TempDir(), "coven-drop")
	if cacheDir, err := os.UserCacheDir(); err == nil {
		root = filepath.Join(cacheDir, "coven-drop")
	}

	return &Config{
		Root: root,
		Timing: TimingConfig{
			HeartbeatInterval: 5 * time.Second,
			StaleAfter:        30 * time.Second,
			PollInterval:      500 * time.Millisecond,
			MessageTTL:        time.Hour,
			ReservationTTL:    10 * time.Minute,
		},
		Inbox: InboxConfig{KeepProcessed: true},
		Feed:  FeedConfig{MaxEntries: 1000},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notify: "auto",
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Duration strings
// are parsed into time.Duration values. Fields absent from the file keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and within bounds,
// and resolves the root directory to an absolute path.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root directory is required")
	}

	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("resolving root %q: %w", c.Root, err)
	}
	c.Root = abs

	if c.Timing.HeartbeatInterval <= 0 {
		return fmt.Errorf("timing.heartbeat_interval must be positive")
	}
	if c.Timing.StaleAfter <= 0 {
		return fmt.Errorf("timing.stale_after must be positive")
	}
	if c.Timing.StaleAfter < c.Timing.HeartbeatInterval {
		return fmt.Errorf("timing.stale_after (%s) must not be shorter than timing.heartbeat_interval (%s)",
			c.Timing.StaleAfter, c.Timing.HeartbeatInterval)
	}
	if c.Timing.PollInterval <= 0 {
		return fmt.Errorf("timing.poll_interval must be positive")
	}
	if c.Timing.MessageTTL <= 0 {
		return fmt.Errorf("timing.message_ttl must be positive")
	}
	if c.Timing.ReservationTTL <= 0 {
		return fmt.Errorf("timing.reservation_ttl must be positive")
	}
	if c.Feed.MaxEntries <= 0 {
		return fmt.Errorf("feed.max_entries must be positive")
	}
	if c.Notify != "auto" && c.Notify != "poll" {
		return fmt.Errorf("notify must be %q or %q, got %q", "auto", "poll", c.Notify)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Timing.HeartbeatIntervalRaw, &cfg.Timing.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Timing.StaleAfterRaw, &cfg.Timing.StaleAfter, "stale_after"},
		{cfg.Timing.PollIntervalRaw, &cfg.Timing.PollInterval, "poll_interval"},
		{cfg.Timing.MessageTTLRaw, &cfg.Timing.MessageTTL, "message_ttl"},
		{cfg.Timing.ReservationTTLRaw, &cfg.Timing.ReservationTTL, "reservation_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
