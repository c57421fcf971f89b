// ABOUTME: Entry point for the coven-drop filesystem coordination CLI
// ABOUTME: Joins the shared root as an agent to send, broadcast, reserve, and observe

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-drop/internal/config"
	"github.com/2389/coven-drop/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                        _
  ___ _____   _____ _ __         __ _ _(_)___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | '__/ _ \ '_ \
| (_| (_) \ V /  __/ | | |_____| (_| | | | (_) | |_) |
 \___\___/ \_/ \___|_| |_|      \__,_|_|  \___/| .__/
                                               |_|
`

// getConfigPath returns the path to the coven-drop config file.
// Priority: COVEN_DROP_CONFIG env var > XDG_CONFIG_HOME/coven-drop/drop.yaml > ~/.config/coven-drop/drop.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DROP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "drop.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven-drop", "drop.yaml")
}

// loadConfig loads the config file if it exists, otherwise the defaults.
// A missing file is not an error: every setting has a usable default.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("checking config file: %w", err)
	}
	return config.Load(path)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "send":
		err = runSend(args)
	case "broadcast":
		err = runBroadcast(args)
	case "agents":
		err = runAgents(args)
	case "reserve":
		err = runReserve(args)
	case "release":
		err = runRelease(args)
	case "reservations":
		err = runReservations(args)
	case "status":
		err = runStatus(args)
	case "feed":
		err = runFeed(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: coven-drop <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve          Join the root and print messages until interrupted")
	fmt.Println("  send           Send a point-to-point message to an agent")
	fmt.Println("  broadcast      Publish an entry to a broadcast channel")
	fmt.Println("  agents         List currently-active agents")
	fmt.Println("  reserve        Reserve one or more resources (all-or-nothing)")
	fmt.Println("  release        Release previously reserved resources")
	fmt.Println("  reservations   List live reservations across all agents")
	fmt.Println("  status         Update this agent's status line")
	fmt.Println("  feed           Tail the shared activity feed")
	fmt.Println()
	fmt.Println("Agent identity comes from a TOML profile (--profile or COVEN_DROP_PROFILE),")
	fmt.Println("overridable with --id / --name / --role on every command.")
}

// stringSlice collects repeated flag values.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// identityFlags wires the shared profile/identity flags into a FlagSet.
func identityFlags(fs *flag.FlagSet) (profile, id, name, role *string) {
	profile = fs.String("profile", os.Getenv("COVEN_DROP_PROFILE"), "path to TOML agent profile")
	id = fs.String("id", "", "agent id (overrides profile)")
	name = fs.String("name", "", "agent display name (overrides profile)")
	role = fs.String("role", "", "agent role (overrides profile)")
	return
}

// openTransport builds and starts a transport for the resolved identity.
func openTransport(profilePath, id, name, role string, logger *slog.Logger) (*transport.FS, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	ident, err := resolveIdentity(profilePath, id, name, role)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(cfg, ident, logger)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("starting transport: %w", err)
	}
	return tr, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	tr, err := openTransport(*profile, *id, *name, *role, logger)
	if err != nil {
		return err
	}
	defer tr.Stop()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Root:   %s\n", cfg.Root)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", getConfigPath())
	fmt.Println()

	logger.Info("agent online", "root", cfg.Root)

	from := color.New(color.FgYellow, color.Bold)
	msgs := tr.Messages(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			from.Printf("%s", msg.FromName)
			gray.Printf(" (%s) ", msg.From)
			fmt.Println(msg.Content)
			if msg.ReplyTo != "" {
				gray.Printf("    reply to %s\n", msg.ReplyTo)
			}
		}
	}
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	to := fs.String("to", "", "recipient agent id or name")
	message := fs.String("message", "", "message content")
	msgType := fs.String("type", "message", "message type")
	replyTo := fs.String("reply-to", "", "id of the message being replied to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" || *message == "" {
		return fmt.Errorf("--to and --message are required")
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	msgID, err := tr.Send(*to, *message, *msgType, nil, *replyTo)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", msgID)
	return nil
}

func runBroadcast(args []string) error {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	channel := fs.String("channel", "general", "channel name")
	message := fs.String("message", "", "entry content")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *message == "" {
		return fmt.Errorf("--message is required")
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	return tr.Broadcast(*channel, *message, nil)
}

func runAgents(args []string) error {
	fs := flag.NewFlagSet("agents", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	agents, err := tr.ListAgents()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPID\tROLE\tSTATUS\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			a.AgentID, a.Name, a.PID, a.Role, a.Status, a.LastSeen.Local().Format(time.TimeOnly))
	}
	return w.Flush()
}

func runReserve(args []string) error {
	fs := flag.NewFlagSet("reserve", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	var resources stringSlice
	fs.Var(&resources, "resource", "resource to reserve (repeatable)")
	reason := fs.String("reason", "", "why the resources are needed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(resources) == 0 {
		return fmt.Errorf("at least one --resource is required")
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	ok, err := tr.Reserve(resources, *reason)
	if err != nil {
		return err
	}
	if !ok {
		color.Yellow("denied: one or more resources are held by another agent\n")
		tr.Stop()
		os.Exit(2)
	}
	color.Green("reserved %s\n", strings.Join(resources, ", "))
	return nil
}

func runRelease(args []string) error {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	var resources stringSlice
	fs.Var(&resources, "resource", "resource to release (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(resources) == 0 {
		return fmt.Errorf("at least one --resource is required")
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	return tr.Release(resources)
}

func runReservations(args []string) error {
	fs := flag.NewFlagSet("reservations", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	active, err := tr.Reservations()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tHELD BY\tREASON\tEXPIRES")
	for _, r := range active {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.Resource, r.AgentID, r.Reason, r.ExpiresAt.Local().Format(time.TimeOnly))
	}
	return w.Flush()
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	status := fs.String("status", "", "status value (e.g. idle, busy)")
	message := fs.String("message", "", "free-form status message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *status == "" {
		return fmt.Errorf("--status is required")
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	return tr.SetStatus(*status, *message)
}

func runFeed(args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	profile, id, name, role := identityFlags(fs)
	n := fs.Int("n", 20, "number of events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tr, err := openTransport(*profile, *id, *name, *role, quietLogger())
	if err != nil {
		return err
	}
	defer tr.Stop()

	events, err := tr.FeedTail(*n)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	bold := color.New(color.Bold)
	for _, ev := range events {
		gray.Printf("%s ", ev.Timestamp.Local().Format(time.TimeOnly))
		bold.Printf("%-22s", ev.Name)
		for k, v := range ev.Fields {
			gray.Printf(" %s=", k)
			fmt.Printf("%v", v)
		}
		fmt.Println()
	}
	return nil
}

// quietLogger keeps short-lived subcommands from chattering on stdout.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
