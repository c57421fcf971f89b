// ABOUTME: Minimal echo agent for end-to-end testing — joins the shared root and echoes messages.
// ABOUTME: Usage: drop-echo [-id echo-agent] [-name "Echo Agent"] [-root /path/to/root]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/2389/coven-drop/internal/config"
	"github.com/2389/coven-drop/internal/transport"
)

func main() {
	root := flag.String("root", "", "coordination root directory (default: config default)")
	name := flag.String("name", "Echo Agent", "Agent display name")
	agentID := flag.String("id", "e2e-echo-agent", "Agent ID")
	flag.Parse()

	if err := run(*root, *name, *agentID); err != nil {
		log.Fatal(err)
	}
}

func run(root, name, agentID string) error {
	cfg := config.Default()
	if root != "" {
		cfg.Root = root
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	tr, err := transport.New(cfg, transport.Identity{
		AgentID: agentID,
		Name:    name,
		Role:    "echo",
	}, nil)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("joining root: %w", err)
	}
	defer tr.Stop()

	fmt.Fprintf(os.Stderr, "registered as %s in %s\n", agentID, cfg.Root)

	// Echo loop: reply to every sender with its own content, threading the
	// reply back to the inbound message id.
	for msg := range tr.Messages(ctx) {
		reply := fmt.Sprintf("echo: %s", msg.Content)
		if _, err := tr.Send(msg.From, reply, "message", nil, msg.ID); err != nil {
			// Sender may have left between its send and our reply.
			fmt.Fprintf(os.Stderr, "reply to %s failed: %v\n", msg.From, err)
		}
	}
	return nil
}
