// ABOUTME: The polymorphic transport capability set shared by all transport implementations.
// ABOUTME: Alternative transports (e.g. a network-backed one) substitute behind this interface.

package transport

import (
	"context"
	"errors"

	"github.com/2389/coven-drop/internal/inbox"
	"github.com/2389/coven-drop/internal/registry"
)

// ErrNotStarted indicates an operation that requires a started transport.
var ErrNotStarted = errors.New("transport not started")

// Transport is the capability set every coordination transport provides.
// The filesystem transport is the only concrete implementation today; the
// interface exists so callers never depend on how coordination happens.
type Transport interface {
	// Start establishes presence and launches the background presence loop.
	// Starting twice is a no-op.
	Start(ctx context.Context) error

	// Stop reverses every side effect of Start: cancels the presence loop,
	// releases all of this agent's reservations, and deregisters presence.
	// Stop is idempotent, and calling it without a prior Start is a no-op.
	Stop() error

	// Send delivers a point-to-point message. to may be an agent id or a
	// display name; resolution failures surface as registry.ErrAgentNotFound.
	Send(to, content, msgType string, payload map[string]any, replyTo string) (string, error)

	// Broadcast appends an entry to a named channel.
	Broadcast(channel, content string, payload map[string]any) error

	// Messages returns the long-lived stream of this agent's inbox.
	Messages(ctx context.Context) <-chan *inbox.Message

	// ListAgents returns all currently-active agents.
	ListAgents() ([]*registry.Record, error)

	// Reserve attempts an all-or-nothing advisory lock on the given
	// resources. A held conflict returns (false, nil), not an error.
	Reserve(resources []string, reason string) (bool, error)

	// Release drops this agent's reservations on the given resources.
	Release(resources []string) error

	// SetStatus updates this agent's advertised status and status message.
	SetStatus(status, message string) error
}
