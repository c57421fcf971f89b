// Package transport composes the coordination components — registry, inbox,
// channels, reservations, feed — behind one Transport interface and owns the
// agent's lifecycle: join on Start, a background heartbeat/GC loop while
// running, and a graceful leave on Stop.
//
// The filesystem implementation coordinates entirely through a shared
// directory tree; there is no server process. Any agent that can read and
// write the root participates.
package transport
