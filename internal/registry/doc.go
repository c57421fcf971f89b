// Package registry tracks which agent processes are present on this host.
//
// Each agent is one JSON record file written via temp-then-rename. Liveness
// combines heartbeat recency with a direct PID existence probe, so a crashed
// agent disappears from ListActive immediately instead of after a staleness
// timeout.
package registry
