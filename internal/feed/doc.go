// Package feed is the append-only activity log shared by all coordination
// components, self-rotated to a bounded line count so it never needs an
// external log-rotation process.
package feed
