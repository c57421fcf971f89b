// Package channel implements append-only broadcast logs with offset-based
// consumption. Channels grow unbounded by design; readers track their own
// position.
package channel
