// Package inbox implements point-to-point message delivery between agents
// through per-agent inbox directories. Delivery is atomic (temp-then-rename)
// and consumption is exactly-once: a message leaves the pending set in the
// same step that hands it to the consumer.
package inbox
