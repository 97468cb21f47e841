// Package eventlog models the durable lane of the placement pipeline:
// an append-only, partitioned, ordered event stream consumed through
// consumer groups with at-least-once delivery.
//
// # Contract
//
// Appends are keyed; the partition is FNV-1a(key) mod N. That makes
// per-key ordering the binding guarantee: two events painting the same
// cell always land in one partition, in append order, so the
// convergence worker resolves conflicts by highest offset
// (last-writer-wins by log position, not wall-clock).
//
// The trade-off is deliberate and worth stating: partitioning by key
// spreads a single user's events across partitions, so cooldown
// recomputation can observe one user's events out of per-user order.
// Partitioning by user would invert the problem, letting two writers
// on the same cell reorder across partitions. Per-key order is what
// canvas correctness needs, so key partitioning wins.
//
// # Consumer groups
//
// A group names an independent reader with its own committed offsets;
// the convergence worker and the fan-out gateway subscribe under
// different groups precisely so neither can stall the other. Within a
// group exactly one live consumer owns the partitions at a time
// (Subscribe returns ErrGroupBusy otherwise); when it closes, committed
// offsets survive and the next subscriber resumes from committed+1.
// Anything polled but not committed is therefore redelivered. Consumers
// commit strictly after applying a record, which preserves the
// at-least-once (never exactly-once) contract across crashes.
//
// # Scope
//
// MemoryLog is an in-process stand-in for an external broker. It exists
// so a single node runs the full pipeline unchanged; the interfaces are
// written against broker semantics (partitions, offsets, groups), not
// against this implementation.
package eventlog
