// Package store defines the shared-state contract the placement
// pipeline runs against, and provides the concrete backends used in a
// single-node deployment.
//
// # Overview
//
// Canonical grid state (painted cells) and per-user cooldown records
// are externally owned, shared data: no single component owns them, and
// every component reaches them through the same capability set:
// get(key), put(key, value), prefix scan, and an optional change feed.
// The package deliberately models only those capabilities so that any
// key/value service with atomic single-key operations can sit behind
// the interface; no product-specific client API leaks upward.
//
// # Backends
//
//	┌─────────────────────────────────────┐
//	│    Pipeline (place, converge,       │
//	│       fanout, HTTP handlers)        │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           Store interface           │
//	│  Get / Put / Delete / Scan / Watch  │
//	└─────────────────────────────────────┘
//	            │           │
//	            ▼           ▼
//	      ┌──────────┐ ┌──────────┐
//	      │  Memory  │ │  SQLite  │
//	      │  Store   │ │  Store   │
//	      └──────────┘ └──────────┘
//
// MemoryStore is the default: a mutex-guarded map with copy-on-read and
// copy-on-write, suitable for tests and ephemeral deployments.
// SQLiteStore persists the same contract to a local database file.
//
// # Consistency model
//
// Only single-key atomicity is promised. Concurrent puts to the same
// key resolve by whichever write lands last; the convergence worker is
// what makes that safe for the canvas, by replaying the durable log in
// partition order. Watch delivery is best-effort: a watcher that
// cannot keep up misses changes rather than backpressuring writers.
package store
