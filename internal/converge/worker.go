// Package converge implements the worker that replays the durable log
// into canonical shared state. It is the authority on what the canvas
// actually looks like, and the sole writer of cooldown expiries.
package converge

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/dreamware/pixelgrid/internal/canvas"
	"github.com/dreamware/pixelgrid/internal/cooldown"
	"github.com/dreamware/pixelgrid/internal/eventlog"
	"github.com/dreamware/pixelgrid/internal/store"
)

// Group is the worker's consumer group. All worker instances share it,
// so the log's rebalancing gives each partition exactly one owner.
const Group = "converger"

// applyBackoff paces retries when the shared store is unreachable.
// The record is not committed during retries, so a crash mid-outage
// redelivers it. That is safe because apply is idempotent.
const applyBackoff = 500 * time.Millisecond

// Worker consumes placement events and applies them to the store:
// pixel record first, then the author's recomputed cooldown expiry.
type Worker struct {
	log      eventlog.Log
	store    store.Store
	gate     *cooldown.Gate
	gridSize int
	id       string
}

// NewWorker creates a convergence worker. id only labels log lines.
func NewWorker(id string, l eventlog.Log, s store.Store, g *cooldown.Gate, gridSize int) *Worker {
	if gridSize <= 0 {
		gridSize = canvas.DefaultGridSize
	}
	return &Worker{log: l, store: s, gate: g, gridSize: gridSize, id: id}
}

// Run consumes until ctx is cancelled or the log closes. Ownership is
// released on return so a peer can take over the group's partitions.
// The loop order is fixed: poll, apply, commit. Committing only after
// a successful apply is what keeps delivery at-least-once.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.log.Subscribe(Group)
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Printf("converge[%s] consuming as group %q", w.id, Group)

	for {
		rec, err := consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Printf("converge[%s] stopping: %v", w.id, err)
				return nil
			}
			return err
		}

		if err := w.applyWithRetry(ctx, rec); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Printf("converge[%s] stopping mid-apply, p%d/o%d left uncommitted", w.id, rec.Partition, rec.Offset)
				return nil
			}
			return err
		}

		if err := consumer.Commit(rec); err != nil {
			return err
		}
	}
}

// applyWithRetry applies one record, backing off while the store is
// down. Malformed events are skipped (and later committed by the
// caller) so a bad payload can never wedge a partition.
func (w *Worker) applyWithRetry(ctx context.Context, rec eventlog.Record) error {
	event, err := canvas.DecodeEvent(rec.Value, w.gridSize)
	if err != nil {
		log.Printf("converge[%s] skipping malformed event p%d/o%d: %v",
			w.id, rec.Partition, rec.Offset, err)
		return nil
	}

	for {
		err := w.apply(event)
		if err == nil {
			return nil
		}

		log.Printf("converge[%s] apply p%d/o%d failed, retrying: %v",
			w.id, rec.Partition, rec.Offset, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(applyBackoff):
		}
	}
}

// apply upserts the pixel record, then the author's cooldown expiry.
// Both writes are plain overwrites keyed on event content, so
// redelivering the same event leaves state unchanged.
func (w *Worker) apply(event canvas.PlacementEvent) error {
	recordBytes, err := event.Record().Encode()
	if err != nil {
		return err
	}
	if err := w.store.Put(event.Key().StoreKey(), recordBytes); err != nil {
		return err
	}

	return w.gate.Set(event.UserID, w.gate.ExpiryFor(event.Timestamp))
}
