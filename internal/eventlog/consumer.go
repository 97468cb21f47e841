package eventlog

import (
	"context"
	"fmt"
)

// Consumer is a consumer group's single live member. It owns every
// partition of its group until Close, delivering records sequentially
// within each partition.
//
// Delivery is at-least-once: a record counts as consumed only when
// Commit is called for it, and Commit must happen strictly after the
// record's effects are applied. Records polled but not committed when
// the consumer closes are redelivered to the group's next subscriber.
type Consumer struct {
	log      *MemoryLog
	group    *groupState
	groupID  string
	waiterID int
	wake     chan struct{}
	cursors  []int64 // next offset to deliver, per partition
	rr       int     // round-robin start for fairness across partitions
	closed   bool
}

// Poll blocks until a record is available or ctx is done. Partitions
// are drained fairly; within a partition, delivery order is offset
// order.
func (c *Consumer) Poll(ctx context.Context) (Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		rec, ok, err := c.next()
		if err != nil {
			return Record{}, err
		}
		if ok {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-c.wake:
			// New append or shutdown; re-check.
		}
	}
}

// next scans for the lowest undelivered record, starting after the
// partition served last time so one busy partition cannot starve the
// rest.
func (c *Consumer) next() (Record, bool, error) {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.closed || l.closed {
		return Record{}, false, ErrClosed
	}

	n := len(l.partitions)
	for i := 0; i < n; i++ {
		p := (c.rr + i) % n
		off := c.cursors[p]
		if off < int64(len(l.partitions[p])) {
			e := l.partitions[p][off]
			c.cursors[p] = off + 1
			c.rr = (p + 1) % n
			return Record{Partition: p, Offset: off, Key: e.key, Value: e.value}, true, nil
		}
	}
	return Record{}, false, nil
}

// Commit marks rec as applied, advancing the group's durable progress.
// Committing out of order within a partition is rejected: the contract
// is commit-after-apply in delivery order.
func (c *Consumer) Commit(rec Record) error {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if rec.Partition < 0 || rec.Partition >= len(c.group.committed) {
		return fmt.Errorf("commit: partition %d out of range", rec.Partition)
	}
	if want := c.group.committed[rec.Partition] + 1; rec.Offset != want {
		return fmt.Errorf("commit: partition %d expects offset %d, got %d",
			rec.Partition, want, rec.Offset)
	}
	c.group.committed[rec.Partition] = rec.Offset
	return nil
}

// Committed reports the group's committed offset for a partition
// (-1 if nothing committed yet).
func (c *Consumer) Committed(partition int) int64 {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if partition < 0 || partition >= len(c.group.committed) {
		return -1
	}
	return c.group.committed[partition]
}

// Close releases group ownership so another subscriber can take over.
// Uncommitted records will be redelivered to it.
func (c *Consumer) Close() error {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.group.active = false
	if ch, ok := l.waiters[c.waiterID]; ok {
		delete(l.waiters, c.waiterID)
		close(ch)
	}
	return nil
}
