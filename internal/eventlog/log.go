package eventlog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

var (
	// ErrClosed is returned for operations on a closed log or consumer.
	ErrClosed = errors.New("event log closed")
	// ErrGroupBusy is returned when a consumer group already has a live
	// member; partition ownership is exclusive within a group.
	ErrGroupBusy = errors.New("consumer group already has an active member")
)

// Record is one delivered log entry. Partition and Offset together are
// the entry's immutable position; within a partition offsets are dense
// and strictly increasing.
type Record struct {
	Partition int
	Offset    int64
	Key       string
	Value     []byte
}

// Log is the durable-lane contract: an ordered, partitioned, append-only
// event stream with consumer-group semantics and at-least-once delivery.
type Log interface {
	// Append publishes value under key. The partition is derived from
	// the key, so all events for one key share a partition and their
	// relative order is preserved end to end.
	Append(ctx context.Context, key string, value []byte) (Record, error)

	// Subscribe opens the single live consumer for group. It resumes
	// from the group's committed offsets; records polled but never
	// committed are redelivered to the next subscriber.
	Subscribe(group string) (*Consumer, error)

	// Partitions reports the partition count.
	Partitions() int

	// Close shuts the log down. Live consumers start failing with
	// ErrClosed.
	Close() error
}

// entry is a stored log record. Offset is implicit in slice position.
type entry struct {
	key   string
	value []byte
}

// groupState holds a consumer group's durable progress. It outlives
// individual consumers: committed offsets persist across resubscribes,
// which is what turns an unclean consumer exit into redelivery.
type groupState struct {
	committed []int64 // per partition, offset of last committed record; -1 = none
	active    bool    // whether a live consumer currently owns the group
}

// MemoryLog implements Log in process. One instance stands in for the
// external broker: admission appends to it, and the convergence worker
// and fan-out gateway consume it under independent groups.
type MemoryLog struct {
	mu         sync.Mutex
	partitions [][]entry
	groups     map[string]*groupState
	waiters    map[int]chan struct{} // poll wakeups, keyed by consumer id
	nextWaiter int
	appendErr  error
	closed     bool
}

// NewMemoryLog creates a log with the given partition count.
func NewMemoryLog(numPartitions int) *MemoryLog {
	if numPartitions < 1 {
		numPartitions = 1
	}
	return &MemoryLog{
		partitions: make([][]entry, numPartitions),
		groups:     make(map[string]*groupState),
		waiters:    make(map[int]chan struct{}),
	}
}

// Partitions reports the partition count.
func (l *MemoryLog) Partitions() int {
	return len(l.partitions)
}

// partitionFor maps a key to its partition with FNV-1a, the same
// placement hash used for key ownership elsewhere in the system.
func (l *MemoryLog) partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(l.partitions)
}

// Append publishes value under key and returns its position.
func (l *MemoryLog) Append(ctx context.Context, key string, value []byte) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Record{}, ErrClosed
	}
	if l.appendErr != nil {
		err := l.appendErr
		l.mu.Unlock()
		return Record{}, err
	}

	p := l.partitionFor(key)
	stored := make([]byte, len(value))
	copy(stored, value)
	l.partitions[p] = append(l.partitions[p], entry{key: key, value: stored})
	rec := Record{
		Partition: p,
		Offset:    int64(len(l.partitions[p]) - 1),
		Key:       key,
		Value:     stored,
	}

	// Wake pollers without ever blocking the append path.
	for _, ch := range l.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()

	return rec, nil
}

// FailAppends makes subsequent Appends return err until called again
// with nil. Used to exercise durable-lane outage handling in tests.
func (l *MemoryLog) FailAppends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr = err
}

// Subscribe opens the single live consumer for group, resuming from the
// group's committed offsets.
func (l *MemoryLog) Subscribe(group string) (*Consumer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	g, ok := l.groups[group]
	if !ok {
		committed := make([]int64, len(l.partitions))
		for i := range committed {
			committed[i] = -1
		}
		g = &groupState{committed: committed}
		l.groups[group] = g
	}
	if g.active {
		return nil, fmt.Errorf("%w: %q", ErrGroupBusy, group)
	}
	g.active = true

	wake := make(chan struct{}, 1)
	id := l.nextWaiter
	l.nextWaiter++
	l.waiters[id] = wake

	cursors := make([]int64, len(g.committed))
	for i, c := range g.committed {
		cursors[i] = c + 1
	}

	return &Consumer{
		log:      l,
		group:    g,
		groupID:  group,
		waiterID: id,
		wake:     wake,
		cursors:  cursors,
	}, nil
}

// Close shuts the log down.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.waiters {
		close(ch)
		delete(l.waiters, id)
	}
	return nil
}
