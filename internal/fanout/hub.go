package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/pixelgrid/internal/canvas"
	"github.com/dreamware/pixelgrid/internal/eventlog"
)

// Group is the gateway's consumer group. It is distinct from the
// convergence worker's group: each reads the log at its own pace, so a
// stalled converger never delays live updates and vice versa.
const Group = "fanout"

const (
	// DefaultViewerBuffer is the per-viewer send buffer.
	DefaultViewerBuffer = 64
	// maxConsecutiveDrops disconnects a viewer that stays too slow for
	// too long. Reconnecting and re-snapshotting is cheaper than the
	// hub holding history for it.
	maxConsecutiveDrops = 256
)

// Update is the message pushed to viewers, one per confirmed placement.
type Update struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Color  string `json:"color"`
	Author string `json:"author"`
}

// viewer is one live connection's hub-side state.
type viewer struct {
	id    string
	send  chan Update
	drops int // consecutive sends dropped for this viewer
}

// Hub tracks connected viewers and broadcasts each confirmed placement
// to all of them. Delivery is fire-and-forget, at most once per viewer
// per event: there is no acknowledgement and no replay buffer. A viewer
// that was not connected when an event was confirmed never receives it
// and must fetch a fresh snapshot instead.
type Hub struct {
	log      eventlog.Log
	gridSize int
	buffer   int

	mu      sync.RWMutex
	viewers map[string]*viewer
}

// NewHub creates a hub consuming from l.
func NewHub(l eventlog.Log, gridSize, buffer int) *Hub {
	if gridSize <= 0 {
		gridSize = canvas.DefaultGridSize
	}
	if buffer <= 0 {
		buffer = DefaultViewerBuffer
	}
	return &Hub{
		log:      l,
		gridSize: gridSize,
		buffer:   buffer,
		viewers:  make(map[string]*viewer),
	}
}

// ViewerCount reports the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// register adds a viewer and returns its identity and feed.
func (h *Hub) register() (string, <-chan Update) {
	v := &viewer{
		id:   uuid.NewString(),
		send: make(chan Update, h.buffer),
	}
	h.mu.Lock()
	h.viewers[v.id] = v
	h.mu.Unlock()

	log.Printf("fanout viewer %s connected", v.id)
	return v.id, v.send
}

// unregister removes a viewer. Safe to call twice; the feed channel is
// closed exactly once.
func (h *Hub) unregister(id string) {
	h.mu.Lock()
	v, ok := h.viewers[id]
	if ok {
		delete(h.viewers, id)
	}
	h.mu.Unlock()

	if ok {
		close(v.send)
		log.Printf("fanout viewer %s disconnected", v.id)
	}
}

// Run consumes confirmed events and broadcasts them until ctx is
// cancelled or the log closes. Commit happens after broadcast, but
// because viewer delivery is best-effort the commit is bookkeeping, not
// a delivery guarantee.
func (h *Hub) Run(ctx context.Context) error {
	consumer, err := h.log.Subscribe(Group)
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Printf("fanout consuming as group %q", Group)

	for {
		rec, err := consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		event, err := canvas.DecodeEvent(rec.Value, h.gridSize)
		if err != nil {
			// Same rule as convergence: a bad payload is skipped,
			// never allowed to stall the stream.
			log.Printf("fanout skipping malformed event p%d/o%d: %v",
				rec.Partition, rec.Offset, err)
		} else {
			h.broadcast(Update{
				X:      event.X,
				Y:      event.Y,
				Color:  event.Color,
				Author: event.Username,
			})
		}

		if err := consumer.Commit(rec); err != nil {
			return err
		}
	}
}

// broadcast fans one update out to every connected viewer without ever
// blocking: a viewer whose buffer is full loses its oldest pending
// update instead, and is disconnected after sustained overflow.
func (h *Hub) broadcast(u Update) {
	// The read lock is held across the sends so a concurrent
	// unregister cannot close a channel mid-broadcast. Sends never
	// block, so the critical section stays short.
	h.mu.RLock()
	var evict []string
	for _, v := range h.viewers {
		select {
		case v.send <- u:
			v.drops = 0
			continue
		default:
		}

		// Buffer full: drop the oldest pending update to make room.
		select {
		case <-v.send:
		default:
		}
		select {
		case v.send <- u:
		default:
		}

		v.drops++
		if v.drops >= maxConsecutiveDrops {
			evict = append(evict, v.id)
		}
	}
	h.mu.RUnlock()

	for _, id := range evict {
		log.Printf("fanout evicting slow viewer %s", id)
		h.unregister(id)
	}
}

// encodeUpdate serializes an update for the wire.
func encodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}
