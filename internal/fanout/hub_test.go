package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pixelgrid/internal/canvas"
	"github.com/dreamware/pixelgrid/internal/eventlog"
)

func appendPlacement(t *testing.T, l *eventlog.MemoryLog, x, y int, color, author string) {
	t.Helper()
	ev := canvas.PlacementEvent{
		UserID: "u-" + author, Username: author,
		X: x, Y: y, Color: color, Timestamp: time.Now().UnixMilli(),
	}
	payload, err := ev.Encode()
	require.NoError(t, err)
	_, err = l.Append(context.Background(), ev.Key().String(), payload)
	require.NoError(t, err)
}

func startHub(t *testing.T, h *Hub) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.Run(ctx); err != nil {
			t.Errorf("hub exited with error: %v", err)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestBroadcastReachesEveryConnectedViewer(t *testing.T) {
	l := eventlog.NewMemoryLog(2)
	defer l.Close()
	h := NewHub(l, 1000, 16)

	stop := startHub(t, h)
	defer stop()

	const viewers = 3
	feeds := make([]<-chan Update, viewers)
	for i := range feeds {
		var id string
		id, feeds[i] = h.register()
		defer h.unregister(id)
	}

	const events = 5
	for i := 0; i < events; i++ {
		appendPlacement(t, l, i, i, "#ff0000", "alice")
	}

	// Exactly one message per viewer per event: no duplicate, no drop.
	for vi, feed := range feeds {
		for i := 0; i < events; i++ {
			select {
			case u := <-feed:
				assert.Equal(t, Update{X: i, Y: i, Color: "#ff0000", Author: "alice"}, u,
					"viewer %d event %d", vi, i)
			case <-time.After(5 * time.Second):
				t.Fatalf("viewer %d never received event %d", vi, i)
			}
		}
		select {
		case u := <-feed:
			t.Fatalf("viewer %d received an extra update: %+v", vi, u)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestLateViewerGetsNothingRetroactively(t *testing.T) {
	l := eventlog.NewMemoryLog(2)
	defer l.Close()
	h := NewHub(l, 1000, 16)

	stop := startHub(t, h)
	defer stop()

	// A sentinel viewer proves the hub has broadcast all five events.
	sentinelID, sentinelFeed := h.register()
	for i := 0; i < 5; i++ {
		appendPlacement(t, l, i, 0, "#00ff00", "bob")
	}
	for i := 0; i < 5; i++ {
		select {
		case <-sentinelFeed:
		case <-time.After(5 * time.Second):
			t.Fatalf("sentinel never received event %d", i)
		}
	}
	h.unregister(sentinelID)

	// A viewer connecting now must not see any of them.
	id, feed := h.register()
	defer h.unregister(id)

	select {
	case u := <-feed:
		t.Fatalf("late viewer received a retroactive update: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowViewerDoesNotBlockOthers(t *testing.T) {
	l := eventlog.NewMemoryLog(1)
	defer l.Close()
	h := NewHub(l, 1000, 2) // tiny buffer: the slow viewer overflows fast

	stop := startHub(t, h)
	defer stop()

	slowID, slowFeed := h.register()
	defer h.unregister(slowID)
	_ = slowFeed // never drained

	fastID, fastFeed := h.register()
	defer h.unregister(fastID)

	const events = 20
	go func() {
		for i := 0; i < events; i++ {
			appendPlacement(t, l, i, 0, "#0000ff", "carol")
		}
	}()

	// The fast viewer must see every event despite the stalled one.
	for i := 0; i < events; i++ {
		select {
		case u := <-fastFeed:
			assert.Equal(t, i, u.X)
		case <-time.After(5 * time.Second):
			t.Fatalf("fast viewer starved at event %d", i)
		}
	}

	// The slow viewer kept only the newest updates its buffer holds.
	assert.LessOrEqual(t, len(slowFeed), 2)
}

func TestDropOldestKeepsNewestUpdates(t *testing.T) {
	l := eventlog.NewMemoryLog(1)
	defer l.Close()
	h := NewHub(l, 1000, 2)

	id, feed := h.register()
	defer h.unregister(id)

	for i := 0; i < 10; i++ {
		h.broadcast(Update{X: i})
	}

	// Buffer of 2: the two most recent updates survive.
	first := <-feed
	second := <-feed
	assert.Equal(t, 8, first.X)
	assert.Equal(t, 9, second.X)
}

func TestSustainedOverflowEvictsViewer(t *testing.T) {
	l := eventlog.NewMemoryLog(1)
	defer l.Close()
	h := NewHub(l, 1000, 1)

	id, feed := h.register()
	_ = id

	for i := 0; i < maxConsecutiveDrops+2; i++ {
		h.broadcast(Update{X: i})
	}

	assert.Equal(t, 0, h.ViewerCount(), "persistently slow viewer must be evicted")

	// Eviction closes the feed after draining whatever is buffered.
	for {
		if _, open := <-feed; !open {
			break
		}
	}
}

func TestMalformedEventSkippedByGateway(t *testing.T) {
	l := eventlog.NewMemoryLog(1)
	defer l.Close()
	h := NewHub(l, 1000, 16)

	stop := startHub(t, h)
	defer stop()

	id, feed := h.register()
	defer h.unregister(id)

	_, err := l.Append(context.Background(), "junk", []byte("junk"))
	require.NoError(t, err)
	appendPlacement(t, l, 4, 4, "#ffffff", "dave")

	select {
	case u := <-feed:
		assert.Equal(t, 4, u.X, "valid event behind junk must still fan out")
	case <-time.After(5 * time.Second):
		t.Fatal("gateway stalled on a malformed event")
	}
}

func TestServeWSEndToEnd(t *testing.T) {
	l := eventlog.NewMemoryLog(2)
	defer l.Close()
	h := NewHub(l, 1000, 16)

	stop := startHub(t, h)
	defer stop()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Wait for the hub to see the viewer before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for h.ViewerCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, h.ViewerCount())

	appendPlacement(t, l, 42, 7, "#123456", "erin")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var u Update
	require.NoError(t, json.Unmarshal(payload, &u))
	assert.Equal(t, Update{X: 42, Y: 7, Color: "#123456", Author: "erin"}, u)

	// Closing the client side unregisters the viewer.
	conn.Close()
	for h.ViewerCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, h.ViewerCount())
}

func TestViewerCount(t *testing.T) {
	h := NewHub(eventlog.NewMemoryLog(1), 1000, 4)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, _ := h.register()
		ids = append(ids, id)
	}
	assert.Equal(t, 3, h.ViewerCount())

	for _, id := range ids {
		h.unregister(id)
	}
	assert.Equal(t, 0, h.ViewerCount())

	// Unregistering twice is harmless.
	h.unregister(ids[0])
	assert.Equal(t, fmt.Sprintf("%d", 0), fmt.Sprintf("%d", h.ViewerCount()))
}
