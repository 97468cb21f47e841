// Package integration exercises the full placement pipeline end to
// end: HTTP admission, the fast-lane store write, the durable event
// log, the convergence worker, and websocket fan-out, all wired
// together the way the production binary wires them.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pixelgrid/internal/auth"
	"github.com/dreamware/pixelgrid/internal/canvas"
	"github.com/dreamware/pixelgrid/internal/converge"
	"github.com/dreamware/pixelgrid/internal/cooldown"
	"github.com/dreamware/pixelgrid/internal/eventlog"
	"github.com/dreamware/pixelgrid/internal/fanout"
	"github.com/dreamware/pixelgrid/internal/place"
	"github.com/dreamware/pixelgrid/internal/store"
)

const testSecret = "integration-secret"

// TestSystem is the pipeline under test, running in-process.
type TestSystem struct {
	t      *testing.T
	store  *store.MemoryStore
	log    *eventlog.MemoryLog
	gate   *cooldown.Gate
	placer *place.Placer
	hub    *fanout.Hub
	server *httptest.Server

	cancel  context.CancelFunc
	workers sync.WaitGroup

	mu  sync.Mutex
	now time.Time
}

func NewTestSystem(t *testing.T) *TestSystem {
	ts := &TestSystem{
		t:     t,
		store: store.NewMemoryStore(),
		log:   eventlog.NewMemoryLog(4),
		now:   time.UnixMilli(0),
	}
	ts.gate = cooldown.NewGate(ts.store, time.Minute)
	ts.placer = place.NewPlacer(ts.store, ts.log, ts.gate, 1000).WithClock(ts.clock)
	ts.hub = fanout.NewHub(ts.log, 1000, 64)

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	worker := converge.NewWorker("itest", ts.log, ts.store, ts.gate, 1000)
	ts.workers.Add(2)
	go func() {
		defer ts.workers.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer ts.workers.Done()
		ts.hub.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/place-pixel", ts.handlePlace)
	mux.HandleFunc("/canvas", ts.handleCanvas)
	mux.HandleFunc("/ws", ts.hub.ServeWS)
	ts.server = httptest.NewServer(mux)
	return ts
}

func (ts *TestSystem) Stop() {
	ts.server.Close()
	ts.cancel()
	ts.workers.Wait()
	ts.log.Close()
}

func (ts *TestSystem) clock() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.now
}

func (ts *TestSystem) setNow(t time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.now = t
}

// handlePlace is a thin admission endpoint over the placer, with the
// same auth and status mapping as the production handler.
func (ts *TestSystem) handlePlace(w http.ResponseWriter, r *http.Request) {
	verifier := auth.NewJWTVerifier(testSecret)
	id, err := auth.FromRequest(r, verifier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	var req struct {
		X     int    `json:"x"`
		Y     int    `json:"y"`
		Color string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := ts.placer.Place(r.Context(), id, req.X, req.Y, req.Color); err != nil {
		var ce *place.CooldownError
		if errors.As(err, &ce) {
			http.Error(w, ce.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (ts *TestSystem) handleCanvas(w http.ResponseWriter, _ *http.Request) {
	kvs, err := ts.store.Scan("pixel:")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snapshot := make(map[string]canvas.PixelRecord, len(kvs))
	for k, v := range kvs {
		key, err := canvas.ParseStoreKey(k)
		if err != nil {
			continue
		}
		rec, err := canvas.DecodeRecord(v)
		if err != nil {
			continue
		}
		snapshot[key.String()] = rec
	}
	json.NewEncoder(w).Encode(snapshot)
}

// signToken mints a valid HMAC token for the given identity.
func signToken(t *testing.T, userID, username string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId":   userID,
		"username": username,
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (ts *TestSystem) place(t *testing.T, token string, x, y int, color string) int {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"x": x, "y": y, "color": color})
	req, err := http.NewRequest(http.MethodPost, ts.server.URL+"/place-pixel", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (ts *TestSystem) dialViewer(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) fanout.Update {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var u fanout.Update
	require.NoError(t, conn.ReadJSON(&u))
	return u
}

// waitConverged blocks until the user's cooldown record exists.
func (ts *TestSystem) waitConverged(t *testing.T, userID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := ts.store.Get("cooldown:" + userID); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event for %s never converged", userID)
}

func TestPlacementPipelineEndToEnd(t *testing.T) {
	ts := NewTestSystem(t)
	defer ts.Stop()

	viewer := ts.dialViewer(t)
	token := signToken(t, "u-1", "alice")

	code := ts.place(t, token, 42, 17, "#ABCdef")
	require.Equal(t, http.StatusAccepted, code)

	// Fast lane: visible in the snapshot immediately.
	raw, err := ts.store.Get("pixel:42:17")
	require.NoError(t, err)
	rec, err := canvas.DecodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, canvas.PixelRecord{Color: "#abcdef", Author: "alice"}, rec)

	// Fan-out: the connected viewer sees the update.
	u := readUpdate(t, viewer)
	assert.Equal(t, fanout.Update{X: 42, Y: 17, Color: "#abcdef", Author: "alice"}, u)

	// Convergence: the cooldown record lands, and a second placement
	// inside the window is rejected.
	ts.waitConverged(t, "u-1")
	ts.setNow(time.UnixMilli(30_000))
	assert.Equal(t, http.StatusTooManyRequests, ts.place(t, token, 43, 17, "#ffffff"))

	// After the window the user may place again.
	ts.setNow(time.UnixMilli(60_000))
	assert.Equal(t, http.StatusAccepted, ts.place(t, token, 43, 17, "#ffffff"))
}

func TestSnapshotThenSubscribe(t *testing.T) {
	// A joining client fetches the snapshot first and subscribes
	// second. Pixels placed before the fetch appear in the snapshot;
	// pixels placed after the subscription arrive over the socket.
	ts := NewTestSystem(t)
	defer ts.Stop()

	require.Equal(t, http.StatusAccepted,
		ts.place(t, signToken(t, "u-1", "alice"), 1, 1, "#ff0000"))

	resp, err := http.Get(ts.server.URL + "/canvas")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snapshot map[string]canvas.PixelRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.Equal(t, canvas.PixelRecord{Color: "#ff0000", Author: "alice"}, snapshot["1:1"])

	viewer := ts.dialViewer(t)
	require.Equal(t, http.StatusAccepted,
		ts.place(t, signToken(t, "u-2", "bob"), 2, 2, "#00ff00"))

	u := readUpdate(t, viewer)
	assert.Equal(t, fanout.Update{X: 2, Y: 2, Color: "#00ff00", Author: "bob"}, u)
}

func TestConcurrentUsersConvergeIndependently(t *testing.T) {
	ts := NewTestSystem(t)
	defer ts.Stop()

	users := []struct{ id, name string }{
		{"u-1", "alice"}, {"u-2", "bob"}, {"u-3", "carol"},
	}
	var wg sync.WaitGroup
	for i, u := range users {
		i, u := i, u
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := ts.place(t, signToken(t, u.id, u.name), i, i, "#123456")
			assert.Equal(t, http.StatusAccepted, code)
		}()
	}
	wg.Wait()

	for _, u := range users {
		ts.waitConverged(t, u.id)
	}

	// Each user is on their own cooldown; none blocks another's view
	// of the grid.
	changes, err := ts.store.Scan("pixel:")
	require.NoError(t, err)
	assert.Len(t, changes, 3)
}
