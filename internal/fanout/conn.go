package fanout

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds a single viewer write; a peer that cannot
	// take a frame in this long is dead or as good as.
	writeTimeout = 5 * time.Second
	// pingInterval keeps intermediaries from reaping idle viewers.
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewers are unauthenticated; the canvas is public.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to a websocket viewer connection and
// streams updates to it until either side closes. The connection
// carries no durable state: on reconnect the client re-fetches a full
// snapshot and missed events are simply gone.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Printf("fanout upgrade failed: %v", err)
		return
	}

	id, feed := h.register()

	// Read pump: the client sends nothing we act on; reading only
	// detects disconnect so the viewer can be unregistered promptly.
	go func() {
		defer h.unregister(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer func() {
			ticker.Stop()
			conn.Close()
			h.unregister(id)
		}()

		for {
			select {
			case update, ok := <-feed:
				if !ok {
					// Hub evicted us; tell the client before closing.
					conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
					return
				}
				payload, err := encodeUpdate(update)
				if err != nil {
					log.Printf("fanout viewer %s encode: %v", id, err)
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
