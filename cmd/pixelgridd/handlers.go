package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/pixelgrid/internal/auth"
	"github.com/dreamware/pixelgrid/internal/canvas"
	"github.com/dreamware/pixelgrid/internal/cooldown"
	"github.com/dreamware/pixelgrid/internal/fanout"
	"github.com/dreamware/pixelgrid/internal/place"
	"github.com/dreamware/pixelgrid/internal/store"
)

// server bundles the request-path collaborators behind the HTTP API.
type server struct {
	placer   *place.Placer
	gate     *cooldown.Gate
	store    store.Store
	hub      *fanout.Hub
	verifier auth.Verifier
	// limiter is the instance-wide overload guard on admissions: when
	// the service cannot keep up it rejects immediately instead of
	// queueing requests unboundedly. Nil disables it.
	limiter *rate.Limiter
	clock   func() time.Time // swappable in tests
}

// routes wires the HTTP API onto mux.
func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/place-pixel", s.handlePlacePixel)
	mux.HandleFunc("/canvas", s.handleCanvas)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/internal/cooldown/", s.handleCooldown)
}

// placeRequest is the POST /place-pixel body.
type placeRequest struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// handlePlacePixel admits one placement into the pipeline.
//
// Endpoint: POST /place-pixel (Bearer token required)
//
// Responses:
//   - 202 Accepted: admitted to the pipeline (not yet converged)
//   - 400 Bad Request: malformed body, coordinates, or color
//   - 401/403: missing or invalid token
//   - 429 Too Many Requests: on cooldown; body carries expiresAt
//   - 500 Internal Server Error: store or log unavailable
//   - 503 Service Unavailable: overload guard tripped
func (s *server) handlePlacePixel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user, err := auth.FromRequest(r, s.verifier)
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
		} else {
			writeError(w, http.StatusForbidden, "invalid token")
		}
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusServiceUnavailable, "service overloaded, retry later")
		return
	}

	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: requires x, y and color")
		return
	}

	_, err = s.placer.Place(r.Context(), user, req.X, req.Y, req.Color)
	if err != nil {
		var ce *place.CooldownError
		switch {
		case errors.Is(err, place.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &ce):
			// Expected and frequent; not a failure worth logging.
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"message":   "you are on cooldown",
				"expiresAt": ce.ExpiresAt,
			})
		default:
			log.Printf("api place-pixel for %s failed: %v", user.UserID, err)
			writeError(w, http.StatusInternalServerError, "placement pipeline unavailable")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleCanvas returns the full canvas snapshot as "x:y" → record.
//
// Endpoint: GET /canvas
func (s *server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	raw, err := s.store.Scan("pixel:")
	if err != nil {
		log.Printf("api canvas scan failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch canvas state")
		return
	}

	snapshot := make(map[string]canvas.PixelRecord, len(raw))
	for key, value := range raw {
		k, err := canvas.ParseStoreKey(key)
		if err != nil {
			log.Printf("api canvas skipping unreadable key %q: %v", key, err)
			continue
		}
		rec, err := canvas.DecodeRecord(value)
		if err != nil {
			log.Printf("api canvas skipping unreadable record %q: %v", key, err)
			continue
		}
		snapshot[k.String()] = rec
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// handleCooldown reports a user's cooldown status.
//
// Endpoint: GET /internal/cooldown/{userId}
func (s *server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/internal/cooldown/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	status, err := s.gate.Check(userID, s.clock())
	if err != nil {
		log.Printf("api cooldown check for %s failed: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "cooldown state unavailable")
		return
	}

	if !status.OnCooldown {
		writeJSON(w, http.StatusOK, map[string]any{"onCooldown": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"onCooldown": true,
		"expiresAt":  status.ExpiresAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
