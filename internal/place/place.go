// Package place implements the dual-write coordinator: the per-request
// path that admits a placement and hands it to the pipeline.
//
// An accepted placement is written twice, on purpose:
//
//   - fast lane: an optimistic put straight into the shared store,
//     giving the caller immediate read-after-write visibility of their
//     own pixel. Advisory only, not a durability guarantee.
//   - durable lane: a PlacementEvent appended to the log. This is the
//     write that counts; the convergence worker later replays it into
//     canonical state, reconciling or overwriting the fast-lane value.
//
// If the durable append fails the request fails, even though the
// fast-lane write may already be visible. That transient inconsistency
// is accepted and documented; the alternative (undoing the fast-lane
// put) would add a third write with its own failure modes for a value
// convergence overwrites anyway.
package place

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/pixelgrid/internal/auth"
	"github.com/dreamware/pixelgrid/internal/canvas"
	"github.com/dreamware/pixelgrid/internal/cooldown"
	"github.com/dreamware/pixelgrid/internal/eventlog"
	"github.com/dreamware/pixelgrid/internal/store"
)

var (
	// ErrValidation rejects malformed coordinates or colors. Wraps the
	// specific canvas error.
	ErrValidation = errors.New("invalid placement")
	// ErrDownstream rejects a request because the store or log is
	// unavailable. The admission layer never retries; callers do.
	ErrDownstream = errors.New("downstream unavailable")
)

// CooldownError rejects a request from a user still inside their
// cooldown window.
type CooldownError struct {
	// ExpiresAt is when the window ends, epoch millis.
	ExpiresAt int64
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("on cooldown until %d", e.ExpiresAt)
}

// Accepted acknowledges acceptance into the pipeline, not convergence
// and not delivery to any viewer.
type Accepted struct {
	Event  canvas.PlacementEvent
	Record eventlog.Record
}

// Placer coordinates admission and the dual write.
type Placer struct {
	store    store.Store
	log      eventlog.Log
	gate     *cooldown.Gate
	gridSize int
	now      func() time.Time
}

// NewPlacer wires a coordinator. A non-positive gridSize falls back to
// canvas.DefaultGridSize.
func NewPlacer(s store.Store, l eventlog.Log, g *cooldown.Gate, gridSize int) *Placer {
	if gridSize <= 0 {
		gridSize = canvas.DefaultGridSize
	}
	return &Placer{store: s, log: l, gate: g, gridSize: gridSize, now: time.Now}
}

// WithClock overrides the placer's time source. Test use.
func (p *Placer) WithClock(now func() time.Time) *Placer {
	p.now = now
	return p
}

// GridSize reports the configured grid edge length.
func (p *Placer) GridSize() int {
	return p.gridSize
}

// Place runs the full admission path for one request:
// validate, gate-check, fast-lane put, durable-lane append.
// No step is skipped on partial failure without surfacing an error.
func (p *Placer) Place(ctx context.Context, user auth.Identity, x, y int, color string) (Accepted, error) {
	// 1. Validation.
	if err := canvas.ValidateCoords(x, y, p.gridSize); err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	normalized, err := canvas.NormalizeColor(color)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := p.now()

	// 2. Admission. A gate read failure is a downstream outage, not a
	// denial: fail fast rather than guess.
	status, err := p.gate.Check(user.UserID, now)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	if status.OnCooldown {
		return Accepted{}, &CooldownError{ExpiresAt: status.ExpiresAt}
	}

	key := canvas.PixelKey{X: x, Y: y}
	event := canvas.PlacementEvent{
		UserID:    user.UserID,
		Username:  user.Username,
		X:         x,
		Y:         y,
		Color:     normalized,
		Timestamp: now.UnixMilli(),
	}

	// 3. Fast lane: optimistic store put.
	recordBytes, err := event.Record().Encode()
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	if err := p.store.Put(key.StoreKey(), recordBytes); err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrDownstream, err)
	}

	// 4. Durable lane: log append. On failure the fast-lane write may
	// already be visible; that is the accepted transient inconsistency.
	payload, err := event.Encode()
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	rec, err := p.log.Append(ctx, key.String(), payload)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: durable append: %v", ErrDownstream, err)
	}

	// 5. Accepted into the pipeline.
	return Accepted{Event: event, Record: rec}, nil
}
