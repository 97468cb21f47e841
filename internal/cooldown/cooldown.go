// Package cooldown implements the admission gate: the per-user
// rate-limit decision that precedes every placement.
//
// Cooldown state lives in the shared store as one record per user,
// holding the expiry instant in epoch milliseconds. The gate only ever
// reads; the convergence worker is the sole writer, setting the expiry
// when it applies a placement event. That split makes the gate
// eventually consistent on purpose: between a placement being accepted
// and the worker converging it, a second request from the same user can
// also be admitted. The window is a documented relaxation of the
// cooldown, not a bug: the gate is not a distributed lock.
//
// Expiry is evaluated lazily. There is no background timer and no
// deletion: a record whose expiry has passed reads as "not on
// cooldown".
package cooldown

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dreamware/pixelgrid/internal/store"
)

// recordKeyPrefix namespaces cooldown records inside the shared store.
const recordKeyPrefix = "cooldown:"

// DefaultWindow is how long a user waits between placements.
const DefaultWindow = 60 * time.Second

// Status is the outcome of an admission check.
type Status struct {
	OnCooldown bool
	// ExpiresAt is the stored expiry in epoch millis. Only meaningful
	// when OnCooldown is true.
	ExpiresAt int64
}

// Gate decides whether a user is currently rate-limited, backed by the
// shared store.
type Gate struct {
	store  store.Store
	window time.Duration
}

// NewGate creates a gate reading cooldown records from s. A
// non-positive window falls back to DefaultWindow.
func NewGate(s store.Store, window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate{store: s, window: window}
}

// Window returns the configured cooldown duration.
func (g *Gate) Window() time.Duration {
	return g.window
}

// Check reports whether userID is on cooldown at instant now. Allowed
// if no record exists or the stored expiry has passed. Read-only: the
// check never mutates cooldown state.
func (g *Gate) Check(userID string, now time.Time) (Status, error) {
	raw, err := g.store.Get(recordKey(userID))
	if err == store.ErrKeyNotFound {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read cooldown for %s: %w", userID, err)
	}

	expiresAt, err := decodeExpiry(raw)
	if err != nil {
		// An unreadable record must not lock a user out forever;
		// treat it as absent and let the next convergence rewrite it.
		return Status{}, nil
	}

	if now.UnixMilli() >= expiresAt {
		return Status{}, nil
	}
	return Status{OnCooldown: true, ExpiresAt: expiresAt}, nil
}

// Set writes userID's expiry unconditionally, overwriting any prior
// value. Called only by the convergence worker while applying an
// event; under normal operation expiries therefore only move forward.
func (g *Gate) Set(userID string, expiresAt int64) error {
	if err := g.store.Put(recordKey(userID), encodeExpiry(expiresAt)); err != nil {
		return fmt.Errorf("write cooldown for %s: %w", userID, err)
	}
	return nil
}

// ExpiryFor computes the expiry an event placed at eventTime (epoch
// millis) produces.
func (g *Gate) ExpiryFor(eventTime int64) int64 {
	return eventTime + g.window.Milliseconds()
}

func recordKey(userID string) string {
	return recordKeyPrefix + userID
}

func encodeExpiry(expiresAt int64) []byte {
	return []byte(strconv.FormatInt(expiresAt, 10))
}

func decodeExpiry(raw []byte) (int64, error) {
	return strconv.ParseInt(string(raw), 10, 64)
}
