// Package canvas defines the domain types shared across the placement
// pipeline: pixel coordinates, painted-cell records, and the placement
// event that travels through the durable log.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultGridSize is the edge length of the shared grid.
// Coordinates are valid in [0, GridSize) on both axes.
const DefaultGridSize = 1000

// pixelKeyPrefix namespaces painted cells inside the shared store so
// cooldown records and pixel records never collide.
const pixelKeyPrefix = "pixel:"

var (
	// ErrOutOfBounds is returned for coordinates outside [0, GridSize).
	ErrOutOfBounds = errors.New("coordinates out of bounds")
	// ErrBadColor is returned for colors that are not hex RGB strings.
	ErrBadColor = errors.New("malformed color")
	// ErrBadKey is returned when a stored key cannot be parsed back
	// into a coordinate pair.
	ErrBadKey = errors.New("malformed pixel key")
)

// PixelKey is the canonical identity of a grid cell.
type PixelKey struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// String renders the key in its canonical "x:y" form, which is also the
// wire and storage encoding.
func (k PixelKey) String() string {
	return strconv.Itoa(k.X) + ":" + strconv.Itoa(k.Y)
}

// StoreKey returns the namespaced key under which the cell's record is
// held in the shared store.
func (k PixelKey) StoreKey() string {
	return pixelKeyPrefix + k.String()
}

// ParsePixelKey parses a canonical "x:y" key.
func ParsePixelKey(s string) (PixelKey, error) {
	xs, ys, ok := strings.Cut(s, ":")
	if !ok {
		return PixelKey{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return PixelKey{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return PixelKey{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	return PixelKey{X: x, Y: y}, nil
}

// ParseStoreKey parses a namespaced store key ("pixel:x:y").
func ParseStoreKey(s string) (PixelKey, error) {
	rest, ok := strings.CutPrefix(s, pixelKeyPrefix)
	if !ok {
		return PixelKey{}, fmt.Errorf("%w: missing prefix in %q", ErrBadKey, s)
	}
	return ParsePixelKey(rest)
}

// PixelRecord is the stored state of a painted cell. Cells that were
// never painted have no record at all (the canvas is sparse).
type PixelRecord struct {
	Color  string `json:"color"`
	Author string `json:"author"`
}

// Encode serializes the record for storage.
func (r PixelRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord deserializes a stored pixel record.
func DecodeRecord(b []byte) (PixelRecord, error) {
	var r PixelRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return PixelRecord{}, fmt.Errorf("decode pixel record: %w", err)
	}
	return r, nil
}

// PlacementEvent is the immutable unit of the durable log: one accepted
// placement request. It is created once at admission time and never
// mutated afterwards.
type PlacementEvent struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     string `json:"color"`
	Timestamp int64  `json:"timestamp"` // server time, epoch millis
}

// Key returns the grid cell the event paints.
func (e PlacementEvent) Key() PixelKey {
	return PixelKey{X: e.X, Y: e.Y}
}

// Record returns the pixel record this event resolves to when applied.
func (e PlacementEvent) Record() PixelRecord {
	return PixelRecord{Color: e.Color, Author: e.Username}
}

// Encode serializes the event for the durable log.
func (e PlacementEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent deserializes a log payload and validates it against the
// grid bounds. Consumers treat a failure here as a malformed event to
// skip, never as a reason to halt a partition.
func DecodeEvent(b []byte, gridSize int) (PlacementEvent, error) {
	var e PlacementEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return PlacementEvent{}, fmt.Errorf("decode placement event: %w", err)
	}
	if err := ValidateCoords(e.X, e.Y, gridSize); err != nil {
		return PlacementEvent{}, err
	}
	return e, nil
}

// ValidateCoords checks that (x, y) addresses a cell on the grid.
func ValidateCoords(x, y, gridSize int) error {
	if x < 0 || x >= gridSize || y < 0 || y >= gridSize {
		return fmt.Errorf("%w: (%d,%d) not in [0,%d)", ErrOutOfBounds, x, y, gridSize)
	}
	return nil
}

// NormalizeColor validates a hex RGB color and canonicalizes it to
// lowercase "#rrggbb". Both "#rgb" and "#rrggbb" inputs are accepted so
// that equivalent colors always store identical bytes.
func NormalizeColor(c string) (string, error) {
	raw, ok := strings.CutPrefix(c, "#")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadColor, c)
	}
	raw = strings.ToLower(raw)
	for _, r := range raw {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("%w: %q", ErrBadColor, c)
		}
	}
	switch len(raw) {
	case 3:
		// Expand shorthand: #abc -> #aabbcc
		var b strings.Builder
		b.WriteByte('#')
		for i := 0; i < 3; i++ {
			b.WriteByte(raw[i])
			b.WriteByte(raw[i])
		}
		return b.String(), nil
	case 6:
		return "#" + raw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadColor, c)
	}
}
