package history

import (
	"context"
	"errors"
	"time"
)

// Origins of a recorded state.
const (
	OriginBus    = "bus"
	OriginDevice = "device"
)

// ErrKeyRequired is returned when a switch key is empty.
var ErrKeyRequired = errors.New("history: switch key is required")

// Entry is one recorded switch state.
type Entry struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	State     int       `json:"state"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository stores and retrieves switch history.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	// Record appends a state for key. An empty origin records OriginBus.
	Record(ctx context.Context, key string, state int, origin string) error

	// List returns up to limit entries for key, newest first. Limits
	// outside 1..200 are clamped, a non-positive limit returns 50.
	List(ctx context.Context, key string, limit int) ([]Entry, error)

	// Prune deletes entries older than olderThan and returns how many.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
