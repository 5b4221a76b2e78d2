// Package artifact stores rendered overlay images under per-analysis keys.
package artifact

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when no artifact exists for a key.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidKey is returned for keys that are not ULIDs.
var ErrInvalidKey = errors.New("invalid artifact key")

// Store persists overlay PNGs. Implementations are safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Latest returns the most recently written artifact.
	Latest(ctx context.Context) (string, []byte, error)
	Close() error
}

// NewKey returns a fresh, time-ordered artifact key.
func NewKey() string {
	return NewKeyAt(time.Now())
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewKeyAt returns a key with the given timestamp component. Keys created in
// the same millisecond sort in creation order.
func NewKeyAt(t time.Time) string {
	ms := ulid.Timestamp(t)
	entropyMu.Lock()
	id, err := ulid.New(ms, entropy)
	entropyMu.Unlock()
	if err != nil {
		// Monotonic overflow within one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}

// ValidKey reports whether key is a well-formed ULID.
func ValidKey(key string) bool {
	_, err := ulid.ParseStrict(key)
	return err == nil
}

func checkKey(key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// KeyTime extracts the creation time encoded in key.
func KeyTime(key string) (time.Time, error) {
	id, err := ulid.ParseStrict(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return ulid.Time(id.Time()), nil
}
