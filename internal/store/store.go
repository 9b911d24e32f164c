package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: key not found")

// Store is the durable key-value contract the engine runs on. The sorted-set
// surface acts as a time-ordered index (score = unix timestamp) and
// ConditionalSet is the atomic claim primitive: it must be a true
// compare-and-set across all instances sharing the store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// AtomicIncrement increments the counter at key and returns the new
	// value. A non-zero ttl is applied when the increment creates the key.
	AtomicIncrement(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ConditionalSet sets key to next only if its current value equals
	// expected. Returns whether the swap happened.
	ConditionalSet(ctx context.Context, key, expected, next string) (bool, error)

	ZAdd(ctx context.Context, set, member string, score float64) error
	ZRangeByScore(ctx context.Context, set string, min, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, set string, members ...string) error

	Ping(ctx context.Context) error
}
