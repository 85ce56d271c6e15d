// Package kvstore holds short-lived workflow state: scheduling sessions and
// the suspensions handed out during the patient-creation detour.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a byte-valued key/value store with per-key expiry.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Take returns the value and removes the key in one step. A second
	// Take of the same key reports ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
