package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by CompareAndSwap-based helpers once the
	// bounded retry budget is exhausted. Data is left in its last
	// consistent state; callers log and move on.
	ErrConflict = errors.New("storage: version conflict")

	// ErrSkip can be returned by a Mutate closure to leave the key
	// untouched and report success.
	ErrSkip = errors.New("storage: skip mutation")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-memory map (non-durable; tests and dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Item is one stored key with its CAS version.
// Version 0 means "absent" and is what CompareAndSwap expects when the
// caller requires the key to not exist yet.
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

// Op is a single entry of an atomic compare-and-swap batch.
//
// Version is the version the caller observed when reading (0 for "must be
// absent"). Value nil requests deletion. TTL > 0 sets key expiry relative
// to now; expired keys read as absent.
type Op struct {
	Key     string
	Version int64
	Value   []byte
	TTL     time.Duration
}

// Store is the keyed persistence contract.
//
// All methods are safe for concurrent use. Expired keys behave exactly
// like absent keys on every read path; physical removal is the driver's
// business (periodic prune) plus the explicit PruneExpired sweep.
type Store interface {
	// Get returns the current value and version. ok is false (and
	// version 0) when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, version int64, ok bool, err error)

	// Set unconditionally upserts the key. ttl 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap applies the whole batch atomically iff every op's
	// Version matches the stored one. It returns (false, nil) on a clean
	// version mismatch so callers can re-read and retry.
	CompareAndSwap(ctx context.Context, ops []Op) (bool, error)

	// ListPrefix returns all live items whose key starts with prefix,
	// ordered by key.
	ListPrefix(ctx context.Context, prefix string) ([]Item, error)

	// PruneExpired physically removes expired keys under prefix
	// (empty prefix sweeps everything) and reports how many were removed.
	PruneExpired(ctx context.Context, prefix string) (int, error)

	Close() error
}

// PutIfAbsent inserts key only when it does not exist (or has expired).
// It reports whether the insert won. This is the lease-acquisition
// primitive: one compare-and-swap against version 0.
func PutIfAbsent(ctx context.Context, st Store, key string, value []byte, ttl time.Duration) (bool, error) {
	return st.CompareAndSwap(ctx, []Op{{Key: key, Version: 0, Value: value, TTL: ttl}})
}
