// Package kvstore provides the bounded key/value collaborator used for
// counters, approval records, queue tasks, nonce marks, and cached skill
// metadata. Durability is best-effort; absence of a record is never taken as
// positive confirmation.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCASConflict indicates a compare-and-set lost the race: the current
	// value did not match the expected one.
	ErrCASConflict = errors.New("compare-and-set conflict")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// Store is the key/value contract. Values are opaque bytes; encoding is the
// caller's concern. CompareAndSet is used only where the design calls for it:
// nonce dedup, queue task claims, and approval resolution.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSet atomically replaces the value of key with next if the
	// current value equals expected. A nil expected means "create only if
	// absent". Returns ErrCASConflict when the comparison fails.
	CompareAndSet(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error

	// List returns all live keys with the given prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the store.
	Close() error
}
