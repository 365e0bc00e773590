package coordinator

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("coordinator: key not found")

// Store is the shared KV behind locks, cooldowns and idempotency marks.
// All entries carry a TTL so a crashed holder never wedges a key forever.
type Store interface {
	// SetNX stores value under key with ttl only when the key is absent.
	// Returns true when the write won.
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)

	// Set stores value unconditionally with ttl.
	Set(key string, value []byte, ttl time.Duration) error

	Get(key string) ([]byte, error)
	Exists(key string) (bool, error)

	// CompareAndDelete removes key only while it still holds value, so a
	// holder whose lease expired cannot release someone else's lock.
	CompareAndDelete(key string, value []byte) (bool, error)

	Close() error
}
