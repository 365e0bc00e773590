package coordinator

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"

	"execution-core/internal/connector"
	"execution-core/pkg/logger"
)

// DegradedPolicy decides what happens when the lock store is unreachable.
type DegradedPolicy string

const (
	// DegradedAllow treats locks as acquired and cooldowns as inactive
	// while the store is down. Trading keeps running without the guard.
	DegradedAllow DegradedPolicy = "allow"
	// DegradedFailClosed rejects dispatches while the store is down.
	DegradedFailClosed DegradedPolicy = "fail_closed"
)

// ErrLockHeld is returned when another holder owns the execution slot.
var ErrLockHeld = errors.New("coordinator: lock already held")

// ErrStoreUnavailable is returned under the fail_closed policy when the
// store cannot be reached.
var ErrStoreUnavailable = errors.New("coordinator: store unavailable")

// Options tune lease and cooldown durations.
type Options struct {
	LockTTL  time.Duration
	Cooldown time.Duration
	Policy   DegradedPolicy
}

// Coordinator serializes execution per (run, symbol, side) slot and tracks
// post-dispatch cooldowns on the same key space.
type Coordinator struct {
	store    Store
	lockTTL  time.Duration
	cooldown time.Duration
	policy   DegradedPolicy
}

// New builds a coordinator over the given store.
func New(store Store, opts Options) *Coordinator {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = DegradedAllow
	}
	return &Coordinator{
		store:    store,
		lockTTL:  opts.LockTTL,
		cooldown: opts.Cooldown,
		policy:   opts.Policy,
	}
}

// Slot identifies one execution slot.
type Slot struct {
	RunID  string
	Symbol string
	Side   connector.Side
}

func (s Slot) lockKey() string {
	return fmt.Sprintf("lock:%s:%s:%s", s.RunID, strings.ToUpper(s.Symbol), s.Side)
}

func (s Slot) cooldownKey() string {
	return fmt.Sprintf("cooldown:%s:%s:%s", s.RunID, strings.ToUpper(s.Symbol), s.Side)
}

// Lock is a held (or degraded) execution slot. Release is idempotent and
// only removes the key while this holder's token is still in place.
type Lock struct {
	key      string
	token    string
	store    Store
	degraded bool
	released bool
}

// AcquireLock takes the slot's lease or reports ErrLockHeld. Store outages
// degrade per policy: allow hands back a no-op lock, fail_closed errors.
func (c *Coordinator) AcquireLock(slot Slot) (*Lock, error) {
	key := slot.lockKey()
	token := uuid.NewString()
	won, err := c.store.SetNX(key, []byte(token), c.lockTTL)
	if err != nil {
		if c.policy == DegradedFailClosed {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		logger.S().Warnw("lock store unreachable, continuing unguarded",
			"key", key, "error", err)
		return &Lock{key: key, token: token, degraded: true}, nil
	}
	if !won {
		return nil, ErrLockHeld
	}
	return &Lock{key: key, token: token, store: c.store}, nil
}

// Release frees the slot. A lease that already expired and was re-acquired
// by someone else is left alone.
func (l *Lock) Release() {
	if l == nil || l.released || l.degraded {
		return
	}
	l.released = true
	deleted, err := l.store.CompareAndDelete(l.key, []byte(l.token))
	if err != nil {
		logger.S().Warnw("lock release failed, lease will expire on its own",
			"key", l.key, "error", err)
		return
	}
	if !deleted {
		logger.S().Warnw("lock token changed before release, skipped", "key", l.key)
	}
}

// Degraded reports whether the lock was granted without the store.
func (l *Lock) Degraded() bool { return l.degraded }

// InCooldown reports whether the slot dispatched recently. Store outages
// degrade per policy: allow reports no cooldown, fail_closed errors.
func (c *Coordinator) InCooldown(slot Slot) (bool, error) {
	if c.cooldown <= 0 {
		return false, nil
	}
	exists, err := c.store.Exists(slot.cooldownKey())
	if err != nil {
		if c.policy == DegradedFailClosed {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		logger.S().Warnw("cooldown check failed, treating as inactive",
			"key", slot.cooldownKey(), "error", err)
		return false, nil
	}
	return exists, nil
}

// MarkCooldown starts the slot's cooldown window. Called only after a
// successful dispatch; skipped and failed intents must not push the window.
func (c *Coordinator) MarkCooldown(slot Slot) error {
	if c.cooldown <= 0 {
		return nil
	}
	err := c.store.Set(slot.cooldownKey(), []byte(time.Now().UTC().Format(time.RFC3339)), c.cooldown)
	if err != nil {
		logger.S().Warnw("cooldown mark failed", "key", slot.cooldownKey(), "error", err)
	}
	return err
}

// IdempotencyKey derives the deterministic key for a (run, correlation)
// pair so client retries map onto the same execution.
func IdempotencyKey(runID, correlationID string) string {
	sum := sha256.Sum256([]byte(runID + "|" + correlationID))
	return base62.EncodeToString(sum[:16])
}
