package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/connector"
)

// failingStore simulates an unreachable backing store.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) SetNX(string, []byte, time.Duration) (bool, error) { return false, errStoreDown }
func (failingStore) Set(string, []byte, time.Duration) error           { return errStoreDown }
func (failingStore) Get(string) ([]byte, error)                        { return nil, errStoreDown }
func (failingStore) Exists(string) (bool, error)                       { return false, errStoreDown }
func (failingStore) CompareAndDelete(string, []byte) (bool, error)     { return false, errStoreDown }
func (failingStore) Close() error                                      { return nil }

func testSlot() Slot {
	return Slot{RunID: "run-1", Symbol: "EURUSD", Side: connector.SideBuy}
}

func TestAcquireLockExclusive(t *testing.T) {
	c := New(NewMemoryStore(), Options{LockTTL: time.Minute})
	slot := testSlot()

	first, err := c.AcquireLock(slot)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = c.AcquireLock(slot)
	assert.ErrorIs(t, err, ErrLockHeld)

	first.Release()
	second, err := c.AcquireLock(slot)
	require.NoError(t, err)
	second.Release()
}

func TestAcquireLockSlotsAreIndependent(t *testing.T) {
	c := New(NewMemoryStore(), Options{LockTTL: time.Minute})

	buy, err := c.AcquireLock(Slot{RunID: "r", Symbol: "EURUSD", Side: connector.SideBuy})
	require.NoError(t, err)
	defer buy.Release()

	sell, err := c.AcquireLock(Slot{RunID: "r", Symbol: "EURUSD", Side: connector.SideSell})
	require.NoError(t, err)
	defer sell.Release()

	otherRun, err := c.AcquireLock(Slot{RunID: "r2", Symbol: "EURUSD", Side: connector.SideBuy})
	require.NoError(t, err)
	defer otherRun.Release()

	otherSymbol, err := c.AcquireLock(Slot{RunID: "r", Symbol: "GBPUSD", Side: connector.SideBuy})
	require.NoError(t, err)
	defer otherSymbol.Release()
}

func TestLockExpiresAfterTTL(t *testing.T) {
	c := New(NewMemoryStore(), Options{LockTTL: 10 * time.Millisecond})
	slot := testSlot()

	_, err := c.AcquireLock(slot)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	lock, err := c.AcquireLock(slot)
	require.NoError(t, err)
	lock.Release()
}

func TestReleaseLeavesForeignTokenAlone(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, Options{LockTTL: 15 * time.Millisecond})
	slot := testSlot()

	stale, err := c.AcquireLock(slot)
	require.NoError(t, err)

	// Let the lease lapse and hand the slot to a new holder.
	time.Sleep(30 * time.Millisecond)
	fresh, err := c.AcquireLock(slot)
	require.NoError(t, err)

	// The stale holder's release must not free the new holder's lease.
	stale.Release()
	_, err = c.AcquireLock(slot)
	assert.ErrorIs(t, err, ErrLockHeld)

	fresh.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	c := New(NewMemoryStore(), Options{LockTTL: time.Minute})
	lock, err := c.AcquireLock(testSlot())
	require.NoError(t, err)
	lock.Release()
	lock.Release()

	var nilLock *Lock
	nilLock.Release()
}

func TestCooldown(t *testing.T) {
	c := New(NewMemoryStore(), Options{LockTTL: time.Minute, Cooldown: 30 * time.Millisecond})
	slot := testSlot()

	in, err := c.InCooldown(slot)
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, c.MarkCooldown(slot))

	in, err = c.InCooldown(slot)
	require.NoError(t, err)
	assert.True(t, in)

	// A different side of the same symbol is untouched.
	in, err = c.InCooldown(Slot{RunID: slot.RunID, Symbol: slot.Symbol, Side: connector.SideSell})
	require.NoError(t, err)
	assert.False(t, in)

	time.Sleep(50 * time.Millisecond)
	in, err = c.InCooldown(slot)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestCooldownDisabled(t *testing.T) {
	c := New(NewMemoryStore(), Options{LockTTL: time.Minute})
	slot := testSlot()
	require.NoError(t, c.MarkCooldown(slot))
	in, err := c.InCooldown(slot)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestDegradedAllow(t *testing.T) {
	c := New(failingStore{}, Options{LockTTL: time.Minute, Cooldown: time.Minute, Policy: DegradedAllow})
	slot := testSlot()

	lock, err := c.AcquireLock(slot)
	require.NoError(t, err)
	assert.True(t, lock.Degraded())
	lock.Release()

	in, err := c.InCooldown(slot)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestDegradedFailClosed(t *testing.T) {
	c := New(failingStore{}, Options{LockTTL: time.Minute, Cooldown: time.Minute, Policy: DegradedFailClosed})
	slot := testSlot()

	_, err := c.AcquireLock(slot)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = c.InCooldown(slot)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("run-1", "corr-1")
	b := IdempotencyKey("run-1", "corr-1")
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)

	assert.NotEqual(t, a, IdempotencyKey("run-1", "corr-2"))
	assert.NotEqual(t, a, IdempotencyKey("run-2", "corr-1"))

	// Inputs that concatenate identically must still differ.
	assert.NotEqual(t, IdempotencyKey("ab", "c"), IdempotencyKey("a", "bc"))
}
