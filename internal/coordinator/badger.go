package coordinator

import (
	"bytes"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// badgerStore backs the coordinator with a BadgerDB on shared storage.
// TTLs map directly onto Badger entry TTLs, and the SetNX/CompareAndDelete
// pairs run inside serializable transactions with a retry on conflict.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the coordination database at dbPath.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still surface from operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

// txnRetries bounds how often a conflicting transaction is retried before
// the conflict is reported to the caller.
const txnRetries = 3

func (s *badgerStore) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	var won bool
	err := s.retryConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(key))
			if err == nil {
				won = false
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			won = true
			entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
			return txn.SetEntry(entry)
		})
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *badgerStore) Set(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
}

func (s *badgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *badgerStore) Exists(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *badgerStore) CompareAndDelete(key string, value []byte) (bool, error) {
	var deleted bool
	err := s.retryConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				deleted = false
				return nil
			}
			if err != nil {
				return err
			}
			match := false
			if err := item.Value(func(val []byte) error {
				match = bytes.Equal(val, value)
				return nil
			}); err != nil {
				return err
			}
			if !match {
				deleted = false
				return nil
			}
			deleted = true
			return txn.Delete([]byte(key))
		})
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *badgerStore) Close() error { return s.db.Close() }

func (s *badgerStore) retryConflict(fn func() error) error {
	var err error
	for i := 0; i < txnRetries; i++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}
