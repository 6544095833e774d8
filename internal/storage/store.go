// Package storage wraps github.com/boltdb/bolt into the column-keyed
// key-value namespaces described in spec.md §6: headers, bodies, extras and
// state/accounts tries all live in one bolt file, one bucket each.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// Bucket names match §6's persistent layout.
var (
	BucketHeaders  = []byte("headers")
	BucketBodies   = []byte("bodies")
	BucketExtras   = []byte("extras")
	BucketState    = []byte("state")
	BucketAccounts = []byte("accounts")
	BucketWAL      = []byte("wal")
)

var allBuckets = [][]byte{BucketHeaders, BucketBodies, BucketExtras, BucketState, BucketAccounts, BucketWAL}

var (
	ErrStoreOpen   = errors.New("storage: failed to open database")
	ErrNotFound    = errors.New("storage: key not found")
	ErrWriteFailed = errors.New("storage: write failed")
)

// Store is a single-process, single-writer boltdb handle with the column
// namespaces pre-created.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bolt file at path with all core buckets
// present.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreOpen, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreOpen, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bolt file.
func (s *Store) Close() error { return s.db.Close() }

// Put writes key=value into bucket, fsynced before returning (bolt commits
// are fsynced by default), matching §5's "fsynced before the corresponding
// network send" requirement for the WAL buckets.
func (s *Store) Put(bucket, key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Get reads key from bucket, returning ErrNotFound if absent. The returned
// slice is a copy, safe to retain past the read-only transaction.
func (s *Store) Get(bucket, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append(out, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Has reports whether key exists in bucket.
func (s *Store) Has(bucket, key []byte) bool {
	_, err := s.Get(bucket, key)
	return err == nil
}

// Delete removes key from bucket; deleting an absent key is a no-op.
func (s *Store) Delete(bucket, key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// ForEach iterates every key/value pair in bucket in bolt's byte-sorted key
// order, stopping early if fn returns an error.
func (s *Store) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(fn)
	})
}

// Batch performs fn inside a single read-write transaction, so multiple
// related writes (e.g. a header, its body and its extras index entries)
// commit atomically.
func (s *Store) Batch(fn func(tx *bolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}
