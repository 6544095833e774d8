package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrWALCorrupt signals a record that failed to decode; per §7 this is an
// Integrity error and should abort the owning service.
var ErrWALCorrupt = errors.New("storage: wal record corrupt")

// WAL is the single-writer write-ahead log described in §4.3/§4.2: records
// are appended and fsynced (via the underlying Store's bolt commit) before
// the corresponding network send, so a crash mid-send never leaves the node
// having signed/submitted something it can't prove it meant to.
//
// Records are addressed by an opaque sequence key under BucketWAL, prefixed
// by a caller-supplied namespace so AuthPool's tx WAL and Consensus's vote
// WAL can share one Store without colliding.
type WAL struct {
	mu        sync.Mutex
	store     *Store
	namespace []byte
}

// NewWAL returns a WAL scoped to namespace within store's BucketWAL.
func NewWAL(store *Store, namespace string) *WAL {
	return &WAL{store: store, namespace: []byte(namespace)}
}

func (w *WAL) key(seq []byte) []byte {
	key := make([]byte, 0, len(w.namespace)+1+len(seq))
	key = append(key, w.namespace...)
	key = append(key, ':')
	key = append(key, seq...)
	return key
}

// Append durably writes record under seq, single-writer (the mutex
// serializes concurrent Append calls from the same process; cross-process
// exclusivity is bolt's file lock).
func (w *WAL) Append(seq, record []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Put(BucketWAL, w.key(seq), record)
}

// Read returns the record stored under seq, or ErrNotFound.
func (w *WAL) Read(seq []byte) ([]byte, error) {
	return w.store.Get(BucketWAL, w.key(seq))
}

// Replay walks every record in this WAL's namespace in key order, calling fn
// for each. Used at startup to restore consensus step/lock state or to
// rebuild the tx pool from its durable WAL, per §4.2/§4.3.
func (w *WAL) Replay(fn func(seq, record []byte) error) error {
	prefix := append(append([]byte{}, w.namespace...), ':')
	return w.store.ForEach(BucketWAL, func(key, value []byte) error {
		if !bytes.HasPrefix(key, prefix) {
			return nil
		}
		seq := key[len(prefix):]
		return fn(seq, value)
	})
}

// HeightStepSeq builds the WAL sequence key for a consensus record,
// `(height, step)`, per §4.3's "(height, step, payload) records".
func HeightStepSeq(height uint64, step uint8) []byte {
	seq := make([]byte, 9)
	binary.BigEndian.PutUint64(seq[:8], height)
	seq[8] = step
	return seq
}

// TxHashSeq builds the WAL sequence key for a pool record keyed by tx_hash,
// per §4.2 ("durable WAL keyed by tx_hash").
func TxHashSeq(txHash []byte) []byte {
	return txHash
}

// ValidateHeightStepSeq is a defensive helper ensuring a decoded WAL key has
// the expected fixed width before callers reinterpret it.
func ValidateHeightStepSeq(seq []byte) error {
	if len(seq) != 9 {
		return fmt.Errorf("%w: want 9 bytes, got %d", ErrWALCorrupt, len(seq))
	}
	return nil
}
