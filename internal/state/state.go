// Package state implements the account/storage world-state described in
// §4.4: a content-addressed, snapshot-able key-value view over accounts and
// per-account storage slots, with a deterministic root hash computed from
// the full sorted key set so independent nodes executing the same block
// arrive at the same StateRoot (§8's execution-determinism property).
//
// The write-buffer/snapshot/ComputeRoot/Commit shape follows
// storage/statedb.go in the tolchain example; the account model and
// encoding follow this module's own internal/types and internal/crypto
// packages instead of that example's JSON account.
package state

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/boltdb/bolt"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

// ErrInvalidSnapshot is returned by RevertToSnapshot for an unknown or
// already-reverted snapshot id.
var ErrInvalidSnapshot = errors.New("state: invalid snapshot id")

const (
	accountPrefix = "acct:"
	storagePrefix = "strg:"
)

type snapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB is the executor's view of account and storage state for one
// in-flight block: reads fall through to the underlying store, writes buffer
// in memory until Commit, and Snapshot/RevertToSnapshot let the executor
// undo a reverted transaction without touching the store.
type StateDB struct {
	store     *storage.Store
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []snapshot
}

// New constructs a StateDB backed by store.
func New(store *storage.Store) *StateDB {
	return &StateDB{
		store:   store,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, storage.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.store.Get(storage.BucketAccounts, []byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) del(key string) {
	delete(s.dirty, key)
	s.deleted[key] = true
}

// canonicalAccount mirrors types.Account with Balance as bytes, the same
// gob-friendly-bigint trick used by internal/types' canonical transaction.
type canonicalAccount struct {
	Nonce       uint64
	Balance     []byte
	CodeHash    crypto.Hash
	AbiHash     crypto.Hash
	StorageRoot crypto.Hash
}

func encodeAccount(acc *types.Account) ([]byte, error) {
	bal := acc.Balance
	if bal == nil {
		bal = big.NewInt(0)
	}
	c := canonicalAccount{
		Nonce:       acc.Nonce,
		Balance:     bal.Bytes(),
		CodeHash:    acc.CodeHash,
		AbiHash:     acc.AbiHash,
		StorageRoot: acc.StorageRoot,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("state: failed to encode account: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeAccount(data []byte) (*types.Account, error) {
	var c canonicalAccount
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, fmt.Errorf("state: failed to decode account: %w", err)
	}
	return &types.Account{
		Nonce:       c.Nonce,
		Balance:     new(big.Int).SetBytes(c.Balance),
		CodeHash:    c.CodeHash,
		AbiHash:     c.AbiHash,
		StorageRoot: c.StorageRoot,
	}, nil
}

// GetAccount returns addr's account, or a freshly initialized zero-value
// account if it has never been written.
func (s *StateDB) GetAccount(addr crypto.Address) (*types.Account, error) {
	data, err := s.get(accountPrefix + addr.String())
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewAccount(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAccount(data)
}

// SetAccount buffers acc as addr's account.
func (s *StateDB) SetAccount(addr crypto.Address, acc *types.Account) error {
	data, err := encodeAccount(acc)
	if err != nil {
		return err
	}
	s.set(accountPrefix+addr.String(), data)
	return nil
}

// GetStorage returns the 32-byte value at addr's storage slot key, or the
// zero hash if unset.
func (s *StateDB) GetStorage(addr crypto.Address, key crypto.Hash) (crypto.Hash, error) {
	data, err := s.get(storagePrefix + addr.String() + ":" + key.String())
	if errors.Is(err, storage.ErrNotFound) {
		return crypto.Hash{}, nil
	}
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.BytesToHash(data), nil
}

// SetStorage buffers value at addr's storage slot key.
func (s *StateDB) SetStorage(addr crypto.Address, key, value crypto.Hash) {
	s.set(storagePrefix+addr.String()+":"+key.String(), value.Bytes())
}

// DeleteAccount buffers addr's removal. None of the executor's amend
// operations call it.
func (s *StateDB) DeleteAccount(addr crypto.Address) {
	s.del(accountPrefix + addr.String())
}

// Snapshot captures the current write buffer and returns an id that
// RevertToSnapshot can later restore to.
func (s *StateDB) Snapshot() int {
	snap := snapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1
}

// RevertToSnapshot restores the write buffer to a prior Snapshot, discarding
// everything written since — this is how the executor rolls back a reverted
// transaction's state changes while still charging its quota (§4.4).
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("%w: %d", ErrInvalidSnapshot, id)
	}
	snap := s.snapshots[id]
	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}
	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic root hash of the complete world
// state: every persisted account/storage entry merged with the pending
// write buffer, minus deletions, folded over sorted keys. It does not
// mutate the store, so it is safe to call before the block is committed —
// the executor calls this to fill in the block header's StateRoot.
func (s *StateDB) ComputeRoot() (crypto.Hash, error) {
	merged := make(map[string][]byte)
	if err := s.store.ForEach(storage.BucketAccounts, func(key, value []byte) error {
		v := make([]byte, len(value))
		copy(v, value)
		merged[string(key)] = v
		return nil
	}); err != nil {
		return crypto.Hash{}, err
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf.Write(lenBuf[:])
		buf.WriteString(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	if buf.Len() == 0 {
		return crypto.Hash{}, nil
	}
	return crypto.Sum256(buf.Bytes()), nil
}

// Commit flushes the write buffer into the underlying store in a single
// transaction and clears all buffered state, per §4.4 ("commit computes the
// root, then persists"). Callers must have already taken the root via
// ComputeRoot before Commit, since Commit does not itself return one.
func (s *StateDB) Commit() error {
	dirty := s.dirty
	deleted := s.deleted
	err := s.store.Batch(func(tx *bolt.Tx) error {
		for k, v := range dirty {
			if err := tx.Bucket(storage.BucketAccounts).Put([]byte(k), v); err != nil {
				return err
			}
		}
		for k := range deleted {
			if err := tx.Bucket(storage.BucketAccounts).Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
