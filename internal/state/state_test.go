package state

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

func newTestStateDB(t *testing.T) *StateDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func testAddr(b byte) crypto.Address {
	var a crypto.Address
	a[len(a)-1] = b
	return a
}

func TestStateDB_GetAccount_ZeroValueWhenAbsent(t *testing.T) {
	s := newTestStateDB(t)
	acc, err := s.GetAccount(testAddr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), acc.Nonce)
	assert.Equal(t, big.NewInt(0), acc.Balance)
}

func TestStateDB_SetGetAccount_RoundTrip(t *testing.T) {
	s := newTestStateDB(t)
	addr := testAddr(2)
	acc := types.NewAccount()
	acc.Nonce = 7
	acc.Balance = big.NewInt(1000)

	require.NoError(t, s.SetAccount(addr, acc))

	got, err := s.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Nonce)
	assert.Equal(t, big.NewInt(1000), got.Balance)
}

func TestStateDB_StorageRoundTrip(t *testing.T) {
	s := newTestStateDB(t)
	addr := testAddr(3)
	key := crypto.Sum256([]byte("slot"))
	val := crypto.Sum256([]byte("value"))

	s.SetStorage(addr, key, val)
	got, err := s.GetStorage(addr, key)
	require.NoError(t, err)
	assert.Equal(t, val, got)
}

func TestStateDB_SnapshotRevert(t *testing.T) {
	s := newTestStateDB(t)
	addr := testAddr(4)
	acc := types.NewAccount()
	acc.Nonce = 1
	require.NoError(t, s.SetAccount(addr, acc))

	snap := s.Snapshot()

	acc2 := types.NewAccount()
	acc2.Nonce = 2
	require.NoError(t, s.SetAccount(addr, acc2))

	got, err := s.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Nonce)

	require.NoError(t, s.RevertToSnapshot(snap))

	got, err = s.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Nonce)
}

func TestStateDB_RevertToInvalidSnapshot(t *testing.T) {
	s := newTestStateDB(t)
	err := s.RevertToSnapshot(3)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestStateDB_ComputeRoot_EmptyIsZero(t *testing.T) {
	s := newTestStateDB(t)
	root, err := s.ComputeRoot()
	require.NoError(t, err)
	assert.Equal(t, crypto.Hash{}, root)
}

func TestStateDB_ComputeRoot_DeterministicAndOrderIndependent(t *testing.T) {
	s1 := newTestStateDB(t)
	acc1 := types.NewAccount()
	acc1.Nonce = 1
	acc2 := types.NewAccount()
	acc2.Nonce = 2
	require.NoError(t, s1.SetAccount(testAddr(1), acc1))
	require.NoError(t, s1.SetAccount(testAddr(2), acc2))
	root1, err := s1.ComputeRoot()
	require.NoError(t, err)

	s2 := newTestStateDB(t)
	require.NoError(t, s2.SetAccount(testAddr(2), acc2))
	require.NoError(t, s2.SetAccount(testAddr(1), acc1))
	root2, err := s2.ComputeRoot()
	require.NoError(t, err)

	assert.Equal(t, root1, root2)
}

func TestStateDB_CommitPersistsAndClearsBuffer(t *testing.T) {
	s := newTestStateDB(t)
	addr := testAddr(9)
	acc := types.NewAccount()
	acc.Nonce = 42
	require.NoError(t, s.SetAccount(addr, acc))

	rootBefore, err := s.ComputeRoot()
	require.NoError(t, err)

	require.NoError(t, s.Commit())
	assert.Empty(t, s.dirty)
	assert.Empty(t, s.deleted)

	got, err := s.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Nonce)

	rootAfter, err := s.ComputeRoot()
	require.NoError(t, err)
	assert.Equal(t, rootBefore, rootAfter)
}

func TestStateDB_DeleteAccount(t *testing.T) {
	s := newTestStateDB(t)
	addr := testAddr(5)
	acc := types.NewAccount()
	acc.Nonce = 1
	require.NoError(t, s.SetAccount(addr, acc))
	require.NoError(t, s.Commit())

	s.DeleteAccount(addr)
	require.NoError(t, s.Commit())

	got, err := s.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Nonce)
}
