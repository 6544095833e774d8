package executor

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/state"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

func newTestState(t *testing.T) *state.StateDB {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return state.New(store)
}

func signedTx(t *testing.T, key *crypto.PrivateKey, to crypto.Address, data []byte, quota uint64) *types.SignedTransaction {
	t.Helper()
	raw := types.Transaction{To: to, Quota: quota, ValidUntilBlock: 1000, Data: data, Value: big.NewInt(0)}
	stx, err := types.NewSignedTransaction(raw, key)
	require.NoError(t, err)
	return stx
}

func blockWith(txs ...*types.SignedTransaction) *types.Block {
	return &types.Block{
		Header: &types.Header{Height: 1, Version: 1},
		Body:   &types.Body{Transactions: txs},
	}
}

func TestExecutor_ExecuteEmptyBlock(t *testing.T) {
	e := New(newTestState(t), Config{}, nil)
	result, err := e.Execute(blockWith())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), result.QuotaUsed)
	assert.Empty(t, result.Receipts)
}

func TestExecutor_SimulateMatchesExecuteButDoesNotPersist(t *testing.T) {
	s := newTestState(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := key.Public().Address()

	acc := types.NewAccount()
	acc.Balance = big.NewInt(1_000_000)
	require.NoError(t, s.SetAccount(sender, acc))
	require.NoError(t, s.Commit())

	e := New(s, Config{Economic: EconomicCharge, GasPrice: big.NewInt(2)}, nil)
	tx := signedTx(t, key, crypto.Address{1}, nil, 30_000)

	simResult, err := e.Simulate(blockWith(tx))
	require.NoError(t, err)
	assert.NotEqual(t, crypto.Hash{}, simResult.StateRoot)

	// Simulate must not have persisted anything: the account is untouched.
	got, err := s.GetAccount(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Nonce)
	assert.Equal(t, big.NewInt(1_000_000), got.Balance)

	execResult, err := e.Execute(blockWith(tx))
	require.NoError(t, err)
	assert.Equal(t, simResult.StateRoot, execResult.StateRoot)
	assert.Equal(t, simResult.QuotaUsed, execResult.QuotaUsed)

	got, err = s.GetAccount(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Nonce)
}

func TestExecutor_ApplyIncrementsNonceAndChargesQuota(t *testing.T) {
	s := newTestState(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := key.Public().Address()

	acc := types.NewAccount()
	acc.Balance = big.NewInt(1_000_000)
	require.NoError(t, s.SetAccount(sender, acc))

	e := New(s, Config{Economic: EconomicCharge, GasPrice: big.NewInt(2)}, nil)
	tx := signedTx(t, key, crypto.Address{1}, nil, 30_000)
	result, err := e.Execute(blockWith(tx))
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, types.ReceiptOk, result.Receipts[0].Status)

	got, err := s.GetAccount(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Nonce)
	assert.Equal(t, big.NewInt(1_000_000-21_000*2), got.Balance)
}

func TestExecutor_ContractCreationSetsCodeHash(t *testing.T) {
	s := newTestState(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := key.Public().Address()
	require.NoError(t, s.SetAccount(sender, types.NewAccount()))

	e := New(s, Config{}, nil)
	code := []byte{0xde, 0xad, 0xbe, 0xef}
	tx := signedTx(t, key, crypto.Address{}, code, 100_000)
	result, err := e.Execute(blockWith(tx))
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, types.ReceiptOk, result.Receipts[0].Status)
	assert.NotEqual(t, crypto.Address{}, result.Receipts[0].ContractOut)

	created, err := s.GetAccount(result.Receipts[0].ContractOut)
	require.NoError(t, err)
	assert.Equal(t, crypto.Sum256(code), created.CodeHash)
}

func TestExecutor_SystemContractKVRoundTrip(t *testing.T) {
	s := newTestState(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := key.Public().Address()
	require.NoError(t, s.SetAccount(sender, types.NewAccount()))

	e := New(s, Config{}, nil)
	setKey := crypto.Sum256([]byte("block_interval"))
	var setVal crypto.Hash
	copy(setVal[:], []byte("3000"))

	setData := append([]byte{byte(opSet)}, append(setKey[:], setVal[:]...)...)
	setTx := signedTx(t, key, SysConfigAddress, setData, 100_000)
	_, err = e.Execute(blockWith(setTx))
	require.NoError(t, err)

	getData := append([]byte{byte(opGet)}, setKey[:]...)
	out, err := e.Call(CallRequest{From: sender, To: SysConfigAddress, Data: getData})
	require.NoError(t, err)
	assert.Equal(t, setVal.Bytes(), out)
}

func TestExecutor_CallIsReadOnly(t *testing.T) {
	s := newTestState(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := key.Public().Address()
	require.NoError(t, s.SetAccount(sender, types.NewAccount()))

	e := New(s, Config{}, nil)
	setKey := crypto.Sum256([]byte("k"))
	var setVal crypto.Hash
	copy(setVal[:], []byte("v"))
	setData := append([]byte{byte(opSet)}, append(setKey[:], setVal[:]...)...)

	_, err = e.Call(CallRequest{From: sender, To: SysConfigAddress, Data: setData})
	require.NoError(t, err)

	got, err := s.GetStorage(SysConfigAddress, setKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.Hash{}, got) // Call's write was reverted
}

func TestAmend_RejectsNonAdmin(t *testing.T) {
	s := newTestState(t)
	admin := crypto.Address{1}
	intruder := crypto.Address{2}
	_, err := Amend(s, admin, AmendAction{Kind: AmendSetBalance, Sender: intruder, Balance: big.NewInt(5)})
	assert.ErrorIs(t, err, ErrAmendNotSuperAdmin)
}

func TestAmend_SetBalance(t *testing.T) {
	s := newTestState(t)
	admin := crypto.Address{1}
	target := crypto.Address{9}
	require.NoError(t, s.SetAccount(target, types.NewAccount()))

	result, err := Amend(s, admin, AmendAction{Kind: AmendSetBalance, Sender: admin, Account: target, Balance: big.NewInt(42)})
	require.NoError(t, err)
	assert.True(t, result.Set)

	got, err := s.GetAccount(target)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), got.Balance)
}

func TestAmend_SetAndGetKV(t *testing.T) {
	s := newTestState(t)
	admin := crypto.Address{1}
	target := crypto.Address{9}
	key := crypto.Sum256([]byte("slot"))
	val := crypto.Sum256([]byte("value"))

	_, err := Amend(s, admin, AmendAction{Kind: AmendSetKV, Sender: admin, Account: target, Key: key, Value: val})
	require.NoError(t, err)

	result, err := Amend(s, admin, AmendAction{Kind: AmendGetKV, Sender: admin, Account: target, Key: key})
	require.NoError(t, err)
	assert.Equal(t, val, result.Got)
}

func TestPermissionSet_ReflectsOnChainMembership(t *testing.T) {
	s := newTestState(t)
	member := crypto.Address{7}
	perms := NewPermissionSet(s)
	assert.False(t, perms.IsAuthorized(member))

	addMember(s, PermissionManagementAddress, member)
	assert.True(t, perms.IsAuthorized(member))
}

func TestNodeSet_ReflectsAddedValidators(t *testing.T) {
	s := newTestState(t)
	v1, v2 := crypto.Address{1}, crypto.Address{2}
	addMember(s, NodeManagerAddress, v1)
	addMember(s, NodeManagerAddress, v2)
	addMember(s, NodeManagerAddress, v1) // idempotent

	got := NodeSet(s)
	assert.ElementsMatch(t, []crypto.Address{v1, v2}, got)
}

func TestAccountCache_EvictsOldest(t *testing.T) {
	c := newAccountCache(2)
	c.put(cacheKey{addr: [20]byte{1}}, "a")
	c.put(cacheKey{addr: [20]byte{2}}, "b")
	c.put(cacheKey{addr: [20]byte{3}}, "c") // evicts key 1

	_, ok := c.get(cacheKey{addr: [20]byte{1}})
	assert.False(t, ok)
	v, ok := c.get(cacheKey{addr: [20]byte{3}})
	assert.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestBloomLogs_SetsBitsForAddressAndTopics(t *testing.T) {
	logs := []types.Log{{Address: crypto.Address{5}, Topics: []crypto.Hash{crypto.Sum256([]byte("event"))}}}
	b := bloomLogs(logs)
	var empty [256]byte
	assert.NotEqual(t, empty, b)
}

func TestExecutor_RevertedDispatchStillConsumesQuotaAndNonce(t *testing.T) {
	s := newTestState(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := key.Public().Address()
	require.NoError(t, s.SetAccount(sender, types.NewAccount()))

	// malformed kv call: opSet with too-short data triggers a dispatch error.
	e := New(s, Config{}, nil)
	tx := signedTx(t, key, SysConfigAddress, []byte{byte(opSet)}, 100_000)
	result, err := e.Execute(blockWith(tx))
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, types.ReceiptReverted, result.Receipts[0].Status)
	assert.NotZero(t, result.Receipts[0].QuotaUsed)

	got, err := s.GetAccount(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Nonce) // nonce increment was not rolled back
}
