package authpool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

type allowAll struct{}

func (allowAll) IsAuthorized(crypto.Address) bool { return true }

type denyList map[crypto.Address]struct{}

func (d denyList) IsAuthorized(addr crypto.Address) bool {
	_, blocked := d[addr]
	return !blocked
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "authpool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	wal := storage.NewWAL(store, "auth")
	p := New(wal, allowAll{}, nil, opts...)
	t.Cleanup(p.Close)
	return p
}

func signedTx(t *testing.T, key *crypto.PrivateKey, quota, validUntil uint64) *types.SignedTransaction {
	t.Helper()
	raw := types.Transaction{
		To:              crypto.Address{1},
		Nonce:           "1",
		Quota:           quota,
		ValidUntilBlock: validUntil,
		ChainID:         1,
		Version:         0,
	}
	stx, err := types.NewSignedTransaction(raw, key)
	require.NoError(t, err)
	return stx
}

func TestPool_SubmitAccepts(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := signedTx(t, key, 21000, 10)
	hash, err := p.Submit(tx, 0)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash, hash)
	assert.Equal(t, 1, p.Size())
}

func TestPool_SubmitRejectsBadSignature(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 10)
	tx.Signature[0] ^= 0xFF

	_, err = p.Submit(tx, 0)
	assert.ErrorIs(t, err, ErrBadSig)
}

func TestPool_SubmitRejectsUnauthorized(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "authpool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	wal := storage.NewWAL(store, "auth")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 10)

	deny := denyList{tx.SignerAddress: {}}
	p := New(wal, deny, nil)
	t.Cleanup(p.Close)

	_, err = p.Submit(tx, 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPool_SubmitRejectsExpired(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 5)

	_, err = p.Submit(tx, 5)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestPool_SubmitRejectsFuture(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 200)

	_, err = p.Submit(tx, 0)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestPool_SubmitRejectsQuotaBelowFloor(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 100, 10)

	_, err = p.Submit(tx, 0)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestPool_SubmitIdempotent(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 10)

	_, err = p.Submit(tx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())

	_, err = p.Submit(tx, 0)
	assert.ErrorIs(t, err, ErrDup)
	assert.Equal(t, 1, p.Size())
}

func TestPool_PackageRespectsBlockAndSignerQuota(t *testing.T) {
	p := newTestPool(t)
	key1, err := crypto.GenerateKey()
	require.NoError(t, err)
	key2, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx1 := signedTx(t, key1, 21000, 10)
	tx2 := signedTx(t, key2, 21000, 10)
	tx3 := signedTx(t, key1, 21000, 11)

	_, err = p.Submit(tx1, 0)
	require.NoError(t, err)
	_, err = p.Submit(tx2, 0)
	require.NoError(t, err)
	_, err = p.Submit(tx3, 0)
	require.NoError(t, err)

	limits := QuotaLimits{BlockQuotaLimit: 42000, AccountQuotaLimit: 21000}
	hashes := p.Package(1, limits)

	// tx1 (21000, signer1) fits; tx2 (21000, signer2) fits (total 42000);
	// tx3 would need signer1's second 21000, exceeding its per-signer limit.
	assert.Equal(t, []crypto.Hash{tx1.TxHash, tx2.TxHash}, hashes)
}

func TestPool_VerifyBlockAcceptsValid(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 10)

	limits := QuotaLimits{BlockQuotaLimit: 100000, AccountQuotaLimit: 50000}
	assert.True(t, p.VerifyBlock([]*types.SignedTransaction{tx}, 0, limits))
}

func TestPool_VerifyBlockRejectsQuotaOverrun(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 10)

	limits := QuotaLimits{BlockQuotaLimit: 10000, AccountQuotaLimit: 50000}
	assert.False(t, p.VerifyBlock([]*types.SignedTransaction{tx}, 0, limits))
}

func TestPool_ApplyCommittedRemoves(t *testing.T) {
	p := newTestPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 10)

	_, err = p.Submit(tx, 0)
	require.NoError(t, err)

	p.ApplyCommitted(1, []crypto.Hash{tx.TxHash})
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, uint64(1), p.History().MaxHeight())
}

func TestPool_BatchForwardInvokesCallback(t *testing.T) {
	var forwarded []*types.SignedTransaction
	done := make(chan struct{})
	p := newTestPool(t, WithForwardFunc(func(txs []*types.SignedTransaction) {
		forwarded = append(forwarded, txs...)
		close(done)
	}))
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 21000, 10)

	_, err = p.Submit(tx, 0)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch forward callback never invoked")
	}
	require.Len(t, forwarded, 1)
	assert.Equal(t, tx.TxHash, forwarded[0].TxHash)
}

func TestHistoryHeights_DenseWindow(t *testing.T) {
	h := NewHistoryHeights()
	assert.False(t, h.IsInit())
	assert.Equal(t, uint64(1), h.NextHeight())

	for i := uint64(0); i <= 99; i++ {
		h.Update(i)
	}
	assert.True(t, h.IsInit())
	assert.Equal(t, uint64(100), h.NextHeight())
}

func TestHistoryHeights_TooFrequent(t *testing.T) {
	h := NewHistoryHeights()
	now := time.Now()
	assert.False(t, h.IsTooFrequent(now))
	h.MarkRequested(now)
	assert.True(t, h.IsTooFrequent(now.Add(time.Second)))
	assert.False(t, h.IsTooFrequent(now.Add(4*time.Second)))
}

func TestQuotaLimits_OverrideWins(t *testing.T) {
	addr := crypto.Address{9}
	limits := QuotaLimits{AccountQuotaLimit: 100, Overrides: map[crypto.Address]uint64{addr: 500}}
	assert.Equal(t, uint64(500), limits.limitFor(addr))
	assert.Equal(t, uint64(100), limits.limitFor(crypto.Address{1}))
}
