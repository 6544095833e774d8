package executor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/state"
	"github.com/cita-io/citacore/internal/svc"
	"github.com/cita-io/citacore/internal/types"
)

// EconomicModel selects whether executing a transaction actually debits its
// quota cost from the sender's balance, per §4.4's "deduct quota_used ·
// gas_price if economic model is Charge".
type EconomicModel uint8

const (
	EconomicQuota EconomicModel = iota
	EconomicCharge
)

// VM dispatches a transaction that is neither a contract-creation call nor
// routed to a reserved system-contract address. §4.4 treats the VM as an
// opaque interpreter; citacore's default implementation is a deterministic
// no-op standing in for the real bytecode interpreter the original runs
// (wasmer-go/EVM — dropped per DESIGN.md, neither is in the teacher's
// go.mod). A deployment wires its own VM via Config.VM.
type VM func(s *state.StateDB, tx *types.SignedTransaction, sender crypto.Address) (output []byte, logs []types.Log, reverted bool, err error)

func defaultVM(*state.StateDB, *types.SignedTransaction, crypto.Address) ([]byte, []types.Log, bool, error) {
	return nil, nil, false, nil
}

// Config configures one Executor instance.
type Config struct {
	Economic           EconomicModel
	GasPrice           *big.Int
	SuperAdmin         crypto.Address
	AutoExecEnabled    bool
	AutoExecQuotaLimit uint64
	VM                 VM
	CacheCapacity      int
}

// CallRequest is a read-only VM dispatch against the current committed
// state, per §4.4's `CallRequest { from?, to, data, block_id }` (citacore
// always serves the latest committed state; a historical block_id would
// require Chain to hand the Executor a snapshot at that height, which is
// Chain's responsibility, not Executor's).
type CallRequest struct {
	From crypto.Address
	To   crypto.Address
	Data []byte
}

// amendRequest is one message on the amend channel: a privileged mutation
// applied outside normal transaction semantics, per §4.4.
type amendRequest struct {
	action AmendAction
	respCh chan amendResponse
}

type amendResponse struct {
	result *AmendResult
	err    error
}

// Executor deterministically applies ordered blocks to a state.StateDB,
// dispatching each transaction to a reserved system contract, a contract
// creation, or the opaque VM, per §4.4.
type Executor struct {
	svc.Base

	// mu serializes every path that touches state against every other:
	// Execute (chain applying an agreed block), Simulate (consensus
	// speculatively pricing a proposal), Call (read-only RPC) and the amend
	// loop all take it, since they all run on the one shared StateDB.
	mu sync.Mutex

	state   *state.StateDB
	cfg     Config
	cache   *accountCache
	amendCh chan amendRequest
}

// New constructs an Executor writing to s. cfg.GasPrice defaults to 1 and
// cfg.VM to defaultVM if left nil/zero.
func New(s *state.StateDB, cfg Config, logger *zap.SugaredLogger) *Executor {
	if cfg.GasPrice == nil {
		cfg.GasPrice = big.NewInt(1)
	}
	if cfg.VM == nil {
		cfg.VM = defaultVM
	}
	if cfg.CacheCapacity == 0 {
		cfg.CacheCapacity = 4096
	}
	e := &Executor{
		state:   s,
		cfg:     cfg,
		cache:   newAccountCache(cfg.CacheCapacity),
		amendCh: make(chan amendRequest, 16),
	}
	e.Init(logger)
	return e
}

// Start launches the amend-channel processing loop.
func (e *Executor) Start() error {
	if err := e.MarkStarted(); err != nil {
		return err
	}
	e.Go(e.runAmendLoop)
	return nil
}

func (e *Executor) runAmendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.amendCh:
			e.mu.Lock()
			result, err := Amend(e.state, e.cfg.SuperAdmin, req.action)
			e.mu.Unlock()
			req.respCh <- amendResponse{result: result, err: err}
		}
	}
}

// SubmitAmend enqueues action on the amend channel and blocks for its
// result, applied serially against the single-writer state.
func (e *Executor) SubmitAmend(action AmendAction) (*AmendResult, error) {
	respCh := make(chan amendResponse, 1)
	e.amendCh <- amendRequest{action: action, respCh: respCh}
	resp := <-respCh
	return resp.result, resp.err
}

// runBlock applies block's transactions in body order against e.state and
// computes the ExecutedResult they produce, per §4.4's determinism
// invariant: identical (pre_state, block, chain_config_at_height) must
// produce a byte-identical result, which holds here because every per-tx
// step is either pure arithmetic or a deterministic StateDB mutation — no
// wall-clock reads, no randomness, no unordered map iteration. It neither
// commits nor reverts e.state; callers (Execute, Simulate) decide which.
// Callers must hold e.mu.
func (e *Executor) runBlock(block *types.Block) (*types.ExecutedResult, error) {
	if block == nil || block.Header == nil || block.Body == nil {
		return nil, types.ErrEmptyBlock
	}
	receipts := make([]*types.Receipt, 0, len(block.Body.Transactions))
	var totalQuota uint64
	var aggBloom [256]byte

	for _, tx := range block.Body.Transactions {
		receipt := e.applyTransaction(tx)
		receipts = append(receipts, receipt)
		totalQuota += receipt.QuotaUsed
		mergeBloom(&aggBloom, receipt.LogsBloom)
	}

	if e.cfg.AutoExecEnabled {
		e.runAutoExec()
	}

	root, err := e.state.ComputeRoot()
	if err != nil {
		return nil, fmt.Errorf("executor: compute state root: %w", err)
	}

	header := *block.Header
	header.StateRoot = root
	header.QuotaUsed = totalQuota
	bodyRoot, err := block.Body.MerkleRoot()
	if err != nil {
		return nil, err
	}
	header.TransactionsRoot = bodyRoot

	return &types.ExecutedResult{
		Header:    &header,
		Receipts:  receipts,
		LogsBloom: aggBloom,
		StateRoot: root,
		QuotaUsed: totalQuota,
	}, nil
}

// Execute applies block for real: runBlock's mutations are committed to the
// underlying store, advancing state for good. Called by chain.verifyAndApply
// once a block has an accepted commit proof.
func (e *Executor) Execute(block *types.Block) (*types.ExecutedResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.runBlock(block)
	if err != nil {
		return nil, err
	}
	if err := e.state.Commit(); err != nil {
		return nil, fmt.Errorf("executor: commit state: %w", err)
	}
	return result, nil
}

// Simulate runs block's transactions exactly as Execute would — same
// receipts, same StateRoot/QuotaUsed — but discards every mutation via
// RevertToSnapshot instead of committing, so nothing is persisted. This is
// what lets a consensus proposer learn a block's real StateRoot/QuotaUsed
// before signing it (§4.3/§4.4: the header a validator signs must already
// carry the root chain.verifyAndApply's own Execute will independently
// recompute and check for equality), and what lets a voter re-derive a
// foreign proposal's claimed root instead of trusting it.
func (e *Executor) Simulate(block *types.Block) (*types.ExecutedResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.state.Snapshot()
	result, err := e.runBlock(block)
	if revertErr := e.state.RevertToSnapshot(snap); err == nil {
		err = revertErr
	}
	// runBlock's getAccount/setAccount populated e.cache with speculative
	// values that were just discarded from the store; drop them too, or a
	// later Execute would read this simulation's throwaway state back out of
	// the cache instead of the real store.
	e.cache.clear()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyTransaction executes one transaction: nonce increment and quota
// charge always commit; only the VM/contract dispatch's own state changes
// roll back on revert, per §4.4's "On revert: state changes of that tx are
// rolled back; quota is still consumed."
func (e *Executor) applyTransaction(tx *types.SignedTransaction) *types.Receipt {
	sender := tx.SignerAddress
	acc, err := e.getAccount(sender)
	if err != nil {
		return &types.Receipt{TxHash: tx.TxHash, Status: types.ReceiptReverted, Error: err.Error()}
	}
	acc.Nonce++

	quotaUsed := tx.Raw.BaseQuota()
	if quotaUsed > tx.Raw.Quota {
		quotaUsed = tx.Raw.Quota
	}
	if e.cfg.Economic == EconomicCharge {
		cost := new(big.Int).Mul(new(big.Int).SetUint64(quotaUsed), e.cfg.GasPrice)
		acc.Balance = new(big.Int).Sub(acc.Balance, cost)
	}
	if err := e.setAccount(sender, acc); err != nil {
		return &types.Receipt{TxHash: tx.TxHash, Status: types.ReceiptReverted, QuotaUsed: quotaUsed, Error: err.Error()}
	}

	vmSnap := e.state.Snapshot()
	out, logs, reverted, dispatchErr := e.dispatch(tx, sender, acc.Nonce)

	receipt := &types.Receipt{TxHash: tx.TxHash, QuotaUsed: quotaUsed, Logs: logs}
	if reverted || dispatchErr != nil {
		_ = e.state.RevertToSnapshot(vmSnap)
		receipt.Status = types.ReceiptReverted
		if dispatchErr != nil {
			receipt.Error = dispatchErr.Error()
		}
	} else {
		receipt.Status = types.ReceiptOk
		if isContractCreation(tx) && len(out) == crypto.AddressLength {
			receipt.ContractOut = crypto.BytesToAddress(out)
		}
	}
	receipt.LogsBloom = bloomLogs(logs)
	return receipt
}

// getAccount reads through e.cache, the small LRU §4.4 calls for over
// recent account reads. The cache only ever holds the sender accounts this
// path touches; every setAccount overwrites the entry with the written
// value, so a read immediately
// following a write in the same transaction never observes a stale value.
func (e *Executor) getAccount(addr crypto.Address) (*types.Account, error) {
	key := cacheKey{addr: addr}
	if cached, ok := e.cache.get(key); ok {
		return cached.(*types.Account).Clone(), nil
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	e.cache.put(key, acc.Clone())
	return acc, nil
}

func (e *Executor) setAccount(addr crypto.Address, acc *types.Account) error {
	if err := e.state.SetAccount(addr, acc); err != nil {
		return err
	}
	e.cache.put(cacheKey{addr: addr}, acc.Clone())
	return nil
}

func isContractCreation(tx *types.SignedTransaction) bool {
	return tx.Raw.To == crypto.Address{}
}

// dispatch routes tx to contract creation, a reserved system contract, or
// the opaque VM, in that priority order.
func (e *Executor) dispatch(tx *types.SignedTransaction, sender crypto.Address, nonceAfter uint64) ([]byte, []types.Log, bool, error) {
	if isContractCreation(tx) {
		addr := deriveContractAddress(sender, nonceAfter)
		acc := types.NewAccount()
		acc.CodeHash = crypto.Sum256(tx.Raw.Data)
		if err := e.state.SetAccount(addr, acc); err != nil {
			return nil, nil, true, err
		}
		return addr.Bytes(), nil, false, nil
	}
	if IsReserved(tx.Raw.To) {
		out, err := Dispatch(e.state, tx.Raw.To, sender, tx.Raw.Data)
		if err != nil {
			return nil, nil, true, err
		}
		return out, nil, false, nil
	}
	return e.cfg.VM(e.state, tx, sender)
}

// deriveContractAddress mirrors the usual sender+nonce content-addressed
// derivation: sha256(sender || nonce), truncated to an Address.
func deriveContractAddress(sender crypto.Address, nonce uint64) crypto.Address {
	var nonceBytes [8]byte
	for i := 7; i >= 0; i-- {
		nonceBytes[i] = byte(nonce)
		nonce >>= 8
	}
	h := sha256.Sum256(append(sender.Bytes(), nonceBytes[:]...))
	return crypto.BytesToAddress(h[:])
}

// Call runs req read-only against the current state: any mutation it makes
// is reverted before returning, regardless of outcome.
func (e *Executor) Call(req CallRequest) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.state.Snapshot()
	defer func() { _ = e.state.RevertToSnapshot(snap) }()

	if IsReserved(req.To) {
		return Dispatch(e.state, req.To, req.From, req.Data)
	}
	syntheticTx := &types.SignedTransaction{
		Raw:           types.Transaction{To: req.To, Data: req.Data},
		SignerAddress: req.From,
	}
	out, _, reverted, err := e.cfg.VM(e.state, syntheticTx, req.From)
	if err != nil {
		return nil, err
	}
	if reverted {
		return nil, fmt.Errorf("executor: call to %s reverted", req.To)
	}
	return out, nil
}

// autoExecCaller is the zero address, matching the original's
// `sender: Address::from(0x0)` for the synthetic autoExec() call.
var autoExecCaller = crypto.Address{}

// runAutoExec invokes the reserved autoExec() entrypoint with a bounded
// quota after a block's transactions apply; its failure never fails the
// block, per §4.4's "Auto-exec" rule.
func (e *Executor) runAutoExec() {
	syntheticTx := &types.SignedTransaction{
		Raw: types.Transaction{
			To:    AutoExecAddress,
			Quota: e.cfg.AutoExecQuotaLimit,
			Data:  []byte("autoExec()"),
		},
		SignerAddress: autoExecCaller,
	}
	_, _, reverted, err := e.cfg.VM(e.state, syntheticTx, autoExecCaller)
	if err != nil && e.Logger != nil {
		e.Logger.Infow("auto_exec failed", "error", err)
		return
	}
	if reverted && e.Logger != nil {
		e.Logger.Infow("auto_exec reverted")
	}
}
