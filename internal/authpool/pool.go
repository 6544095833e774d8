// Package authpool implements the per-node transaction admission core
// described in §4.2: signature/permission/quota/expiry checks at submit
// time, insertion-ordered block packaging for the local proposer, and
// per-signer quota re-verification for foreign proposals, all backed by a
// durable write-ahead log so the pool survives a restart without
// re-admitting anything it already forwarded.
//
// The admission algorithm mirrors cita-auth's txpool/verify flow
// (original_source/cita-auth), and the write-buffer-plus-WAL shape follows
// the teacher's internal/mempool/mempool.go (priority-ordered map +
// insertion-order slice, RWMutex-guarded).
package authpool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

// verifyWorkers bounds the signature-verification worker pool VerifyBlock
// fans a foreign block's transactions out to.
const verifyWorkers = 8

// SubmitError classifies why submit rejected a transaction, per §4.2's
// closed error set.
type SubmitError string

const (
	ErrBadSig        SubmitError = "BadSig"
	ErrUnauthorized  SubmitError = "Unauthorized"
	ErrDup           SubmitError = "Dup"
	ErrQuotaExceeded SubmitError = "QuotaExceeded"
	ErrExpired       SubmitError = "ExpiredOrFuture"
	ErrPoolFull      SubmitError = "PoolFull"
	ErrNotReady      SubmitError = "NotReady"
)

func (e SubmitError) Error() string { return string(e) }

// ErrWALFailure is fatal per §4.2's "WAL errors are fatal to the service":
// callers should stop admitting new submissions until storage recovers.
var ErrWALFailure = errors.New("authpool: wal write failed")

const (
	defaultCapacity    = 50_000
	defaultBatchSize   = 200
	defaultBatchWindow = 30 * time.Millisecond
)

// AuthSet answers whether an address may submit transactions, loaded from
// the on-chain permission contract (§4.2 step 2). It is supplied by the
// caller so authpool stays independent of the executor's contract layer.
type AuthSet interface {
	IsAuthorized(addr crypto.Address) bool
}

// QuotaLimits carries the block-wide and per-signer quota ceilings used by
// both packaging and verification, including per-signer overrides loaded
// from on-chain config.
type QuotaLimits struct {
	BlockQuotaLimit   uint64
	AccountQuotaLimit uint64
	Overrides         map[crypto.Address]uint64
}

func (l QuotaLimits) limitFor(addr crypto.Address) uint64 {
	if l.Overrides != nil {
		if v, ok := l.Overrides[addr]; ok {
			return v
		}
	}
	return l.AccountQuotaLimit
}

// Pool is the node-local transaction admission core.
type Pool struct {
	mu sync.RWMutex

	byHash    map[crypto.Hash]*types.SignedTransaction
	insertion []crypto.Hash // insertion order, walked by package()

	// committed and committedAtHeight track every tx hash applied in the
	// trailing types.BlockLimit heights, per §4.2 step 5's "dedup against
	// pool and a rolling recent-commit bloom/set": byHash alone is not
	// enough, since ApplyCommitted deletes from it, which would otherwise
	// let an already-committed tx be re-admitted within its
	// valid_until_block window.
	committed         map[crypto.Hash]uint64
	committedAtHeight map[uint64][]crypto.Hash

	capacity int
	wal      *storage.WAL
	history  *HistoryHeights
	auth     AuthSet
	logger   *zap.SugaredLogger

	batchSize int
	batchCh   chan *types.SignedTransaction
	closeOnce sync.Once
	closeCh   chan struct{}
	forwardFn func([]*types.SignedTransaction)
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithCapacity overrides the default pool capacity.
func WithCapacity(n int) Option {
	return func(p *Pool) { p.capacity = n }
}

// WithBatchSize overrides the default batch-forward trigger size.
func WithBatchSize(n int) Option {
	return func(p *Pool) { p.batchSize = n }
}

// WithForwardFunc installs the callback invoked with each completed batch,
// e.g. one that publishes a BatchRequest envelope on the bus.
func WithForwardFunc(fn func([]*types.SignedTransaction)) Option {
	return func(p *Pool) { p.forwardFn = fn }
}

// New constructs a Pool backed by wal for durability and auth for the
// authorized-senders check, and starts its background batch-forwarder.
func New(wal *storage.WAL, auth AuthSet, logger *zap.SugaredLogger, opts ...Option) *Pool {
	p := &Pool{
		byHash:            make(map[crypto.Hash]*types.SignedTransaction),
		committed:         make(map[crypto.Hash]uint64),
		committedAtHeight: make(map[uint64][]crypto.Hash),
		capacity:          defaultCapacity,
		wal:               wal,
		history:           NewHistoryHeights(),
		auth:              auth,
		logger:            logger,
		batchSize:         defaultBatchSize,
		batchCh:           make(chan *types.SignedTransaction, defaultCapacity),
		closeCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.runBatchForward()
	return p
}

// Close stops the background batch-forwarder.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closeCh) })
}

// Submit runs the seven-step admission algorithm from §4.2 against tx and,
// on success, durably enqueues it and schedules it for batch-forward.
func (p *Pool) Submit(tx *types.SignedTransaction, currentHeight uint64) (crypto.Hash, error) {
	// Step 1: signature recovery (SignedTransaction.Verify also checks the
	// tx hash matches the encoded payload).
	if err := tx.Verify(); err != nil {
		return crypto.Hash{}, ErrBadSig
	}

	// Step 2: authorized-sender check.
	if p.auth != nil && !p.auth.IsAuthorized(tx.SignerAddress) {
		return crypto.Hash{}, ErrUnauthorized
	}

	// Step 3: expiry / future window.
	if err := checkValidityWindow(tx.Raw.ValidUntilBlock, currentHeight); err != nil {
		return crypto.Hash{}, err
	}

	// Step 4: base-quota floor.
	if tx.Raw.Quota < tx.Raw.BaseQuota() {
		return crypto.Hash{}, ErrQuotaExceeded
	}

	p.mu.Lock()
	// Step 5: dedup, against both the live pool and the rolling
	// recent-commit set (a tx committed within the last BLOCK_LIMIT heights
	// is gone from byHash but must still be rejected as a re-submission).
	if _, exists := p.byHash[tx.TxHash]; exists {
		p.mu.Unlock()
		return crypto.Hash{}, ErrDup
	}
	if _, exists := p.committed[tx.TxHash]; exists {
		p.mu.Unlock()
		return crypto.Hash{}, ErrDup
	}
	if len(p.byHash) >= p.capacity {
		p.mu.Unlock()
		return crypto.Hash{}, ErrPoolFull
	}

	// Step 6: insert + durable WAL.
	encoded, err := tx.Encode()
	if err != nil {
		p.mu.Unlock()
		return crypto.Hash{}, fmt.Errorf("%w: %v", ErrWALFailure, err)
	}
	if p.wal != nil {
		if err := p.wal.Append(storage.TxHashSeq(tx.TxHash.Bytes()), encoded); err != nil {
			p.mu.Unlock()
			if p.logger != nil {
				p.logger.Errorw("authpool wal append failed", "tx_hash", tx.TxHash.String(), "error", err)
			}
			return crypto.Hash{}, fmt.Errorf("%w: %v", ErrWALFailure, err)
		}
	}
	p.byHash[tx.TxHash] = tx
	p.insertion = append(p.insertion, tx.TxHash)
	p.mu.Unlock()

	// Step 7: async batch-forward.
	select {
	case p.batchCh <- tx:
	default:
		if p.logger != nil {
			p.logger.Warnw("authpool batch-forward channel full, dropping forward", "tx_hash", tx.TxHash.String())
		}
	}

	return tx.TxHash, nil
}

func checkValidityWindow(validUntil, currentHeight uint64) error {
	if validUntil <= currentHeight {
		return ErrExpired
	}
	if validUntil > currentHeight+types.BlockLimit {
		return ErrExpired
	}
	return nil
}

// Package walks the pool in insertion order, accumulating block- and
// per-signer quota, and returns the ordered batch of hashes a local
// proposer should include at height, per §4.2's packaging rule.
func (p *Pool) Package(height uint64, limits QuotaLimits) []crypto.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var (
		blockQuota  uint64
		signerQuota = make(map[crypto.Address]uint64)
		chosen      []crypto.Hash
	)
	for _, hash := range p.insertion {
		tx, ok := p.byHash[hash]
		if !ok {
			continue
		}
		if blockQuota+tx.Raw.Quota > limits.BlockQuotaLimit {
			break
		}
		limit := limits.limitFor(tx.SignerAddress)
		used := signerQuota[tx.SignerAddress]
		if used+tx.Raw.Quota > limit {
			break
		}
		blockQuota += tx.Raw.Quota
		signerQuota[tx.SignerAddress] = used + tx.Raw.Quota
		chosen = append(chosen, hash)
	}
	_ = height
	return chosen
}

// VerifyBlock re-runs admission steps 1-4 against every transaction in the
// proposed block and maintains a per-signer running quota counter, used by
// voters evaluating a foreign proposal per §4.2's verification rule.
func (p *Pool) VerifyBlock(txs []*types.SignedTransaction, currentHeight uint64, limits QuotaLimits) bool {
	if err := p.verifySignatures(txs); err != nil {
		if p.logger != nil {
			p.logger.Warnw("verify_block rejected: signature batch failed", "error", err)
		}
		return false
	}

	var blockQuota uint64
	signerQuota := make(map[crypto.Address]uint64)

	for _, tx := range txs {
		if p.auth != nil && !p.auth.IsAuthorized(tx.SignerAddress) {
			return false
		}
		if checkValidityWindow(tx.Raw.ValidUntilBlock, currentHeight) != nil {
			return false
		}
		if tx.Raw.Quota < tx.Raw.BaseQuota() {
			return false
		}

		blockQuota += tx.Raw.Quota
		if blockQuota > limits.BlockQuotaLimit {
			return false
		}
		limit := limits.limitFor(tx.SignerAddress)
		used := signerQuota[tx.SignerAddress]
		if used+tx.Raw.Quota > limit {
			return false
		}
		signerQuota[tx.SignerAddress] = used + tx.Raw.Quota
	}
	return true
}

// verifySignatures recovers every tx's signer concurrently, bounded to
// verifyWorkers goroutines, and aggregates every failure instead of
// short-circuiting on the first one, so a caller logs the whole bad batch.
func (p *Pool) verifySignatures(txs []*types.SignedTransaction) error {
	g := new(errgroup.Group)
	g.SetLimit(verifyWorkers)

	var mu sync.Mutex
	var errs error
	for _, tx := range txs {
		tx := tx
		g.Go(func() error {
			if err := tx.Verify(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("tx %s: %w", tx.TxHash, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// ApplyCommitted removes the committed hashes from the pool and its WAL and
// advances the history-heights tracker, per §4.2's apply_committed.
func (p *Pool) ApplyCommitted(height uint64, hashes []crypto.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remove := make(map[crypto.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		remove[h] = struct{}{}
		delete(p.byHash, h)
		if p.wal != nil {
			_ = p.wal.Append(storage.TxHashSeq(h.Bytes()), nil) // tombstone; see Replay semantics
		}
	}
	if len(remove) > 0 {
		kept := p.insertion[:0:0]
		for _, h := range p.insertion {
			if _, gone := remove[h]; !gone {
				kept = append(kept, h)
			}
		}
		p.insertion = kept

		p.committedAtHeight[height] = append(p.committedAtHeight[height], hashes...)
		for _, h := range hashes {
			p.committed[h] = height
		}
	}
	p.history.Update(height)
	p.evictCommittedBefore(height)
}

// evictCommittedBefore drops recent-commit entries that have fallen outside
// the trailing types.BlockLimit window anchored at height, so the set
// Submit's dedup check consults stays bounded instead of growing forever.
func (p *Pool) evictCommittedBefore(height uint64) {
	var floor uint64
	if height+1 > types.BlockLimit {
		floor = height + 1 - types.BlockLimit
	}
	for h, hashes := range p.committedAtHeight {
		if h >= floor {
			continue
		}
		for _, hash := range hashes {
			delete(p.committed, hash)
		}
		delete(p.committedAtHeight, h)
	}
}

// IsReady reports whether the pool's history window is dense enough to
// package a block, per §4.2's HistoryHeights discipline.
func (p *Pool) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.history.IsInit()
}

// History exposes the pool's HistoryHeights tracker for callers (e.g. the
// sync driver) deciding whether to request missing heights.
func (p *Pool) History() *HistoryHeights {
	return p.history
}

// Size returns the current number of pooled transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}

// TxByHash resolves one of Package's returned hashes back to the full
// transaction, so a proposer can assemble a block body from the batch it
// just packaged.
func (p *Pool) TxByHash(hash crypto.Hash) (*types.SignedTransaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.byHash[hash]
	return tx, ok
}

func (p *Pool) runBatchForward() {
	var buffer []*types.SignedTransaction
	timer := time.NewTimer(defaultBatchWindow)
	defer timer.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if p.forwardFn != nil {
			p.forwardFn(buffer)
		}
		buffer = nil
	}

	for {
		select {
		case <-p.closeCh:
			flush()
			return
		case tx := <-p.batchCh:
			buffer = append(buffer, tx)
			if len(buffer) >= p.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(defaultBatchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultBatchWindow)
		}
	}
}
