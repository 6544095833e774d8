// Package chain implements the canonical-head service from §4.5: it
// persists committed blocks and their executed results, serves the read
// queries peers and the jsonrpc front-end need, and buffers out-of-order
// arrivals in a bounded BlockInQueue until the gap is filled — either by
// consensus eventually delivering the missing heights, or by the
// catch-up driver in internal/sync fetching them.
//
// The queue/drain shape is grounded on
// original_source/chain/libchain/src/chain.rs's `set_block` state machine
// and original_source/chain/libchain/src/synchronizer.rs's sync-mode
// handling; the service's lifecycle follows internal/svc.Base, same as
// every other citacore service.
package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/cita-io/citacore/internal/bus"
	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/metrics"
	syncdrv "github.com/cita-io/citacore/internal/sync"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/svc"
	"github.com/cita-io/citacore/internal/types"
)

const (
	tagBlock  byte = 1
	tagResult byte = 2
)

var (
	ErrPrevHashMismatch  = errors.New("chain: prev_hash does not match current head")
	ErrStateRootMismatch = errors.New("chain: executed state_root does not match header")
	ErrProposalMismatch  = errors.New("chain: proof does not commit this block")
	ErrNotFound          = errors.New("chain: not found")
	ErrNilBlock          = errors.New("chain: nil block or proof")
)

const (
	defaultQueueCapacity = 1024
	defaultStatusPeriod  = 3 * time.Second
	defaultSyncDeadline  = 5 * time.Second
)

// ValidatorSource answers the validator set effective at a given height,
// per §4.3's "validators_at(h) is read from the on-chain NodeManager
// contract at h-1" — Chain is handed this as an interface so it never
// reaches into the executor's state directly (§5: cross-service access is
// request/response, not a shared pointer).
type ValidatorSource interface {
	ValidatorsAt(height uint64) ([]crypto.Address, error)
}

// Executor applies one block deterministically, per §4.4.
type Executor interface {
	Execute(block *types.Block) (*types.ExecutedResult, error)
}

// Config configures a Chain instance. Zero values take the documented
// defaults.
type Config struct {
	QueueCapacity int
	StatusPeriod  time.Duration
	SyncDeadline  time.Duration

	// OnCommit, if set, is invoked synchronously after a block and its
	// result are durably persisted, with the committed transaction hashes —
	// wired to AuthPool.ApplyCommitted in a full deployment.
	OnCommit func(height uint64, txHashes []crypto.Hash)
}

// Chain is the canonical-head service.
type Chain struct {
	svc.Base

	store      *storage.Store
	executor   Executor
	validators ValidatorSource
	bus        *bus.Bus
	metrics    *metrics.Registry
	sync       *syncdrv.Driver
	filters    *filterTable

	cfg Config

	mu            sync.Mutex
	currentHeight uint64
	headHash      crypto.Hash
	isSyncMode    bool

	queue *BlockQueue

	blockSub *bus.Subscription
	syncSub  *bus.Subscription
}

// New constructs a Chain writing to store, executing blocks via executor,
// resolving validator sets via validators, and (if b is non-nil)
// subscribing to the bus for incoming blocks and publishing RichStatus /
// SyncRequest.
func New(store *storage.Store, executor Executor, validators ValidatorSource, b *bus.Bus, m *metrics.Registry, cfg Config, logger *zap.SugaredLogger) (*Chain, error) {
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.StatusPeriod == 0 {
		cfg.StatusPeriod = defaultStatusPeriod
	}
	if cfg.SyncDeadline == 0 {
		cfg.SyncDeadline = defaultSyncDeadline
	}

	c := &Chain{
		store:      store,
		executor:   executor,
		validators: validators,
		bus:        b,
		metrics:    m,
		cfg:        cfg,
		queue:      newBlockQueue(cfg.QueueCapacity),
		filters:    newFilterTable(),
	}
	c.Init(logger)

	send := func(req syncdrv.Request) {
		if c.bus == nil {
			return
		}
		payload, err := encodeSyncRequest(req.FromHeight, req.ToHeight)
		if err != nil {
			return
		}
		env := bus.NewEnvelope(bus.SubModuleChain, bus.OpSyncRequest, payload)
		_ = c.bus.PublishEnvelope(bus.KeyNetSyncRequest, env)
	}
	c.sync = syncdrv.New(send, cfg.SyncDeadline, logger)

	if err := c.loadHead(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadHead restores currentHeight/headHash from the persisted head pointer,
// leaving both at zero if the store has no committed blocks yet (genesis is
// seeded separately, e.g. by internal/config's genesis loader).
func (c *Chain) loadHead() error {
	raw, err := c.store.Get(storage.BucketExtras, headKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	height := binary.BigEndian.Uint64(raw)
	block, err := c.BlockByHeight(height)
	if err != nil {
		return fmt.Errorf("chain: failed to load head block at height %d: %w", height, err)
	}
	hash, err := block.Header.Hash()
	if err != nil {
		return err
	}
	c.currentHeight = height
	c.headHash = hash
	return nil
}

// Start launches the bus subscriptions and the periodic status broadcaster.
func (c *Chain) Start() error {
	if err := c.MarkStarted(); err != nil {
		return err
	}
	if c.bus != nil {
		blockCh, blockSub, err := c.bus.Subscribe(bus.KeyConsensusBlockProof)
		if err != nil {
			return err
		}
		c.blockSub = blockSub
		c.Go(func(ctx context.Context) { c.runBlockSubscriber(ctx, blockCh) })

		syncCh, syncSub, err := c.bus.Subscribe(bus.KeyNetSyncResponse)
		if err != nil {
			return err
		}
		c.syncSub = syncSub
		c.Go(func(ctx context.Context) { c.runSyncSubscriber(ctx, syncCh) })
	}
	c.Go(c.runStatusTicker)
	return nil
}

// Stop waits for every tracked goroutine to exit before tearing down the
// bus subscriptions, so runBlockSubscriber/runSyncSubscriber never read
// from a closed channel concurrently with Unsubscribe.
func (c *Chain) Stop() error {
	err := c.Base.Stop()
	if c.bus != nil {
		c.bus.Unsubscribe(c.blockSub)
		c.bus.Unsubscribe(c.syncSub)
	}
	c.sync.Stop()
	return err
}

func (c *Chain) runStatusTicker(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatusPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.broadcastStatus()
		}
	}
}

func (c *Chain) runBlockSubscriber(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			env, err := bus.DecodeEnvelope(data)
			if err != nil {
				c.logWarn("failed to decode block_with_proof envelope", "error", err)
				continue
			}
			block, proof, err := decodeBlockWithProof(env.Payload)
			if err != nil {
				c.logWarn("failed to decode block_with_proof payload", "error", err)
				continue
			}
			if err := c.HandleBlock(block, proof, KindConsensus); err != nil {
				c.logWarn("handle_block failed", "error", err)
			}
		}
	}
}

func (c *Chain) runSyncSubscriber(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			env, err := bus.DecodeEnvelope(data)
			if err != nil {
				c.logWarn("failed to decode sync_response envelope", "error", err)
				continue
			}
			resp, err := decodeSyncResponse(env.Payload)
			if err != nil {
				c.logWarn("failed to decode sync_response payload", "error", err)
				continue
			}
			for i, block := range resp.Blocks {
				var proof *types.Proof
				if i < len(resp.Proofs) {
					proof = resp.Proofs[i]
				}
				if err := c.HandleBlock(block, proof, KindSync); err != nil {
					c.logWarn("handle_block (sync) failed", "height", block.Header.Height, "error", err)
				}
			}
		}
	}
}

func (c *Chain) logWarn(msg string, kv ...interface{}) {
	if c.Logger != nil {
		c.Logger.Warnw(msg, kv...)
	}
}

// CurrentHeight returns the canonical head height.
func (c *Chain) CurrentHeight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentHeight
}

// HeadHash returns the canonical head's block hash.
func (c *Chain) HeadHash() crypto.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headHash
}

// QueueLen reports the BlockInQueue's current size, for metrics/tests.
func (c *Chain) QueueLen() int { return c.queue.Len() }

// IsSyncMode reports whether the chain is currently draining a contiguous
// run of queued blocks, per §4.5's "set is_sync=true" sync-mode rule.
func (c *Chain) IsSyncMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSyncMode
}

// HandleBlock applies §4.5's queue-processing rules to a newly received
// block.
func (c *Chain) HandleBlock(block *types.Block, proof *types.Proof, kind BlockKind) error {
	if block == nil || block.Header == nil {
		return ErrNilBlock
	}
	h := block.Header.Height

	c.mu.Lock()
	cur := c.currentHeight
	c.mu.Unlock()

	switch {
	case h == cur+1:
		if err := c.verifyAndApply(block, proof); err != nil {
			c.logWarn("rejected block at expected height", "height", h, "error", err)
			return err
		}
		c.sync.Satisfied(h)
		c.broadcastStatus()
		c.drainQueue()
		return nil

	case h > cur+1:
		c.queue.Put(h, QueuedBlock{Block: block, Proof: proof, Kind: kind})
		if c.metrics != nil {
			c.metrics.BlockQueueLength.Set(float64(c.queue.Len()))
		}
		c.sync.Request(cur+1, h-1)
		return nil

	default:
		// h <= cur: stale, drop.
		return nil
	}
}

// drainQueue feeds any contiguous run now available at the head, in sync
// mode: no intermediate RichStatus broadcasts, one broadcast after the run
// ends, and the whole queue is cleared if any queued block turns out
// invalid, per §4.5.
func (c *Chain) drainQueue() {
	c.mu.Lock()
	next := c.currentHeight + 1
	c.mu.Unlock()

	if !c.queue.Has(next) {
		return
	}

	c.mu.Lock()
	c.isSyncMode = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.isSyncMode = false
		c.mu.Unlock()
	}()

	drained := 0
	for {
		qb, ok := c.queue.Get(next)
		if !ok {
			break
		}
		c.queue.Delete(next)
		if err := c.verifyAndApply(qb.Block, qb.Proof); err != nil {
			c.logWarn("sync drain hit invalid block, clearing queue", "height", next, "error", err)
			c.queue.Clear()
			break
		}
		c.sync.Satisfied(next)
		drained++
		next++
	}
	if c.metrics != nil {
		c.metrics.BlockQueueLength.Set(float64(c.queue.Len()))
	}
	if drained > 0 {
		c.broadcastStatus()
	}
}

// verifyAndApply checks §4.5's invariants against block+proof, executes it,
// and persists the result as the new head.
func (c *Chain) verifyAndApply(block *types.Block, proof *types.Proof) error {
	if proof == nil {
		return fmt.Errorf("%w: missing commit proof", ErrNilBlock)
	}
	if err := block.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	cur := c.currentHeight
	headHash := c.headHash
	c.mu.Unlock()

	if block.Header.PrevHash != headHash {
		return fmt.Errorf("%w: want %s, have %s", ErrPrevHashMismatch, headHash, block.Header.PrevHash)
	}

	blockHash, err := block.Header.Hash()
	if err != nil {
		return err
	}
	if proof.ProposalHash != blockHash {
		return fmt.Errorf("%w: proof is for %s, block is %s", ErrProposalMismatch, proof.ProposalHash, blockHash)
	}

	validators, err := c.validators.ValidatorsAt(cur)
	if err != nil {
		return err
	}
	if err := proof.Validate(validators); err != nil {
		return err
	}

	result, err := c.executor.Execute(block)
	if err != nil {
		return err
	}
	if result.StateRoot != block.Header.StateRoot {
		return fmt.Errorf("%w: want %s, have %s", ErrStateRootMismatch, block.Header.StateRoot, result.StateRoot)
	}

	if err := c.persist(block, proof, result); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentHeight = block.Header.Height
	c.headHash = blockHash
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ChainHeight.Set(float64(block.Header.Height))
		c.metrics.BlocksExecuted.Inc()
		c.metrics.QuotaUsedTotal.Add(float64(result.QuotaUsed))
	}

	if c.cfg.OnCommit != nil {
		hashes := make([]crypto.Hash, len(block.Body.Transactions))
		for i, tx := range block.Body.Transactions {
			hashes[i] = tx.TxHash
		}
		c.cfg.OnCommit(block.Header.Height, hashes)
	}
	return nil
}

// persist durably commits block, proof and result in one bolt transaction,
// keeping the hash-indexed and height-indexed views in agreement per §4.5's
// storage invariant.
func (c *Chain) persist(block *types.Block, proof *types.Proof, result *types.ExecutedResult) error {
	blockData, err := block.Encode()
	if err != nil {
		return err
	}
	resultData, err := encodeExecutedResult(result)
	if err != nil {
		return err
	}
	proofData, err := proof.Encode()
	if err != nil {
		return err
	}
	blockHash, err := block.Header.Hash()
	if err != nil {
		return err
	}
	height := block.Header.Height

	return c.store.Batch(func(tx *bolt.Tx) error {
		if err := tx.Bucket(storage.BucketHeaders).Put(types.HeightKey(tagBlock, height), blockData); err != nil {
			return err
		}
		if err := tx.Bucket(storage.BucketBodies).Put(types.HeightKey(tagResult, height), resultData); err != nil {
			return err
		}
		if err := tx.Bucket(storage.BucketExtras).Put(hashIndexKey(blockHash), heightBytes(height)); err != nil {
			return err
		}
		if err := tx.Bucket(storage.BucketExtras).Put(proofIndexKey(height), proofData); err != nil {
			return err
		}
		for _, txn := range block.Body.Transactions {
			if err := tx.Bucket(storage.BucketExtras).Put(txIndexKey(txn.TxHash), heightBytes(height)); err != nil {
				return err
			}
		}
		return tx.Bucket(storage.BucketExtras).Put(headKey, heightBytes(height))
	})
}

// broadcastStatus publishes RichStatus for the current head, per §4.5's
// "on every new head and periodically".
func (c *Chain) broadcastStatus() {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	height, hash := c.currentHeight, c.headHash
	c.mu.Unlock()

	validators, err := c.validators.ValidatorsAt(height)
	if err != nil {
		c.logWarn("failed to resolve validators for rich_status", "height", height, "error", err)
		return
	}
	payload, err := encodeRichStatus(RichStatus{
		Height:     height,
		Hash:       hash,
		Validators: validators,
		Interval:   c.cfg.StatusPeriod,
	})
	if err != nil {
		c.logWarn("failed to encode rich_status", "error", err)
		return
	}
	env := bus.NewEnvelope(bus.SubModuleChain, bus.OpRichStatus, payload)
	if err := c.bus.PublishEnvelope(bus.KeyChainRichStatus, env); err != nil {
		c.logWarn("failed to publish rich_status", "error", err)
	}
}

func heightBytes(height uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, height)
	return b
}

var headKey = []byte("head")

func hashIndexKey(hash crypto.Hash) []byte {
	key := make([]byte, 0, 4+crypto.HashLength)
	key = append(key, "h2h:"...)
	key = append(key, hash.Bytes()...)
	return key
}

func txIndexKey(txHash crypto.Hash) []byte {
	key := make([]byte, 0, 5+crypto.HashLength)
	key = append(key, "tx2h:"...)
	key = append(key, txHash.Bytes()...)
	return key
}

func proofIndexKey(height uint64) []byte {
	key := make([]byte, 0, 6+8)
	key = append(key, "proof:"...)
	key = append(key, heightBytes(height)...)
	return key
}

// BlockByHeight reads the block persisted at height.
func (c *Chain) BlockByHeight(height uint64) (*types.Block, error) {
	raw, err := c.store.Get(storage.BucketHeaders, types.HeightKey(tagBlock, height))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(raw)
}

// BlockByHash resolves hash to a height via the hash index, then reads the
// block at that height, per §4.5's storage invariant.
func (c *Chain) BlockByHash(hash crypto.Hash) (*types.Block, error) {
	raw, err := c.store.Get(storage.BucketExtras, hashIndexKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.BlockByHeight(binary.BigEndian.Uint64(raw))
}

// ResultByHeight reads the ExecutedResult persisted for height.
func (c *Chain) ResultByHeight(height uint64) (*types.ExecutedResult, error) {
	raw, err := c.store.Get(storage.BucketBodies, types.HeightKey(tagResult, height))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeExecutedResult(raw)
}

// ProofByHeight reads the commit proof persisted for height.
func (c *Chain) ProofByHeight(height uint64) (*types.Proof, error) {
	raw, err := c.store.Get(storage.BucketExtras, proofIndexKey(height))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return types.DecodeProof(raw)
}

// TransactionByHash returns the transaction, the height it was included at,
// and the proof that committed that height, per §4.5's "transaction-by-hash
// (with proof)" query. The "proof" returned here is the block's quorum
// commit certificate, not a per-transaction Merkle inclusion path — this
// spine stops at the quorum-proof granularity spec.md's Proof type defines.
func (c *Chain) TransactionByHash(txHash crypto.Hash) (*types.SignedTransaction, uint64, *types.Proof, error) {
	raw, err := c.store.Get(storage.BucketExtras, txIndexKey(txHash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, nil, ErrNotFound
	}
	if err != nil {
		return nil, 0, nil, err
	}
	height := binary.BigEndian.Uint64(raw)
	block, err := c.BlockByHeight(height)
	if err != nil {
		return nil, 0, nil, err
	}
	for _, tx := range block.Body.Transactions {
		if tx.TxHash == txHash {
			proof, err := c.ProofByHeight(height)
			if err != nil {
				return nil, 0, nil, err
			}
			return tx, height, proof, nil
		}
	}
	return nil, 0, nil, ErrNotFound
}

// ReceiptByHash returns the receipt for txHash, per §4.5's
// "receipt-by-hash" query.
func (c *Chain) ReceiptByHash(txHash crypto.Hash) (*types.Receipt, error) {
	raw, err := c.store.Get(storage.BucketExtras, txIndexKey(txHash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	height := binary.BigEndian.Uint64(raw)
	result, err := c.ResultByHeight(height)
	if err != nil {
		return nil, err
	}
	for _, r := range result.Receipts {
		if r.TxHash == txHash {
			return r, nil
		}
	}
	return nil, ErrNotFound
}
