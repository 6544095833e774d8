package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cita-io/citacore/internal/authpool"
	"github.com/cita-io/citacore/internal/bus"
	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/svc"
	"github.com/cita-io/citacore/internal/types"
)

// HeightSource answers the chain service's current head, so Engine knows
// which height to drive next and what prev_hash a proposal must chain from.
// Satisfied by *chain.Chain without an adapter.
type HeightSource interface {
	CurrentHeight() uint64
	HeadHash() crypto.Hash
}

// AuthSource is the subset of authpool.Pool's surface a proposer/voter
// needs: packaging a batch for a local proposal, resolving a packaged hash
// back to its transaction, and re-verifying a foreign proposal's batch.
type AuthSource interface {
	Package(height uint64, limits authpool.QuotaLimits) []crypto.Hash
	TxByHash(hash crypto.Hash) (*types.SignedTransaction, bool)
	VerifyBlock(txs []*types.SignedTransaction, currentHeight uint64, limits authpool.QuotaLimits) bool
}

// StateSimulator prices a block against current world state without
// persisting anything, so a proposer can fill in Header.StateRoot/QuotaUsed
// before signing, and a voter can check a foreign proposal's claimed values
// instead of trusting them — chain.Chain's own Executor.Execute will
// independently recompute and enforce equality once a block actually
// commits. Satisfied by *executor.Executor.
type StateSimulator interface {
	Simulate(block *types.Block) (*types.ExecutedResult, error)
}

// EngineConfig configures an Engine instance.
type EngineConfig struct {
	Timeouts TimeoutConfig
	Limits   authpool.QuotaLimits
	// CommitWait bounds how long Engine waits for the chain service to
	// apply a block it just broadcast before moving on to the next height.
	CommitWait time.Duration
}

const defaultCommitWait = 2 * time.Second

// Engine wraps Driver into a long-running service per §4.3: one height at a
// time, reading proposals/votes off the bus and publishing the ones this
// node casts, publishing the committed block+proof to Chain on success.
//
// This is the generalization of the teacher's ConsensusEngine
// (internal/consensus/consensus_engine.go) — svc.Base lifecycle retained,
// POW/POS loop replaced by the Tendermint height loop from
// original_source/consensus/.
type Engine struct {
	svc.Base

	localAddr  crypto.Address
	localKey   *crypto.PrivateKey
	validators *Validators
	pool       AuthSource
	sim        StateSimulator
	chain      HeightSource
	driver     *Driver
	bus        *bus.Bus
	cfg        EngineConfig

	proposals chan *Proposal
	votes     chan *Vote

	proposalSub *bus.Subscription
	voteSub     *bus.Subscription
}

// NewEngine constructs an Engine signing as localAddr/localKey, electing
// leaders from validators, packaging blocks from pool, pricing them against
// world state via sim (nil disables StateRoot/QuotaUsed filling and
// verification — only acceptable against an executor-less test chain),
// tracking the chain's head via chainSrc, logging its WAL to wal, and
// communicating over b.
func NewEngine(localAddr crypto.Address, localKey *crypto.PrivateKey, validators *Validators, pool AuthSource, sim StateSimulator, chainSrc HeightSource, wal *WAL, b *bus.Bus, cfg EngineConfig, logger *zap.SugaredLogger) *Engine {
	if cfg.Timeouts == (TimeoutConfig{}) {
		cfg.Timeouts = DefaultTimeoutConfig()
	}
	if cfg.CommitWait == 0 {
		cfg.CommitWait = defaultCommitWait
	}
	e := &Engine{
		localAddr:  localAddr,
		localKey:   localKey,
		validators: validators,
		pool:       pool,
		sim:        sim,
		chain:      chainSrc,
		bus:        b,
		cfg:        cfg,
		proposals:  make(chan *Proposal, 64),
		votes:      make(chan *Vote, 256),
	}
	e.driver = NewDriver(localAddr, localKey, cfg.Timeouts, wal, logger)
	e.Init(logger)
	return e
}

// Start subscribes to incoming proposals/votes and launches the height
// loop.
func (e *Engine) Start() error {
	if err := e.MarkStarted(); err != nil {
		return err
	}
	proposalCh, proposalSub, err := e.bus.Subscribe(bus.KeyConsensusProposal)
	if err != nil {
		return err
	}
	e.proposalSub = proposalSub
	e.Go(func(ctx context.Context) { e.runProposalIntake(ctx, proposalCh) })

	voteCh, voteSub, err := e.bus.Subscribe(bus.KeyConsensusRawBytes)
	if err != nil {
		return err
	}
	e.voteSub = voteSub
	e.Go(func(ctx context.Context) { e.runVoteIntake(ctx, voteCh) })

	e.Go(e.run)
	return nil
}

// Stop waits for the height loop and intake goroutines to exit before
// tearing down the bus subscriptions.
func (e *Engine) Stop() error {
	err := e.Base.Stop()
	e.bus.Unsubscribe(e.proposalSub)
	e.bus.Unsubscribe(e.voteSub)
	return err
}

func (e *Engine) runProposalIntake(ctx context.Context, ch <-chan []byte) {
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
				e.logWarn("failed to decode proposal envelope", "error", err)
				continue
			}
			p, err := DecodeProposal(env.Payload)
			if err != nil {
				e.logWarn("failed to decode proposal", "error", err)
				continue
			}
			select {
			case e.proposals <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) runVoteIntake(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			v, err := DecodeVote(data)
			if err != nil {
				e.logWarn("failed to decode vote", "error", err)
				continue
			}
			select {
			case e.votes <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) logWarn(msg string, kv ...interface{}) {
	if e.Logger != nil {
		e.Logger.Warnw(msg, kv...)
	}
}

// run drives one height to commit at a time, for the process lifetime.
// Messages addressed to a height/round other than the one currently being
// driven are dropped by Driver's own filtering rather than buffered for
// later — acceptable for this spine's single-process scope, since the bus
// delivers in publish order and a new height only starts once the previous
// one has committed.
func (e *Engine) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		height := e.chain.CurrentHeight() + 1
		vs := e.validators.At(height)
		hs := NewHeightState(height, vs)

		block, proof, err := e.driver.RunHeight(ctx, hs, e.proposals, e.votes, e.makeValidator(vs), e.makeBuilder(height), e)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logWarn("height failed, retrying", "height", height, "error", err)
			continue
		}
		e.publishCommit(block, proof)
		e.waitForCommit(ctx, height)
	}
}

func (e *Engine) makeValidator(vs ValidatorSet) ProposalValidator {
	return func(p *Proposal) bool {
		if err := p.Verify(vs); err != nil {
			e.logWarn("rejecting proposal", "error", err)
			return false
		}
		if p.Block.Header.PrevHash != e.chain.HeadHash() {
			e.logWarn("rejecting proposal: prev_hash mismatch")
			return false
		}
		if e.pool != nil && !e.pool.VerifyBlock(p.Block.Body.Transactions, p.Height-1, e.cfg.Limits) {
			e.logWarn("rejecting proposal: verify_block failed")
			return false
		}
		if e.sim != nil {
			result, err := e.sim.Simulate(p.Block)
			if err != nil {
				e.logWarn("rejecting proposal: simulate failed", "error", err)
				return false
			}
			if result.StateRoot != p.Block.Header.StateRoot || result.QuotaUsed != p.Block.Header.QuotaUsed {
				e.logWarn("rejecting proposal: state_root/quota_used mismatch",
					"want_state_root", p.Block.Header.StateRoot, "got_state_root", result.StateRoot)
				return false
			}
		}
		return true
	}
}

// makeBuilder assembles the next block a local proposal will carry. When sim
// is set, it prices the draft block against current world state before
// returning it, filling in Header.StateRoot/QuotaUsed/TransactionsRoot —
// the same values chain.verifyAndApply's own Execute will independently
// recompute once this block actually commits, so the two must already agree
// at proposal time (§4.3/§4.4).
func (e *Engine) makeBuilder(height uint64) BlockBuilder {
	return func(round uint64) (*types.Block, error) {
		var txs []*types.SignedTransaction
		if e.pool != nil {
			for _, h := range e.pool.Package(height, e.cfg.Limits) {
				if tx, ok := e.pool.TxByHash(h); ok {
					txs = append(txs, tx)
				}
			}
		}
		body := &types.Body{Transactions: txs}
		root, err := body.MerkleRoot()
		if err != nil {
			return nil, err
		}
		header := &types.Header{
			Version:          1,
			Height:           height,
			PrevHash:         e.chain.HeadHash(),
			TimestampMillis:  time.Now().UnixMilli(),
			TransactionsRoot: root,
			Proposer:         e.localAddr,
		}
		block := &types.Block{Header: header, Body: body}
		if e.sim == nil {
			return block, nil
		}
		result, err := e.sim.Simulate(block)
		if err != nil {
			return nil, fmt.Errorf("consensus: simulate proposal: %w", err)
		}
		block.Header = result.Header
		return block, nil
	}
}

// BroadcastProposal implements Broadcaster.
func (e *Engine) BroadcastProposal(p *Proposal) {
	payload, err := EncodeProposal(p)
	if err != nil {
		e.logWarn("failed to encode proposal for broadcast", "error", err)
		return
	}
	env := bus.NewEnvelope(bus.SubModuleConsensus, bus.OpSignedProposal, payload)
	if err := e.bus.PublishEnvelope(bus.KeyConsensusProposal, env); err != nil {
		e.logWarn("failed to publish proposal", "error", err)
	}
}

// BroadcastVote implements Broadcaster.
func (e *Engine) BroadcastVote(v *Vote) {
	payload, err := EncodeVote(v)
	if err != nil {
		e.logWarn("failed to encode vote for broadcast", "error", err)
		return
	}
	if err := e.bus.Publish(bus.KeyConsensusRawBytes, payload); err != nil {
		e.logWarn("failed to publish vote", "error", err)
	}
}

func (e *Engine) publishCommit(block *types.Block, proof *types.Proof) {
	hash, err := block.Header.Hash()
	if err != nil {
		e.logWarn("failed to hash committed block", "error", err)
		return
	}
	payload, err := encodeBlockWithProof(block, proof)
	if err != nil {
		e.logWarn("failed to encode block_with_proof", "error", err)
		return
	}
	env := bus.NewEnvelope(bus.SubModuleConsensus, bus.OpBlockWithProof, payload)
	if err := e.bus.PublishEnvelope(bus.KeyConsensusBlockProof, env); err != nil {
		e.logWarn("failed to publish block_with_proof", "height", block.Header.Height, "hash", hash, "error", err)
	}
}

// waitForCommit blocks until the chain service reports it has applied
// height (or cfg.CommitWait elapses, in which case Engine proceeds anyway —
// a slow chain service will simply see the next height arrive early and
// queue it, per chain.HandleBlock's out-of-order path).
func (e *Engine) waitForCommit(ctx context.Context, height uint64) {
	deadline := time.NewTimer(e.cfg.CommitWait)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.chain.CurrentHeight() >= height {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}
