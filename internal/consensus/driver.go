package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/types"
)

// Broadcaster is how a Driver emits the messages it produces: the proposal
// it builds when it is this round's leader, and every vote it casts. The
// Driver always logs to WAL before calling these, per §4.3.
type Broadcaster interface {
	BroadcastProposal(p *Proposal)
	BroadcastVote(v *Vote)
}

// ProposalValidator decides whether a received proposal is acceptable,
// per §4.3's validity rule (height match, signature, prev_hash, embedded
// proof, AuthPool.verify_block). The Driver itself only filters proposals
// on height and round; every other check, including the proposer
// signature, is left to this callback.
type ProposalValidator func(p *Proposal) bool

// BlockBuilder constructs the block this node proposes when it is the
// leader for round, typically by asking AuthPool.Package for a batch of
// transaction hashes and assembling bodies from the pool.
type BlockBuilder func(round uint64) (*types.Block, error)

// Driver runs one height's Tendermint state machine to completion on the
// calling goroutine — matching §9's "coroutine-style consensus collapses
// into a single thread per height".
type Driver struct {
	localAddr crypto.Address
	localKey  *crypto.PrivateKey
	timeouts  TimeoutConfig
	wal       *WAL
	logger    *zap.SugaredLogger
}

// NewDriver constructs a Driver signing as localAddr/localKey.
func NewDriver(localAddr crypto.Address, localKey *crypto.PrivateKey, timeouts TimeoutConfig, wal *WAL, logger *zap.SugaredLogger) *Driver {
	return &Driver{localAddr: localAddr, localKey: localKey, timeouts: timeouts, wal: wal, logger: logger}
}

// RunHeight drives height to commit, reading inbound proposals/votes from
// proposals/votes and emitting outbound messages via bc, until ctx is
// canceled (in which case it returns ctx.Err()) or a block commits.
func (d *Driver) RunHeight(
	ctx context.Context,
	hs *HeightState,
	proposals <-chan *Proposal,
	votes <-chan *Vote,
	validate ProposalValidator,
	build BlockBuilder,
	bc Broadcaster,
) (*types.Block, *types.Proof, error) {
	if d.wal != nil {
		if err := d.wal.Replay(hs); err != nil {
			return nil, nil, fmt.Errorf("consensus: wal replay failed: %w", err)
		}
	}

	for {
		block, proof, done, err := d.runRound(ctx, hs, proposals, votes, validate, build, bc)
		if err != nil {
			return nil, nil, err
		}
		if done {
			return block, proof, nil
		}
		hs.AdvanceRound(hs.Round() + 1)
	}
}

func (d *Driver) runRound(
	ctx context.Context,
	hs *HeightState,
	proposals <-chan *Proposal,
	votes <-chan *Vote,
	validate ProposalValidator,
	build BlockBuilder,
	bc Broadcaster,
) (block *types.Block, proof *types.Proof, done bool, err error) {
	round := hs.Round()
	expectedProposer, proposerErr := hs.Proposer(round)
	if proposerErr != nil {
		return nil, nil, false, proposerErr
	}

	// --- Propose ---
	hs.SetStep(StepPropose)
	if expectedProposer == d.localAddr {
		b, buildErr := build(round)
		if buildErr != nil {
			return nil, nil, false, buildErr
		}
		p, signErr := NewProposal(b, hs.Height(), round, d.localAddr, d.localKey)
		if signErr != nil {
			return nil, nil, false, signErr
		}
		if d.wal != nil {
			if walErr := d.wal.LogProposal(p); walErr != nil {
				return nil, nil, false, walErr
			}
		}
		_ = hs.SetProposal(p)
		bc.BroadcastProposal(p)
	} else {
		if !d.waitForProposal(ctx, hs, proposals, validate, round) && ctx.Err() != nil {
			return nil, nil, false, ctx.Err()
		}
	}

	// --- Prevote ---
	hs.SetStep(StepPrevote)
	choice, choiceErr := hs.PrevoteChoice(round)
	if choiceErr != nil {
		return nil, nil, false, choiceErr
	}
	if err := d.castVote(hs, round, types.StepPrevote, choice, bc); err != nil {
		return nil, nil, false, err
	}
	prevoteHash, prevoteOK := d.waitForQuorum(ctx, hs, votes, round, types.StepPrevote)
	if prevoteOK {
		if prevoteHash != nil {
			hs.Lock(round, *prevoteHash)
		} else {
			hs.Unlock()
		}
	}

	// --- Precommit ---
	hs.SetStep(StepPrecommit)
	var precommitChoice *crypto.Hash
	if prevoteOK && prevoteHash != nil {
		precommitChoice = prevoteHash
	}
	if err := d.castVote(hs, round, types.StepPrecommit, precommitChoice, bc); err != nil {
		return nil, nil, false, err
	}
	precommitHash, precommitOK := d.waitForQuorum(ctx, hs, votes, round, types.StepPrecommit)
	if !precommitOK || precommitHash == nil {
		return nil, nil, false, nil // advance round
	}

	// --- Commit ---
	hs.SetStep(StepCommit)
	p, ok := hs.Proposal(round)
	if !ok {
		return nil, nil, false, nil
	}
	commitProof := &types.Proof{Height: hs.Height(), Round: round, ProposalHash: *precommitHash, Commits: make(map[crypto.Address]crypto.Signature)}
	for addr, v := range hs.precommitBucket(round) {
		if !v.IsNil() && *v.BlockHash == *precommitHash {
			commitProof.Commits[addr] = v.Signature
		}
	}
	return p.Block, commitProof, true, nil
}

// precommitBucket exposes the precommit votes recorded for round, used to
// assemble the commit proof.
func (hs *HeightState) precommitBucket(round uint64) map[crypto.Address]*Vote {
	return hs.precommit[round]
}

func (d *Driver) castVote(hs *HeightState, round uint64, step types.VoteStep, hash *crypto.Hash, bc Broadcaster) error {
	v, err := NewVote(hs.Height(), round, step, hash, d.localAddr, d.localKey)
	if err != nil {
		return err
	}
	if d.wal != nil {
		if err := d.wal.LogVote(v); err != nil {
			return err
		}
	}
	if step == types.StepPrevote {
		if _, _, err := hs.AddPrevote(v); err != nil {
			return err
		}
	} else {
		if _, _, err := hs.AddPrecommit(v); err != nil {
			return err
		}
	}
	bc.BroadcastVote(v)
	return nil
}

func (d *Driver) waitForProposal(ctx context.Context, hs *HeightState, proposals <-chan *Proposal, validate ProposalValidator, round uint64) bool {
	timer := time.NewTimer(d.timeouts.ProposeTimeout(round))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true // timeout: proceed to Prevote with no accepted proposal
		case p := <-proposals:
			if p.Round != round || p.Height != hs.Height() {
				continue
			}
			if validate != nil && !validate(p) {
				continue
			}
			_ = hs.SetProposal(p)
			return true
		}
	}
}

func (d *Driver) waitForQuorum(ctx context.Context, hs *HeightState, votes <-chan *Vote, round uint64, step types.VoteStep) (*crypto.Hash, bool) {
	var timeout = d.timeouts.PrevoteTimeout(round)
	if step == types.StepPrecommit {
		timeout = d.timeouts.PrecommitTimeout(round)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, false
		case v := <-votes:
			if v.Height != hs.Height() || v.Round != round || v.Step != step {
				continue
			}
			if verr := v.Verify(); verr != nil {
				if d.logger != nil {
					d.logger.Warnw("dropping vote with invalid signature", "signer", v.Signer.String(), "error", verr)
				}
				continue
			}
			var (
				hash *crypto.Hash
				ok   bool
				err  error
			)
			if step == types.StepPrevote {
				hash, ok, err = hs.AddPrevote(v)
			} else {
				hash, ok, err = hs.AddPrecommit(v)
			}
			if err != nil {
				continue
			}
			if ok {
				return hash, true
			}
		}
	}
}
