package consensus

import (
	"errors"

	"github.com/cita-io/citacore/internal/crypto"
)

var (
	ErrWrongHeight     = errors.New("consensus: vote/proposal for wrong height")
	ErrDuplicateVote   = errors.New("consensus: duplicate vote from signer for this round/step")
	ErrNotInValidators = errors.New("consensus: signer is not in the active validator set")
)

// nilHashKey is the map key used for a nil vote's tally bucket.
var nilHashKey = crypto.Hash{}

// HeightState tracks all in-flight votes, proposals and the PoLC lock for
// one consensus height, across every round attempted so far. It is pure
// bookkeeping: validity checks for a proposal (signature, prev_hash,
// embedded proof, AuthPool.verify_block) are the Driver's responsibility,
// since they require cross-service context this type deliberately does not
// hold.
type HeightState struct {
	height     uint64
	validators ValidatorSet

	// currentRound is the highest round this node has advanced to.
	currentRound uint64
	step         Step

	proposals map[uint64]*Proposal // round -> proposal
	prevotes  map[uint64]map[crypto.Address]*Vote
	precommit map[uint64]map[crypto.Address]*Vote

	lockedRound int64 // -1 means unlocked
	lockedHash  crypto.Hash
}

// NewHeightState starts tracking height against validators, at round 0,
// step Propose, with no lock.
func NewHeightState(height uint64, validators ValidatorSet) *HeightState {
	return &HeightState{
		height:      height,
		validators:  validators,
		currentRound: 0,
		step:        StepPropose,
		proposals:   make(map[uint64]*Proposal),
		prevotes:    make(map[uint64]map[crypto.Address]*Vote),
		precommit:   make(map[uint64]map[crypto.Address]*Vote),
		lockedRound: -1,
	}
}

func (hs *HeightState) Height() uint64 { return hs.height }
func (hs *HeightState) Round() uint64  { return hs.currentRound }
func (hs *HeightState) Step() Step     { return hs.step }

// LockedHash returns the currently locked hash and whether a lock is held.
func (hs *HeightState) LockedHash() (crypto.Hash, bool) {
	if hs.lockedRound < 0 {
		return crypto.Hash{}, false
	}
	return hs.lockedHash, true
}

// Proposer returns the expected leader for round.
func (hs *HeightState) Proposer(round uint64) (crypto.Address, error) {
	return hs.validators.Proposer(hs.height, round)
}

// SetStep advances the step within the current round (Propose -> Prevote ->
// Precommit -> Commit); the Driver calls this after a transition condition
// is satisfied.
func (hs *HeightState) SetStep(step Step) { hs.step = step }

// AdvanceRound moves to round, resetting the step to Propose. It does not
// clear previously recorded votes — they remain visible for PoLC bookkeeping
// and equivocation detection.
func (hs *HeightState) AdvanceRound(round uint64) {
	hs.currentRound = round
	hs.step = StepPropose
}

// SetProposal records the proposal the Driver has already validated for its
// round.
func (hs *HeightState) SetProposal(p *Proposal) error {
	if p.Height != hs.height {
		return ErrWrongHeight
	}
	hs.proposals[p.Round] = p
	return nil
}

// Proposal returns the recorded proposal for round, if any.
func (hs *HeightState) Proposal(round uint64) (*Proposal, bool) {
	p, ok := hs.proposals[round]
	return p, ok
}

func hashKey(h *crypto.Hash) crypto.Hash {
	if h == nil {
		return nilHashKey
	}
	return *h
}

// AddPrevote records v (whose signature the Driver has already verified)
// and reports the quorum-reached hash for v.Round, if any, mirroring §4.3's
// "on receiving prevotes from >2/3 power for the same hash" condition. A nil
// *crypto.Hash tallyHash with ok=true means a nil-quorum was reached.
func (hs *HeightState) AddPrevote(v *Vote) (tallyHash *crypto.Hash, ok bool, err error) {
	if v.Height != hs.height {
		return nil, false, ErrWrongHeight
	}
	if !hs.validators.Contains(v.Signer) {
		return nil, false, ErrNotInValidators
	}
	bucket, exists := hs.prevotes[v.Round]
	if !exists {
		bucket = make(map[crypto.Address]*Vote)
		hs.prevotes[v.Round] = bucket
	}
	if existing, seen := bucket[v.Signer]; seen && hashKey(existing.BlockHash) != hashKey(v.BlockHash) {
		return nil, false, ErrDuplicateVote
	}
	bucket[v.Signer] = v
	return hs.tally(bucket)
}

// AddPrecommit mirrors AddPrevote for the precommit step.
func (hs *HeightState) AddPrecommit(v *Vote) (tallyHash *crypto.Hash, ok bool, err error) {
	if v.Height != hs.height {
		return nil, false, ErrWrongHeight
	}
	if !hs.validators.Contains(v.Signer) {
		return nil, false, ErrNotInValidators
	}
	bucket, exists := hs.precommit[v.Round]
	if !exists {
		bucket = make(map[crypto.Address]*Vote)
		hs.precommit[v.Round] = bucket
	}
	if existing, seen := bucket[v.Signer]; seen && hashKey(existing.BlockHash) != hashKey(v.BlockHash) {
		return nil, false, ErrDuplicateVote
	}
	bucket[v.Signer] = v
	return hs.tally(bucket)
}

// tally groups bucket's votes by hash (nil counted separately) and reports
// the first hash (or nil) to cross quorum.
func (hs *HeightState) tally(bucket map[crypto.Address]*Vote) (*crypto.Hash, bool, error) {
	counts := make(map[crypto.Hash]int)
	var nilCount int
	for _, v := range bucket {
		if v.IsNil() {
			nilCount++
		} else {
			counts[*v.BlockHash]++
		}
	}
	if hs.validators.HasQuorum(nilCount) {
		return nil, true, nil
	}
	for h, c := range counts {
		if hs.validators.HasQuorum(c) {
			hc := h
			return &hc, true, nil
		}
	}
	return nil, false, nil
}

// Lock records a PoLC lock on (round, hash), per §4.3's locking rule.
func (hs *HeightState) Lock(round uint64, hash crypto.Hash) {
	hs.lockedRound = int64(round)
	hs.lockedHash = hash
}

// Unlock clears any held lock, per the locking rule's unlock condition (a
// higher-round prevote quorum for a different hash).
func (hs *HeightState) Unlock() {
	hs.lockedRound = -1
	hs.lockedHash = crypto.Hash{}
}

// PrevoteChoice returns the hash this node should prevote for in round,
// honoring the locking rule: if locked, vote the locked hash; otherwise vote
// the proposal's hash if one is recorded for round, else nil.
func (hs *HeightState) PrevoteChoice(round uint64) (*crypto.Hash, error) {
	if locked, ok := hs.LockedHash(); ok {
		h := locked
		return &h, nil
	}
	p, ok := hs.Proposal(round)
	if !ok {
		return nil, nil
	}
	h, err := p.BlockHash()
	if err != nil {
		return nil, err
	}
	return &h, nil
}
