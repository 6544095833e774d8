package consensus

import (
	"errors"
	"fmt"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/types"
)

var (
	ErrVoteSignatureInvalid = errors.New("consensus: vote signature does not recover to claimed signer")
	ErrProposalInvalid      = errors.New("consensus: proposal signature does not recover to expected proposer")
)

// Vote is the { h, r, step, block_hash_or_nil, signature } message described
// in §4.3's Prevote/Precommit transitions.
type Vote struct {
	Height    uint64
	Round     uint64
	Step      types.VoteStep
	BlockHash *crypto.Hash // nil for a nil vote
	Signer    crypto.Address
	Signature crypto.Signature
}

func votePayload(height, round uint64, step types.VoteStep, signer crypto.Address, hash *crypto.Hash) crypto.Hash {
	if step == types.StepPrecommit && hash != nil {
		return types.PrecommitSignPayload(height, round, signer, *hash)
	}
	return types.PrevoteSignPayload(height, round, signer, hash)
}

// NewVote signs a vote as signer using key.
func NewVote(height, round uint64, step types.VoteStep, hash *crypto.Hash, signer crypto.Address, key *crypto.PrivateKey) (*Vote, error) {
	payload := votePayload(height, round, step, signer, hash)
	sig, err := key.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &Vote{Height: height, Round: round, Step: step, BlockHash: hash, Signer: signer, Signature: sig}, nil
}

// Verify checks that v's signature recovers to v.Signer over the canonical
// vote payload.
func (v *Vote) Verify() error {
	payload := votePayload(v.Height, v.Round, v.Step, v.Signer, v.BlockHash)
	recovered, err := crypto.RecoverAddress(payload, v.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVoteSignatureInvalid, err)
	}
	if recovered != v.Signer {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrVoteSignatureInvalid, recovered, v.Signer)
	}
	return nil
}

// IsNil reports whether v is a nil vote (no block hash).
func (v *Vote) IsNil() bool { return v.BlockHash == nil }

// Proposal is the `SignedProposal { block, height, round, signature }`
// message a proposer broadcasts, per §4.3's Propose transition.
type Proposal struct {
	Block    *types.Block
	Height   uint64
	Round    uint64
	Proposer crypto.Address
	Signature crypto.Signature
}

func proposalPayload(height, round uint64, blockHash crypto.Hash) crypto.Hash {
	return crypto.Sum256(append(append(uint64ToBytes(height), uint64ToBytes(round)...), blockHash[:]...))
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// NewProposal builds and signs a Proposal over block at (height, round).
func NewProposal(block *types.Block, height, round uint64, proposer crypto.Address, key *crypto.PrivateKey) (*Proposal, error) {
	h, err := block.Header.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(proposalPayload(height, round, h))
	if err != nil {
		return nil, err
	}
	return &Proposal{Block: block, Height: height, Round: round, Proposer: proposer, Signature: sig}, nil
}

// Verify checks that p's signature recovers to p.Proposer and that
// p.Proposer is in fact the expected leader for (height, round) in vs.
func (p *Proposal) Verify(vs ValidatorSet) error {
	expected, err := vs.Proposer(p.Height, p.Round)
	if err != nil {
		return err
	}
	if expected != p.Proposer {
		return fmt.Errorf("%w: expected %s, got %s", ErrProposalInvalid, expected, p.Proposer)
	}
	h, err := p.Block.Header.Hash()
	if err != nil {
		return err
	}
	recovered, err := crypto.RecoverAddress(proposalPayload(p.Height, p.Round, h), p.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProposalInvalid, err)
	}
	if recovered != p.Proposer {
		return fmt.Errorf("%w: signature recovers to %s, not proposer %s", ErrProposalInvalid, recovered, p.Proposer)
	}
	return nil
}

// BlockHash returns the proposal's block header hash.
func (p *Proposal) BlockHash() (crypto.Hash, error) {
	return p.Block.Header.Hash()
}
