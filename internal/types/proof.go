package types

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/cita-io/citacore/internal/crypto"
)

var (
	ErrNoQuorum        = errors.New("types: proof does not have quorum")
	ErrForeignSigner    = errors.New("types: proof signature recovers to a non-validator")
	ErrEncodeProof      = errors.New("types: failed to encode proof")
	ErrDecodeProof      = errors.New("types: failed to decode proof")
)

// VoteStep distinguishes a Tendermint prevote from a precommit when building
// the signed payload a validator commits to.
type VoteStep uint8

const (
	StepPrevote VoteStep = iota
	StepPrecommit
)

// Proof is the Tendermint commit certificate: a quorum of precommit
// signatures for one (height, round, proposal_hash), per §3.
type Proof struct {
	Height        uint64
	Round         uint64
	ProposalHash  crypto.Hash
	Commits       map[crypto.Address]crypto.Signature
}

// voteSignPayload returns the exact byte tuple a validator signs for a vote:
// (height, round, step, signer, proposal_hash-or-absent), per §3's proof
// invariant.
func voteSignPayload(height, round uint64, step VoteStep, signer crypto.Address, hash *crypto.Hash) []byte {
	buf := make([]byte, 0, 8+8+1+crypto.AddressLength+crypto.HashLength+1)
	var h8 [8]byte
	binary.BigEndian.PutUint64(h8[:], height)
	buf = append(buf, h8[:]...)
	binary.BigEndian.PutUint64(h8[:], round)
	buf = append(buf, h8[:]...)
	buf = append(buf, byte(step))
	buf = append(buf, signer[:]...)
	if hash != nil {
		buf = append(buf, 1)
		buf = append(buf, hash[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// PrecommitSignPayload returns the hash a validator signs when precommitting
// (height, round, Precommit, signer, Some(proposalHash)) — nil votes are
// never included in a Proof.
func PrecommitSignPayload(height, round uint64, signer crypto.Address, proposalHash crypto.Hash) crypto.Hash {
	return crypto.Sum256(voteSignPayload(height, round, StepPrecommit, signer, &proposalHash))
}

// PrevoteSignPayload mirrors PrecommitSignPayload for the prevote step; nilHash
// is nil for a nil prevote.
func PrevoteSignPayload(height, round uint64, signer crypto.Address, nilHash *crypto.Hash) crypto.Hash {
	return crypto.Sum256(voteSignPayload(height, round, StepPrevote, signer, nilHash))
}

// QuorumPower returns floor(2n/3), the integer power a commit set must
// strictly exceed.
func QuorumPower(n int) int {
	return (2 * n) / 3
}

// HasQuorum reports whether |commits| strictly exceeds 2/3 of n validators.
func (p *Proof) HasQuorum(n int) bool {
	return len(p.Commits) > QuorumPower(n)
}

// Validate checks the §3 Proof invariant against the validator set active at
// the block the proof commits: every commit recovers to a member of
// validators, every commit is over the canonical precommit payload, and the
// commit set has quorum.
func (p *Proof) Validate(validators []crypto.Address) error {
	if p == nil {
		return fmt.Errorf("%w: nil proof", ErrNoQuorum)
	}
	if !p.HasQuorum(len(validators)) {
		return fmt.Errorf("%w: have %d of %d validators, need >%d", ErrNoQuorum, len(p.Commits), len(validators), QuorumPower(len(validators)))
	}
	allowed := make(map[crypto.Address]struct{}, len(validators))
	for _, v := range validators {
		allowed[v] = struct{}{}
	}
	for signer, sig := range p.Commits {
		if _, ok := allowed[signer]; !ok {
			return fmt.Errorf("%w: %s", ErrForeignSigner, signer)
		}
		payload := PrecommitSignPayload(p.Height, p.Round, signer, p.ProposalHash)
		recovered, err := crypto.RecoverAddress(payload, sig)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrForeignSigner, err)
		}
		if recovered != signer {
			return fmt.Errorf("%w: signature for %s recovers to %s", ErrForeignSigner, signer, recovered)
		}
	}
	return nil
}

// Encode serializes the proof for embedding in a header or WAL record.
func (p *Proof) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeProof, err)
	}
	return buf.Bytes(), nil
}

// DecodeProof is the inverse of (*Proof).Encode.
func DecodeProof(data []byte) (*Proof, error) {
	var p Proof
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeProof, err)
	}
	return &p, nil
}
