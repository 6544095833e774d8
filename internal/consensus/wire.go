package consensus

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/cita-io/citacore/internal/types"
)

// ErrDecodeWire mirrors chain.ErrDecodeWire for this package's own bus
// payloads: a signed proposal and a vote, the two message shapes §4.3's
// Broadcaster emits.
var ErrDecodeWire = errors.New("consensus: failed to decode message")

// EncodeProposal serializes p for consensus.signed_proposal.
func EncodeProposal(p *Proposal) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("consensus: failed to encode proposal: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeProposal is the inverse of EncodeProposal.
func DecodeProposal(data []byte) (*Proposal, error) {
	var p Proposal
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeWire, err)
	}
	return &p, nil
}

// EncodeVote serializes v for consensus.raw_bytes (votes share the raw_bytes
// routing key with nothing else in this closed system, so no further
// envelope tagging is needed to tell them apart on receipt).
func EncodeVote(v *Vote) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("consensus: failed to encode vote: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVote is the inverse of EncodeVote.
func DecodeVote(data []byte) (*Vote, error) {
	var v Vote
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeWire, err)
	}
	return &v, nil
}

// blockWithProof mirrors chain's unexported wire shape of the same name:
// gob matches by exported field name across packages, so this encodes to
// bytes chain.decodeBlockWithProof can read directly off
// consensus.block_with_proof.
type blockWithProof struct {
	Block *types.Block
	Proof *types.Proof
}

func encodeBlockWithProof(block *types.Block, proof *types.Proof) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(blockWithProof{Block: block, Proof: proof}); err != nil {
		return nil, fmt.Errorf("consensus: failed to encode block_with_proof: %w", err)
	}
	return buf.Bytes(), nil
}
