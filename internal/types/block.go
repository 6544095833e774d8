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
	ErrEncodeBlock = errors.New("types: failed to encode block")
	ErrDecodeBlock = errors.New("types: failed to decode block")
	ErrEmptyBlock  = errors.New("types: nil block")
)

// Header carries everything about a block except its transactions. Per §3,
// a header carries the *previous* block's proof: block N's Proof field is
// the quorum that committed block N-1.
type Header struct {
	Version          uint32
	Height           uint64
	PrevHash         crypto.Hash
	TimestampMillis  int64
	TransactionsRoot crypto.Hash
	StateRoot        crypto.Hash
	ReceiptsRoot     crypto.Hash
	QuotaUsed        uint64
	Proof            *Proof
	Proposer         crypto.Address
}

// canonicalHeader excludes nothing — every field participates in the block
// hash, including the embedded proof, so altering the previous block's proof
// changes this block's identity too.
func (h *Header) Encode() ([]byte, error) {
	if h == nil {
		return nil, ErrEmptyBlock
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeBlock, err)
	}
	return buf.Bytes(), nil
}

// Hash returns the canonical content hash of the header.
func (h *Header) Hash() (crypto.Hash, error) {
	raw, err := h.Encode()
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.Sum256(raw), nil
}

// Body holds the ordered transaction list of a block.
type Body struct {
	Transactions []*SignedTransaction
}

// Block is a Header plus its Body.
type Block struct {
	Header *Header
	Body   *Body
}

// MerkleRoot computes the Merkle root over the hashes of body's transactions,
// in body order, per the §8 "Merkle consistency" invariant. An empty body
// hashes to the zero hash.
func (b *Body) MerkleRoot() (crypto.Hash, error) {
	if len(b.Transactions) == 0 {
		return crypto.Hash{}, nil
	}
	leaves := make([]crypto.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		if tx == nil {
			return crypto.Hash{}, ErrEmptyBlock
		}
		leaves[i] = tx.TxHash
	}
	return merkleRoot(leaves), nil
}

// merkleRoot folds a list of leaf hashes pairwise (duplicating the last leaf
// on odd levels) until a single root remains.
func merkleRoot(leaves []crypto.Hash) crypto.Hash {
	level := leaves
	for len(level) > 1 {
		next := make([]crypto.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			var buf [64]byte
			copy(buf[:32], left[:])
			copy(buf[32:], right[:])
			next = append(next, crypto.Sum256(buf[:]))
		}
		level = next
	}
	return level[0]
}

// HeightKey encodes a block height into the big-endian, tag-prefixed index
// key described in §6: `[tag=3][u32 BE height]`.
func HeightKey(tag byte, height uint64) []byte {
	key := make([]byte, 1+4)
	key[0] = tag
	binary.BigEndian.PutUint32(key[1:], uint32(height))
	return key
}

// Encode serializes a full block (header + body) for storage/transport.
func (b *Block) Encode() ([]byte, error) {
	if b == nil || b.Header == nil || b.Body == nil {
		return nil, ErrEmptyBlock
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeBlock, err)
	}
	return buf.Bytes(), nil
}

// DecodeBlock is the inverse of (*Block).Encode.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeBlock, err)
	}
	return &b, nil
}

// Validate checks the structural invariants from §3 that don't require
// external context (chain continuity / proof validity are checked by Chain
// and Consensus respectively, which have the validator set in hand).
func (b *Block) Validate() error {
	if b == nil || b.Header == nil || b.Body == nil {
		return ErrEmptyBlock
	}
	root, err := b.Body.MerkleRoot()
	if err != nil {
		return err
	}
	if root != b.Header.TransactionsRoot {
		return fmt.Errorf("%w: transactions_root mismatch: header=%s computed=%s",
			ErrDecodeBlock, b.Header.TransactionsRoot, root)
	}
	return nil
}
