// Package types holds the wire-level data model shared by every citacore
// service: transactions, blocks, proofs and the account/receipt shapes the
// executor and chain exchange.
package types

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"

	"github.com/cita-io/citacore/internal/crypto"
)

// BlockLimit bounds how far into the future a transaction's validity window
// may reach, and the width of AuthPool's rolling dedup/history window.
const BlockLimit = 100

var (
	ErrEncodeTransaction = errors.New("types: failed to encode transaction")
	ErrDecodeTransaction = errors.New("types: failed to decode transaction")
	ErrNilTransaction    = errors.New("types: nil transaction")
)

// Transaction is the raw, unsigned payload a client submits.
type Transaction struct {
	To              crypto.Address // zero address means contract creation
	Nonce           string
	Quota           uint64
	ValidUntilBlock uint64
	Data            []byte
	Value           *big.Int
	ChainID         uint32 // legacy chain_id; see SPEC_FULL.md open-question decision
	Version         uint32
}

// canonicalTransaction is the struct that actually gets encoded for hashing
// and signing: identical field set to Transaction, but with Value normalized
// to a byte slice so two *big.Int values that compare equal always encode
// identically regardless of internal representation.
type canonicalTransaction struct {
	To              crypto.Address
	Nonce           string
	Quota           uint64
	ValidUntilBlock uint64
	Data            []byte
	Value           []byte
	ChainID         uint32
	Version         uint32
}

func (tx *Transaction) canonical() canonicalTransaction {
	v := tx.Value
	if v == nil {
		v = big.NewInt(0)
	}
	return canonicalTransaction{
		To:              tx.To,
		Nonce:           tx.Nonce,
		Quota:           tx.Quota,
		ValidUntilBlock: tx.ValidUntilBlock,
		Data:            tx.Data,
		Value:           v.Bytes(),
		ChainID:         tx.ChainID,
		Version:         tx.Version,
	}
}

// Encode produces the canonical byte encoding used for hashing and signing.
func (tx *Transaction) Encode() ([]byte, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tx.canonical()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeTransaction, err)
	}
	return buf.Bytes(), nil
}

// Hash returns the canonical content hash of the raw (unsigned) transaction.
func (tx *Transaction) Hash() (crypto.Hash, error) {
	raw, err := tx.Encode()
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.Sum256(raw), nil
}

// BaseQuota is the lower-bound quota floor for a transaction, following the
// `21_000 + 68*nonzero + 4*zero` style accounting described in §4.2.
func (tx *Transaction) BaseQuota() uint64 {
	const (
		txFloor  = 21_000
		perByteN = 68
		perByteZ = 4
	)
	var nonzero, zero uint64
	for _, b := range tx.Data {
		if b == 0 {
			zero++
		} else {
			nonzero++
		}
	}
	return txFloor + perByteN*nonzero + perByteZ*zero
}

// SignedTransaction binds a raw Transaction to a signature and the resulting
// signer address / hash, per §3's invariants.
type SignedTransaction struct {
	Raw           Transaction
	Signature     crypto.Signature
	SignerAddress crypto.Address
	TxHash        crypto.Hash
}

// NewSignedTransaction signs raw with key and fills in SignerAddress/TxHash,
// enforcing the §3 invariant `signer_address = recover(signature, hash(raw_tx))`.
func NewSignedTransaction(raw Transaction, key *crypto.PrivateKey) (*SignedTransaction, error) {
	h, err := raw.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeTransaction, err)
	}
	return &SignedTransaction{
		Raw:           raw,
		Signature:     sig,
		SignerAddress: key.Public().Address(),
		TxHash:        h,
	}, nil
}

// Verify recomputes the raw tx hash and recovers the signer, checking both
// against the stored TxHash/SignerAddress.
func (stx *SignedTransaction) Verify() error {
	h, err := stx.Raw.Hash()
	if err != nil {
		return err
	}
	if h != stx.TxHash {
		return fmt.Errorf("%w: tx hash mismatch", ErrDecodeTransaction)
	}
	addr, err := crypto.RecoverAddress(h, stx.Signature)
	if err != nil {
		return err
	}
	if addr != stx.SignerAddress {
		return fmt.Errorf("%w: signer address mismatch", ErrDecodeTransaction)
	}
	return nil
}

// Encode serializes the full SignedTransaction (used for the pool WAL and
// peer forwarding payloads).
func (stx *SignedTransaction) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeTransaction, err)
	}
	return buf.Bytes(), nil
}

// DecodeSignedTransaction is the inverse of Encode.
func DecodeSignedTransaction(data []byte) (*SignedTransaction, error) {
	var stx SignedTransaction
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&stx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeTransaction, err)
	}
	return &stx, nil
}
