// Package crypto provides the signing and hashing primitives the rest of
// citacore builds on: secp256k1 key pairs, deterministic address derivation,
// and the canonical block/transaction hash function.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// AddressLength is the width of a CITA account/validator address, matching
// the reserved 20-byte address space described in reserved_addresses.rs.
const AddressLength = 20

// HashLength is the width of a canonical content hash (SHA-256).
const HashLength = 32

var (
	ErrInvalidPrivateKey = errors.New("crypto: invalid private key bytes")
	ErrInvalidPublicKey  = errors.New("crypto: invalid public key bytes")
	ErrInvalidSignature  = errors.New("crypto: invalid signature bytes")
	ErrRecoverFailed     = errors.New("crypto: failed to recover public key from signature")
)

// Address is a 20-byte account or validator identifier.
type Address [AddressLength]byte

func (a Address) Bytes() []byte { return a[:] }

func (a Address) String() string { return fmt.Sprintf("%x", a[:]) }

// BytesToAddress left-pads/truncates b to AddressLength, taking the
// trailing bytes (consistent with deriving the address from the tail of a
// pubkey hash).
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) >= AddressLength {
		copy(a[:], b[len(b)-AddressLength:])
	} else {
		copy(a[AddressLength-len(b):], b)
	}
	return a
}

// Hash is a 32-byte SHA-256 content hash.
type Hash [HashLength]byte

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// BytesToHash copies (truncating/left-padding) b into a Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) >= HashLength {
		copy(h[:], b[len(b)-HashLength:])
	} else {
		copy(h[HashLength-len(b):], b)
	}
	return h
}

// Sum256 returns the canonical content hash of data.
func Sum256(data []byte) Hash {
	return sha256.Sum256(data)
}

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes parses a 32-byte scalar into a PrivateKey.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidPrivateKey, len(b))
	}
	k := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: k}, nil
}

func (p *PrivateKey) Bytes() []byte { return p.key.Serialize() }

func (p *PrivateKey) Public() *PublicKey { return &PublicKey{key: p.key.PubKey()} }

// PublicKeyFromBytes parses a compressed or uncompressed secp256k1 public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return &PublicKey{key: k}, nil
}

func (p *PublicKey) Bytes() []byte { return p.key.SerializeUncompressed() }

func (p *PublicKey) CompressedBytes() []byte { return p.key.SerializeCompressed() }

// Address derives the account address from the public key: the trailing 20
// bytes of SHA-256(uncompressed pubkey).
func (p *PublicKey) Address() Address {
	h := sha256.Sum256(p.Bytes())
	return BytesToAddress(h[:])
}

// Signature is a 65-byte recoverable ECDSA signature: 32-byte R, 32-byte S,
// 1-byte recovery id.
type Signature [65]byte

func (s Signature) Bytes() []byte { return s[:] }

// Sign produces a recoverable signature over hash using the private key.
func (p *PrivateKey) Sign(hash Hash) (Signature, error) {
	sig, err := signRecoverable(p.key, hash[:])
	if err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// Recover recovers the signer's public key from a signature over hash.
func Recover(hash Hash, sig Signature) (*PublicKey, error) {
	pub, err := recoverCompact(sig[:], hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoverFailed, err)
	}
	return &PublicKey{key: pub}, nil
}

// RecoverAddress recovers the signer's address from a signature over hash.
func RecoverAddress(hash Hash, sig Signature) (Address, error) {
	pub, err := Recover(hash, sig)
	if err != nil {
		return Address{}, err
	}
	return pub.Address(), nil
}

// signRecoverable wraps dcrd's compact-signature format (which is already
// recovery-id prefixed) into citacore's fixed R||S||V layout.
func signRecoverable(key *secp256k1.PrivateKey, hash []byte) (Signature, error) {
	compact := ecdsa.SignCompact(key, hash, false)
	// dcrd's compact format is [recid+27][R 32][S 32]; citacore stores
	// [R 32][S 32][recid] so Signature.Bytes() lines up with the on-wire
	// layout documented in the data model (signature, not recid-prefixed).
	if len(compact) != 65 {
		return Signature{}, ErrInvalidSignature
	}
	var out Signature
	copy(out[0:32], compact[1:33])
	copy(out[32:64], compact[33:65])
	out[64] = compact[0] - 27
	return out, nil
}

func recoverCompact(sig []byte, hash []byte) (*secp256k1.PublicKey, error) {
	if len(sig) != 65 {
		return nil, ErrInvalidSignature
	}
	compact := make([]byte, 65)
	compact[0] = sig[64] + 27
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
