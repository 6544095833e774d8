package types

import (
	"testing"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genValidators(t *testing.T, n int) ([]*crypto.PrivateKey, []crypto.Address) {
	t.Helper()
	keys := make([]*crypto.PrivateKey, n)
	addrs := make([]crypto.Address, n)
	for i := 0; i < n; i++ {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = k
		addrs[i] = k.Public().Address()
	}
	return keys, addrs
}

func buildProof(t *testing.T, keys []*crypto.PrivateKey, height, round uint64, proposalHash crypto.Hash, signerCount int) *Proof {
	t.Helper()
	p := &Proof{Height: height, Round: round, ProposalHash: proposalHash, Commits: map[crypto.Address]crypto.Signature{}}
	for i := 0; i < signerCount; i++ {
		addr := keys[i].Public().Address()
		payload := PrecommitSignPayload(height, round, addr, proposalHash)
		sig, err := keys[i].Sign(payload)
		require.NoError(t, err)
		p.Commits[addr] = sig
	}
	return p
}

func TestProof_Validate_QuorumReached(t *testing.T) {
	keys, addrs := genValidators(t, 4) // f=1, n=4, quorum = 3
	proposalHash := crypto.Sum256([]byte("block-5"))

	proof := buildProof(t, keys, 5, 0, proposalHash, 3)
	assert.NoError(t, proof.Validate(addrs))
}

func TestProof_Validate_RejectsBelowQuorum(t *testing.T) {
	keys, addrs := genValidators(t, 4)
	proposalHash := crypto.Sum256([]byte("block-5"))

	proof := buildProof(t, keys, 5, 0, proposalHash, 2) // only 2 of 4
	assert.ErrorIs(t, proof.Validate(addrs), ErrNoQuorum)
}

func TestProof_Validate_RejectsForeignSigner(t *testing.T) {
	keys, addrs := genValidators(t, 4)
	outsiderKeys, _ := genValidators(t, 1)
	proposalHash := crypto.Sum256([]byte("block-5"))

	proof := buildProof(t, keys, 5, 0, proposalHash, 3)
	outsiderAddr := outsiderKeys[0].Public().Address()
	sig, err := outsiderKeys[0].Sign(PrecommitSignPayload(5, 0, outsiderAddr, proposalHash))
	require.NoError(t, err)
	proof.Commits[outsiderAddr] = sig

	assert.ErrorIs(t, proof.Validate(addrs), ErrForeignSigner)
}

func TestProof_RoundTrip(t *testing.T) {
	keys, _ := genValidators(t, 4)
	proposalHash := crypto.Sum256([]byte("block-5"))
	proof := buildProof(t, keys, 5, 0, proposalHash, 3)

	data, err := proof.Encode()
	require.NoError(t, err)
	decoded, err := DecodeProof(data)
	require.NoError(t, err)

	assert.Equal(t, proof.Height, decoded.Height)
	assert.Equal(t, proof.ProposalHash, decoded.ProposalHash)
	assert.Equal(t, len(proof.Commits), len(decoded.Commits))
}
