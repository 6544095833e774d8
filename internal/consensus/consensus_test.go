package consensus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

func genKeys(t *testing.T, n int) ([]*crypto.PrivateKey, ValidatorSet) {
	t.Helper()
	keys := make([]*crypto.PrivateKey, n)
	addrs := make([]crypto.Address, n)
	for i := range keys {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = k
		addrs[i] = k.Public().Address()
	}
	return keys, NewValidatorSet(addrs)
}

func TestValidatorSet_Proposer(t *testing.T) {
	_, vs := genKeys(t, 4)
	p0, err := vs.Proposer(0, 0)
	require.NoError(t, err)
	assert.Equal(t, vs.Members()[0], p0)

	p1, err := vs.Proposer(1, 0)
	require.NoError(t, err)
	assert.Equal(t, vs.Members()[1], p1)

	// height+round wraps modulo n
	p5, err := vs.Proposer(1, 3)
	require.NoError(t, err)
	assert.Equal(t, vs.Members()[0], p5)
}

func TestValidatorSet_QuorumPower(t *testing.T) {
	_, vs := genKeys(t, 4)
	assert.Equal(t, 2, vs.QuorumPower())
	assert.False(t, vs.HasQuorum(2))
	assert.True(t, vs.HasQuorum(3))
}

func TestValidators_Rotation(t *testing.T) {
	_, oldVs := genKeys(t, 3)
	_, newVs := genKeys(t, 4)
	v := NewValidators(oldVs)
	v.Rotate(newVs, 10)

	assert.Equal(t, 3, v.At(5).Len())
	assert.Equal(t, 4, v.At(10).Len())
	assert.Equal(t, 4, v.At(20).Len())
}

func TestVote_SignAndVerify(t *testing.T) {
	keys, _ := genKeys(t, 1)
	addr := keys[0].Public().Address()
	hash := crypto.Sum256([]byte("block"))

	v, err := NewVote(5, 0, types.StepPrecommit, &hash, addr, keys[0])
	require.NoError(t, err)
	assert.NoError(t, v.Verify())

	v.Signer = crypto.Address{9, 9}
	assert.Error(t, v.Verify())
}

func TestVote_NilVote(t *testing.T) {
	keys, _ := genKeys(t, 1)
	addr := keys[0].Public().Address()

	v, err := NewVote(5, 0, types.StepPrevote, nil, addr, keys[0])
	require.NoError(t, err)
	assert.True(t, v.IsNil())
	assert.NoError(t, v.Verify())
}

func testBlock(height uint64) *types.Block {
	return &types.Block{
		Header: &types.Header{Height: height, Version: 1},
		Body:   &types.Body{},
	}
}

func TestProposal_SignAndVerify(t *testing.T) {
	keys, vs := genKeys(t, 3)
	// (height + round) mod n == 1 selects vs.Members()[1] as leader.
	addr := vs.Members()[1]
	key := keys[1]

	p, err := NewProposal(testBlock(1), 1, 0, addr, key)
	require.NoError(t, err)
	assert.NoError(t, p.Verify(vs))
}

func TestProposal_VerifyRejectsWrongProposer(t *testing.T) {
	keys, vs := genKeys(t, 3)
	// sign as validator 0 but claim to be proposer for round 1 (which is validator 2)
	p, err := NewProposal(testBlock(1), 1, 1, vs.Members()[0], keys[0])
	require.NoError(t, err)
	assert.ErrorIs(t, p.Verify(vs), ErrProposalInvalid)
}

func TestHeightState_PrevoteQuorum(t *testing.T) {
	keys, vs := genKeys(t, 4)
	hs := NewHeightState(1, vs)
	hash := crypto.Sum256([]byte("b"))

	for i := 0; i < 3; i++ {
		v, err := NewVote(1, 0, types.StepPrevote, &hash, vs.Members()[i], keys[i])
		require.NoError(t, err)
		tally, ok, err := hs.AddPrevote(v)
		require.NoError(t, err)
		if i < 2 {
			assert.False(t, ok)
		} else {
			assert.True(t, ok)
			require.NotNil(t, tally)
			assert.Equal(t, hash, *tally)
		}
	}
}

func TestHeightState_NilQuorum(t *testing.T) {
	keys, vs := genKeys(t, 4)
	hs := NewHeightState(1, vs)

	var lastOK bool
	var lastTally *crypto.Hash
	for i := 0; i < 3; i++ {
		v, err := NewVote(1, 0, types.StepPrevote, nil, vs.Members()[i], keys[i])
		require.NoError(t, err)
		tally, ok, err := hs.AddPrevote(v)
		require.NoError(t, err)
		lastOK, lastTally = ok, tally
	}
	assert.True(t, lastOK)
	assert.Nil(t, lastTally)
}

func TestHeightState_RejectsNonValidatorVote(t *testing.T) {
	keys, vs := genKeys(t, 4)
	hs := NewHeightState(1, vs)
	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash := crypto.Sum256([]byte("b"))

	v, err := NewVote(1, 0, types.StepPrevote, &hash, outsider.Public().Address(), outsider)
	require.NoError(t, err)
	_, _, err = hs.AddPrevote(v)
	assert.ErrorIs(t, err, ErrNotInValidators)
	_ = keys
}

func TestHeightState_LockAndPrevoteChoice(t *testing.T) {
	_, vs := genKeys(t, 4)
	hs := NewHeightState(1, vs)
	hash := crypto.Sum256([]byte("locked"))

	choice, err := hs.PrevoteChoice(0)
	require.NoError(t, err)
	assert.Nil(t, choice)

	hs.Lock(0, hash)
	choice, err = hs.PrevoteChoice(1)
	require.NoError(t, err)
	require.NotNil(t, choice)
	assert.Equal(t, hash, *choice)

	hs.Unlock()
	choice, err = hs.PrevoteChoice(1)
	require.NoError(t, err)
	assert.Nil(t, choice)
}

func newTestConsensusWAL(t *testing.T) *WAL {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "consensus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewWAL(store)
}

func TestWAL_LogAndReplayRestoresState(t *testing.T) {
	keys, vs := genKeys(t, 4)
	wal := newTestConsensusWAL(t)

	hash := crypto.Sum256([]byte("b"))
	v, err := NewVote(1, 0, types.StepPrevote, &hash, vs.Members()[0], keys[0])
	require.NoError(t, err)
	require.NoError(t, wal.LogVote(v))

	p, err := NewProposal(testBlock(1), 1, 0, vs.Members()[0], keys[0])
	require.NoError(t, err)
	require.NoError(t, wal.LogProposal(p))

	hs := NewHeightState(1, vs)
	require.NoError(t, wal.Replay(hs))

	restored, ok := hs.Proposal(0)
	require.True(t, ok)
	assert.Equal(t, p.Signature, restored.Signature)

	bucket := hs.precommitBucket(0)
	assert.Empty(t, bucket) // only a prevote was logged, not a precommit
}

type recordingBroadcaster struct {
	proposals []*Proposal
	votes     []*Vote
}

func (r *recordingBroadcaster) BroadcastProposal(p *Proposal) { r.proposals = append(r.proposals, p) }
func (r *recordingBroadcaster) BroadcastVote(v *Vote)         { r.votes = append(r.votes, v) }

// TestDriver_SingleHeightAllHonestCommits drives four honest validators'
// Drivers concurrently for one height and checks they all commit the same
// block, exercising the full Propose/Prevote/Precommit/Commit cycle.
func TestDriver_SingleHeightAllHonestCommits(t *testing.T) {
	keys, vs := genKeys(t, 4)
	timeouts := TimeoutConfig{Propose: 2 * time.Second, Prevote: time.Second, Precommit: time.Second, Backoff: 200 * time.Millisecond}

	proposalBus := make(chan *Proposal, 64)
	voteBus := make(chan *Vote, 256)

	type node = struct {
		driver *Driver
		hs     *HeightState
		out    chan *Proposal
		votes  chan *Vote
	}
	nodes := make([]*node, len(keys))
	for i := range keys {
		nodes[i] = &node{
			driver: NewDriver(vs.Members()[i], keys[i], timeouts, nil, nil),
			hs:     NewHeightState(1, vs),
			out:    make(chan *Proposal, 8),
			votes:  make(chan *Vote, 64),
		}
	}

	// fan out: anything broadcast goes to every node's inbound channel.
	bc := func(i int) Broadcaster {
		return fanoutBroadcaster{nodes: nodes, self: i}
	}
	_ = proposalBus
	_ = voteBus

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		block *types.Block
		proof *types.Proof
		err   error
	}
	results := make(chan result, len(nodes))
	for i, n := range nodes {
		go func(i int, n *node) {
			build := func(round uint64) (*types.Block, error) { return testBlock(1), nil }
			validate := func(p *Proposal) bool { return p.Verify(vs) == nil }
			b, pf, err := n.driver.RunHeight(ctx, n.hs, n.out, n.votes, validate, build, bc(i))
			results <- result{b, pf, err}
		}(i, n)
	}

	for i := 0; i < len(nodes); i++ {
		r := <-results
		require.NoError(t, r.err)
		require.NotNil(t, r.block)
		require.NotNil(t, r.proof)
		assert.True(t, r.proof.HasQuorum(vs.Len()))
	}
}

type fanoutBroadcaster struct {
	nodes []*struct {
		driver *Driver
		hs     *HeightState
		out    chan *Proposal
		votes  chan *Vote
	}
	self int
}

func (f fanoutBroadcaster) BroadcastProposal(p *Proposal) {
	for _, n := range f.nodes {
		select {
		case n.out <- p:
		default:
		}
	}
}

func (f fanoutBroadcaster) BroadcastVote(v *Vote) {
	for _, n := range f.nodes {
		select {
		case n.votes <- v:
		default:
		}
	}
}
