package consensus

import (
	"bytes"
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cita-io/citacore/internal/bus"
	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/types"
)

// fakeHeightSource reports a fixed head, so the Engine always proposes
// height 1 against an empty chain.
type fakeHeightSource struct {
	height uint64
	head   crypto.Hash
}

func (f *fakeHeightSource) CurrentHeight() uint64 { return f.height }
func (f *fakeHeightSource) HeadHash() crypto.Hash  { return f.head }

// fakeSimulator stands in for *executor.Executor: it reports a fixed
// StateRoot/QuotaUsed (or a fixed error) instead of actually running a
// block's transactions, so makeBuilder/makeValidator can be tested without
// wiring a real executor/state pair.
type fakeSimulator struct {
	root  crypto.Hash
	quota uint64
	err   error
}

func (f *fakeSimulator) Simulate(block *types.Block) (*types.ExecutedResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	header := *block.Header
	header.StateRoot = f.root
	header.QuotaUsed = f.quota
	return &types.ExecutedResult{Header: &header, StateRoot: f.root, QuotaUsed: f.quota}, nil
}

// TestEngine_MakeBuilderFillsStateRootFromSimulator checks that a local
// proposal's header carries the simulator's StateRoot/QuotaUsed rather than
// the zero value makeBuilder would otherwise sign, per §4.4: a proposer must
// know a block's real StateRoot before signing it, not after.
func TestEngine_MakeBuilderFillsStateRootFromSimulator(t *testing.T) {
	root := crypto.Sum256([]byte("state-root"))
	e := &Engine{
		chain: &fakeHeightSource{height: 3, head: crypto.Sum256([]byte("head"))},
		sim:   &fakeSimulator{root: root, quota: 42},
	}

	block, err := e.makeBuilder(4)(0)
	require.NoError(t, err)
	require.Equal(t, root, block.Header.StateRoot)
	require.Equal(t, uint64(42), block.Header.QuotaUsed)
}

// TestEngine_MakeValidatorRejectsStateRootMismatch checks that a voter
// recomputes a foreign proposal's claimed StateRoot instead of trusting it,
// rejecting when its own simulation disagrees.
func TestEngine_MakeValidatorRejectsStateRootMismatch(t *testing.T) {
	keys, vs := genKeys(t, 3)
	addr := vs.Members()[1] // (height + round) mod n == 1 selects validator 1
	key := keys[1]

	head := crypto.Sum256([]byte("head"))
	claimed := crypto.Sum256([]byte("claimed"))
	block := &types.Block{
		Header: &types.Header{Height: 1, Version: 1, PrevHash: head, StateRoot: claimed},
		Body:   &types.Body{},
	}
	proposal, err := NewProposal(block, 1, 0, addr, key)
	require.NoError(t, err)

	mismatched := &Engine{
		chain: &fakeHeightSource{head: head},
		sim:   &fakeSimulator{root: crypto.Sum256([]byte("actual"))},
	}
	require.False(t, mismatched.makeValidator(vs)(proposal))

	agreeing := &Engine{
		chain: &fakeHeightSource{head: head},
		sim:   &fakeSimulator{root: claimed},
	}
	require.True(t, agreeing.makeValidator(vs)(proposal))
}

// TestEngine_SingleValidatorCommitsOverBus drives one Engine, the sole
// validator for height 1, through a real *bus.Bus and checks it publishes a
// committed block_with_proof — exercising Start's bus subscriptions,
// Driver's single-node quorum path (a lone validator's own vote already
// satisfies >2/3), and publishCommit's wire encoding together, where
// TestDriver_SingleHeightAllHonestCommits exercises only the Driver in
// isolation.
func TestEngine_SingleValidatorCommitsOverBus(t *testing.T) {
	keys, vs := genKeys(t, 1)
	addr := vs.Members()[0]

	b := bus.New(nil)
	defer b.Close()

	commitCh, commitSub, err := b.Subscribe(bus.KeyConsensusBlockProof)
	require.NoError(t, err)
	defer b.Unsubscribe(commitSub)

	chainSrc := &fakeHeightSource{}
	wal := newTestConsensusWAL(t)

	engine := NewEngine(addr, keys[0], NewValidators(vs), nil, nil, chainSrc, wal, b, EngineConfig{
		Timeouts: TimeoutConfig{
			Propose:   200 * time.Millisecond,
			Prevote:   200 * time.Millisecond,
			Precommit: 200 * time.Millisecond,
			Backoff:   50 * time.Millisecond,
		},
	}, nil)

	require.NoError(t, engine.Start())
	defer engine.Stop() //nolint:errcheck

	select {
	case data := <-commitCh:
		env, err := bus.DecodeEnvelope(data)
		require.NoError(t, err)
		require.Equal(t, bus.OpBlockWithProof, env.Operation)

		var payload blockWithProof
		require.NoError(t, gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&payload))
		require.NotNil(t, payload.Block)
		require.NotNil(t, payload.Proof)
		require.Equal(t, uint64(1), payload.Block.Header.Height)
		require.True(t, payload.Proof.HasQuorum(vs.Len()))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a committed block over the bus")
	}
}
