package consensus

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

// recordKind tags what a WAL record holds, so Replay can reconstruct the
// right Go type.
type recordKind uint8

const (
	recordProposal recordKind = iota
	recordPrevote
	recordPrecommit
)

// walRecord is the "(height, step, payload)" record §4.3 requires be
// written before the corresponding message is sent, so a crash mid-send can
// never cause this node to sign something twice for the same
// (height, round, step).
type walRecord struct {
	Kind     recordKind
	Proposal *Proposal
	Vote     *Vote
}

func encodeRecord(r walRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("consensus: failed to encode wal record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (walRecord, error) {
	var r walRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return walRecord{}, fmt.Errorf("consensus: failed to decode wal record: %w", err)
	}
	return r, nil
}

// WAL durably logs every proposal/vote this node sends, keyed by
// (height, round, step), before transmission.
type WAL struct {
	inner *storage.WAL
}

// NewWAL wraps a storage.WAL scoped to the consensus namespace.
func NewWAL(store *storage.Store) *WAL {
	return &WAL{inner: storage.NewWAL(store, "consensus")}
}

func seqFor(height, round uint64, step Step) []byte {
	seq := storage.HeightStepSeq(height, uint8(step))
	seq = append(seq, byte(round), byte(round>>8), byte(round>>16), byte(round>>24))
	return seq
}

// LogProposal durably records p before it is broadcast.
func (w *WAL) LogProposal(p *Proposal) error {
	data, err := encodeRecord(walRecord{Kind: recordProposal, Proposal: p})
	if err != nil {
		return err
	}
	return w.inner.Append(seqFor(p.Height, p.Round, StepPropose), data)
}

// LogVote durably records v before it is broadcast.
func (w *WAL) LogVote(v *Vote) error {
	kind := recordPrevote
	step := StepPrevote
	if v.Step == types.StepPrecommit {
		kind = recordPrecommit
		step = StepPrecommit
	}
	data, err := encodeRecord(walRecord{Kind: kind, Vote: v})
	if err != nil {
		return err
	}
	return w.inner.Append(seqFor(v.Height, v.Round, step), data)
}

// Replay restores height's HeightState from every record logged for it.
// This is how a restarted node avoids re-signing a proposal or vote it had
// already committed to before a crash, per §4.3's WAL requirement.
func (w *WAL) Replay(hs *HeightState) error {
	return w.inner.Replay(func(_ []byte, record []byte) error {
		r, err := decodeRecord(record)
		if err != nil {
			return err
		}
		switch r.Kind {
		case recordProposal:
			if r.Proposal != nil && r.Proposal.Height == hs.Height() {
				_ = hs.SetProposal(r.Proposal)
			}
		case recordPrevote:
			if r.Vote != nil && r.Vote.Height == hs.Height() {
				_, _, _ = hs.AddPrevote(r.Vote)
			}
		case recordPrecommit:
			if r.Vote != nil && r.Vote.Height == hs.Height() {
				_, _, _ = hs.AddPrecommit(r.Vote)
			}
		}
		return nil
	})
}

// WALRecord summarizes one logged record for inspection tooling (the
// `wal-inspect` cobra subcommand); it never needs to reconstruct full
// HeightState, just print what was logged.
type WALRecord struct {
	Kind   string
	Height uint64
	Round  uint64
	Step   Step
}

// Inspect walks every record in the WAL in storage key order (by height,
// then step, then round bytes), not in append order, calling fn with a
// summary of each.
func (w *WAL) Inspect(fn func(WALRecord)) error {
	return w.inner.Replay(func(_ []byte, record []byte) error {
		r, err := decodeRecord(record)
		if err != nil {
			return err
		}
		switch r.Kind {
		case recordProposal:
			if r.Proposal != nil {
				fn(WALRecord{Kind: "proposal", Height: r.Proposal.Height, Round: r.Proposal.Round, Step: StepPropose})
			}
		case recordPrevote:
			if r.Vote != nil {
				fn(WALRecord{Kind: "prevote", Height: r.Vote.Height, Round: r.Vote.Round, Step: StepPrevote})
			}
		case recordPrecommit:
			if r.Vote != nil {
				fn(WALRecord{Kind: "precommit", Height: r.Vote.Height, Round: r.Vote.Round, Step: StepPrecommit})
			}
		}
		return nil
	})
}
