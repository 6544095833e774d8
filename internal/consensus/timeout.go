package consensus

import "time"

// TimeoutConfig holds the base per-step timeouts; each grows linearly with
// round number per §4.3 ("configurable timeout that grows with round
// number (linear backoff)").
type TimeoutConfig struct {
	Propose   time.Duration
	Prevote   time.Duration
	Precommit time.Duration
	// Backoff is added once per round to each step's base timeout.
	Backoff time.Duration
}

// DefaultTimeoutConfig mirrors typical Tendermint defaults, scaled for this
// implementation's test suite.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Propose:   3 * time.Second,
		Prevote:   1 * time.Second,
		Precommit: 1 * time.Second,
		Backoff:   500 * time.Millisecond,
	}
}

func (c TimeoutConfig) forRound(base time.Duration, round uint64) time.Duration {
	return base + time.Duration(round)*c.Backoff
}

// ProposeTimeout returns the Propose-step timeout for round.
func (c TimeoutConfig) ProposeTimeout(round uint64) time.Duration { return c.forRound(c.Propose, round) }

// PrevoteTimeout returns the Prevote-step timeout for round.
func (c TimeoutConfig) PrevoteTimeout(round uint64) time.Duration { return c.forRound(c.Prevote, round) }

// PrecommitTimeout returns the Precommit-step timeout for round.
func (c TimeoutConfig) PrecommitTimeout(round uint64) time.Duration {
	return c.forRound(c.Precommit, round)
}
