package consensus

import (
	"errors"

	"github.com/cita-io/citacore/internal/crypto"
)

// ErrEmptyValidatorSet is returned by operations that require at least one
// validator.
var ErrEmptyValidatorSet = errors.New("consensus: empty validator set")

// ValidatorSet is the ordered list of addresses active at a given height,
// per §3's `validators_at(h)`. Order matters: leader election indexes into
// it directly.
type ValidatorSet struct {
	members []crypto.Address
}

// NewValidatorSet copies addrs into a new ValidatorSet.
func NewValidatorSet(addrs []crypto.Address) ValidatorSet {
	members := make([]crypto.Address, len(addrs))
	copy(members, addrs)
	return ValidatorSet{members: members}
}

// Len returns the number of validators.
func (vs ValidatorSet) Len() int { return len(vs.members) }

// Members returns the underlying slice; callers must not mutate it.
func (vs ValidatorSet) Members() []crypto.Address { return vs.members }

// Contains reports whether addr is a member.
func (vs ValidatorSet) Contains(addr crypto.Address) bool {
	for _, m := range vs.members {
		if m == addr {
			return true
		}
	}
	return false
}

// Proposer returns the leader for (height, round): `validators[(h+r) mod n]`,
// per §4.3's leader-election formula.
func (vs ValidatorSet) Proposer(height, round uint64) (crypto.Address, error) {
	n := len(vs.members)
	if n == 0 {
		return crypto.Address{}, ErrEmptyValidatorSet
	}
	idx := (height + round) % uint64(n)
	return vs.members[idx], nil
}

// QuorumPower returns floor(2n/3) for this set: the count a commit set must
// strictly exceed to reach quorum.
func (vs ValidatorSet) QuorumPower() int {
	return (2 * len(vs.members)) / 3
}

// HasQuorum reports whether count strictly exceeds 2/3 of this set's size.
func (vs ValidatorSet) HasQuorum(count int) bool {
	return count > vs.QuorumPower()
}

// Validators tracks the rotation described in §4.3: `validators_at(h)` is
// read from the on-chain NodeManager contract at h-1 and takes effect at the
// following height, so during a transition window both the old and new sets
// must remain queryable to validate historical proofs.
type Validators struct {
	old        ValidatorSet
	current    ValidatorSet
	effectiveAt uint64 // height at which `current` becomes active
}

// NewValidators constructs a Validators with no pending rotation: both old
// and current are set, effective immediately.
func NewValidators(set ValidatorSet) *Validators {
	return &Validators{old: set, current: set, effectiveAt: 0}
}

// Rotate installs next as the validator set effective starting at
// effectiveAt, keeping the previous `current` as `old` for historical-proof
// validation during the transition.
func (v *Validators) Rotate(next ValidatorSet, effectiveAt uint64) {
	v.old = v.current
	v.current = next
	v.effectiveAt = effectiveAt
}

// At returns the validator set active at height.
func (v *Validators) At(height uint64) ValidatorSet {
	if height < v.effectiveAt {
		return v.old
	}
	return v.current
}

// ValidatorsAt satisfies chain.ValidatorSource, so a *Validators can be
// handed to chain.New directly instead of an adapter.
func (v *Validators) ValidatorsAt(height uint64) ([]crypto.Address, error) {
	return v.At(height).Members(), nil
}
