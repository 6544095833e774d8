package types

import "github.com/cita-io/citacore/internal/crypto"

// ExecutedResult is the executor's deterministic output for one block: the
// header with its roots filled in, the per-tx receipts, an aggregate logs
// bloom and total quota used, per §4.4.
type ExecutedResult struct {
	Header    *Header
	Receipts  []*Receipt
	LogsBloom [256]byte
	StateRoot crypto.Hash
	QuotaUsed uint64
}

// TotalQuota sums Receipt.QuotaUsed across the result, used by the §8
// "quota accounting" invariant check.
func (r *ExecutedResult) TotalQuota() uint64 {
	var total uint64
	for _, rec := range r.Receipts {
		total += rec.QuotaUsed
	}
	return total
}
