package chain

import (
	"sync"

	"github.com/google/uuid"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/types"
)

// LogFilter selects a subset of logs by height range, emitting address and
// topic, per §4.5's "logs-by-filter (with installed poll-filter
// identifiers)". A nil/empty Addresses or Topics matches everything for
// that dimension.
type LogFilter struct {
	FromHeight uint64
	ToHeight   uint64 // 0 means "no upper bound yet, track the head"
	Addresses  []crypto.Address
	Topics     []crypto.Hash
}

func (f LogFilter) matches(log types.Log) bool {
	if len(f.Addresses) > 0 {
		found := false
		for _, a := range f.Addresses {
			if a == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Topics) > 0 {
		found := false
		for _, want := range f.Topics {
			for _, got := range log.Topics {
				if want == got {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type installedFilter struct {
	filter     LogFilter
	lastPolled uint64 // last height already returned
}

// filterTable holds installed poll-filters, keyed by an opaque uuid handed
// back to the caller (matching the bus envelope's own request_id use of
// google/uuid).
type filterTable struct {
	mu      sync.Mutex
	filters map[uuid.UUID]*installedFilter
}

func newFilterTable() *filterTable {
	return &filterTable{filters: make(map[uuid.UUID]*installedFilter)}
}

// InstallFilter registers filter and returns its id.
func (c *Chain) InstallFilter(filter LogFilter) uuid.UUID {
	id := uuid.New()
	c.filters.mu.Lock()
	defer c.filters.mu.Unlock()
	c.filters.filters[id] = &installedFilter{filter: filter, lastPolled: filter.FromHeight}
	return id
}

// UninstallFilter removes a previously installed filter.
func (c *Chain) UninstallFilter(id uuid.UUID) {
	c.filters.mu.Lock()
	defer c.filters.mu.Unlock()
	delete(c.filters.filters, id)
}

// PollFilter scans every height the filter hasn't yet seen, up to the
// current head (or the filter's ToHeight, if set), and returns any matching
// logs, advancing the filter's cursor past what it just returned.
func (c *Chain) PollFilter(id uuid.UUID) ([]types.Log, error) {
	c.filters.mu.Lock()
	defer c.filters.mu.Unlock()
	f, ok := c.filters.filters[id]
	if !ok {
		return nil, ErrNotFound
	}

	head := c.CurrentHeight()
	upper := head
	if f.filter.ToHeight != 0 && f.filter.ToHeight < upper {
		upper = f.filter.ToHeight
	}

	var matched []types.Log
	start := f.lastPolled
	for h := start + 1; h <= upper; h++ {
		result, err := c.ResultByHeight(h)
		if err != nil {
			if err == ErrNotFound {
				break
			}
			return nil, err
		}
		for _, receipt := range result.Receipts {
			for _, log := range receipt.Logs {
				if f.filter.matches(log) {
					matched = append(matched, log)
				}
			}
		}
		f.lastPolled = h
	}
	return matched, nil
}
