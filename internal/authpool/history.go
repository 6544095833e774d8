package authpool

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/cita-io/citacore/internal/types"
)

// minWaitBetweenRequests is the cita-auth history::is_too_frequent
// threshold: a node that just asked a peer for missing heights must wait
// at least this long before asking again.
const minWaitBetweenRequests = 3 * time.Second

// HistoryHeights tracks which block heights this node has already admitted
// transactions for, bounded to the trailing types.BlockLimit window, mirrored
// from cita-auth/src/history.rs's HistoryHeights. is_init reports whether
// that whole trailing window is dense (no gaps), which gates whether a
// missing-height sync request should fire.
type HistoryHeights struct {
	heights   map[uint64]struct{}
	maxHeight uint64
	minHeight uint64
	isInit    bool
	limiter   *rate.Limiter
}

// NewHistoryHeights returns an empty tracker.
func NewHistoryHeights() *HistoryHeights {
	return &HistoryHeights{
		heights: make(map[uint64]struct{}),
		limiter: rate.NewLimiter(rate.Every(minWaitBetweenRequests), 1),
	}
}

// Reset clears all tracked heights, used when the node detects it has fallen
// so far behind that the trailing window no longer means anything.
func (h *HistoryHeights) Reset() {
	h.heights = make(map[uint64]struct{})
	h.maxHeight = 0
	h.minHeight = 0
	h.isInit = false
	h.limiter = rate.NewLimiter(rate.Every(minWaitBetweenRequests), 1)
}

// Update records that height has been seen, shrinking the window to
// [max-BlockLimit+1, max] and recomputing IsInit.
func (h *HistoryHeights) Update(height uint64) {
	if height < h.minHeight {
		return
	}
	if height > h.maxHeight {
		h.maxHeight = height
		oldMin := h.minHeight
		if height >= types.BlockLimit {
			h.minHeight = height - types.BlockLimit + 1
		} else {
			h.minHeight = 0
		}
		h.heights[height] = struct{}{}
		for i := oldMin; i < h.minHeight; i++ {
			delete(h.heights, i)
		}
	} else {
		h.heights[height] = struct{}{}
	}

	// §4.2 requires the whole trailing BLOCK_LIMIT-sized window to be dense,
	// not just whatever's been seen so far — a fresh tracker that has only
	// ever recorded height 1 is gap-free over [0,1) but is not "init".
	dense := h.maxHeight+1 >= types.BlockLimit
	if dense {
		for i := h.minHeight; i < h.maxHeight; i++ {
			if _, ok := h.heights[i]; !ok {
				dense = false
				break
			}
		}
	}
	h.isInit = dense
}

// NextHeight is the height this node should expect to admit next.
func (h *HistoryHeights) NextHeight() uint64 { return h.maxHeight + 1 }

// IsInit reports whether the trailing window has no gaps.
func (h *HistoryHeights) IsInit() bool { return h.isInit }

// MaxHeight is the highest height ever recorded.
func (h *HistoryHeights) MaxHeight() uint64 { return h.maxHeight }

// MinHeight is the lowest height still tracked in the trailing window.
func (h *HistoryHeights) MinHeight() uint64 { return h.minHeight }

// IsTooFrequent reports whether sending a missing-height request right now
// would violate cita-auth's 3-second throttle, without consuming the rate
// budget — callers decide whether to actually send before MarkRequested
// commits the reservation. Implemented as the standard reserve-then-cancel
// peek over rate.Limiter, which otherwise only exposes consuming checks.
func (h *HistoryHeights) IsTooFrequent(now time.Time) bool {
	r := h.limiter.ReserveN(now, 1)
	defer r.CancelAt(now)
	return !r.OK() || r.DelayFrom(now) > 0
}

// MarkRequested records that a missing-height request was just sent,
// consuming the rate-limiter's token.
func (h *HistoryHeights) MarkRequested(now time.Time) {
	h.limiter.AllowN(now, 1)
}
