// Package sync implements the catch-up driver described in §2's expansion
// ("SyncDriver is implemented as a sub-component of the Chain service"),
// grounded on original_source/chain/libchain/src/synchronizer.rs: track
// missing height ranges, issue a SyncRequest, and re-issue after a backoff
// if no response arrives before a soft deadline, per §5's "Sync requests
// carry a soft deadline; if peers fail to respond, the request is re-issued
// after a backoff."
package sync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultDeadline is how long Driver waits for a range to be satisfied
// before re-issuing the request.
const defaultDeadline = 5 * time.Second

// Request describes one outstanding catch-up fetch, inclusive of both ends.
type Request struct {
	FromHeight uint64
	ToHeight   uint64
}

// Driver tracks in-flight sync requests, keyed by their starting height, and
// re-issues any that time out. It owns no network transport: callers supply
// a send function (wired to a bus publish of net.sync_request in
// production) and call Satisfied as blocks arrive to cancel the matching
// request's deadline timer.
type Driver struct {
	mu       sync.Mutex
	active   map[uint64]*inflight
	send     func(req Request)
	deadline time.Duration
	logger   *zap.SugaredLogger
	stopped  bool
}

type inflight struct {
	req   Request
	timer *time.Timer
}

// New constructs a Driver. deadline defaults to 5s if zero.
func New(send func(req Request), deadline time.Duration, logger *zap.SugaredLogger) *Driver {
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	return &Driver{
		active:   make(map[uint64]*inflight),
		send:     send,
		deadline: deadline,
		logger:   logger,
	}
}

// Request issues a fetch for [from, to] unless a request starting at from is
// already in flight.
func (d *Driver) Request(from, to uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestLocked(from, to)
}

func (d *Driver) requestLocked(from, to uint64) {
	if d.stopped {
		return
	}
	if _, ok := d.active[from]; ok {
		return
	}
	req := Request{FromHeight: from, ToHeight: to}
	if d.send != nil {
		d.send(req)
	}
	d.active[from] = &inflight{
		req:   req,
		timer: time.AfterFunc(d.deadline, func() { d.onTimeout(from) }),
	}
}

func (d *Driver) onTimeout(from uint64) {
	d.mu.Lock()
	in, ok := d.active[from]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.active, from)
	to := in.req.ToHeight
	if d.logger != nil {
		d.logger.Warnw("sync request timed out, reissuing", "from_height", from, "to_height", to)
	}
	d.requestLocked(from, to)
	d.mu.Unlock()
}

// Satisfied cancels any in-flight request whose range covers height, called
// as blocks arrive (from consensus or from a sync response) so a late
// response doesn't trigger a spurious re-issue.
func (d *Driver) Satisfied(height uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for from, in := range d.active {
		if height >= in.req.FromHeight && height <= in.req.ToHeight {
			in.timer.Stop()
			delete(d.active, from)
		}
	}
}

// Pending reports the number of in-flight requests, used by tests and by
// Chain's metrics.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Stop cancels every in-flight timer and rejects further requests.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for from, in := range d.active {
		in.timer.Stop()
		delete(d.active, from)
	}
}
