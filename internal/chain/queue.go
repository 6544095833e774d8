package chain

import (
	"sync"

	"github.com/cita-io/citacore/internal/types"
)

// BlockKind distinguishes why a block arrived: broadcast by consensus as it
// committed, or fetched as part of a catch-up sync response, per §4.5's
// "ConsensusBlock(block, proof) / SyncBlock(block, proof?)".
type BlockKind uint8

const (
	KindConsensus BlockKind = iota
	KindSync
)

// QueuedBlock is one entry of the BlockInQueue. Proof is nil only for a
// SyncBlock fetched without an accompanying commit certificate.
type QueuedBlock struct {
	Block *types.Block
	Proof *types.Proof
	Kind  BlockKind
}

// BlockQueue is the bounded, height-keyed out-of-order block buffer from
// §4.5. It is owned by exactly one Chain instance (§5's "BlockInQueue ...
// owned by one service; external read access is via request/response on the
// bus" — there is no external read access to this queue at all, only Chain
// drains it internally).
type BlockQueue struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]QueuedBlock
}

func newBlockQueue(capacity int) *BlockQueue {
	return &BlockQueue{
		capacity: capacity,
		entries:  make(map[uint64]QueuedBlock),
	}
}

// Put inserts qb at height, reporting false (and dropping it) if the queue
// is already at capacity and height isn't already present.
func (q *BlockQueue) Put(height uint64, qb QueuedBlock) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[height]; !exists && len(q.entries) >= q.capacity {
		return false
	}
	q.entries[height] = qb
	return true
}

// Get returns the entry at height, if any.
func (q *BlockQueue) Get(height uint64) (QueuedBlock, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qb, ok := q.entries[height]
	return qb, ok
}

// Delete removes the entry at height.
func (q *BlockQueue) Delete(height uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, height)
}

// Has reports whether height is present.
func (q *BlockQueue) Has(height uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[height]
	return ok
}

// Len returns the number of buffered entries.
func (q *BlockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear empties the queue, per §4.5's "on hitting an invalid block, clear
// the queue" sync-mode rule.
func (q *BlockQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[uint64]QueuedBlock)
}
