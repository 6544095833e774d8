package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockQueue_PutGetDelete(t *testing.T) {
	q := newBlockQueue(2)
	assert.True(t, q.Put(5, QueuedBlock{Kind: KindConsensus}))
	qb, ok := q.Get(5)
	require.True(t, ok)
	assert.Equal(t, KindConsensus, qb.Kind)

	q.Delete(5)
	_, ok = q.Get(5)
	assert.False(t, ok)
}

func TestBlockQueue_DropsBeyondCapacity(t *testing.T) {
	q := newBlockQueue(1)
	assert.True(t, q.Put(1, QueuedBlock{}))
	assert.False(t, q.Put(2, QueuedBlock{})) // full, new height dropped
	assert.True(t, q.Put(1, QueuedBlock{Kind: KindSync}))

	assert.Equal(t, 1, q.Len())
	qb, ok := q.Get(1)
	require.True(t, ok)
	assert.Equal(t, KindSync, qb.Kind)
}

func TestBlockQueue_Clear(t *testing.T) {
	q := newBlockQueue(10)
	q.Put(1, QueuedBlock{})
	q.Put(2, QueuedBlock{})
	q.Clear()
	assert.Equal(t, 0, q.Len())
}
