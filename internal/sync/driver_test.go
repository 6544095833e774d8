package sync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver_RequestSendsOnce(t *testing.T) {
	var mu sync.Mutex
	var got []Request
	d := New(func(r Request) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r)
	}, time.Hour, nil)
	defer d.Stop()

	d.Request(5, 10)
	d.Request(5, 10) // already in flight, no second send

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, Request{FromHeight: 5, ToHeight: 10}, got[0])
	assert.Equal(t, 1, d.Pending())
}

func TestDriver_SatisfiedCancelsPending(t *testing.T) {
	d := New(func(Request) {}, time.Hour, nil)
	defer d.Stop()

	d.Request(5, 10)
	require.Equal(t, 1, d.Pending())
	d.Satisfied(7)
	assert.Equal(t, 0, d.Pending())
}

func TestDriver_TimeoutReissues(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := New(func(Request) {
		mu.Lock()
		count++
		mu.Unlock()
	}, 20*time.Millisecond, nil)
	defer d.Stop()

	d.Request(1, 2)
	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 2)
}

func TestDriver_StopPreventsFurtherRequests(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := New(func(Request) {
		mu.Lock()
		count++
		mu.Unlock()
	}, time.Hour, nil)
	d.Stop()
	d.Request(1, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}
