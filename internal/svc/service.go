// Package svc provides the shared process-lifecycle shape every citacore
// service embeds: a cancelable context, a WaitGroup for its background
// goroutines, and Once-guarded Start/Stop, generalized from the teacher's
// ConsensusEngine (internal/consensus/consensus_engine.go: context.Context +
// CancelFunc + sync.WaitGroup + atomic.Bool + startOnce/stopOnce).
package svc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("svc: already running")
	ErrNotRunning     = errors.New("svc: not running")
)

// Base is embedded by every citacore service (AuthPool, Consensus, Chain,
// Executor) to give it a uniform Start/Stop lifecycle and a named logger.
type Base struct {
	Logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running  atomic.Bool
	stopOnce sync.Once
}

// Init prepares the Base's context and logger; call once from the owning
// service's constructor.
func (b *Base) Init(logger *zap.SugaredLogger) {
	b.Logger = logger
	b.ctx, b.cancel = context.WithCancel(context.Background())
}

// Context returns the service's lifetime context, canceled on Stop.
func (b *Base) Context() context.Context { return b.ctx }

// Go runs fn in a tracked goroutine counted by the service's WaitGroup.
func (b *Base) Go(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// MarkStarted transitions the service to running, rejecting a second Start.
// Call from the owning Start method before spawning goroutines.
func (b *Base) MarkStarted() error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return nil
}

// Stop cancels the service's context and waits for all tracked goroutines
// to exit.
func (b *Base) Stop() error {
	if !b.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
	return nil
}

// Running reports whether the service is currently started.
func (b *Base) Running() bool { return b.running.Load() }
