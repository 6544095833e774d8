package bus

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnknownRoutingKey is returned by Publish for any key outside
	// ClosedRoutingKeys — the core uses a closed set per §4.1.
	ErrUnknownRoutingKey = errors.New("bus: unknown routing key")
	ErrBusClosed         = errors.New("bus: bus is closed")
)

// defaultQueueDepth bounds each subscriber's inbox. A full queue blocks the
// publisher, per §4.1's failure semantics.
const defaultQueueDepth = 256

// Bus is the process-wide multi-producer/multi-consumer fabric described in
// §4.1: publishers send (RoutingKey, []byte) pairs, every subscriber
// registered for that key receives its own copy, in that publisher's
// publication order. There is no ordering guarantee across routing keys or
// across publishers (§5).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[RoutingKey][]chan []byte
	logger      *zap.SugaredLogger
	closed      bool
}

// New constructs an empty Bus.
func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[RoutingKey][]chan []byte),
		logger:      logger,
	}
}

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe to tear the registration down.
type Subscription struct {
	key RoutingKey
	ch  chan []byte
}

// Subscribe declares a fixed subscription to key, per §4.1 ("each service
// declares a fixed subscription set at boot"). The returned channel is
// closed when the bus is closed or when Unsubscribe is called with the
// returned Subscription.
func (b *Bus) Subscribe(key RoutingKey) (<-chan []byte, *Subscription, error) {
	if _, ok := ClosedRoutingKeys[key]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRoutingKey, key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	ch := make(chan []byte, defaultQueueDepth)
	b.subscribers[key] = append(b.subscribers[key], ch)
	return ch, &Subscription{key: key, ch: ch}, nil
}

// Unsubscribe removes and closes the channel behind sub, modeling §4.1's "a
// stopped subscriber causes the fabric to drop its inbox": once
// unsubscribed, further publishes to key simply skip this channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.key]
	for i, ch := range subs {
		if ch == sub.ch {
			close(ch)
			b.subscribers[sub.key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every subscriber of key, in the order
// Publish is called by this goroutine. A full subscriber queue blocks the
// publisher (§4.1) — callers that cannot tolerate blocking should run
// Publish from a dedicated goroutine, as AuthPool's batch-forwarder and
// Consensus's broadcaster do.
func (b *Bus) Publish(key RoutingKey, payload []byte) error {
	if _, ok := ClosedRoutingKeys[key]; !ok {
		if b.logger != nil {
			b.logger.Warnw("dropping publish to unknown routing key", "key", key)
		}
		return fmt.Errorf("%w: %s", ErrUnknownRoutingKey, key)
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]chan []byte, len(b.subscribers[key]))
	copy(subs, b.subscribers[key])
	b.mu.RUnlock()

	for _, ch := range subs {
		ch <- payload
	}
	return nil
}

// PublishEnvelope is a convenience wrapper that encodes env before
// publishing it under key.
func (b *Bus) PublishEnvelope(key RoutingKey, env Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.Publish(key, data)
}

// Close shuts down the bus, closing every subscriber channel. Safe to call
// once; subsequent Publish/Subscribe calls return ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = nil
}
