package events

import (
	"context"
	"sync"
	"sync/atomic"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is used when Subscribe is given a non-positive size.
const DefaultSubscriberBuffer = 64

// Broker fans events out to in-process subscribers. A subscriber whose
// channel is full misses the event; publishers never block.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]chan domain.Event
	nextID  uint64
	closed  bool
	dropped atomic.Int64
	logger  *zap.SugaredLogger
}

var (
	_ ports.EventPublisher  = (*Broker)(nil)
	_ ports.EventSubscriber = (*Broker)(nil)
)

// NewBroker creates a new in-process broker.
func NewBroker(logger *zap.SugaredLogger) *Broker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broker{
		subs:   make(map[uint64]chan domain.Event),
		logger: logger,
	}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (b *Broker) Publish(_ context.Context, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debugw("subscriber lagging, event dropped",
				"subscriber", id,
				"type", event.Type,
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; calling it twice is harmless.
func (b *Broker) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		})
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for lagging subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel and ignores later publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// FanOut publishes to every target in order. The first error is returned
// after all targets have been tried.
type FanOut []ports.EventPublisher

// Publish delivers to every publisher and returns the first error.
func (f FanOut) Publish(ctx context.Context, event domain.Event) error {
	var first error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
