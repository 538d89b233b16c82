package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Add once Stop has been called.
var ErrStopped = errors.New("batcher stopped")

// Processor processes a batch of items
type Processor[T any] interface {
	ProcessBatch(ctx context.Context, items []T) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, items []T) error

// ProcessBatch calls f.
func (f ProcessorFunc[T]) ProcessBatch(ctx context.Context, items []T) error {
	return f(ctx, items)
}

// Batcher collects items and hands them to a Processor once batchSize is
// reached or batchInterval elapses, whichever comes first.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor[T]
	onError       func(err error, dropped int)

	mu      sync.Mutex
	pending []T
	stopped bool

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// NewBatcher starts the background flusher. onError may be nil.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, processor Processor[T], onError func(err error, dropped int)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		onError:       onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an item. It never blocks on the processor.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}

	return nil
}

// Flush immediately processes all pending items
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}

	items := make([]T, len(b.pending))
	copy(items, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	if err := b.processor.ProcessBatch(ctx, items); err != nil {
		if b.onError != nil {
			b.onError(err, len(items))
		}
		return err
	}
	return nil
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			// Final flush on stop
			_ = b.Flush(context.Background())
			return
		}
	}
}

// Stop rejects further items, flushes what is pending and waits for the
// flusher to exit.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopChan)
	})
	<-b.done
}

// PendingCount returns the number of pending items
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
