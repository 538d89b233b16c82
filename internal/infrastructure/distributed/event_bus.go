package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"
	"streamadapt/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrAlreadySubscribed = errors.New("event bus already subscribed")

const publishTimeout = 3 * time.Second

// EventBusOptions tune how outgoing events are batched.
type EventBusOptions struct {
	Channel       string
	BatchSize     int
	BatchInterval time.Duration
}

// EventBus shares core events between instances over Redis pub/sub.
// Outgoing events are batched into pipelined PUBLISH calls; incoming
// events from this instance are skipped.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	batcher    *batch.Batcher[domain.Event]

	subscribed atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
	published  atomic.Int64
	received   atomic.Int64
}

var _ ports.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a new Redis event bus for this instance.
func NewEventBus(client *redis.Client, instanceID string, opts EventBusOptions, logger *zap.SugaredLogger) *EventBus {
	if opts.Channel == "" {
		opts.Channel = "streamadapt:events"
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 100 * time.Millisecond
	}

	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    opts.Channel,
		logger:     logger,
		ready:      make(chan struct{}),
	}
	eb.batcher = batch.NewBatcher[domain.Event](opts.BatchSize, opts.BatchInterval,
		batch.ProcessorFunc[domain.Event](eb.publishBatch),
		func(err error, dropped int) {
			logger.Warnw("failed to publish events", "error", err, "dropped", dropped)
		},
	)
	return eb
}

// Publish queues the event for the next batch. Events already stamped by
// another instance are not re-broadcast.
func (eb *EventBus) Publish(_ context.Context, event domain.Event) error {
	if event.InstanceID != "" && event.InstanceID != eb.instanceID {
		return nil
	}
	event.InstanceID = eb.instanceID
	if err := eb.batcher.Add(event); err != nil {
		return fmt.Errorf("failed to queue event: %w", err)
	}
	return nil
}

func (eb *EventBus) publishBatch(ctx context.Context, events []domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	pipe := eb.client.Pipeline()
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			eb.logger.Warnw("failed to marshal event", "type", event.Type, "error", err)
			continue
		}
		pipe.Publish(ctx, eb.channel, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event batch: %w", err)
	}

	eb.published.Add(int64(len(events)))
	eb.logger.Debugw("published event batch", "count", len(events))
	return nil
}

// Subscribe blocks, calling handler for every event from other instances
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(domain.Event) error) error {
	if !eb.subscribed.CompareAndSwap(false, true) {
		return ErrAlreadySubscribed
	}
	defer eb.subscribed.Store(false)

	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	eb.readyOnce.Do(func() { close(eb.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}
			eb.received.Add(1)

			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Relay forwards remote events into a local publisher until ctx is done.
func (eb *EventBus) Relay(ctx context.Context, local ports.EventPublisher) error {
	return eb.Subscribe(ctx, func(event domain.Event) error {
		return local.Publish(ctx, event)
	})
}

// Ready is closed once the first subscription is confirmed.
func (eb *EventBus) Ready() <-chan struct{} {
	return eb.ready
}

// Stats returns how many events were sent and relayed.
func (eb *EventBus) Stats() (published, received int64) {
	return eb.published.Load(), eb.received.Load()
}

// Close flushes queued events. Subscriptions end with their context.
func (eb *EventBus) Close() error {
	eb.batcher.Stop()
	return nil
}
