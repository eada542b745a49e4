package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/message"

	"booking/entity"
	"booking/metrics"
)

const TopicBookingEvents = "booking-events"

const (
	pollInterval    = 100 * time.Millisecond
	resetInterval   = 30 * time.Second
	cleanupInterval = time.Hour

	batchSize       = 100
	maxRetries      = 5
	retentionWindow = 7 * 24 * time.Hour

	healthyPendingAge = time.Minute
)

type Store interface {
	ProcessPending(ctx context.Context, limit int, publish func(ctx context.Context, event entity.OutboxEvent) error) (int, error)
	ResetFailed(ctx context.Context, maxRetries int) (int64, error)
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	OldestPendingCreatedAt(ctx context.Context) (*time.Time, error)
}

// Processor drains the outbox table to the message bus. It is safe to run
// on multiple instances at once: the store's claim query skips rows another
// instance is holding.
type Processor struct {
	store     Store
	publisher message.Publisher
}

func NewProcessor(store Store, publisher message.Publisher) *Processor {
	if store == nil {
		panic("store must be set")
	}
	if publisher == nil {
		panic("publisher must be set")
	}

	return &Processor{store: store, publisher: publisher}
}

// Run polls for pending events until the context is cancelled. Slower
// sweeps retry failed events and prune published ones.
func (p *Processor) Run(ctx context.Context) error {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	reset := time.NewTicker(resetInterval)
	defer reset.Stop()

	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if _, err := p.store.ProcessPending(ctx, batchSize, p.publish); err != nil && ctx.Err() == nil {
				log.FromContext(ctx).WithError(err).Error("Outbox poll failed")
			}
		case <-reset.C:
			count, err := p.store.ResetFailed(ctx, maxRetries)
			if err != nil && ctx.Err() == nil {
				log.FromContext(ctx).WithError(err).Error("Outbox reset sweep failed")
			} else if count > 0 {
				log.FromContext(ctx).WithField("count", count).Info("Reset failed outbox events for retry")
			}
		case <-cleanup.C:
			count, err := p.store.DeletePublishedBefore(ctx, time.Now().Add(-retentionWindow))
			if err != nil && ctx.Err() == nil {
				log.FromContext(ctx).WithError(err).Error("Outbox cleanup sweep failed")
			} else if count > 0 {
				log.FromContext(ctx).WithField("count", count).Info("Deleted published outbox events")
			}
		}
	}
}

func (p *Processor) publish(ctx context.Context, event entity.OutboxEvent) error {
	msg := message.NewMessage(event.ID, event.Payload)
	msg.Metadata.Set("event_type", event.EventType)
	msg.Metadata.Set("aggregate_type", event.AggregateType)
	msg.Metadata.Set("aggregate_id", event.AggregateID)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topicFor(event.AggregateType), msg); err != nil {
		metrics.OutboxPublishFailed.Inc()
		return fmt.Errorf("could not publish outbox event %s: %w", event.ID, err)
	}

	metrics.OutboxPublished.Inc()
	return nil
}

// Healthy reports an error when the oldest pending event has been waiting
// longer than a minute, meaning the publish path is stuck.
func (p *Processor) Healthy(ctx context.Context) error {
	oldest, err := p.store.OldestPendingCreatedAt(ctx)
	if err != nil {
		return err
	}
	if oldest == nil {
		return nil
	}

	if age := time.Since(*oldest); age > healthyPendingAge {
		return fmt.Errorf("oldest pending outbox event is %s old", age.Truncate(time.Second))
	}

	return nil
}

func topicFor(aggregateType string) string {
	if aggregateType == entity.AggregateBooking {
		return TopicBookingEvents
	}
	return strings.ToLower(aggregateType) + "-events"
}
