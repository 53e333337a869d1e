// Package dispatcher fans a domain event out into one delivery per matching
// subscription and hands the first attempts to the worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/db"
	"github.com/ntlabs/hookrelay/internal/metrics"
	"github.com/ntlabs/hookrelay/internal/quota"
)

// Store is the slice of the delivery store the dispatcher needs.
type Store interface {
	MatchSubscriptions(ctx context.Context, projectID uuid.UUID, eventType string) ([]*db.Subscription, error)
	CreateDelivery(ctx context.Context, d *db.Delivery) error
}

// Quota gates dispatch on the per-project hourly delivery cap.
type Quota interface {
	AllowDispatch(ctx context.Context, projectID uuid.UUID, n int) error
}

// Enqueuer nudges the worker pool about new work. Enqueueing is best-effort:
// a full queue is fine because the retry scheduler sweeps the store for due
// deliveries anyway.
type Enqueuer interface {
	TryEnqueue(id uuid.UUID) bool
}

// Dispatcher creates deliveries for events.
type Dispatcher struct {
	store  Store
	quota  Quota
	queue  Enqueuer
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(store Store, q Quota, queue Enqueuer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		quota:  q,
		queue:  queue,
		logger: logger,
	}
}

// Dispatch creates one pending delivery per enabled subscription matching the
// event, snapshotting each subscription's contract (url, secret, headers,
// retry policy) so later subscription changes never alter these deliveries.
// No matching subscription is a no-op. A quota breach is surfaced to the
// producer before any row is created.
func (d *Dispatcher) Dispatch(ctx context.Context, event db.Event) ([]*db.Delivery, error) {
	if !db.ValidEventType(event.Type) {
		return nil, fmt.Errorf("unknown event type: %q", event.Type)
	}

	subs, err := d.store.MatchSubscriptions(ctx, event.ProjectID, event.Type)
	if err != nil {
		return nil, fmt.Errorf("match subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	if err := d.quota.AllowDispatch(ctx, event.ProjectID, len(subs)); err != nil {
		if errors.Is(err, quota.ErrDeliveryQuotaExceeded) {
			metrics.RecordQuotaRejection(event.ProjectID.String())
		}
		return nil, err
	}

	now := time.Now()
	var (
		created []*db.Delivery
		errs    []error
	)

	for _, sub := range subs {
		dispatchAt := now
		delivery := &db.Delivery{
			ID:              uuid.New(),
			ProjectID:       event.ProjectID,
			SubscriptionID:  sub.ID,
			EventType:       event.Type,
			Payload:         event.Payload,
			Status:          db.StatusPending,
			NextRetryAt:     &dispatchAt,
			URL:             sub.URL,
			Secret:          sub.ActiveSecret(now),
			Headers:         sub.Headers,
			RetriesMax:      quota.ClampRetries(sub.RetriesMax),
			BackoffStrategy: sub.BackoffStrategy,
		}

		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			d.logger.Error("failed to create delivery",
				zap.Error(err),
				zap.String("subscription_id", sub.ID.String()),
				zap.String("event_type", event.Type),
			)
			errs = append(errs, err)
			continue
		}

		created = append(created, delivery)
		metrics.RecordDispatched(event.Type)

		if !d.queue.TryEnqueue(delivery.ID) {
			// Scheduler sweep will pick it up.
			d.logger.Debug("work queue full, deferring to scheduler",
				zap.String("delivery_id", delivery.ID.String()),
			)
		}
	}

	d.logger.Info("event dispatched",
		zap.String("project_id", event.ProjectID.String()),
		zap.String("event_type", event.Type),
		zap.Int("deliveries", len(created)),
	)

	return created, errors.Join(errs...)
}
