// Package quota enforces the platform's operational limits: subscriptions
// per project, deliveries per project per hour, and the retry ceiling.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/redis"
)

// Platform limits.
const (
	MaxSubscriptionsPerProject = 100
	MaxDeliveriesPerHour       = 10000
	MaxRetries                 = 20
	AttemptTimeout             = 30 * time.Second
)

var (
	// ErrSubscriptionQuotaExceeded rejects subscription creation past the
	// per-project cap.
	ErrSubscriptionQuotaExceeded = errors.New("subscription quota exceeded")

	// ErrDeliveryQuotaExceeded rejects dispatch past the per-project hourly
	// delivery cap. Surfaced to the producer; already-queued deliveries are
	// unaffected.
	ErrDeliveryQuotaExceeded = errors.New("hourly delivery quota exceeded")
)

// SubscriptionCounter is the slice of the store the enforcer needs.
type SubscriptionCounter interface {
	CountSubscriptions(ctx context.Context, projectID uuid.UUID) (int, error)
}

// Enforcer checks quotas before subscription creation and dispatch. A nil
// limiter (Redis unavailable) degrades open for the hourly cap, with a
// warning, so dispatch never hard-depends on Redis.
type Enforcer struct {
	counter SubscriptionCounter
	limiter *redis.RateLimiter
	logger  *zap.Logger
}

// NewEnforcer creates a quota enforcer. limiter may be nil.
func NewEnforcer(counter SubscriptionCounter, limiter *redis.RateLimiter, logger *zap.Logger) *Enforcer {
	return &Enforcer{
		counter: counter,
		limiter: limiter,
		logger:  logger,
	}
}

// AllowSubscriptionCreate returns ErrSubscriptionQuotaExceeded when the
// project already holds the maximum number of subscriptions.
func (e *Enforcer) AllowSubscriptionCreate(ctx context.Context, projectID uuid.UUID) error {
	count, err := e.counter.CountSubscriptions(ctx, projectID)
	if err != nil {
		return fmt.Errorf("count subscriptions: %w", err)
	}

	if count >= MaxSubscriptionsPerProject {
		return fmt.Errorf("project %s has %d subscriptions: %w",
			projectID, count, ErrSubscriptionQuotaExceeded)
	}

	return nil
}

// AllowDispatch returns ErrDeliveryQuotaExceeded when creating n more
// deliveries would push the project past its hourly cap.
func (e *Enforcer) AllowDispatch(ctx context.Context, projectID uuid.UUID, n int) error {
	if n == 0 {
		return nil
	}
	if e.limiter == nil {
		return nil
	}

	result, err := e.limiter.AllowN(ctx, "deliveries:"+projectID.String(), n)
	if err != nil {
		// Quota accounting must not take the delivery pipeline down.
		e.logger.Warn("delivery quota check failed, allowing dispatch",
			zap.Error(err),
			zap.String("project_id", projectID.String()),
		)
		return nil
	}

	if !result.Allowed {
		return fmt.Errorf("project %s: %d deliveries requested, %d remaining until %s: %w",
			projectID, n, result.Remaining, result.ResetAt.Format(time.RFC3339),
			ErrDeliveryQuotaExceeded)
	}

	return nil
}

// ClampRetries bounds a requested retries_max to the platform ceiling.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}
