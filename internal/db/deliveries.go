package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotClaimable is returned when a claim loses the compare-and-swap:
// another worker owns the delivery, it is not due yet, or it already
// reached a terminal state.
var ErrNotClaimable = errors.New("delivery not claimable")

// ErrNotRedeliverable is returned when redelivery is requested for a delivery
// that is not in a terminal failure state.
var ErrNotRedeliverable = errors.New("delivery not redeliverable")

const deliveryColumns = `
	id, project_id, subscription_id, event_type, payload, status,
	attempt_count, last_error, next_retry_at, delivered_at, lease_expires_at,
	url, secret, headers, retries_max, backoff_strategy, redelivered_from,
	created_at, updated_at
`

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.SubscriptionID,
		&d.EventType,
		&d.Payload,
		&d.Status,
		&d.AttemptCount,
		&d.LastError,
		&d.NextRetryAt,
		&d.DeliveredAt,
		&d.LeaseExpiresAt,
		&d.URL,
		&d.Secret,
		&d.Headers,
		&d.RetriesMax,
		&d.BackoffStrategy,
		&d.RedeliveredFrom,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDelivery inserts a pending delivery with the subscription contract
// snapshotted into the row
func (r *Repository) CreateDelivery(ctx context.Context, d *Delivery) error {
	query := `
		INSERT INTO webhook_deliveries (
			id, project_id, subscription_id, event_type, payload, status,
			attempt_count, next_retry_at, url, secret, headers, retries_max,
			backoff_strategy, redelivered_from
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.ProjectID,
		d.SubscriptionID,
		d.EventType,
		d.Payload,
		d.Status,
		d.AttemptCount,
		d.NextRetryAt,
		d.URL,
		d.Secret,
		d.Headers,
		d.RetriesMax,
		d.BackoffStrategy,
		d.RedeliveredFrom,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create delivery",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return fmt.Errorf("insert delivery: %w", err)
	}

	return nil
}

// GetDelivery retrieves a delivery by ID, scoped to a project
func (r *Repository) GetDelivery(ctx context.Context, projectID, id uuid.UUID) (*Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE id = $1 AND project_id = $2
	`

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	return d, nil
}

// DeliveryFilter narrows ListDeliveries results
type DeliveryFilter struct {
	Status         string
	EventType      string
	SubscriptionID *uuid.UUID
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
}

// ListDeliveries retrieves deliveries for a project with filters and
// pagination, along with the total matching count
func (r *Repository) ListDeliveries(ctx context.Context, projectID uuid.UUID, filter DeliveryFilter, limit, offset int) ([]*Delivery, int, error) {
	where := []string{"project_id = $1"}
	args := []any{projectID}

	addArg := func(clause string, v any) {
		args = append(args, v)
		where = append(where, clause+"$"+strconv.Itoa(len(args)))
	}

	if filter.Status != "" {
		addArg("status = ", filter.Status)
	}
	if filter.EventType != "" {
		addArg("event_type = ", filter.EventType)
	}
	if filter.SubscriptionID != nil {
		addArg("subscription_id = ", *filter.SubscriptionID)
	}
	if filter.CreatedAfter != nil {
		addArg("created_at >= ", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		addArg("created_at <= ", *filter.CreatedBefore)
	}

	cond := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM webhook_deliveries WHERE " + cond
	if err := r.db.Pool().QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	query := "SELECT " + deliveryColumns + " FROM webhook_deliveries WHERE " + cond +
		" ORDER BY created_at DESC" +
		" LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, total, nil
}

// DueDeliveries returns IDs of deliveries ready for an attempt: pending or
// retry-scheduled rows whose retry time has elapsed, plus attempting rows
// whose claim lease expired (a worker crashed mid-attempt).
func (r *Repository) DueDeliveries(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM webhook_deliveries
		WHERE (status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
		   OR (status = $3 AND lease_expires_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query,
		StatusPending, StatusRetryScheduled, StatusAttempting, limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivery id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// ClaimDelivery takes leased ownership of a delivery for one attempt. The
// conditional update is the single-in-flight-attempt guarantee: it succeeds
// only for a due pending/retry_scheduled row or an attempting row whose
// lease expired. Returns ErrNotClaimable when the CAS loses. The granted
// lease comes back on the returned row and fences every later transition.
func (r *Repository) ClaimDelivery(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*Delivery, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = $2, lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1
		  AND (
		        (status IN ($4, $5) AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
		     OR (status = $2 AND lease_expires_at <= NOW())
		  )
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query,
		id, StatusAttempting, leaseUntil, StatusPending, StatusRetryScheduled))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}

	return d, nil
}

// MarkDelivered records a successful attempt. Conditional on the attempting
// state and the lease granted at claim time, so a worker whose lease expired
// and was reclaimed can never overwrite the current owner's outcome.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, delivered_at = NOW(),
		    last_error = NULL, next_retry_at = NULL, lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = $4 AND lease_expires_at = $5
	`, id, StatusDelivered, attemptCount, StatusAttempting, lease)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotClaimable)
	}

	return nil
}

// MarkFailed records a permanent client-side rejection (HTTP 4xx)
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, last_error = $4,
		    next_retry_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND lease_expires_at = $6
	`, id, StatusFailed, attemptCount, lastError, StatusAttempting, lease)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotClaimable)
	}

	return nil
}

// ScheduleRetry records a retryable failure and the time of the next attempt
func (r *Repository) ScheduleRetry(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string, nextRetryAt time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, last_error = $4,
		    next_retry_at = $5, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6 AND lease_expires_at = $7
	`, id, StatusRetryScheduled, attemptCount, lastError, nextRetryAt, StatusAttempting, lease)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotClaimable)
	}

	return nil
}

// MoveToDLQ parks a delivery that exhausted its retries
func (r *Repository) MoveToDLQ(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, last_error = $4,
		    next_retry_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND lease_expires_at = $6
	`, id, StatusDLQ, attemptCount, lastError, StatusAttempting, lease)
	if err != nil {
		return fmt.Errorf("move to dlq: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotClaimable)
	}

	r.logger.Info("delivery moved to dlq",
		zap.String("delivery_id", id.String()),
		zap.Int("attempt_count", attemptCount),
		zap.String("last_error", lastError),
	)

	return nil
}

// Redeliver clones a terminal delivery into a fresh pending one, starting a
// new attempt cycle. The original row is never mutated; the clone links back
// via redelivered_from for the audit trail.
func (r *Repository) Redeliver(ctx context.Context, projectID, id uuid.UUID) (*Delivery, error) {
	orig, err := r.GetDelivery(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	if orig.Status != StatusDLQ && orig.Status != StatusFailed {
		return nil, fmt.Errorf("delivery %s is %s: %w", id, orig.Status, ErrNotRedeliverable)
	}

	now := time.Now()
	clone := &Delivery{
		ID:              uuid.New(),
		ProjectID:       orig.ProjectID,
		SubscriptionID:  orig.SubscriptionID,
		EventType:       orig.EventType,
		Payload:         orig.Payload,
		Status:          StatusPending,
		AttemptCount:    0,
		NextRetryAt:     &now,
		URL:             orig.URL,
		Secret:          orig.Secret,
		Headers:         orig.Headers,
		RetriesMax:      orig.RetriesMax,
		BackoffStrategy: orig.BackoffStrategy,
		RedeliveredFrom: &orig.ID,
	}

	if err := r.CreateDelivery(ctx, clone); err != nil {
		return nil, fmt.Errorf("insert redelivery: %w", err)
	}

	r.logger.Info("delivery redelivered",
		zap.String("original_delivery_id", orig.ID.String()),
		zap.String("new_delivery_id", clone.ID.String()),
	)

	return clone, nil
}
