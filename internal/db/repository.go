package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a subscription or delivery does not exist
// (or is not visible to the requesting project).
var ErrNotFound = errors.New("not found")

// Repository handles database operations for subscriptions and deliveries
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new webhook repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const subscriptionColumns = `
	id, project_id, name, url, secret, pending_secret, cutover_at,
	event_types, enabled, headers, retries_max, backoff_strategy,
	created_at, updated_at
`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID,
		&sub.ProjectID,
		&sub.Name,
		&sub.URL,
		&sub.Secret,
		&sub.PendingSecret,
		&sub.CutoverAt,
		&sub.EventTypes,
		&sub.Enabled,
		&sub.Headers,
		&sub.RetriesMax,
		&sub.BackoffStrategy,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts a new webhook subscription
func (r *Repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO webhook_subscriptions (
			id, project_id, name, url, secret, event_types,
			enabled, headers, retries_max, backoff_strategy
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		sub.ID,
		sub.ProjectID,
		sub.Name,
		sub.URL,
		sub.Secret,
		sub.EventTypes,
		sub.Enabled,
		sub.Headers,
		sub.RetriesMax,
		sub.BackoffStrategy,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		return fmt.Errorf("insert subscription: %w", err)
	}

	r.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("project_id", sub.ProjectID.String()),
		zap.String("name", sub.Name),
	)

	return nil
}

// GetSubscription retrieves a subscription by ID, scoped to a project
func (r *Repository) GetSubscription(ctx context.Context, projectID, id uuid.UUID) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE id = $1 AND project_id = $2
	`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	return sub, nil
}

// ListSubscriptions retrieves subscriptions for a project
func (r *Repository) ListSubscriptions(ctx context.Context, projectID uuid.UUID, enabledOnly bool) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE project_id = $1 AND ($2 = FALSE OR enabled)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, projectID, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// MatchSubscriptions returns the enabled subscriptions for a project whose
// event-type filter includes eventType. Reflects the current enabled state:
// disabling a subscription stops future dispatch but never cancels
// deliveries already created.
func (r *Repository) MatchSubscriptions(ctx context.Context, projectID uuid.UUID, eventType string) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE project_id = $1
		  AND enabled
		  AND event_types @> jsonb_build_array($2::text)
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, projectID, eventType)
	if err != nil {
		return nil, fmt.Errorf("match subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// UpdateSubscription persists the mutable fields of a subscription
func (r *Repository) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE webhook_subscriptions
		SET name = $1, url = $2, secret = $3, event_types = $4, enabled = $5,
		    headers = $6, retries_max = $7, backoff_strategy = $8,
		    updated_at = NOW()
		WHERE id = $9 AND project_id = $10
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sub.Name,
		sub.URL,
		sub.Secret,
		sub.EventTypes,
		sub.Enabled,
		sub.Headers,
		sub.RetriesMax,
		sub.BackoffStrategy,
		sub.ID,
		sub.ProjectID,
	).Scan(&sub.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	r.logger.Info("subscription updated",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("project_id", sub.ProjectID.String()),
	)

	return nil
}

// DeleteSubscription removes a subscription. In-flight deliveries are
// unaffected: they carry a snapshot of the subscription's contract.
func (r *Repository) DeleteSubscription(ctx context.Context, projectID, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1 AND project_id = $2`,
		id, projectID,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}

	r.logger.Info("subscription deleted",
		zap.String("subscription_id", id.String()),
		zap.String("project_id", projectID.String()),
	)

	return nil
}

// CountSubscriptions returns the number of subscriptions in a project
func (r *Repository) CountSubscriptions(ctx context.Context, projectID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_subscriptions WHERE project_id = $1`,
		projectID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

// StartSecretRotation stages a pending secret with a cutover deadline. The
// active secret keeps signing until the cutover passes or rotation is
// finalized.
func (r *Repository) StartSecretRotation(ctx context.Context, projectID, id uuid.UUID, pendingSecret string, cutoverAt time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_subscriptions
		SET pending_secret = $1, cutover_at = $2, updated_at = NOW()
		WHERE id = $3 AND project_id = $4
	`, pendingSecret, cutoverAt, id, projectID)
	if err != nil {
		return fmt.Errorf("start secret rotation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}

	r.logger.Info("secret rotation started",
		zap.String("subscription_id", id.String()),
		zap.Time("cutover_at", cutoverAt),
	)

	return nil
}

// FinalizeSecretRotation promotes the pending secret immediately. No-op if
// no rotation is staged.
func (r *Repository) FinalizeSecretRotation(ctx context.Context, projectID, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_subscriptions
		SET secret = pending_secret, pending_secret = NULL, cutover_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND project_id = $2 AND pending_secret IS NOT NULL
	`, id, projectID)
	if err != nil {
		return fmt.Errorf("finalize secret rotation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s has no pending rotation: %w", id, ErrNotFound)
	}

	r.logger.Info("secret rotation finalized", zap.String("subscription_id", id.String()))

	return nil
}
