// Package worker executes webhook delivery attempts: a fixed pool of
// goroutines pulls due deliveries off a bounded queue, performs the signed
// HTTP POST, classifies the outcome, and advances the delivery state machine.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/backoff"
	"github.com/ntlabs/hookrelay/internal/db"
	"github.com/ntlabs/hookrelay/internal/metrics"
	"github.com/ntlabs/hookrelay/internal/quota"
	"github.com/ntlabs/hookrelay/internal/signer"
)

// Outbound request headers.
const (
	HeaderSignature  = "X-NT-Signature"
	HeaderTimestamp  = "X-NT-Timestamp"
	HeaderEvent      = "X-NT-Event"
	HeaderDeliveryID = "X-NT-Delivery-ID"
)

const userAgent = "hookrelay/1.0"

// responsePreviewLimit caps how much of the receiver's body is kept in
// last_error.
const responsePreviewLimit = 1024

// Store is the slice of the delivery store the executor needs.
type Store interface {
	ClaimDelivery(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*db.Delivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string, nextRetryAt time.Time) error
	MoveToDLQ(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string) error
}

// Config tunes attempt execution.
type Config struct {
	AttemptTimeout time.Duration // hard per-attempt timeout, default 30s
	LeaseTTL       time.Duration // claim lease, must exceed AttemptTimeout
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// AttemptResult is the classified outcome of one HTTP attempt.
type AttemptResult struct {
	Success    bool // HTTP 2xx
	Permanent  bool // HTTP 4xx other than 429: terminal, never retried
	StatusCode int  // 0 when the request never got a response
	Message    string
}

// Executor performs single delivery attempts.
type Executor struct {
	store  Store
	client *http.Client
	config Config
	logger *zap.Logger
}

// NewExecutor creates an executor. Zero config fields get defaults.
func NewExecutor(store Store, cfg Config, logger *zap.Logger) *Executor {
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = quota.AttemptTimeout
	}
	if cfg.LeaseTTL < cfg.AttemptTimeout {
		// The lease must outlive the slowest possible attempt, otherwise a
		// healthy worker could be raced by a reclaim.
		cfg.LeaseTTL = cfg.AttemptTimeout + 30*time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = backoff.DefaultBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = backoff.DefaultCap
	}

	return &Executor{
		store: store,
		client: &http.Client{
			Timeout: cfg.AttemptTimeout,
		},
		config: cfg,
		logger: logger,
	}
}

// Attempt runs one full attempt cycle for a delivery: claim, send, classify,
// persist the transition. Losing the claim is normal (another worker owns it
// or it already advanced) and aborts silently. A failed transition write
// leaves the row in its last durable state; the lease expiry lets the
// scheduler reclaim it, so nothing is ever silently dropped.
func (e *Executor) Attempt(ctx context.Context, id uuid.UUID) {
	leaseUntil := time.Now().Add(e.config.LeaseTTL)
	d, err := e.store.ClaimDelivery(ctx, id, leaseUntil)
	if errors.Is(err, db.ErrNotClaimable) {
		e.logger.Debug("delivery claim lost", zap.String("delivery_id", id.String()))
		return
	}
	if err != nil {
		e.logger.Error("failed to claim delivery",
			zap.Error(err),
			zap.String("delivery_id", id.String()),
		)
		return
	}

	// The store echoes the granted lease back on the claimed row. Every
	// transition below is fenced on it, so if this worker stalls past the
	// lease and the delivery is reclaimed, the late write is rejected
	// instead of overwriting the new owner's outcome.
	lease := leaseUntil
	if d.LeaseExpiresAt != nil {
		lease = *d.LeaseExpiresAt
	}

	start := time.Now()
	result := e.SendOnce(ctx, d)
	attempt := d.AttemptCount + 1

	switch {
	case result.Success:
		err = e.store.MarkDelivered(ctx, d.ID, lease, attempt)
		metrics.RecordAttempt(db.StatusDelivered, time.Since(start))
		e.logger.Info("delivery succeeded",
			zap.String("delivery_id", d.ID.String()),
			zap.Int("status_code", result.StatusCode),
			zap.Int("attempt", attempt),
		)

	case result.Permanent:
		err = e.store.MarkFailed(ctx, d.ID, lease, attempt, result.Message)
		metrics.RecordAttempt(db.StatusFailed, time.Since(start))
		e.logger.Warn("delivery rejected by receiver",
			zap.String("delivery_id", d.ID.String()),
			zap.Int("status_code", result.StatusCode),
			zap.Int("attempt", attempt),
		)

	default:
		if attempt > d.RetriesMax {
			err = e.store.MoveToDLQ(ctx, d.ID, lease, attempt, result.Message)
			metrics.RecordAttempt(db.StatusDLQ, time.Since(start))
			e.logger.Warn("delivery exhausted retries",
				zap.String("delivery_id", d.ID.String()),
				zap.Int("attempt", attempt),
				zap.Int("retries_max", d.RetriesMax),
			)
		} else {
			delay := backoff.Delay(d.BackoffStrategy, attempt, e.config.BackoffBase, e.config.BackoffCap)
			err = e.store.ScheduleRetry(ctx, d.ID, lease, attempt, result.Message, time.Now().Add(delay))
			metrics.RecordAttempt(db.StatusRetryScheduled, time.Since(start))
			e.logger.Info("delivery retry scheduled",
				zap.String("delivery_id", d.ID.String()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
		}
	}

	if err != nil {
		e.logger.Error("failed to persist attempt outcome",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
			zap.Int("attempt", attempt),
		)
	}
}

// SendOnce performs a single signed HTTP POST and classifies the response.
// It does not touch the store, which makes it the shared path for worker
// attempts and the synchronous test-send. The signature is recomputed with a
// fresh timestamp; the payload bytes are sent verbatim.
func (e *Executor) SendOnce(ctx context.Context, d *db.Delivery) AttemptResult {
	ctx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return AttemptResult{
			Permanent: true,
			Message:   fmt.Sprintf("build request: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	// Custom headers first: the signature headers always win.
	for key, value := range d.Headers {
		req.Header.Set(key, value)
	}

	timestamp := time.Now().Unix()
	req.Header.Set(HeaderSignature, signer.Sign(d.Secret, timestamp, d.Payload))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDeliveryID, d.ID.String())

	resp, err := e.client.Do(req)
	if err != nil {
		// Timeout, connection refused, DNS failure: all retryable.
		return AttemptResult{Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, responsePreviewLimit))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return AttemptResult{Success: true, StatusCode: resp.StatusCode}

	case resp.StatusCode == http.StatusTooManyRequests:
		// Receiver-side rate limiting backs off like a server error.
		return AttemptResult{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, preview),
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return AttemptResult{
			Permanent:  true,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, preview),
		}

	default:
		return AttemptResult{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, preview),
		}
	}
}
