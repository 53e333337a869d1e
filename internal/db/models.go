package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ntlabs/hookrelay/internal/backoff"
)

// Subscription is a project's registration of a target URL, signing secret,
// and event-type filter. The secret is write-only: it is never serialized in
// API responses or logged.
type Subscription struct {
	ID              uuid.UUID         `json:"id"`
	ProjectID       uuid.UUID         `json:"project_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Secret          string            `json:"-"`
	PendingSecret   *string           `json:"-"`
	CutoverAt       *time.Time        `json:"cutover_at,omitempty"`
	EventTypes      []string          `json:"event_types"`
	Enabled         bool              `json:"enabled"`
	Headers         map[string]string `json:"headers"`
	RetriesMax      int               `json:"retries_max"`
	BackoffStrategy backoff.Strategy  `json:"backoff_strategy"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ActiveSecret returns the secret a dispatch at time now should sign with,
// honoring a staged rotation whose cutover has passed.
func (s *Subscription) ActiveSecret(now time.Time) string {
	if s.PendingSecret != nil && s.CutoverAt != nil && !now.Before(*s.CutoverAt) {
		return *s.PendingSecret
	}
	return s.Secret
}

// Delivery is one notification cycle for one (event, subscription) pair. The
// subscription's contract (url, secret, headers, retry policy) is snapshotted
// at dispatch time so later subscription edits or deletion never change an
// in-flight delivery. Payload is immutable: every attempt resends the same
// bytes. The ID doubles as the idempotency key sent to the receiver.
type Delivery struct {
	ID              uuid.UUID         `json:"id"`
	ProjectID       uuid.UUID         `json:"project_id"`
	SubscriptionID  uuid.UUID         `json:"subscription_id"`
	EventType       string            `json:"event_type"`
	Payload         json.RawMessage   `json:"payload"`
	Status          string            `json:"status"`
	AttemptCount    int               `json:"attempt_count"`
	LastError       *string           `json:"last_error,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
	LeaseExpiresAt  *time.Time        `json:"-"`
	URL             string            `json:"url"`
	Secret          string            `json:"-"`
	Headers         map[string]string `json:"headers"`
	RetriesMax      int               `json:"retries_max"`
	BackoffStrategy backoff.Strategy  `json:"backoff_strategy"`
	RedeliveredFrom *uuid.UUID        `json:"redelivered_from,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Terminal reports whether the delivery can never be attempted again.
func (d *Delivery) Terminal() bool {
	switch d.Status {
	case StatusDelivered, StatusFailed, StatusDLQ:
		return true
	}
	return false
}

// Event is the producer's input: something happened in a project. The engine
// treats it as read-only.
type Event struct {
	ProjectID uuid.UUID       `json:"project_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Delivery status constants.
const (
	StatusPending        = "pending"
	StatusAttempting     = "attempting"
	StatusRetryScheduled = "retry_scheduled"
	StatusDelivered      = "delivered"
	StatusFailed         = "failed"
	StatusDLQ            = "dlq"
)

// Event types emitted by the platform.
const (
	EventRunStarted      = "run.started"
	EventRunFinished     = "run.finished"
	EventImportDiffReady = "import.diff_ready"
	EventImportApplied   = "import.applied"
	EventIssueCreated    = "issue.created"
	EventIssueUpdated    = "issue.updated"
)

var eventTypes = map[string]struct{}{
	EventRunStarted:      {},
	EventRunFinished:     {},
	EventImportDiffReady: {},
	EventImportApplied:   {},
	EventIssueCreated:    {},
	EventIssueUpdated:    {},
}

// ValidEventType reports whether t is a known platform event type.
func ValidEventType(t string) bool {
	_, ok := eventTypes[t]
	return ok
}

// EventTypes returns all known event types.
func EventTypes() []string {
	return []string{
		EventRunStarted,
		EventRunFinished,
		EventImportDiffReady,
		EventImportApplied,
		EventIssueCreated,
		EventIssueUpdated,
	}
}

// ValidStatus reports whether s is a delivery status usable as a list filter.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusAttempting, StatusRetryScheduled,
		StatusDelivered, StatusFailed, StatusDLQ:
		return true
	}
	return false
}
