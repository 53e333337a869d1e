package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/backoff"
	"github.com/ntlabs/hookrelay/internal/db"
	"github.com/ntlabs/hookrelay/internal/quota"
	"github.com/ntlabs/hookrelay/internal/redis"
	"github.com/ntlabs/hookrelay/internal/worker"
)

const defaultRetriesMax = 5

// Repository defines the store operations the API needs
type Repository interface {
	CreateSubscription(ctx context.Context, sub *db.Subscription) error
	GetSubscription(ctx context.Context, projectID, id uuid.UUID) (*db.Subscription, error)
	ListSubscriptions(ctx context.Context, projectID uuid.UUID, enabledOnly bool) ([]*db.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *db.Subscription) error
	DeleteSubscription(ctx context.Context, projectID, id uuid.UUID) error
	StartSecretRotation(ctx context.Context, projectID, id uuid.UUID, pendingSecret string, cutoverAt time.Time) error
	FinalizeSecretRotation(ctx context.Context, projectID, id uuid.UUID) error
	GetDelivery(ctx context.Context, projectID, id uuid.UUID) (*db.Delivery, error)
	ListDeliveries(ctx context.Context, projectID uuid.UUID, filter db.DeliveryFilter, limit, offset int) ([]*db.Delivery, int, error)
	Redeliver(ctx context.Context, projectID, id uuid.UUID) (*db.Delivery, error)
}

// Dispatcher fans events out into deliveries
type Dispatcher interface {
	Dispatch(ctx context.Context, event db.Event) ([]*db.Delivery, error)
}

// TestSender performs one synchronous signed attempt without persistence
type TestSender interface {
	SendOnce(ctx context.Context, d *db.Delivery) worker.AttemptResult
}

// Enqueuer nudges the worker pool about a new delivery
type Enqueuer interface {
	TryEnqueue(id uuid.UUID) bool
}

// Quota gates subscription creation
type Quota interface {
	AllowSubscriptionCreate(ctx context.Context, projectID uuid.UUID) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	dispatcher  Dispatcher
	sender      TestSender
	queue       Enqueuer
	quota       Quota
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, dispatcher Dispatcher, sender TestSender, queue Enqueuer, q Quota) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
		sender:     sender,
		queue:      queue,
		quota:      q,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotent event ingest
func NewHandlerWithIdempotency(logger *zap.Logger, repo Repository, dispatcher Dispatcher, sender TestSender, queue Enqueuer, q Quota, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, repo, dispatcher, sender, queue, q)
	h.idempotency = idempotency
	return h
}

// SubscriptionRequest is the create request body. The secret is accepted
// here and never echoed back.
type SubscriptionRequest struct {
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Secret          string            `json:"secret"`
	EventTypes      []string          `json:"event_types"`
	Enabled         *bool             `json:"enabled"`
	Headers         map[string]string `json:"headers"`
	RetriesMax      *int              `json:"retries_max"`
	BackoffStrategy string            `json:"backoff_strategy"`
}

// SubscriptionUpdateRequest carries a partial update; nil fields are left
// unchanged.
type SubscriptionUpdateRequest struct {
	Name            *string            `json:"name"`
	URL             *string            `json:"url"`
	Secret          *string            `json:"secret"`
	EventTypes      *[]string          `json:"event_types"`
	Enabled         *bool              `json:"enabled"`
	Headers         *map[string]string `json:"headers"`
	RetriesMax      *int               `json:"retries_max"`
	BackoffStrategy *string            `json:"backoff_strategy"`
}

// CreateSubscription handles POST /v1/projects/{projectID}/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing name", "name is required")
		return
	}
	if !validTargetURL(req.URL) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid url", "url must be a valid http(s) URL")
		return
	}
	if len(req.Secret) < 8 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid secret", "secret must be at least 8 characters")
		return
	}
	if len(req.EventTypes) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing event_types", "at least one event type is required")
		return
	}
	for _, et := range req.EventTypes {
		if !db.ValidEventType(et) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event type",
				"unknown event type: "+et+", valid types: "+strings.Join(db.EventTypes(), ", "))
			return
		}
	}

	strategy := backoff.StrategyExponential
	if req.BackoffStrategy != "" {
		parsed, err := backoff.Parse(req.BackoffStrategy)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid backoff_strategy",
				"backoff_strategy must be exponential, linear, or fixed")
			return
		}
		strategy = parsed
	}

	retriesMax := defaultRetriesMax
	if req.RetriesMax != nil {
		retriesMax = quota.ClampRetries(*req.RetriesMax)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	headers := req.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	if err := h.quota.AllowSubscriptionCreate(ctx, projectID); err != nil {
		if errors.Is(err, quota.ErrSubscriptionQuotaExceeded) {
			h.writeError(w, http.StatusUnprocessableEntity, "quota_exceeded",
				"Subscription quota exceeded", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to check quota", "")
		return
	}

	sub := &db.Subscription{
		ID:              uuid.New(),
		ProjectID:       projectID,
		Name:            req.Name,
		URL:             req.URL,
		Secret:          req.Secret,
		EventTypes:      req.EventTypes,
		Enabled:         enabled,
		Headers:         headers,
		RetriesMax:      retriesMax,
		BackoffStrategy: strategy,
	}

	if err := h.repo.CreateSubscription(ctx, sub); err != nil {
		h.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("project_id", projectID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create subscription", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /v1/projects/{projectID}/subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	enabledOnly := r.URL.Query().Get("enabled_only") == "true"

	subs, err := h.repo.ListSubscriptions(ctx, projectID, enabledOnly)
	if err != nil {
		h.logger.Error("failed to list subscriptions",
			zap.Error(err),
			zap.String("project_id", projectID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list subscriptions", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  subs,
		"count": len(subs),
	})
}

// GetSubscription handles GET /v1/projects/{projectID}/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.repo.GetSubscription(ctx, projectID, id)
	if err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// UpdateSubscription handles PATCH /v1/projects/{projectID}/subscriptions/{id}.
// Only the fields present in the body change; in-flight deliveries keep the
// contract snapshotted at dispatch time.
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req SubscriptionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	sub, err := h.repo.GetSubscription(ctx, projectID, id)
	if err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid name", "name must not be empty")
			return
		}
		sub.Name = *req.Name
	}
	if req.URL != nil {
		if !validTargetURL(*req.URL) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid url", "url must be a valid http(s) URL")
			return
		}
		sub.URL = *req.URL
	}
	if req.Secret != nil {
		if len(*req.Secret) < 8 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid secret", "secret must be at least 8 characters")
			return
		}
		sub.Secret = *req.Secret
	}
	if req.EventTypes != nil {
		if len(*req.EventTypes) == 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event_types", "at least one event type is required")
			return
		}
		for _, et := range *req.EventTypes {
			if !db.ValidEventType(et) {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event type", "unknown event type: "+et)
				return
			}
		}
		sub.EventTypes = *req.EventTypes
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	if req.Headers != nil {
		sub.Headers = *req.Headers
	}
	if req.RetriesMax != nil {
		sub.RetriesMax = quota.ClampRetries(*req.RetriesMax)
	}
	if req.BackoffStrategy != nil {
		parsed, err := backoff.Parse(*req.BackoffStrategy)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid backoff_strategy",
				"backoff_strategy must be exponential, linear, or fixed")
			return
		}
		sub.BackoffStrategy = parsed
	}

	if err := h.repo.UpdateSubscription(ctx, sub); err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /v1/projects/{projectID}/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.DeleteSubscription(ctx, projectID, id); err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RotateSecretRequest optionally carries the replacement secret and grace
// period for a staged rotation.
type RotateSecretRequest struct {
	Secret       string `json:"secret"`
	GraceSeconds int    `json:"grace_seconds"`
}

// RotateSecret handles POST /v1/projects/{projectID}/subscriptions/{id}/rotate-secret.
// It stages a pending secret; the active one keeps signing until the cutover
// passes or rotation is finalized.
func (h *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	req := RotateSecretRequest{GraceSeconds: 3600}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	secret := req.Secret
	if secret == "" {
		secret = newSecret()
	} else if len(secret) < 8 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid secret", "secret must be at least 8 characters")
		return
	}
	if req.GraceSeconds <= 0 {
		req.GraceSeconds = 3600
	}

	cutoverAt := time.Now().Add(time.Duration(req.GraceSeconds) * time.Second)
	if err := h.repo.StartSecretRotation(ctx, projectID, id, secret, cutoverAt); err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"secret":     secret,
		"cutover_at": cutoverAt,
	})
}

// FinalizeRotateSecret handles POST .../subscriptions/{id}/rotate-secret/finalize
func (h *Handler) FinalizeRotateSecret(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.FinalizeSecretRotation(ctx, projectID, id); err != nil {
		h.writeLookupError(w, err, "pending rotation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func validTargetURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// newSecret generates a random secret for rotation when the caller does not
// supply one.
func newSecret() string {
	return strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
}

func (h *Handler) projectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid project ID", "project ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", what+" not found")
		return
	}
	h.logger.Error("store operation failed", zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", "Store operation failed", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
