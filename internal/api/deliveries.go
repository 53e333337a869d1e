package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/db"
)

// ListDeliveries handles GET /v1/projects/{projectID}/deliveries with
// status/event_type/subscription_id/created_after/created_before filters.
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	h.listDeliveries(w, r, "")
}

// ListDLQ handles GET /v1/projects/{projectID}/dlq: the deliveries that
// exhausted their retries.
func (h *Handler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	h.listDeliveries(w, r, db.StatusDLQ)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request, forceStatus string) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := db.DeliveryFilter{Status: forceStatus}

	if forceStatus == "" {
		if status := q.Get("status"); status != "" {
			if !db.ValidStatus(status) {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status filter", "unknown status: "+status)
				return
			}
			filter.Status = status
		}
	}

	if et := q.Get("event_type"); et != "" {
		filter.EventType = et
	}
	if subIDStr := q.Get("subscription_id"); subIDStr != "" {
		subID, err := uuid.Parse(subIDStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription_id", "subscription_id must be a valid UUID")
			return
		}
		filter.SubscriptionID = &subID
	}
	if after := q.Get("created_after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_after", "created_after must be RFC 3339")
			return
		}
		filter.CreatedAfter = &t
	}
	if before := q.Get("created_before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_before", "created_before must be RFC 3339")
			return
		}
		filter.CreatedBefore = &t
	}

	limit := 50
	offset := 0
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	deliveries, total, err := h.repo.ListDeliveries(ctx, projectID, filter, limit, offset)
	if err != nil {
		h.logger.Error("failed to list deliveries",
			zap.Error(err),
			zap.String("project_id", projectID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"items":  deliveries,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetDelivery handles GET /v1/projects/{projectID}/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	delivery, err := h.repo.GetDelivery(ctx, projectID, id)
	if err != nil {
		h.writeLookupError(w, err, "delivery")
		return
	}

	h.writeJSON(w, http.StatusOK, delivery)
}

// Redeliver handles POST /v1/projects/{projectID}/deliveries/{id}/redeliver.
// It clones a terminal delivery into a fresh pending one (new ID, attempt
// cycle reset, identical payload) and nudges the worker pool. The original
// record stays untouched.
func (h *Handler) Redeliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	clone, err := h.repo.Redeliver(ctx, projectID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotRedeliverable) {
			h.writeError(w, http.StatusConflict, "not_redeliverable",
				"Delivery cannot be redelivered", "only failed or dlq deliveries can be redelivered")
			return
		}
		h.writeLookupError(w, err, "delivery")
		return
	}

	h.queue.TryEnqueue(clone.ID)

	h.logger.Info("redelivery created",
		zap.String("original_delivery_id", id.String()),
		zap.String("delivery_id", clone.ID.String()),
	)

	h.writeJSON(w, http.StatusCreated, clone)
}

// TestSendRequest configures an ad hoc synchronous webhook attempt.
type TestSendRequest struct {
	URL       string          `json:"url"`
	Secret    string          `json:"secret"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TestSendResponse reports the outcome of a test-send.
type TestSendResponse struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	DeliveryID string `json:"delivery_id"`
}

// TestSend handles POST /v1/projects/{projectID}/webhooks/test-send: a single
// signed attempt against an ad hoc URL and secret, classified synchronously,
// never persisted, never retried.
func (h *Handler) TestSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := h.projectID(w, r); !ok {
		return
	}

	var req TestSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if !validTargetURL(req.URL) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid url", "url must be a valid http(s) URL")
		return
	}
	if req.Secret == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing secret", "secret is required")
		return
	}
	if req.EventType == "" {
		req.EventType = db.EventRunStarted
	}
	if !db.ValidEventType(req.EventType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event type", "unknown event type: "+req.EventType)
		return
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload, _ = json.Marshal(map[string]any{
			"test":       true,
			"event_type": req.EventType,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"message":    "test webhook delivery",
		})
	} else if !json.Valid(payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	probe := &db.Delivery{
		ID:        uuid.New(),
		EventType: req.EventType,
		Payload:   payload,
		URL:       req.URL,
		Secret:    req.Secret,
	}

	result := h.sender.SendOnce(ctx, probe)

	resp := TestSendResponse{
		Success:    result.Success,
		StatusCode: result.StatusCode,
		Message:    result.Message,
		DeliveryID: probe.ID.String(),
	}
	if result.Success {
		resp.Message = "test webhook delivered"
	}

	h.writeJSON(w, http.StatusOK, resp)
}
