package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/db"
	"github.com/ntlabs/hookrelay/internal/metrics"
	"github.com/ntlabs/hookrelay/internal/quota"
	"github.com/ntlabs/hookrelay/internal/redis"
)

// EventRequest is the producer's "something happened" signal.
type EventRequest struct {
	ProjectID string          `json:"project_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// EventResponse lists the deliveries fanned out for an accepted event.
type EventResponse struct {
	DeliveryIDs []string `json:"delivery_ids"`
	Count       int      `json:"count"`
}

// SubmitEvent handles POST /v1/events. Supports deduplication via the
// Idempotency-Key header; a replay returns the original dispatch result.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid project_id", "project_id must be a valid UUID")
		return
	}
	if !db.ValidEventType(req.Type) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event type", "unknown event type: "+req.Type)
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.ProjectID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Event is already being processed",
					"Another submission with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, EventResponse{
				DeliveryIDs: cached.DeliveryIDs,
				Count:       len(cached.DeliveryIDs),
			})
			return
		} else {
			reserved = true
		}
	}

	deliveries, err := h.dispatcher.Dispatch(ctx, db.Event{
		ProjectID: projectID,
		Type:      req.Type,
		Payload:   req.Payload,
	})
	if err != nil {
		if errors.Is(err, quota.ErrDeliveryQuotaExceeded) {
			// The producer decides whether to drop, log, or alert. Deliveries
			// already queued are unaffected.
			h.releaseReservation(ctx, reserved, req.ProjectID, idempotencyKey)
			h.writeError(w, http.StatusTooManyRequests, "quota_exceeded",
				"Hourly delivery quota exceeded", err.Error())
			return
		}
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("project_id", req.ProjectID),
			zap.String("event_type", req.Type),
		)
		if len(deliveries) == 0 {
			h.releaseReservation(ctx, reserved, req.ProjectID, idempotencyKey)
			h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch event", "")
			return
		}
		// Partial fan-out: the created deliveries are already in flight.
	}

	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID.String())
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			DeliveryIDs: ids,
			StatusCode:  http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, req.ProjectID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusAccepted, EventResponse{
		DeliveryIDs: ids,
		Count:       len(ids),
	})
}

// releaseReservation frees an idempotency reservation after a dispatch that
// produced nothing, so a retry with the same key is not rejected as a
// duplicate for the rest of the processing window.
func (h *Handler) releaseReservation(ctx context.Context, reserved bool, projectID, idempotencyKey string) {
	if !reserved {
		return
	}
	if err := h.idempotency.Release(ctx, projectID, idempotencyKey); err != nil {
		h.logger.Warn("failed to release idempotency reservation",
			zap.Error(err),
			zap.String("idempotency_key", idempotencyKey),
		)
	}
}
