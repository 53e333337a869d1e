package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/db"
	"github.com/ntlabs/hookrelay/internal/quota"
	"github.com/ntlabs/hookrelay/internal/redis"
)

func submitEvent(t *testing.T, h *Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.SubmitEvent(rec, req)
	return rec
}

func TestSubmitEvent_Accepted(t *testing.T) {
	deliveries := []*db.Delivery{
		{ID: uuid.New()},
		{ID: uuid.New()},
	}
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockDispatcher{deliveries: deliveries},
		&mockSender{}, &mockQueue{}, &mockQuota{})

	rec := submitEvent(t, h, EventRequest{
		ProjectID: testProjectID,
		Type:      db.EventRunFinished,
		Payload:   json.RawMessage(`{"run_id":"r-1","status":"finished"}`),
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EventResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.DeliveryIDs) != 2 {
		t.Errorf("expected 2 delivery IDs, got %+v", resp)
	}
}

func TestSubmitEvent_NoSubscribersStillAccepted(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockDispatcher{},
		&mockSender{}, &mockQueue{}, &mockQuota{})

	rec := submitEvent(t, h, EventRequest{
		ProjectID: testProjectID,
		Type:      db.EventIssueCreated,
		Payload:   json.RawMessage(`{"issue_id":7}`),
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for no-op dispatch, got %d", rec.Code)
	}

	var resp EventResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("expected 0 deliveries, got %d", resp.Count)
	}
}

func TestSubmitEvent_Validation(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockDispatcher{},
		&mockSender{}, &mockQueue{}, &mockQuota{})

	tests := []struct {
		name string
		body EventRequest
	}{
		{
			name: "invalid project id",
			body: EventRequest{ProjectID: "nope", Type: db.EventRunFinished, Payload: json.RawMessage(`{}`)},
		},
		{
			name: "unknown event type",
			body: EventRequest{ProjectID: testProjectID, Type: "deploy.exploded", Payload: json.RawMessage(`{}`)},
		},
		{
			name: "empty payload",
			body: EventRequest{ProjectID: testProjectID, Type: db.EventRunFinished},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := submitEvent(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSubmitEvent_QuotaExceeded(t *testing.T) {
	dispatchErr := fmt.Errorf("project over cap: %w", quota.ErrDeliveryQuotaExceeded)
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockDispatcher{err: dispatchErr},
		&mockSender{}, &mockQueue{}, &mockQuota{})

	rec := submitEvent(t, h, EventRequest{
		ProjectID: testProjectID,
		Type:      db.EventRunFinished,
		Payload:   json.RawMessage(`{}`),
	})

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
}

func newIdempotencyService(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewFromAddr(context.Background(), mr.Addr(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect to test redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return redis.NewIdempotencyService(client, zap.NewNop())
}

func submitEventWithKey(t *testing.T, h *Handler, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(raw))
	req.Header.Set("Idempotency-Key", key)
	rec := httptest.NewRecorder()
	h.SubmitEvent(rec, req)
	return rec
}

func TestSubmitEvent_IdempotentReplay(t *testing.T) {
	deliveries := []*db.Delivery{{ID: uuid.New()}}
	h := NewHandlerWithIdempotency(zap.NewNop(), NewMockRepository(),
		&mockDispatcher{deliveries: deliveries}, &mockSender{}, &mockQueue{},
		&mockQuota{}, newIdempotencyService(t))

	body := EventRequest{
		ProjectID: testProjectID,
		Type:      db.EventRunFinished,
		Payload:   json.RawMessage(`{"run_id":"r-1"}`),
	}

	first := submitEventWithKey(t, h, body, "evt-key-1")
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submission: expected 202, got %d: %s", first.Code, first.Body.String())
	}

	second := submitEventWithKey(t, h, body, "evt-key-1")
	if second.Code != http.StatusAccepted {
		t.Fatalf("replay: expected 202, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("replay should carry the replayed marker header")
	}

	var firstResp, secondResp EventResponse
	_ = json.NewDecoder(first.Body).Decode(&firstResp)
	_ = json.NewDecoder(second.Body).Decode(&secondResp)
	if len(secondResp.DeliveryIDs) != 1 || secondResp.DeliveryIDs[0] != firstResp.DeliveryIDs[0] {
		t.Errorf("replay returned %+v, want original %+v", secondResp, firstResp)
	}
}

func TestSubmitEvent_QuotaRejectionReleasesIdempotencyKey(t *testing.T) {
	dispatchErr := fmt.Errorf("project over cap: %w", quota.ErrDeliveryQuotaExceeded)
	h := NewHandlerWithIdempotency(zap.NewNop(), NewMockRepository(),
		&mockDispatcher{err: dispatchErr}, &mockSender{}, &mockQueue{},
		&mockQuota{}, newIdempotencyService(t))

	body := EventRequest{
		ProjectID: testProjectID,
		Type:      db.EventRunFinished,
		Payload:   json.RawMessage(`{}`),
	}

	first := submitEventWithKey(t, h, body, "evt-key-2")
	if first.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", first.Code, first.Body.String())
	}

	// The producer retries the same event once the window rolls over. The
	// rejected submission must not leave a reservation behind that turns the
	// retry into a duplicate-request conflict.
	second := submitEventWithKey(t, h, body, "evt-key-2")
	if second.Code == http.StatusConflict {
		t.Fatal("retry after quota rejection was treated as a duplicate request")
	}
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 on retry while still over quota, got %d", second.Code)
	}
}

func TestSubmitEvent_DispatchFailureReleasesIdempotencyKey(t *testing.T) {
	idem := newIdempotencyService(t)
	dispatcher := &mockDispatcher{err: fmt.Errorf("store unavailable")}
	h := NewHandlerWithIdempotency(zap.NewNop(), NewMockRepository(),
		dispatcher, &mockSender{}, &mockQueue{}, &mockQuota{}, idem)

	body := EventRequest{
		ProjectID: testProjectID,
		Type:      db.EventRunFinished,
		Payload:   json.RawMessage(`{}`),
	}

	first := submitEventWithKey(t, h, body, "evt-key-3")
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", first.Code, first.Body.String())
	}

	// Once the store recovers, the retry with the same key goes through.
	dispatcher.err = nil
	dispatcher.deliveries = []*db.Delivery{{ID: uuid.New()}}

	second := submitEventWithKey(t, h, body, "evt-key-3")
	if second.Code != http.StatusAccepted {
		t.Fatalf("retry after recovery: expected 202, got %d: %s", second.Code, second.Body.String())
	}
}
