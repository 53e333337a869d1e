package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/backoff"
	"github.com/ntlabs/hookrelay/internal/db"
	"github.com/ntlabs/hookrelay/internal/signer"
)

// fakeStore hands out a canned delivery on claim and records which transition
// the executor persisted.
type fakeStore struct {
	delivery *db.Delivery
	claimErr error

	delivered      bool
	failed         bool
	retryScheduled bool
	dlq            bool

	grantedLease time.Time
	writtenLease time.Time
	attemptCount int
	lastError    string
	nextRetryAt  time.Time
}

func (f *fakeStore) ClaimDelivery(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*db.Delivery, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	f.grantedLease = leaseUntil
	f.delivery.LeaseExpiresAt = &leaseUntil
	return f.delivery, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int) error {
	f.delivered = true
	f.writtenLease = lease
	f.attemptCount = attemptCount
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string) error {
	f.failed = true
	f.writtenLease = lease
	f.attemptCount = attemptCount
	f.lastError = lastError
	return nil
}

func (f *fakeStore) ScheduleRetry(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string, nextRetryAt time.Time) error {
	f.retryScheduled = true
	f.writtenLease = lease
	f.attemptCount = attemptCount
	f.lastError = lastError
	f.nextRetryAt = nextRetryAt
	return nil
}

func (f *fakeStore) MoveToDLQ(ctx context.Context, id uuid.UUID, lease time.Time, attemptCount int, lastError string) error {
	f.dlq = true
	f.writtenLease = lease
	f.attemptCount = attemptCount
	f.lastError = lastError
	return nil
}

func makeDelivery(url string) *db.Delivery {
	return &db.Delivery{
		ID:              uuid.New(),
		ProjectID:       uuid.New(),
		SubscriptionID:  uuid.New(),
		EventType:       db.EventRunFinished,
		Payload:         json.RawMessage(`{"run_id":"r-1","status":"finished"}`),
		Status:          db.StatusAttempting,
		URL:             url,
		Secret:          "whsec_test_secret",
		Headers:         map[string]string{"X-Custom": "custom-value"},
		RetriesMax:      3,
		BackoffStrategy: backoff.StrategyExponential,
	}
}

func newTestExecutor(store Store) *Executor {
	return NewExecutor(store, Config{
		AttemptTimeout: 5 * time.Second,
		BackoffBase:    2 * time.Second,
		BackoffCap:     300 * time.Second,
	}, zap.NewNop())
}

func TestAttempt_Success(t *testing.T) {
	var gotSig, gotTS, gotEvent, gotDeliveryID, gotCustom string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvent = r.Header.Get(HeaderEvent)
		gotDeliveryID = r.Header.Get(HeaderDeliveryID)
		gotCustom = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{delivery: makeDelivery(srv.URL)}
	exec := newTestExecutor(store)

	exec.Attempt(context.Background(), store.delivery.ID)

	if !store.delivered {
		t.Fatal("expected delivery to be marked delivered")
	}
	if store.attemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", store.attemptCount)
	}
	if !store.writtenLease.Equal(store.grantedLease) {
		t.Errorf("transition carried lease %v, claim granted %v", store.writtenLease, store.grantedLease)
	}

	// The receiver must be able to verify the signature from the headers.
	ts, err := strconv.ParseInt(gotTS, 10, 64)
	if err != nil {
		t.Fatalf("invalid timestamp header %q: %v", gotTS, err)
	}
	if !signer.Verify(gotSig, store.delivery.Secret, ts, gotBody) {
		t.Error("signature did not verify against the received body")
	}
	if gotEvent != db.EventRunFinished {
		t.Errorf("event header = %q", gotEvent)
	}
	if gotDeliveryID != store.delivery.ID.String() {
		t.Errorf("delivery ID header = %q", gotDeliveryID)
	}
	if gotCustom != "custom-value" {
		t.Errorf("custom header = %q", gotCustom)
	}
}

func TestAttempt_PermanentFailureOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer srv.Close()

	store := &fakeStore{delivery: makeDelivery(srv.URL)}
	exec := newTestExecutor(store)

	exec.Attempt(context.Background(), store.delivery.ID)

	if !store.failed {
		t.Fatal("expected 404 to mark the delivery failed")
	}
	if store.retryScheduled || store.dlq {
		t.Error("4xx must not be retried")
	}
	if store.attemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", store.attemptCount)
	}
}

func TestAttempt_429IsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := &fakeStore{delivery: makeDelivery(srv.URL)}
	exec := newTestExecutor(store)

	exec.Attempt(context.Background(), store.delivery.ID)

	if store.failed {
		t.Error("429 must not be a permanent failure")
	}
	if !store.retryScheduled {
		t.Fatal("expected 429 to schedule a retry")
	}
}

func TestAttempt_5xxSchedulesExponentialRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Second failed attempt: exponential with base 2s gives a 4s delay.
	d := makeDelivery(srv.URL)
	d.AttemptCount = 1
	store := &fakeStore{delivery: d}
	exec := newTestExecutor(store)

	before := time.Now()
	exec.Attempt(context.Background(), d.ID)

	if !store.retryScheduled {
		t.Fatal("expected retry to be scheduled")
	}
	if store.attemptCount != 2 {
		t.Errorf("expected attempt count 2, got %d", store.attemptCount)
	}

	delay := store.nextRetryAt.Sub(before)
	if delay < 4*time.Second || delay > 5*time.Second {
		t.Errorf("expected ~4s delay for second attempt, got %v", delay)
	}
}

func TestAttempt_ExhaustedRetriesGoToDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	// retries_max=3 allows 4 attempts total; this is the fourth failure.
	d := makeDelivery(srv.URL)
	d.AttemptCount = 3
	store := &fakeStore{delivery: d}
	exec := newTestExecutor(store)

	exec.Attempt(context.Background(), d.ID)

	if !store.dlq {
		t.Fatal("expected delivery to move to the DLQ")
	}
	if store.retryScheduled {
		t.Error("exhausted delivery must not be rescheduled")
	}
	if store.attemptCount != 4 {
		t.Errorf("expected attempt count 4, got %d", store.attemptCount)
	}
	if store.lastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestAttempt_FullRetryCycleEndsInDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// retries_max=3 with exponential base 2s: retries after 2s, 4s, 8s, then
	// the fourth failed attempt parks the delivery in the DLQ.
	d := makeDelivery(srv.URL)
	store := &fakeStore{delivery: d}
	exec := newTestExecutor(store)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		store.retryScheduled = false
		before := time.Now()

		exec.Attempt(context.Background(), d.ID)

		if !store.retryScheduled {
			t.Fatalf("attempt %d: expected a retry to be scheduled", i+1)
		}
		if store.attemptCount != i+1 {
			t.Fatalf("attempt %d: expected attempt count %d, got %d", i+1, i+1, store.attemptCount)
		}
		delay := store.nextRetryAt.Sub(before)
		if delay < want || delay > want+time.Second {
			t.Errorf("attempt %d: expected ~%v delay, got %v", i+1, want, delay)
		}

		// The store would hand back the updated row on the next claim.
		d.AttemptCount = store.attemptCount
	}

	exec.Attempt(context.Background(), d.ID)

	if !store.dlq {
		t.Fatal("expected the fourth failure to move the delivery to the DLQ")
	}
	if store.attemptCount != 4 {
		t.Errorf("expected final attempt count 4, got %d", store.attemptCount)
	}
}

func TestAttempt_NetworkErrorIsRetryable(t *testing.T) {
	// A closed server gives connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	store := &fakeStore{delivery: makeDelivery(url)}
	exec := newTestExecutor(store)

	exec.Attempt(context.Background(), store.delivery.ID)

	if store.failed {
		t.Error("network error must not be a permanent failure")
	}
	if !store.retryScheduled {
		t.Fatal("expected network error to schedule a retry")
	}
}

func TestAttempt_LostClaimAborts(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	store := &fakeStore{delivery: makeDelivery(srv.URL), claimErr: db.ErrNotClaimable}
	exec := newTestExecutor(store)

	exec.Attempt(context.Background(), store.delivery.ID)

	if called {
		t.Error("no HTTP request should be made when the claim is lost")
	}
	if store.delivered || store.failed || store.retryScheduled || store.dlq {
		t.Error("no transition should be persisted when the claim is lost")
	}
}

func TestSendOnce_DoesNotTouchStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &fakeStore{}
	exec := newTestExecutor(store)

	result := exec.SendOnce(context.Background(), makeDelivery(srv.URL))

	if !result.Success {
		t.Errorf("expected success, got %+v", result)
	}
	if result.StatusCode != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", result.StatusCode)
	}
	if store.delivered || store.failed || store.retryScheduled || store.dlq {
		t.Error("SendOnce must not persist anything")
	}
}
