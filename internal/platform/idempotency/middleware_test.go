package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fernvale/orderflow/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func newPost(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	return req
}

func TestMiddleware_MissingKeyPassesThroughWhenOptional(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newPost(`{"foo":"bar"}`, ""))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run for every keyless request, got %d", calls)
	}
}

func TestMiddleware_MissingKeyRejectedWhenRequired(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithRequired(true))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked when header is missing")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newPost(`{"foo":"bar"}`, ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderNumber":"FV-1"}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newPost(`{"foo":"bar"}`, "abc-123"))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newPost(`{"foo":"bar"}`, "abc-123"))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", rr2.Code)
	}
	if rr2.Header().Get(ReplayHeader) != "true" {
		t.Fatal("expected replay header")
	}
	if rr1.Header().Get(ReplayHeader) != "" {
		t.Fatal("first response must not be marked as a replay")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected body %s, got %s", rr1.Body.String(), rr2.Body.String())
	}
}

func TestMiddleware_KeysAreScopedToCaller(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	guest := newPost(`{"foo":"bar"}`, "shared")
	handler.ServeHTTP(httptest.NewRecorder(), guest)

	user := newPost(`{"foo":"bar"}`, "shared")
	user = user.WithContext(auth.WithIdentity(user.Context(), &auth.Identity{UID: "u-1"}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, user)

	if calls != 2 {
		t.Fatalf("expected separate scopes per caller, got %d handler calls", calls)
	}
	if rr.Header().Get(ReplayHeader) != "" {
		t.Fatal("did not expect a replay across callers")
	}
}

func TestMiddleware_ConflictingFingerprintReturnsConflict(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newPost(`{"foo":"bar"}`, "same-key"))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request success, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newPost(`{"foo":"baz"}`, "same-key"))
	if rr2.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr2.Code)
	}
	assertErrorResponse(t, rr2.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_PendingReservationReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked when reservation pending")
	}))

	req := newPost(`{"foo":"bar"}`, "pending-key")
	body, err := bufferBody(req)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	requester := requesterID(req.Context())
	fingerprint := requestFingerprint(req, body, requester)
	if _, err := store.Reserve(req.Context(), requester+"|pending-key", fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending reservation, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newPost(`{"foo":"bar"}`, "retry-me"))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newPost(`{"foo":"bar"}`, "retry-me"))

	if rr1.Code != http.StatusInternalServerError || rr2.Code != http.StatusCreated {
		t.Fatalf("expected 500 then 201, got %d then %d", rr1.Code, rr2.Code)
	}
	if calls != 2 {
		t.Fatalf("expected the retry to reach the handler, got %d calls", calls)
	}
}

func TestMiddleware_SaveFailureReleasesReservation(t *testing.T) {
	store := &stubStore{failSave: true}
	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newPost(`{"foo":"bar"}`, "fail-key"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected the handler response to pass through, got %d", rr.Code)
	}
	if !store.released {
		t.Fatal("expected reservation to be released on failure")
	}
}

func TestMiddleware_ReserveFailureReturns500(t *testing.T) {
	store := &stubStore{reserveErr: errors.New("store down")}
	handler := Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run when the store fails")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newPost(`{}`, "k"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_store_error")
}

func TestMemoryStore_ExpiredKeysAreReusable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "k", "fp-1", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	later := fixedTime.Add(2 * time.Minute)
	res, err := store.Reserve(ctx, "k", "fp-2", later, time.Minute)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected a fresh reservation, got %v", res.State)
	}

	removed, err := store.CleanupExpired(ctx, later.Add(time.Hour), 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 expired key removed, got %d (%v)", removed, err)
	}
}

func TestStorableHeadersDropsHopByHop(t *testing.T) {
	got := storableHeaders(http.Header{
		"Content-Type":   {"application/json"},
		"Content-Length": {"12"},
		"Connection":     {"close"},
	})
	if len(got) != 1 || got["Content-Type"][0] != "application/json" {
		t.Fatalf("unexpected headers: %v", got)
	}
}

type stubStore struct {
	failSave   bool
	reserveErr error
	released   bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	if s.reserveErr != nil {
		return Reservation{}, s.reserveErr
	}
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
