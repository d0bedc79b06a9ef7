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

	"github.com/takeout-platform/api/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func newRequest(body, key, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/user/orders/submit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: []string{auth.RoleUser}}))
	}
	return req
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"orderId":1}`))
	})
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newRequest(`{}`, "", "u1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run for every keyless request, got %d", calls)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest(`{"addressBookId":3}`, "abc-123", "u1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest(`{"addressBookId":3}`, "abc-123", "u1"))

	if calls != 1 {
		t.Fatalf("expected a single handler call, got %d", calls)
	}
	if second.Code != http.StatusOK || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replay of %q, got %d %q", first.Body.String(), second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored headers to be replayed")
	}
}

func TestMiddlewareScopesKeysPerUser(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{}`, "shared", "u1"))
	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{}`, "shared", "u2"))

	if calls != 2 {
		t.Fatalf("expected each user to get their own key space, got %d calls", calls)
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{"addressBookId":3}`, "abc", "u1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest(`{"addressBookId":4}`, "abc", "u1"))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_conflict")
	if calls != 1 {
		t.Fatalf("handler should not run for a conflicting key")
	}
}

func TestMiddlewareRejectsConcurrentDuplicate(t *testing.T) {
	store := NewMemoryStore()
	req := newRequest(`{}`, "busy", "u1")
	if _, err := store.Reserve(context.Background(), "busy|u1", fingerprintOf(req, []byte(`{}`), "u1"), fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var calls int
	rr := httptest.NewRecorder()
	Middleware(store, WithClock(fixedClock))(countingHandler(&calls, http.StatusOK)).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareReleasesKeyAfterServerError(t *testing.T) {
	store := NewMemoryStore()
	var calls int
	handler := Middleware(store, WithClock(fixedClock))(countingHandler(&calls, http.StatusServiceUnavailable))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{}`, "retry-me", "u1"))
	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{}`, "retry-me", "u1"))

	if calls != 2 {
		t.Fatalf("expected server errors not to be replayed, got %d calls", calls)
	}
	if store.Len() != 0 {
		t.Fatalf("expected released key, store holds %d", store.Len())
	}
}

func TestMiddlewareIgnoresSafeMethods(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/user/orders", nil)
		req.Header.Set(DefaultHeader, "same")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected GET requests to bypass the store, got %d calls", calls)
	}
}

type failingStore struct{ *MemoryStore }

func (*failingStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{}, errors.New("redis down")
}

func TestMiddlewareStoreFailureIsRetryable(t *testing.T) {
	var logged []string
	logger := func(_ context.Context, event string, _ map[string]any) { logged = append(logged, event) }

	var calls int
	rr := httptest.NewRecorder()
	Middleware(&failingStore{MemoryStore: NewMemoryStore()}, WithLogger(logger))(countingHandler(&calls, http.StatusOK)).ServeHTTP(rr, newRequest(`{}`, "k", "u1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "try_again")
	if calls != 0 {
		t.Fatalf("expected handler to be skipped, got %d calls", calls)
	}
	if len(logged) != 1 || logged[0] != "idempotency.reserve.failed" {
		t.Fatalf("expected reserve failure to be logged, got %v", logged)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if _, err := store.Reserve(ctx, "fresh", "fp", fixedTime.Add(time.Hour), time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(2*time.Minute), 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed with limit, got %d (%v)", removed, err)
	}
	removed, _ = store.CleanupExpired(ctx, fixedTime.Add(2*time.Minute), 0)
	if removed != 1 || store.Len() != 1 {
		t.Fatalf("expected only the fresh record to remain, removed %d, len %d", removed, store.Len())
	}
}

func TestMemoryStoreReservesExpiredKeyAgain(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.SaveResponse(ctx, "k", "fp", Response{Status: http.StatusOK}, fixedTime, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "other", fixedTime.Add(time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected expired record to be replaced, got %v (%v)", res.State, err)
	}
}

func assertErrorCode(t *testing.T, body []byte, want string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["error"] != want {
		t.Fatalf("expected error %q, got %v", want, payload["error"])
	}
}
