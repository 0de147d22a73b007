package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limitedServer(rl *RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(t *testing.T, h http.Handler, addr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/requests", nil)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	base := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }
	h := limitedServer(rl)

	for i := range 3 {
		if rec := hit(t, h, "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i+1, rec.Code)
		}
	}

	rec := hit(t, h, "10.0.0.1:5000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-burst request: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	clock := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	h := limitedServer(rl)

	if rec := hit(t, h, "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}
	if rec := hit(t, h, "10.0.0.1:5000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("drained bucket: status %d, want 429", rec.Code)
	}

	clock = clock.Add(2 * time.Second)
	if rec := hit(t, h, "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("after refill: status %d, want 200", rec.Code)
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := limitedServer(rl)

	if rec := hit(t, h, "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("first client: status %d", rec.Code)
	}
	if rec := hit(t, h, "10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Errorf("second client throttled by first client's bucket: status %d", rec.Code)
	}
	if rl.TrackedClients() != 2 {
		t.Errorf("tracked clients = %d, want 2", rl.TrackedClients())
	}
}

func TestRateLimiterCleanupEvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	clock := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	h := limitedServer(rl)

	hit(t, h, "10.0.0.1:5000")
	hit(t, h, "10.0.0.2:5000")

	clock = clock.Add(time.Hour)
	rl.cleanup(10 * time.Minute)

	if rl.TrackedClients() != 0 {
		t.Errorf("tracked clients after cleanup = %d, want 0", rl.TrackedClients())
	}
}
