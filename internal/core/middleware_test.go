package core

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limiterRequest(srv http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterEnforcesLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	srv := rl.Limit(okHandler())

	for i := 0; i < 2; i++ {
		if rec := limiterRequest(srv, "203.0.113.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if rec := limiterRequest(srv, "203.0.113.1:1000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", rec.Code)
	}

	// Other clients are unaffected.
	if rec := limiterRequest(srv, "203.0.113.2:1000"); rec.Code != http.StatusOK {
		t.Fatalf("independent client status = %d", rec.Code)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(5, 20*time.Millisecond)
	srv := rl.Limit(okHandler())

	for i := 0; i < 50; i++ {
		limiterRequest(srv, fmt.Sprintf("198.51.100.%d:1000", i))
	}
	rl.mu.Lock()
	before := len(rl.requests)
	rl.mu.Unlock()
	if before != 50 {
		t.Fatalf("tracked clients = %d, want 50", before)
	}

	// Once the window has passed, the next request sweeps the idle
	// entries instead of letting them pile up forever.
	time.Sleep(40 * time.Millisecond)
	limiterRequest(srv, "203.0.113.9:1000")

	rl.mu.Lock()
	after := len(rl.requests)
	rl.mu.Unlock()
	if after != 1 {
		t.Fatalf("tracked clients after sweep = %d, want 1", after)
	}
}
