//go:build load

// Load tests are excluded from regular runs.
// Run with: go test -tags load -count=1 -timeout 60s ./internal/middleware/
package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// TestRateLimitSustainedLoad fires 1000 requests from one address at a
// rate=10 burst=10 limiter. The bucket starts with 10 tokens, so nearly
// all requests are rejected.
func TestRateLimitSustainedLoad(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	handler := rl.Handler(okHandler())

	const goroutines = 10
	const reqsPerGoroutine = 100

	var ok, limited atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range reqsPerGoroutine {
				req := httptest.NewRequest(http.MethodGet, "/a2a/agents", http.NoBody)
				req.RemoteAddr = "10.0.0.1:4000"
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				switch rec.Code {
				case http.StatusOK:
					ok.Add(1)
				case http.StatusTooManyRequests:
					limited.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	total := ok.Load() + limited.Load()
	limitedPct := float64(limited.Load()) / float64(total) * 100
	t.Logf("total=%d ok=%d limited=%d (%.1f%% rejected)", total, ok.Load(), limited.Load(), limitedPct)
	if limitedPct < 80 {
		t.Errorf("expected >80%% rate-limited under sustained load, got %.1f%%", limitedPct)
	}
}

// TestRateLimitManyClients checks that clients do not share a bucket.
func TestRateLimitManyClients(t *testing.T) {
	const clients = 500
	rl := NewRateLimiter(1, 1)
	handler := rl.Handler(okHandler())

	var ok atomic.Int64
	var wg sync.WaitGroup
	wg.Add(clients)
	for i := range clients {
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/a2a/agents", http.NoBody)
			req.RemoteAddr = fmt.Sprintf("10.1.%d.%d:4000", i/256, i%256)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code == http.StatusOK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != clients {
		t.Errorf("ok = %d, want %d (one per client)", ok.Load(), clients)
	}
	if rl.Len() != clients {
		t.Errorf("tracked clients = %d, want %d", rl.Len(), clients)
	}
}
