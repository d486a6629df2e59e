package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeClock returns a limiter whose clock is advanced by the returned func.
func fakeClock(l *Limiter) func(time.Duration) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func TestAllow_Burst(t *testing.T) {
	l := NewLimiter(1, 3)
	fakeClock(l)

	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d within burst was rejected", i+1)
		}
	}
	if l.Allow("a") {
		t.Error("request after the burst should be rejected")
	}
}

func TestAllow_Refill(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		burst   int
		used    int
		wait    time.Duration
		allowed int
	}{
		{"two tokens in 200ms at 10/s", 10, 2, 2, 200 * time.Millisecond, 2},
		{"half a token is not enough", 2, 1, 1, 250 * time.Millisecond, 0},
		{"refill is capped at burst", 100, 3, 3, 10 * time.Second, 3},
		{"zero rate never refills", 0, 2, 2, 30 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(tt.rate, tt.burst)
			advance := fakeClock(l)
			for i := 0; i < tt.used; i++ {
				l.Allow("a")
			}
			advance(tt.wait)

			got := 0
			for l.Allow("a") {
				got++
				if got > tt.burst {
					t.Fatal("more tokens than the burst")
				}
			}
			if got != tt.allowed {
				t.Errorf("allowed %d after wait, want %d", got, tt.allowed)
			}
		})
	}
}

func TestAllow_IndependentKeys(t *testing.T) {
	l := NewLimiter(1, 1)
	fakeClock(l)

	l.Allow("a")
	if l.Allow("a") {
		t.Error("a should be exhausted")
	}
	if !l.Allow("b") {
		t.Error("b has its own bucket")
	}
}

func TestAllow_EvictsIdleBuckets(t *testing.T) {
	l := NewLimiter(1, 1)
	advance := fakeClock(l)

	l.Allow("a")
	l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}

	advance(2 * time.Minute)
	l.Allow("c")
	if l.Len() != 1 {
		t.Errorf("Len() = %d after idle period, want 1", l.Len())
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l := NewLimiter(0, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("k") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed %d requests, want exactly the burst of 100", allowed)
	}
}

func TestMiddleware(t *testing.T) {
	l := NewLimiter(0.5, 2)
	fakeClock(l)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	request := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := request("10.0.0.1:5000"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d, want 204", i+1, rec.Code)
		}
	}

	// Another port on the same host shares the bucket.
	rec := request("10.0.0.1:6000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	if rec := request("10.0.0.2:5000"); rec.Code != http.StatusNoContent {
		t.Errorf("other host: status %d, want 204", rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"127.0.0.1:8765", "127.0.0.1"},
		{"[::1]:8765", "::1"},
		{"pipe", "pipe"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := ClientKey(req); got != tt.want {
			t.Errorf("ClientKey(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
