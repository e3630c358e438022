package ratelimit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/observability"
	"github.com/mealhub/gateway/internal/router"
	"github.com/mealhub/gateway/variables"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, store Store, sink observability.Sink) (*Limiter, *fakeClock) {
	t.Helper()
	cfg := config.DefaultConfig().RateLimit
	l, err := NewLimiter(cfg, store, sink)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	// start on a minute boundary so strict windows line up
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.SetClock(clock.Now)
	return l, clock
}

func newMemoryStore(t *testing.T) *MemoryStore {
	m := NewMemoryStore()
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewLimiterRejectsBadClass(t *testing.T) {
	cfg := config.DefaultConfig().RateLimit
	cfg.Strict.Max = 0
	if _, err := NewLimiter(cfg, NewMemoryStore(), nil); err == nil {
		t.Error("expected error for zero max")
	}
	if _, err := NewLimiter(config.DefaultConfig().RateLimit, nil, nil); err == nil {
		t.Error("expected error for nil store")
	}
}

func TestCheckBoundary(t *testing.T) {
	l, clock := newTestLimiter(t, newMemoryStore(t), nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, err := l.Check(ctx, "ip:1.2.3.4", router.RateLimitStrict)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 10-i {
			t.Errorf("request %d remaining = %d, want %d", i, d.Remaining, 10-i)
		}
	}

	d, _ := l.Check(ctx, "ip:1.2.3.4", router.RateLimitStrict)
	if d.Allowed {
		t.Fatal("11th request should be rejected")
	}
	if d.Remaining != 0 || d.Limit != 10 {
		t.Errorf("decision = %+v", d)
	}
	want := clock.Now().Add(time.Minute)
	if !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}

	// still inside the window
	clock.Advance(59 * time.Second)
	if d, _ := l.Check(ctx, "ip:1.2.3.4", router.RateLimitStrict); d.Allowed {
		t.Error("request before window end should be rejected")
	}

	clock.Advance(time.Second)
	d, _ = l.Check(ctx, "ip:1.2.3.4", router.RateLimitStrict)
	if !d.Allowed || d.Remaining != 9 {
		t.Errorf("first request of new window: %+v", d)
	}
}

func TestCheckIsolation(t *testing.T) {
	l, _ := newTestLimiter(t, newMemoryStore(t), nil)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		l.Check(ctx, "ip:a", router.RateLimitStrict)
	}
	if d, _ := l.Check(ctx, "ip:b", router.RateLimitStrict); !d.Allowed {
		t.Error("other identity should not share the counter")
	}
	if d, _ := l.Check(ctx, "ip:a", router.RateLimitAuth); !d.Allowed || d.Limit != 100 {
		t.Errorf("other class should not share the counter: %+v", d)
	}
}

func TestCheckNoneAndUnknown(t *testing.T) {
	l, _ := newTestLimiter(t, newMemoryStore(t), nil)
	d, err := l.Check(context.Background(), "ip:a", router.RateLimitNone)
	if err != nil || !d.Allowed {
		t.Errorf("none class: %+v, %v", d, err)
	}
	d, err = l.Check(context.Background(), "ip:a", router.RateLimitClass("bursty"))
	if err == nil || !d.Allowed {
		t.Errorf("unknown class should error and allow: %+v, %v", d, err)
	}
}

func TestCheckConcurrentNeverExceedsMax(t *testing.T) {
	l, _ := newTestLimiter(t, newMemoryStore(t), nil)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := l.Check(context.Background(), "ip:burst", router.RateLimitStrict); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want exactly 10", allowed.Load())
	}
}

func TestIdentity(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	if got := Identity(req); got != "ip:10.1.1.1" {
		t.Errorf("anonymous identity = %q", got)
	}

	req, c := variables.Ensure(req)
	c.Identity = &variables.Identity{SubjectID: "user-7"}
	if got := Identity(req); got != "sub:user-7" {
		t.Errorf("authenticated identity = %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	var rec observability.Recorder
	l, clock := newTestLimiter(t, newMemoryStore(t), &rec)

	var upstream atomic.Int64
	handler := l.Middleware(router.RateLimitStrict)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/payment/charge", nil)
		req.RemoteAddr = "192.0.2.10:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	clock.Advance(15 * time.Second)
	for i := 0; i < 10; i++ {
		rr := do()
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rr.Code)
		}
		if rr.Header().Get("RateLimit-Limit") != "10" {
			t.Errorf("RateLimit-Limit = %q", rr.Header().Get("RateLimit-Limit"))
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("legacy headers should not be set")
		}
	}

	rr := do()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if upstream.Load() != 10 {
		t.Errorf("upstream saw %d requests, want 10", upstream.Load())
	}
	if got := rr.Header().Get("Retry-After"); got != "45" {
		t.Errorf("Retry-After = %q, want 45", got)
	}
	if got := rr.Header().Get("RateLimit-Remaining"); got != "0" {
		t.Errorf("RateLimit-Remaining = %q", got)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "error" || body["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("body = %v", body)
	}

	events := rec.OfKind(observability.PolicyRejected)
	if len(events) != 1 || events[0].Reason != "rate_limit_strict" || events[0].Status != 429 {
		t.Errorf("events = %+v", events)
	}
}

func TestMiddlewareNonePassesThrough(t *testing.T) {
	l, _ := newTestLimiter(t, newMemoryStore(t), nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := l.Middleware(router.RateLimitNone)(next)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Header().Get("RateLimit-Limit") != "" {
		t.Error("none class should not set headers")
	}
}

type failingStore struct{ calls atomic.Int64 }

func (f *failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	f.calls.Add(1)
	return 0, stderrors.New("connection refused")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	store := &failingStore{}
	l, _ := newTestLimiter(t, store, nil)
	h := l.Middleware(router.RateLimitStrict)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 20; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d, want pass-through", i, rr.Code)
		}
	}
	if store.calls.Load() != 20 {
		t.Errorf("store calls = %d", store.calls.Load())
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := newMemoryStore(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m.now = clock.Now

	for i := int64(1); i <= 3; i++ {
		n, _ := m.Incr(context.Background(), "k", time.Second)
		if n != i {
			t.Fatalf("Incr = %d, want %d", n, i)
		}
	}

	clock.Advance(time.Second)
	if n, _ := m.Incr(context.Background(), "k", time.Second); n != 1 {
		t.Errorf("expired counter should restart, got %d", n)
	}

	for i := 0; i < 5; i++ {
		m.Incr(context.Background(), "other-"+strconv.Itoa(i), time.Second)
	}
	if m.Len() != 6 {
		t.Fatalf("Len = %d, want 6", m.Len())
	}
	clock.Advance(2 * time.Second)
	m.sweep(clock.Now())
	if m.Len() != 0 {
		t.Errorf("sweep left %d counters", m.Len())
	}
}
