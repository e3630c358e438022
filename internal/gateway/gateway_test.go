package gateway

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/middleware/ratelimit"
	"github.com/mealhub/gateway/internal/observability"
)

const testSecret = "gateway-test-secret"

type seenRequest struct {
	Method        string
	Path          string
	Query         string
	Header        http.Header
	Body          string
	ContentLength int64
}

type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	seen []seenRequest
	hits atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.seen = append(u.seen, seenRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Header:        r.Header.Clone(),
			Body:          string(body),
			ContentLength: r.ContentLength,
		})
		u.mu.Unlock()
		u.hits.Add(1)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) last(t *testing.T) seenRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.seen) == 0 {
		t.Fatal("upstream saw no request")
	}
	return u.seen[len(u.seen)-1]
}

func noEnv(string) (string, bool) { return "", false }

func testConfig(upstreamURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.Secret = testSecret
	cfg.Services = []config.ServiceConfig{
		{Name: "auth", Prefix: "/api/auth", URL: upstreamURL, RateLimit: config.RateLimitNone},
		{Name: "user", Prefix: "/api/users", URL: upstreamURL, RateLimit: config.RateLimitStrict},
		{Name: "order", Prefix: "/api/orders", URL: upstreamURL, Auth: true, RateLimit: config.RateLimitStandard},
	}
	cfg.RateLimit.Strict = config.WindowConfig{Window: time.Minute, Max: 2}
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, append([]Option{WithLookup(noEnv)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func bearer(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + s
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestGatewayOrdersEndToEnd(t *testing.T) {
	up := newUpstream(t)
	rec := &observability.Recorder{}
	gw := newTestGateway(t, testConfig(up.URL), WithSink(rec))

	payload := `{"qty":2,"item":"pizza"}`
	req := httptest.NewRequest("POST", "/api/orders/123?expand=items", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, jwt.MapClaims{
		"id":  "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	req.Header.Set("X-User-Id", "spoofed")
	rr := httptest.NewRecorder()

	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID on response")
	}
	if rr.Header().Get("RateLimit-Limit") != "1000" {
		t.Errorf("RateLimit-Limit = %q", rr.Header().Get("RateLimit-Limit"))
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}

	got := up.last(t)
	if got.Method != "POST" || got.Path != "/123" || got.Query != "expand=items" {
		t.Errorf("upstream saw %s %s?%s", got.Method, got.Path, got.Query)
	}
	want := `{"item":"pizza","qty":2}`
	if got.Body != want {
		t.Errorf("upstream body = %q, want %q", got.Body, want)
	}
	if got.ContentLength != int64(len(want)) {
		t.Errorf("upstream Content-Length = %d, want %d", got.ContentLength, len(want))
	}
	if got.Header.Get("X-User-Id") != "user-42" {
		t.Errorf("X-User-Id = %q", got.Header.Get("X-User-Id"))
	}
	if got.Header.Get("X-Request-ID") != rr.Header().Get("X-Request-ID") {
		t.Error("request ID not propagated upstream")
	}
	if got.Header.Get("X-Forwarded-For") != "192.0.2.1" {
		t.Errorf("X-Forwarded-For = %q", got.Header.Get("X-Forwarded-For"))
	}

	if n := len(rec.OfKind(observability.RequestForwarded)); n != 1 {
		t.Errorf("forwarded events = %d", n)
	}
	resp := rec.OfKind(observability.ResponseReceived)
	if len(resp) != 1 || resp[0].Route != "order" || resp[0].Status != http.StatusCreated {
		t.Errorf("response events = %+v", resp)
	}

	n, err := testutil.GatherAndCount(gw.Metrics().Registry(), "gateway_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("gateway_requests_total series = %d", n)
	}
}

func TestGatewayHealthBypass(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.URL)
	// a neighbouring prefix must not shadow the fixed endpoint
	cfg.Services = append(cfg.Services, config.ServiceConfig{
		Name: "catchall", Prefix: "/health-data", URL: up.URL, Auth: true, RateLimit: config.RateLimitStrict,
	})
	gw := newTestGateway(t, cfg)

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		if rr.Body.String() != `{"status":"success","message":"API Gateway is running"}` {
			t.Fatalf("body = %q", rr.Body.String())
		}
		if rr.Header().Get("RateLimit-Limit") != "" {
			t.Fatal("health must not be rate limited")
		}
	}
	if up.hits.Load() != 0 {
		t.Errorf("upstream hits = %d", up.hits.Load())
	}
}

func TestGatewayTestHealth(t *testing.T) {
	gw := newTestGateway(t, testConfig("http://127.0.0.1:1"))

	req := httptest.NewRequest("POST", "/test-health", strings.NewReader(`{"ping":1}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"success"`) {
		t.Errorf("body = %q", rr.Body.String())
	}

	bad := httptest.NewRequest("POST", "/test-health", strings.NewReader(`{"ping":`))
	bad.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	gw.ServeHTTP(rr, bad)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rr.Code)
	}
}

func TestGatewayRouteNotFound(t *testing.T) {
	up := newUpstream(t)
	gw := newTestGateway(t, testConfig(up.URL))

	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/api/unknown"},
		{"GET", "/api/ordersx"},
		{"GET", "/"},
		{"POST", "/health"},
		{"GET", "/test-health"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			gw.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
			if rr.Code != http.StatusNotFound {
				t.Fatalf("status = %d", rr.Code)
			}
			if code := decodeError(t, rr)["code"]; code != "ROUTE_NOT_FOUND" {
				t.Errorf("code = %s", code)
			}
		})
	}
	if up.hits.Load() != 0 {
		t.Errorf("upstream hits = %d", up.hits.Load())
	}
}

func TestGatewayAuthRequired(t *testing.T) {
	up := newUpstream(t)
	rec := &observability.Recorder{}
	gw := newTestGateway(t, testConfig(up.URL), WithSink(rec))

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_CREDENTIAL"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "MISSING_CREDENTIAL"},
		{"garbage", "Bearer not-a-jwt", "INVALID_CREDENTIAL"},
		{"expired", bearer(t, jwt.MapClaims{"id": "u1", "exp": time.Now().Add(-time.Minute).Unix()}), "INVALID_CREDENTIAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			gw.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rr.Code)
			}
			if code := decodeError(t, rr)["code"]; code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}

	if up.hits.Load() != 0 {
		t.Errorf("upstream hits = %d", up.hits.Load())
	}
	rejected := rec.OfKind(observability.PolicyRejected)
	if len(rejected) != len(tests) {
		t.Fatalf("rejections = %d", len(rejected))
	}
	if rejected[0].Route != "order" {
		t.Errorf("route = %q", rejected[0].Route)
	}

	// public routes never look at credentials
	req := httptest.NewRequest("GET", "/api/auth/login", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Errorf("public route status = %d", rr.Code)
	}
}

func TestGatewayRateLimit(t *testing.T) {
	up := newUpstream(t)
	gw := newTestGateway(t, testConfig(up.URL))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/users/me", nil)
		req.RemoteAddr = ip + ":5555"
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := send("198.51.100.7"); rr.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d", i+1, rr.Code)
		}
	}
	rr := send("198.51.100.7")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d", rr.Code)
	}
	if code := decodeError(t, rr)["code"]; code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %s", code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// another client has its own window
	if rr := send("198.51.100.8"); rr.Code != http.StatusCreated {
		t.Errorf("other client status = %d", rr.Code)
	}
	if up.hits.Load() != 3 {
		t.Errorf("upstream hits = %d", up.hits.Load())
	}
}

func TestGatewayRateLimitIgnoresClientForwardedFor(t *testing.T) {
	up := newUpstream(t)
	gw := newTestGateway(t, testConfig(up.URL))

	send := func(peer, xff string) int {
		req := httptest.NewRequest("GET", "/api/users/me", nil)
		req.RemoteAddr = peer
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		gw.ServeHTTP(rr, req)
		return rr.Code
	}

	// a direct client rotating its own header shares one window
	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		codes = append(codes, send("192.0.2.50:5555", fmt.Sprintf("10.9.9.%d", i)))
	}
	want := []int{201, 201, 429, 429, 429, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("direct client codes = %v, want %v", codes, want)
		}
	}
	if up.hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", up.hits.Load())
	}

	// behind a trusted proxy only the entry it appended counts
	for i := 0; i < 2; i++ {
		if code := send("10.0.0.3:40000", fmt.Sprintf("10.8.8.%d, 203.0.113.77", i)); code != http.StatusCreated {
			t.Fatalf("proxied request %d status = %d", i+1, code)
		}
	}
	if code := send("10.0.0.3:40000", "10.8.8.9, 203.0.113.77"); code != http.StatusTooManyRequests {
		t.Errorf("rotated leftmost entry got a fresh window: status = %d", code)
	}
	if code := send("10.0.0.3:40000", "203.0.113.78"); code != http.StatusCreated {
		t.Errorf("distinct client behind the proxy status = %d", code)
	}
}

type closingStore struct {
	ratelimit.Store
	closed int
}

func (s *closingStore) Close() error {
	s.closed++
	return nil
}

func TestGatewayCloseReleasesStore(t *testing.T) {
	store := &closingStore{Store: ratelimit.NewMemoryStore()}
	defer store.Store.(*ratelimit.MemoryStore).Close()

	gw, err := New(testConfig("http://127.0.0.1:1"), WithLookup(noEnv), WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if store.closed != 1 {
		t.Errorf("store closed %d times, want 1", store.closed)
	}
}

func TestGatewayDefaultStoreIsClosable(t *testing.T) {
	gw := newTestGateway(t, testConfig("http://127.0.0.1:1"))
	if _, ok := gw.store.(io.Closer); !ok {
		t.Fatalf("default store %T cannot be closed", gw.store)
	}
}

func TestGatewayPreflight(t *testing.T) {
	up := newUpstream(t)
	gw := newTestGateway(t, testConfig(up.URL))

	req := httptest.NewRequest("OPTIONS", "/api/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
	if up.hits.Load() != 0 {
		t.Error("preflight reached the upstream")
	}
}

func TestGatewayUpstreamDown(t *testing.T) {
	gw := newTestGateway(t, testConfig("http://127.0.0.1:1"))

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/api/auth/login", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if code := decodeError(t, rr)["code"]; code != "SERVICE_UNAVAILABLE" {
		t.Errorf("code = %s", code)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad prefix", func(c *config.Config) { c.Services[0].Prefix = "api" }},
		{"bad class", func(c *config.Config) { c.Services[0].RateLimit = "burst" }},
		{"no secret", func(c *config.Config) { c.Auth.Secret = "" }},
		{"bad compression", func(c *config.Config) { c.Compression.Algorithms = []string{"lz4"} }},
		{"bad store", func(c *config.Config) { c.RateLimit.Store = "etcd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			tt.mutate(cfg)
			_, err := New(cfg, WithLookup(noEnv))
			if !stderrors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewServiceOverride(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig("http://127.0.0.1:1")
	gw := newTestGateway(t, cfg, WithLookup(func(key string) (string, bool) {
		if key == "AUTH_SERVICE_URL" {
			return up.URL, true
		}
		return "", false
	}))

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest("GET", "/api/auth", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := up.last(t).Path; got != "/" {
		t.Errorf("exact prefix rewrote to %q", got)
	}

	routes := Routes(gw.Resolved())
	if routes[0].Name != "auth" || routes[0].Source != "env-override" {
		t.Errorf("routes[0] = %+v", routes[0])
	}
}
