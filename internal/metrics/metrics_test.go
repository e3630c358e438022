package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mealhub/gateway/internal/observability"
)

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("order", "GET", 200, 100*time.Millisecond)
	c.RecordRequest("order", "GET", 200, 200*time.Millisecond)
	c.RecordRequest("order", "POST", 500, 50*time.Millisecond)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("order", "GET", "200")); got != 2 {
		t.Errorf("GET 200 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("order", "POST", "500")); got != 1 {
		t.Errorf("POST 500 = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.upstreamDuration, "gateway_upstream_duration_seconds"); n != 1 {
		t.Errorf("expected one histogram series, got %d", n)
	}
}

func TestCollectorRecordEvents(t *testing.T) {
	c := NewCollector()
	var sink observability.Sink = c

	sink.Record(observability.Event{Kind: observability.RequestForwarded, Route: "order", Method: "POST", BodySize: 16})
	sink.Record(observability.Event{Kind: observability.ResponseReceived, Route: "order", Method: "POST", Status: 201, Latency: 30 * time.Millisecond})
	sink.Record(observability.Event{Kind: observability.RequestForwarded, Route: "order", Method: "GET"})
	sink.Record(observability.Event{Kind: observability.ProxyError, Route: "order", Method: "GET", Status: 503, Code: "SERVICE_UNAVAILABLE"})
	sink.Record(observability.Event{Kind: observability.PolicyRejected, Route: "order", Method: "GET", Status: 429, Reason: "rate_limit_standard"})
	sink.Record(observability.Event{Kind: observability.PolicyRejected, Route: "payment", Method: "POST", Status: 401, Reason: "auth_missing"})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"forwarded", testutil.ToFloat64(c.forwardedTotal.WithLabelValues("order")), 2},
		{"body bytes", testutil.ToFloat64(c.forwardedBytes.WithLabelValues("order")), 16},
		{"201", testutil.ToFloat64(c.requestsTotal.WithLabelValues("order", "POST", "201")), 1},
		{"503", testutil.ToFloat64(c.requestsTotal.WithLabelValues("order", "GET", "503")), 1},
		{"429", testutil.ToFloat64(c.requestsTotal.WithLabelValues("order", "GET", "429")), 1},
		{"error code", testutil.ToFloat64(c.errorsTotal.WithLabelValues("order", "SERVICE_UNAVAILABLE")), 1},
		{"rate limited", testutil.ToFloat64(c.rejectionsTotal.WithLabelValues("order", "rate_limit_standard")), 1},
		{"auth", testutil.ToFloat64(c.rejectionsTotal.WithLabelValues("payment", "auth_missing")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestCollectorPartialFailureCountedOnce(t *testing.T) {
	c := NewCollector()
	c.Record(observability.Event{Kind: observability.ResponseReceived, Route: "menu", Method: "GET", Status: 200})
	c.Record(observability.Event{Kind: observability.ProxyError, Route: "menu", Method: "GET", Status: 200, Code: "CONNECTION_RESET", Partial: true})

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("menu", "GET", "200")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.errorsTotal.WithLabelValues("menu", "CONNECTION_RESET")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestCollectorUnroutedEvents(t *testing.T) {
	c := NewCollector()
	c.Record(observability.Event{Kind: observability.PolicyRejected, Method: "GET", Status: 404, Reason: "route_not_found"})
	if got := testutil.ToFloat64(c.rejectionsTotal.WithLabelValues("none", "route_not_found")); got != 1 {
		t.Errorf("unrouted = %v", got)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.SetRoute("order", "/api/orders", "http://order:3010")
	c.RecordRequest("order", "GET", 200, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		`gateway_requests_total{method="GET",route="order",status="200"} 1`,
		`gateway_route_info{prefix="/api/orders",route="order",target="http://order:3010"} 1`,
		"gateway_upstream_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestGatewaySeriesLint(t *testing.T) {
	c := NewCollector()
	problems, err := testutil.GatherAndLint(c.Registry(),
		"gateway_requests_total", "gateway_proxy_errors_total", "gateway_policy_rejections_total")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range problems {
		t.Errorf("lint: %s: %s", p.Metric, p.Text)
	}
}
