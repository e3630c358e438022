package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mealhub/gateway/internal/observability"
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0}

// Collector turns proxy events into Prometheus series. It implements
// observability.Sink and owns its registry so tests and multiple gateways
// in one process do not collide.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec   // route, method, status
	upstreamDuration *prometheus.HistogramVec // route
	forwardedTotal   *prometheus.CounterVec   // route
	errorsTotal      *prometheus.CounterVec   // route, code
	rejectionsTotal  *prometheus.CounterVec   // route, reason
	forwardedBytes   *prometheus.CounterVec   // route
	routeInfo        *prometheus.GaugeVec     // route, prefix, target
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the gateway series.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Proxied requests by route, method and final status",
		}, []string{"route", "method", "status"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Time until upstream response headers arrived",
			Buckets: DefaultBuckets,
		}, []string{"route"}),
		forwardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_forwarded_total",
			Help: "Requests sent to an upstream",
		}, []string{"route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_errors_total",
			Help: "Upstream failures by classified code",
		}, []string{"route", "code"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_policy_rejections_total",
			Help: "Requests rejected by auth or rate limit policy",
		}, []string{"route", "reason"}),
		forwardedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_request_body_bytes_total",
			Help: "Request body bytes sent upstream",
		}, []string{"route"}),
		routeInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_route_info",
			Help: "Configured routes; always 1",
		}, []string{"route", "prefix", "target"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.upstreamDuration,
		c.forwardedTotal,
		c.errorsTotal,
		c.rejectionsTotal,
		c.forwardedBytes,
		c.routeInfo,
	)
	return c
}

// Record implements observability.Sink.
func (c *Collector) Record(e observability.Event) {
	route := e.Route
	if route == "" {
		route = "none"
	}

	switch e.Kind {
	case observability.RequestForwarded:
		c.forwardedTotal.WithLabelValues(route).Inc()
		if e.BodySize > 0 {
			c.forwardedBytes.WithLabelValues(route).Add(float64(e.BodySize))
		}
	case observability.ResponseReceived:
		c.RecordRequest(route, e.Method, e.Status, e.Latency)
	case observability.ProxyError:
		c.errorsTotal.WithLabelValues(route, e.Code).Inc()
		// a failure after headers were relayed was already counted
		if !e.Partial {
			c.requestsTotal.WithLabelValues(route, e.Method, strconv.Itoa(e.Status)).Inc()
		}
	case observability.PolicyRejected:
		c.rejectionsTotal.WithLabelValues(route, e.Reason).Inc()
		c.requestsTotal.WithLabelValues(route, e.Method, strconv.Itoa(e.Status)).Inc()
	}
}

// RecordRequest records a completed upstream exchange.
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.upstreamDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetRoute publishes one configured route.
func (c *Collector) SetRoute(name, prefix, target string) {
	c.routeInfo.WithLabelValues(name, prefix, target).Set(1)
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}
