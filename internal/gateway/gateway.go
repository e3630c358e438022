package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/errors"
	"github.com/mealhub/gateway/internal/logging"
	"github.com/mealhub/gateway/internal/metrics"
	"github.com/mealhub/gateway/internal/middleware"
	"github.com/mealhub/gateway/internal/middleware/auth"
	"github.com/mealhub/gateway/internal/middleware/bodyparser"
	"github.com/mealhub/gateway/internal/middleware/compression"
	"github.com/mealhub/gateway/internal/middleware/cors"
	"github.com/mealhub/gateway/internal/middleware/ratelimit"
	"github.com/mealhub/gateway/internal/middleware/securityheaders"
	"github.com/mealhub/gateway/internal/observability"
	"github.com/mealhub/gateway/internal/proxy"
	"github.com/mealhub/gateway/internal/router"
	"github.com/mealhub/gateway/internal/tracing"
	"github.com/mealhub/gateway/variables"
)

// healthBody is the fixed liveness answer.
var healthBody = []byte(`{"status":"success","message":"API Gateway is running"}`)

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	sink   observability.Sink
	store  ratelimit.Store
	lookup config.LookupFunc
}

// WithSink adds a sink next to the built-in log and metrics sinks.
func WithSink(s observability.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithStore replaces the counter store chosen by rate_limit.store. The
// gateway takes ownership and closes it on Close when it is an io.Closer.
func WithStore(s ratelimit.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLookup sets the environment lookup used for service URL overrides.
func WithLookup(l config.LookupFunc) Option {
	return func(o *options) { o.lookup = l }
}

// Gateway is the public request path: fixed endpoints, route dispatch and
// the per-route policy chains in front of the proxy engine.
type Gateway struct {
	config   *config.Config
	table    *router.Table
	resolved []router.Resolved
	pool     *proxy.TransportPool
	engine   *proxy.Engine
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	store    ratelimit.Store
	redis    *redis.Client
	proxies  variables.ProxyTrust
	tracer   *tracing.Tracer
	metrics  *metrics.Collector
	sink     observability.Sink

	routes  map[string]http.Handler
	handler http.Handler
}

// New builds a gateway from cfg. It never dials anything; a Redis store is
// only checked by Ping.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := options{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	if err := compression.Validate(cfg.Compression); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	table, resolved, err := router.BuildTable(cfg, o.lookup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	proxies, err := variables.ParseProxyTrust(cfg.TrustedHops(), cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	g := &Gateway{
		config:   cfg,
		table:    table,
		resolved: resolved,
		proxies:  proxies,
		metrics:  metrics.NewCollector(),
		routes:   make(map[string]http.Handler, table.Len()),
	}

	sinks := []observability.Sink{observability.NewZapSink(logging.Global()), g.metrics}
	if o.sink != nil {
		sinks = append(sinks, o.sink)
	}
	g.sink = observability.Safe(observability.Multi(sinks...), func(v any) {
		logging.Error("Observability sink panicked", zap.Any("panic", v))
	})

	names := make([]string, 0, table.Len())
	for _, e := range table.Entries() {
		names = append(names, e.Name)
		g.metrics.SetRoute(e.Name, e.Prefix, e.Target.URL())
	}
	base := proxy.MergeTransportConfig(proxy.DefaultTransportConfig, cfg.Proxy.Transport)
	g.pool = proxy.NewTransportPool(base, cfg.Proxy.FollowRedirects, cfg.Proxy.MaxRedirects, names...)
	g.engine = proxy.New(cfg.Proxy, g.pool, g.sink)

	if needsAuth(table) {
		g.gate, err = auth.NewGate(cfg.Auth, g.sink)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
	}

	g.tracer, err = tracing.New(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	g.store = o.store
	if g.store == nil {
		g.store, err = g.newStore()
		if err != nil {
			g.Close()
			return nil, err
		}
	}
	g.limiter, err = ratelimit.NewLimiter(cfg.RateLimit, g.store, g.sink)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	entries := table.Entries()
	for i := range entries {
		e, _ := table.Lookup(entries[i].Name)
		g.routes[e.Name] = g.routeHandler(e)
	}
	g.handler = g.buildHandler()

	return g, nil
}

func needsAuth(t *router.Table) bool {
	for _, e := range t.Entries() {
		if e.AuthRequired {
			return true
		}
	}
	return false
}

func (g *Gateway) newStore() (ratelimit.Store, error) {
	switch g.config.RateLimit.Store {
	case "", "memory":
		return ratelimit.NewMemoryStore(), nil
	case "redis":
		rc := g.config.Redis
		g.redis = redis.NewClient(&redis.Options{
			Addr:        rc.Address,
			Password:    rc.Password,
			DB:          rc.DB,
			PoolSize:    rc.PoolSize,
			DialTimeout: rc.DialTimeout,
		})
		return ratelimit.NewRedisStore(g.redis), nil
	}
	return nil, fmt.Errorf("%w: unknown rate_limit store %q", config.ErrInvalidConfig, g.config.RateLimit.Store)
}

// routeHandler derives the policy chain of one entry from its flags.
func (g *Gateway) routeHandler(e *router.Entry) http.Handler {
	forward := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.engine.Forward(w, r, e)
	})

	b := middleware.NewBuilder().Use(bodyparser.Middleware(g.config.Body.MaxBytes))
	if e.AuthRequired {
		b.Use(g.gate.Middleware())
	}
	b.UseIf(e.RateLimitClass != router.RateLimitNone, g.limiter.Middleware(e.RateLimitClass))
	return b.Handler(forward)
}

// buildHandler assembles the global middleware around the public mux.
func (g *Gateway) buildHandler() http.Handler {
	mux := httprouter.New()
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	mux.HandleMethodNotAllowed = false
	mux.HandleOPTIONS = false

	mux.GET("/health", g.handleHealth)
	mux.Handler(http.MethodPost, "/test-health",
		bodyparser.Middleware(g.config.Body.MaxBytes)(http.HandlerFunc(g.handleTestHealth)))
	mux.NotFound = http.HandlerFunc(g.dispatch)

	cfg := g.config
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestContext(middleware.RequestContextConfig{
			TrustHeader: true,
			Proxies:     g.proxies,
		})).
		Use(g.tracer.Middleware()).
		Use(middleware.AccessLog(middleware.AccessLogConfig{})).
		UseIf(cfg.SecurityHeaders.Enabled,
			securityheaders.New(cfg.SecurityHeaders, !cfg.Environment.IsDevelopment()).Middleware()).
		UseIf(cfg.CORS.Enabled, cors.New(cfg.CORS).Middleware()).
		UseIf(cfg.Compression.Enabled, compression.New(cfg.Compression).Middleware()).
		Handler(mux)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Handler returns the public handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// dispatch resolves the route for everything the fixed endpoints do not
// answer.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	entry, ok := g.table.Resolve(r.URL.Path)
	if !ok {
		varCtx := variables.GetFromRequest(r)
		logging.Debug("No route for request",
			zap.String("request_id", varCtx.RequestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		errors.ErrRouteNotFound.WriteJSON(w)
		return
	}

	r, varCtx := variables.Ensure(r)
	varCtx.RouteID = entry.Name
	g.routes[entry.Name].ServeHTTP(w, r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeHealth(w)
}

func (g *Gateway) handleTestHealth(w http.ResponseWriter, r *http.Request) {
	if b, ok := bodyparser.FromRequest(r); ok {
		logging.Debug("Test health body",
			zap.String("kind", b.Kind.String()),
			zap.ByteString("body", b.Raw),
		)
	}
	writeHealth(w)
}

func writeHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(healthBody)
}

// Ping checks the shared counter store. It is a no-op for the memory store.
func (g *Gateway) Ping(ctx context.Context) error {
	if g.redis == nil {
		return nil
	}
	return g.redis.Ping(ctx).Err()
}

// Table returns the route table.
func (g *Gateway) Table() *router.Table {
	return g.table
}

// Resolved returns the route entries with the source of each target.
func (g *Gateway) Resolved() []router.Resolved {
	return g.resolved
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Transports returns the per-service upstream transports.
func (g *Gateway) Transports() *proxy.TransportPool {
	return g.pool
}

// Close releases upstream connections, flushes spans and closes the
// counter store and Redis client.
func (g *Gateway) Close() error {
	g.pool.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.tracer.Close(ctx); err != nil {
		logging.Warn("Tracer shutdown error", zap.Error(err))
	}

	var firstErr error
	if c, ok := g.store.(io.Closer); ok {
		firstErr = c.Close()
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogRoutes prints the route table at startup.
func (g *Gateway) LogRoutes() {
	for _, r := range g.resolved {
		e := r.Entry
		logging.Info("Route configured",
			zap.String("route", e.Name),
			zap.String("prefix", e.Prefix),
			zap.String("target", e.Target.URL()),
			zap.String("source", string(r.Source)),
			zap.Bool("auth", e.AuthRequired),
			zap.String("rate_limit", string(e.RateLimitClass)),
		)
	}
	logging.Info("Route table ready", zap.Int("routes", g.table.Len()),
		zap.String("prefixes", prefixList(g.table)))
}

func prefixList(t *router.Table) string {
	entries := t.Entries()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Prefix)
	}
	return strings.Join(parts, ",")
}
