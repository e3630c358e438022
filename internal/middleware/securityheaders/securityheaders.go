package securityheaders

import (
	"net/http"
	"sort"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/middleware"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// Headers holds the pre-computed response headers.
type Headers struct {
	enabled bool
	headers []headerPair
}

// New compiles cfg. Strict-Transport-Security is only emitted when
// production is set, so local plain-HTTP setups keep working.
func New(cfg config.SecurityHeadersConfig, production bool) *Headers {
	var pairs []headerPair

	xcto := cfg.XContentTypeOptions
	if xcto == "" {
		xcto = "nosniff"
	}
	pairs = append(pairs, headerPair{"X-Content-Type-Options", xcto})

	if production && cfg.StrictTransportSecurity != "" {
		pairs = append(pairs, headerPair{"Strict-Transport-Security", cfg.StrictTransportSecurity})
	}
	if cfg.ContentSecurityPolicy != "" {
		pairs = append(pairs, headerPair{"Content-Security-Policy", cfg.ContentSecurityPolicy})
	}
	if cfg.XFrameOptions != "" {
		pairs = append(pairs, headerPair{"X-Frame-Options", cfg.XFrameOptions})
	}
	if cfg.XDNSPrefetchControl != "" {
		pairs = append(pairs, headerPair{"X-DNS-Prefetch-Control", cfg.XDNSPrefetchControl})
	}
	if cfg.XDownloadOptions != "" {
		pairs = append(pairs, headerPair{"X-Download-Options", cfg.XDownloadOptions})
	}
	if cfg.ReferrerPolicy != "" {
		pairs = append(pairs, headerPair{"Referrer-Policy", cfg.ReferrerPolicy})
	}
	if cfg.XPermittedCrossDomainPolicies != "" {
		pairs = append(pairs, headerPair{"X-Permitted-Cross-Domain-Policies", cfg.XPermittedCrossDomainPolicies})
	}

	custom := make([]string, 0, len(cfg.CustomHeaders))
	for name := range cfg.CustomHeaders {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	for _, name := range custom {
		pairs = append(pairs, headerPair{name, cfg.CustomHeaders[name]})
	}

	return &Headers{enabled: cfg.Enabled, headers: pairs}
}

// Apply sets all configured headers.
func (c *Headers) Apply(h http.Header) {
	for _, p := range c.headers {
		h.Set(p.Name, p.Value)
	}
}

// Names lists the emitted header names in order.
func (c *Headers) Names() []string {
	names := make([]string, len(c.headers))
	for i, p := range c.headers {
		names[i] = p.Name
	}
	return names
}

// Middleware sets the headers before the handler runs, so upstream
// responses may still override them.
func (c *Headers) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !c.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Apply(w.Header())
			next.ServeHTTP(w, r)
		})
	}
}
