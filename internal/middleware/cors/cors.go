// Package cors answers preflight requests and decorates responses for
// browser clients on the allow-list.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/middleware"
)

// Handler applies one CORS policy.
type Handler struct {
	enabled          bool
	allowOrigins     map[string]bool
	wildcardSuffixes []string
	allowAllOrigins  bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

// New creates a handler from config.
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{
		enabled:          cfg.Enabled,
		allowOrigins:     make(map[string]bool, len(cfg.AllowOrigins)),
		allowCredentials: cfg.AllowCredentials,
	}

	for _, o := range cfg.AllowOrigins {
		switch {
		case o == "*":
			h.allowAllOrigins = true
		case strings.HasPrefix(o, "*."):
			h.wildcardSuffixes = append(h.wildcardSuffixes, o[1:])
		default:
			h.allowOrigins[strings.TrimSuffix(o, "/")] = true
		}
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "86400"
	}

	return h
}

// IsPreflight reports whether r is a CORS preflight.
func (h *Handler) IsPreflight(r *http.Request) bool {
	return h.enabled && r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes a 204 with the allow headers when the origin is
// permitted, and a bare 204 otherwise.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	hdr := w.Header()
	hdr.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	if !h.isOriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	hdr.Set("Access-Control-Allow-Methods", h.allowMethods)
	hdr.Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	hdr.Set("Access-Control-Max-Age", h.maxAge)
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders decorates a non-preflight response.
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		hdr.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	hdr.Add("Vary", "Origin")
}

// responseOrigin echoes the caller's origin; "*" is only sent when
// credentials are off, since browsers refuse the pair.
func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	if h.allowOrigins[origin] {
		return true
	}
	for _, suffix := range h.wildcardSuffixes {
		if strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

// Middleware answers preflights and decorates everything else.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !h.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.IsPreflight(r) {
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
