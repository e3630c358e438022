package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/mealhub/gateway/variables"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestContextConfig configures the request context middleware
type RequestContextConfig struct {
	// Generator generates a new request ID
	Generator func() string
	// TrustHeader reuses an incoming X-Request-ID
	TrustHeader bool
	// Proxies decides which X-Forwarded-For entries are believed
	Proxies variables.ProxyTrust
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestContext attaches a pooled variables.Context carrying the request
// ID and client IP. It must wrap every other gateway middleware.
func RequestContext(cfg RequestContextConfig) Middleware {
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			if cfg.TrustHeader {
				requestID = r.Header.Get(RequestIDHeader)
			}
			if requestID == "" {
				requestID = cfg.Generator()
			}

			r.Header.Set(RequestIDHeader, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			varCtx := variables.AcquireContext(r)
			varCtx.RequestID = requestID
			varCtx.ClientIP = variables.ResolveClientIP(r, cfg.Proxies)

			next.ServeHTTP(w, variables.WithContext(r, varCtx))
			variables.ReleaseContext(varCtx)
		})
	}
}

// GetRequestID extracts the request ID from the request context
func GetRequestID(r *http.Request) string {
	if varCtx, ok := variables.FromRequest(r); ok {
		return varCtx.RequestID
	}
	return r.Header.Get(RequestIDHeader)
}
