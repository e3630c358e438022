package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mealhub/gateway/internal/logging"
	"github.com/mealhub/gateway/variables"
	"go.uber.org/zap"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// AccessLog writes one structured entry per request after it completes.
func AccessLog(cfg AccessLogConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.hijacked = false
			lrw.wroteHeader = false

			next.ServeHTTP(lrw, r)

			duration := time.Since(start)
			varCtx := variables.GetFromRequest(r)
			if !lrw.wroteHeader && varCtx.Status != 0 {
				// nothing was sent; keep the status the handler recorded
				lrw.status = varCtx.Status
			}
			varCtx.Status = lrw.status
			varCtx.BodyBytesSent = lrw.bytes

			var fields [14]zap.Field
			n := 0
			fields[n] = zap.String("request_id", varCtx.RequestID); n++
			fields[n] = zap.String("remote_addr", variables.ExtractClientIP(r)); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("path", r.URL.Path); n++
			fields[n] = zap.Int("status", lrw.status); n++
			fields[n] = zap.Int64("body_bytes", lrw.bytes); n++
			fields[n] = zap.Duration("response_time", duration); n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery); n++
			}
			if varCtx.RouteID != "" {
				fields[n] = zap.String("route_id", varCtx.RouteID); n++
			}
			if varCtx.UpstreamAddr != "" {
				fields[n] = zap.String("upstream_addr", varCtx.UpstreamAddr); n++
				fields[n] = zap.Duration("upstream_response_time", varCtx.UpstreamResponseTime); n++
			}
			if sub := varCtx.SubjectID(); sub != "" {
				fields[n] = zap.String("subject", sub); n++
			}
			if lrw.hijacked {
				fields[n] = zap.Bool("upgraded", true); n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}

			logging.Info("HTTP request", fields[:n]...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
	hijacked    bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader {
		lrw.status = status
		lrw.wroteHeader = status >= 200 || status == http.StatusSwitchingProtocols
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		lrw.hijacked = true
		lrw.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
