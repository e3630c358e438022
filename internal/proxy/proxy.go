package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/errors"
	"github.com/mealhub/gateway/internal/logging"
	"github.com/mealhub/gateway/internal/middleware/bodyparser"
	"github.com/mealhub/gateway/internal/observability"
	"github.com/mealhub/gateway/internal/router"
	"github.com/mealhub/gateway/internal/websocket"
	"github.com/mealhub/gateway/variables"
)

// DefaultTimeout bounds one forwarded request from dial to the last body byte.
const DefaultTimeout = 300 * time.Second

// UserIDHeader carries the authenticated subject to upstream services.
const UserIDHeader = "X-User-Id"

// CodeClientClosedRequest is recorded when the client disconnects first.
const CodeClientClosedRequest = "CLIENT_CLOSED_REQUEST"

// Engine forwards requests to the upstream of a route entry.
type Engine struct {
	pool          *TransportPool
	sink          observability.Sink
	timeout       time.Duration
	flushInterval time.Duration
}

// New creates an engine. A nil sink discards events.
func New(cfg config.ProxyConfig, pool *TransportPool, sink observability.Sink) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if sink == nil {
		sink = observability.Nop()
	}
	return &Engine{
		pool:          pool,
		sink:          sink,
		timeout:       timeout,
		flushInterval: cfg.Transport.FlushInterval,
	}
}

// Timeout returns the per-request ceiling.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Forward sends r to entry's upstream and relays the answer to w.
// Transport failures are answered with a classified error; a client that
// went away gets nothing.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, entry *router.Entry) {
	r, varCtx := variables.Ensure(r)
	varCtx.RouteID = entry.Name
	varCtx.UpstreamAddr = entry.Target.Addr()

	upgrade := entry.WebSocket && websocket.IsUpgradeRequest(r)

	// upgraded connections outlive any request deadline
	ctx := r.Context()
	if !upgrade {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	outReq, err := e.prepare(ctx, r, entry, varCtx, upgrade)
	ev := observability.Event{
		RequestID: varCtx.RequestID,
		Route:     entry.Name,
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	if err != nil {
		e.fail(w, r, varCtx, ev, time.Time{}, errors.ErrInternal.Wrap(err))
		return
	}
	ev.Target = outReq.URL.String()
	ev.BodySize = outReq.ContentLength

	fwd := ev
	fwd.Kind = observability.RequestForwarded
	e.sink.Record(fwd)

	var rt http.RoundTripper = e.pool.Get(entry.Name)
	if upgrade {
		rt = e.pool.Raw(entry.Name)
	}

	start := time.Now()
	resp, err := rt.RoundTrip(outReq)
	varCtx.UpstreamResponseTime = time.Since(start)
	if err != nil {
		e.fail(w, r, varCtx, ev, start, err)
		return
	}
	varCtx.UpstreamStatus = resp.StatusCode

	got := ev
	got.Kind = observability.ResponseReceived
	got.Status = resp.StatusCode
	got.Latency = varCtx.UpstreamResponseTime
	e.sink.Record(got)

	if upgrade && resp.StatusCode == http.StatusSwitchingProtocols {
		if err := websocket.Splice(w, resp); err != nil {
			logging.Warn("WebSocket relay ended with error",
				zap.String("request_id", varCtx.RequestID),
				zap.String("route", entry.Name),
				zap.Error(err),
			)
		}
		return
	}

	if err := e.relay(w, resp); err != nil {
		// headers are gone; all that is left is to cut the connection
		if !IsClientCanceled(r.Context(), err) {
			ev.Kind = observability.ProxyError
			ev.URL = r.URL.RequestURI()
			ev.Status = resp.StatusCode
			ev.Partial = true
			ev.Code = Classify(err).Code
			ev.Latency = time.Since(start)
			ev.Err = err
			e.sink.Record(ev)
		}
		panic(http.ErrAbortHandler)
	}
}

// prepare builds the upstream request: rewritten URL, re-serialized body
// and forwarding headers.
func (e *Engine) prepare(ctx context.Context, r *http.Request, entry *router.Entry, varCtx *variables.Context, upgrade bool) (*http.Request, error) {
	target := &url.URL{
		Scheme:   entry.Target.Scheme,
		Host:     entry.Target.Addr(),
		Path:     router.Rewrite(r.URL.Path, entry.Prefix),
		RawQuery: r.URL.RawQuery,
	}
	if r.URL.RawPath != "" {
		// EscapedPath falls back to Path if this no longer matches
		target.RawPath = router.Rewrite(r.URL.RawPath, entry.Prefix)
	}

	header := make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		header[k] = append([]string(nil), vv...)
	}

	body := r.Body
	contentLength := r.ContentLength
	getBody := r.GetBody

	if parsed, ok := bodyparser.FromRequest(r); ok {
		enc, ok, err := Reserialize(r.Method, parsed)
		if err != nil {
			return nil, err
		}
		if ok {
			data := enc.Data
			body = io.NopCloser(bytes.NewReader(data))
			contentLength = int64(len(data))
			getBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(data)), nil
			}
			if enc.ContentType != "" {
				header.Set("Content-Type", enc.ContentType)
			}
		}
	}
	if contentLength == 0 {
		body = http.NoBody
		getBody = nil
	}
	header.Del("Content-Length")

	upgradeProto := header.Get("Upgrade")
	removeHopHeaders(header)
	if upgrade {
		header.Set("Connection", "Upgrade")
		header.Set("Upgrade", upgradeProto)
	}

	setForwardedHeaders(header, r)

	header.Del(UserIDHeader)
	if sub := varCtx.SubjectID(); sub != "" {
		header.Set(UserIDHeader, sub)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: contentLength,
		GetBody:       getBody,
		Host:          target.Host,
	}).WithContext(ctx)

	return outReq, nil
}

// relay copies the upstream response to the client.
func (e *Engine) relay(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	w.WriteHeader(resp.StatusCode)
	return e.copyBody(w, resp.Body)
}

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// copyBody streams body to w. With a zero flush interval every chunk is
// flushed as soon as it is written.
func (e *Engine) copyBody(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	buf := *bufp

	lastFlush := time.Now()
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if e.flushInterval <= 0 || time.Since(lastFlush) >= e.flushInterval {
				rc.Flush()
				lastFlush = time.Now()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// fail is the classify stage: it records the failure and answers the
// client, unless the client is gone.
func (e *Engine) fail(w http.ResponseWriter, r *http.Request, varCtx *variables.Context, ev observability.Event, start time.Time, err error) {
	ev.Kind = observability.ProxyError
	ev.URL = r.URL.RequestURI()
	ev.Headers = observability.RedactHeaders(r.Header)
	ev.BodySize = requestBodySize(r)
	ev.Err = err
	if !start.IsZero() {
		ev.Latency = time.Since(start)
	}

	if IsClientCanceled(r.Context(), err) {
		ev.Status = StatusClientClosedRequest
		ev.Code = CodeClientClosedRequest
		varCtx.Status = StatusClientClosedRequest
		e.sink.Record(ev)
		return
	}

	ge, ok := errors.As(err)
	if !ok {
		ge = Classify(err)
	}
	ev.Status = ge.Status
	ev.Code = ge.Code
	e.sink.Record(ev)

	ge.WriteJSON(w)
}

func requestBodySize(r *http.Request) int64 {
	if parsed, ok := bodyparser.FromRequest(r); ok {
		return int64(len(parsed.Raw))
	}
	if r.ContentLength > 0 {
		return r.ContentLength
	}
	return 0
}

// setForwardedHeaders appends the peer address to X-Forwarded-For and
// records the original scheme and host unless an outer proxy already did.
func setForwardedHeaders(h http.Header, r *http.Request) {
	if peer, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+peer)
		} else {
			h.Set("X-Forwarded-For", peer)
		}
	}

	if h.Get("X-Forwarded-Proto") == "" {
		if r.TLS != nil {
			h.Set("X-Forwarded-Proto", "https")
		} else {
			h.Set("X-Forwarded-Proto", "http")
		}
	}

	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops hop-by-hop headers, including any named in
// Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
