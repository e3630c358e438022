// Package compression encodes gateway responses with br, zstd or gzip,
// negotiated from Accept-Encoding.
package compression

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/middleware"
)

// encodingWriter is an io.Writer that can be closed.
type encodingWriter interface {
	io.Writer
	Close() error
}

// optionalFlusher is implemented by writers that support flushing.
type optionalFlusher interface {
	Flush() error
}

// pooledZstdWriter wraps a *zstd.Encoder and returns it to a pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) {
	return pw.enc.Write(p)
}

func (pw *pooledZstdWriter) Flush() error {
	return pw.enc.Flush()
}

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

// defaultAlgoOrder is the server-preferred algorithm order.
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

var defaultContentTypes = []string{
	"text/html", "text/css", "text/plain", "text/javascript",
	"application/javascript", "application/json", "application/xml",
	"text/xml", "image/svg+xml",
}

// Compressor holds the negotiated settings shared by all responses.
type Compressor struct {
	enabled      bool
	level        int
	minSize      int
	contentTypes map[string]bool
	algoOrder    []string
	zstdPool     sync.Pool
}

// New creates a compressor from config.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled:      cfg.Enabled,
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
	}

	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	algos := make(map[string]bool)
	if len(cfg.Algorithms) > 0 {
		for _, a := range cfg.Algorithms {
			algos[a] = true
		}
	} else {
		for _, a := range defaultAlgoOrder {
			algos[a] = true
		}
	}
	for _, a := range defaultAlgoOrder {
		if algos[a] {
			c.algoOrder = append(c.algoOrder, a)
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultContentTypes
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}

	return c
}

// Validate rejects unknown algorithm names.
func Validate(cfg config.CompressionConfig) error {
	for _, a := range cfg.Algorithms {
		switch a {
		case "br", "zstd", "gzip":
		default:
			return fmt.Errorf("compression: unknown algorithm %q", a)
		}
	}
	return nil
}

type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.IndexByte(part, ';'); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: strings.ToLower(enc), quality: q})
	}
	return prefs
}

// NegotiateEncoding picks the best algorithm for r, or "".
// Higher client quality wins; ties go to server order.
func (c *Compressor) NegotiateEncoding(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	ae := r.Header.Get("Accept-Encoding")
	if ae == "" {
		return ""
	}

	clientPrefs := make(map[string]float64)
	wildcardQ := -1.0
	for _, p := range parseAcceptEncoding(ae) {
		if p.encoding == "*" {
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	best, bestQ := "", 0.0
	for _, algo := range c.algoOrder {
		q, ok := clientPrefs[algo]
		if !ok {
			q = wildcardQ
		}
		if q > bestQ {
			best, bestQ = algo, q
		}
	}
	return best
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		level := c.level
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
		gz, _ := gzip.NewWriterLevel(w, level)
		return gz
	}
}

func (c *Compressor) isCompressibleType(contentType string) bool {
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx != -1 {
		ct = ct[:idx]
	}
	return c.contentTypes[strings.TrimSpace(strings.ToLower(ct))]
}

// Middleware compresses eligible responses. Upgrade requests and
// responses the upstream already encoded pass through untouched.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !c.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				return
			}
			algo := c.NegotiateEncoding(r)
			if algo == "" {
				next.ServeHTTP(w, r)
				return
			}
			cw := NewCompressingResponseWriter(w, c, algo)
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}

// CompressingResponseWriter buffers up to minSize bytes before deciding
// whether to encode.
type CompressingResponseWriter struct {
	http.ResponseWriter
	compressor    *Compressor
	algorithm     string
	encWriter     encodingWriter
	headerWritten bool
	statusCode    int
	buf           []byte
	decided       bool
	compressing   bool
	hijacked      bool
}

// NewCompressingResponseWriter creates a new compressing writer.
func NewCompressingResponseWriter(w http.ResponseWriter, c *Compressor, algo string) *CompressingResponseWriter {
	return &CompressingResponseWriter{
		ResponseWriter: w,
		compressor:     c,
		algorithm:      algo,
		statusCode:     http.StatusOK,
	}
}

// eligible reports whether the headers set so far allow encoding.
func (w *CompressingResponseWriter) eligible() bool {
	h := w.ResponseWriter.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	switch w.statusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	if w.statusCode < 200 {
		return false
	}
	ct := h.Get("Content-Type")
	return ct == "" || w.compressor.isCompressibleType(ct)
}

// WriteHeader captures the status; it is sent once the encoding decision
// is made.
func (w *CompressingResponseWriter) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.statusCode = code
	if !w.eligible() {
		w.decided = true
		w.compressing = false
		w.flushBuffer()
	}
}

func (w *CompressingResponseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		if !w.eligible() {
			w.decided = true
			w.flushBuffer()
			return w.ResponseWriter.Write(b)
		}
		w.buf = append(w.buf, b...)
		if len(w.buf) >= w.compressor.minSize {
			w.decided = true
			w.compressing = true
			w.flushBuffer()
		}
		return len(b), nil
	}

	if w.compressing {
		return w.encWriter.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *CompressingResponseWriter) flushBuffer() {
	if !w.headerWritten {
		w.headerWritten = true
		if w.compressing {
			h := w.ResponseWriter.Header()
			h.Del("Content-Length")
			h.Set("Content-Encoding", w.algorithm)
			h.Add("Vary", "Accept-Encoding")
			w.encWriter = w.compressor.newEncodingWriter(w.ResponseWriter, w.algorithm)
		}
		w.ResponseWriter.WriteHeader(w.statusCode)
	}

	if len(w.buf) > 0 {
		if w.compressing {
			w.encWriter.Write(w.buf)
		} else {
			w.ResponseWriter.Write(w.buf)
		}
		w.buf = nil
	}
}

// Close finishes the response; it must run after the handler returns.
func (w *CompressingResponseWriter) Close() {
	if w.hijacked {
		return
	}
	if !w.decided {
		w.decided = true
		w.compressing = false
		w.flushBuffer()
		return
	}
	if w.compressing && w.encWriter != nil {
		w.encWriter.Close()
	}
}

// Flush implements http.Flusher. A flush before the size threshold sends
// whatever is buffered uncompressed unless it already crosses minSize.
func (w *CompressingResponseWriter) Flush() {
	if !w.decided {
		w.decided = true
		w.compressing = w.eligible() && len(w.buf) >= w.compressor.minSize
		w.flushBuffer()
	}
	if w.compressing && w.encWriter != nil {
		if f, ok := w.encWriter.(optionalFlusher); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (w *CompressingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	w.hijacked = true
	return hj.Hijack()
}

// Unwrap returns the underlying ResponseWriter.
func (w *CompressingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
