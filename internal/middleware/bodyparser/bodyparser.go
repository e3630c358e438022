// Package bodyparser reads JSON and urlencoded request bodies into memory
// so later stages can inspect and re-encode them. Other content types are
// left on the wire untouched.
package bodyparser

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mealhub/gateway/internal/errors"
	"github.com/mealhub/gateway/internal/logging"
	"github.com/mealhub/gateway/internal/middleware"
	"github.com/mealhub/gateway/variables"
	"go.uber.org/zap"
)

// Kind is the parsed representation of a body.
type Kind int

const (
	KindJSON Kind = iota + 1
	KindForm
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindForm:
		return "form"
	}
	return "raw"
}

// Body is a request body held in memory. Raw is exactly what the client
// sent; Value or Form holds the parsed form.
type Body struct {
	Kind  Kind
	Raw   []byte
	Value interface{} // JSON, numbers as json.Number
	Form  url.Values
}

// IsEmpty reports whether the parsed body carries no fields. Scalars and
// empty objects, arrays, or forms count as empty.
func (b *Body) IsEmpty() bool {
	if b == nil {
		return true
	}
	switch b.Kind {
	case KindJSON:
		switch v := b.Value.(type) {
		case map[string]interface{}:
			return len(v) == 0
		case []interface{}:
			return len(v) == 0
		}
		return true
	case KindForm:
		return len(b.Form) == 0
	}
	return true
}

// Keys returns the top-level field names, for debug logging.
func (b *Body) Keys() []string {
	if b == nil {
		return nil
	}
	var keys []string
	switch b.Kind {
	case KindJSON:
		if m, ok := b.Value.(map[string]interface{}); ok {
			for k := range m {
				keys = append(keys, k)
			}
		}
	case KindForm:
		for k := range b.Form {
			keys = append(keys, k)
		}
	}
	return keys
}

// KindOf maps a Content-Type header to the kind this package parses, or 0.
func KindOf(contentType string) Kind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/json"):
		return KindJSON
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		return KindForm
	}
	return 0
}

// Parse reads and decodes r's body when its type is JSON or urlencoded.
// It returns nil for other types and leaves r.Body untouched. When a body
// is read, r.Body is replaced with a replayable copy of the raw bytes.
func Parse(r *http.Request, limit int64) (*Body, error) {
	kind := KindOf(r.Header.Get("Content-Type"))
	if kind == 0 || r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if limit > 0 && r.ContentLength > limit {
		return nil, errors.ErrPayloadTooLarge
	}

	src := io.Reader(r.Body)
	if limit > 0 {
		src = io.LimitReader(r.Body, limit+1)
	}
	raw, err := io.ReadAll(src)
	r.Body.Close()
	if err != nil {
		return nil, errors.ErrInvalidBody.Wrap(err)
	}
	if limit > 0 && int64(len(raw)) > limit {
		return nil, errors.ErrPayloadTooLarge
	}

	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.ContentLength = int64(len(raw))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}

	b := &Body{Kind: kind, Raw: raw}
	if len(bytes.TrimSpace(raw)) == 0 {
		return b, nil
	}

	switch kind {
	case KindJSON:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&b.Value); err != nil {
			return nil, errors.ErrInvalidBody.Wrap(err)
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, errors.ErrInvalidBody
		}
	case KindForm:
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, errors.ErrInvalidBody.Wrap(err)
		}
		b.Form = form
	}
	return b, nil
}

type ctxKey struct{}

// WithBody attaches b to r.
func WithBody(r *http.Request, b *Body) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, b))
}

// FromRequest returns the parsed body, if any.
func FromRequest(r *http.Request) (*Body, bool) {
	b, ok := r.Context().Value(ctxKey{}).(*Body)
	return b, ok && b != nil
}

// Middleware parses eligible bodies up to limit bytes. Oversized bodies get
// 413 and malformed ones 400.
func Middleware(limit int64) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, err := Parse(r, limit)
			if err != nil {
				ge, ok := errors.As(err)
				if !ok {
					ge = errors.ErrInvalidBody
				}
				logging.Warn("Request body rejected",
					zap.String("request_id", requestID(r)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("code", ge.Code),
					zap.Error(err),
				)
				ge.WriteJSON(w)
				return
			}
			if b == nil {
				next.ServeHTTP(w, r)
				return
			}

			logging.Debug("Request body parsed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("kind", b.Kind.String()),
				zap.Int("bytes", len(b.Raw)),
				zap.Strings("keys", b.Keys()),
			)
			next.ServeHTTP(w, WithBody(r, b))
		})
	}
}

func requestID(r *http.Request) string {
	if c, ok := variables.FromRequest(r); ok {
		return c.RequestID
	}
	return ""
}
