// Package ratelimit implements fixed-window request limiting per client
// identity and route class.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/errors"
	"github.com/mealhub/gateway/internal/logging"
	"github.com/mealhub/gateway/internal/middleware"
	"github.com/mealhub/gateway/internal/observability"
	"github.com/mealhub/gateway/internal/router"
	"github.com/mealhub/gateway/variables"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store counts hits per key. Incr must be atomic per key and return the
// post-increment count; the counter expires window after its first hit.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter applies the configured classes against a Store.
type Limiter struct {
	store   Store
	prefix  string
	timeout time.Duration
	classes map[router.RateLimitClass]config.WindowConfig
	sink    observability.Sink
	now     func() time.Time

	// throttles fail-open warnings while the store is down
	warn rate.Sometimes
}

// NewLimiter creates a limiter. A nil sink discards events.
func NewLimiter(cfg config.RateLimitConfig, store Store, sink observability.Sink) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	if sink == nil {
		sink = observability.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	l := &Limiter{
		store:   store,
		prefix:  cfg.Prefix,
		timeout: timeout,
		classes: make(map[router.RateLimitClass]config.WindowConfig, 3),
		sink:    sink,
		now:     time.Now,
		warn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, class := range []router.RateLimitClass{router.RateLimitAuth, router.RateLimitStandard, router.RateLimitStrict} {
		wc, _ := cfg.Class(string(class))
		if wc.Window <= 0 || wc.Max <= 0 {
			return nil, fmt.Errorf("rate limit class %s: window and max must be positive", class)
		}
		l.classes[class] = wc
	}
	return l, nil
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Check counts one hit for identity under class. The count is taken before
// the comparison, so rejected hits still consume the window.
//
// On a store error the returned decision allows the request.
func (l *Limiter) Check(ctx context.Context, identity string, class router.RateLimitClass) (Decision, error) {
	if class == router.RateLimitNone {
		return Decision{Allowed: true}, nil
	}
	wc, ok := l.classes[class]
	if !ok {
		return Decision{Allowed: true}, fmt.Errorf("unknown rate limit class %q", class)
	}

	windowMs := wc.Window.Milliseconds()
	index := l.now().UnixMilli() / windowMs
	key := l.prefix + string(class) + ":" + identity + ":" + strconv.FormatInt(index, 10)
	d := Decision{
		Allowed:   true,
		Limit:     wc.Max,
		Remaining: wc.Max,
		ResetAt:   time.UnixMilli((index + 1) * windowMs),
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.store.Incr(ctx, key, wc.Window)
	if err != nil {
		return d, err
	}

	if count > int64(wc.Max) {
		d.Allowed = false
		d.Remaining = 0
	} else {
		d.Remaining = wc.Max - int(count)
	}
	return d, nil
}

// Identity keys a request by authenticated subject, else by client IP.
func Identity(r *http.Request) string {
	if c, ok := variables.FromRequest(r); ok {
		if sub := c.SubjectID(); sub != "" {
			return "sub:" + sub
		}
	}
	return "ip:" + variables.ExtractClientIP(r)
}

// Middleware enforces class on every request it wraps.
func (l *Limiter) Middleware(class router.RateLimitClass) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if class == router.RateLimitNone {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Check(r.Context(), Identity(r), class)
			if err != nil {
				l.warn.Do(func() {
					logging.Warn("Rate limit store unavailable, failing open",
						zap.String("class", string(class)),
						zap.Error(err),
					)
				})
				next.ServeHTTP(w, r)
				return
			}

			resetIn := int(d.ResetAt.Sub(l.now()).Seconds() + 0.999)
			if resetIn < 1 {
				resetIn = 1
			}
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(resetIn))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(resetIn))

				varCtx, _ := variables.FromRequest(r)
				ev := observability.Event{
					Kind:   observability.PolicyRejected,
					Method: r.Method,
					Path:   r.URL.Path,
					Status: errors.ErrRateLimited.Status,
					Code:   errors.ErrRateLimited.Code,
					Reason: "rate_limit_" + string(class),
				}
				if varCtx != nil {
					ev.RequestID = varCtx.RequestID
					ev.Route = varCtx.RouteID
				}
				l.sink.Record(ev)

				errors.ErrRateLimited.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
