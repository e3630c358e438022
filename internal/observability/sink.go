// Package observability defines the fire-and-forget event sink the proxy
// pipeline reports to.
package observability

import (
	"net/http"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	RequestForwarded Kind = "request_forwarded"
	ResponseReceived Kind = "response_received"
	ProxyError       Kind = "proxy_error"
	PolicyRejected   Kind = "policy_rejected"
)

// Event describes one step of a proxied request.
type Event struct {
	Kind      Kind
	RequestID string
	Route     string
	Method    string
	Path      string // original request path
	URL       string // original request URI, set on ProxyError
	Target    string // upstream URL after rewrite
	Status    int
	Code      string
	Reason    string
	Latency   time.Duration
	BodySize  int64
	Headers   http.Header // redacted; set on ProxyError only
	Partial   bool        // the failure happened after the status was relayed
	Err       error
}

// Sink receives events. Record must not block the request path.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Record(Event) {}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

type multiSink []Sink

func (m multiSink) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}

// Multi fans events out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type safeSink struct {
	inner   Sink
	onPanic func(any)
}

func (s safeSink) Record(e Event) {
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic(r)
		}
	}()
	s.inner.Record(e)
}

// Safe wraps a sink so a panic inside it never reaches the caller.
// onPanic may be nil.
func Safe(s Sink, onPanic func(any)) Sink {
	if s == nil {
		return Nop()
	}
	return safeSink{inner: s, onPanic: onPanic}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie"}

// RedactedValue replaces sensitive header values.
const RedactedValue = "[REDACTED]"

// RedactHeaders returns a copy of h with credentials masked.
func RedactHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, name := range sensitiveHeaders {
		if _, ok := out[name]; ok {
			out[name] = []string{RedactedValue}
		}
	}
	return out
}
