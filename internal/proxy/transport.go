package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/mealhub/gateway/config"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts. Zero leaves connection setup to the request deadline,
	// so proxy.timeout alone bounds connect through response.
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	DisableKeepAlives  bool

	// Nameservers overrides the system resolver for upstream hosts.
	Nameservers []string
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// MergeTransportConfig applies the non-zero values of o onto base.
func MergeTransportConfig(base TransportConfig, o config.TransportConfig) TransportConfig {
	if o.MaxIdleConns > 0 {
		base.MaxIdleConns = o.MaxIdleConns
	}
	if o.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = o.MaxIdleConnsPerHost
	}
	if o.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = o.MaxConnsPerHost
	}
	if o.IdleConnTimeout > 0 {
		base.IdleConnTimeout = o.IdleConnTimeout
	}
	if o.DialTimeout > 0 {
		base.DialTimeout = o.DialTimeout
	}
	if o.DisableKeepAlives {
		base.DisableKeepAlives = true
	}
	if o.InsecureSkipVerify {
		base.InsecureSkipVerify = true
	}
	if len(o.Nameservers) > 0 {
		base.Nameservers = o.Nameservers
	}
	return base
}

// NewTransport creates a new HTTP transport with the given configuration.
// Environment proxies are ignored; upstreams are always dialed directly.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  NewResolver(cfg.Nameservers, cfg.DialTimeout),
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		DisableCompression:    true, // relay upstream encodings verbatim
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		ForceAttemptHTTP2: true,
	}
}

// upstream is the pair of round trippers for one service.
type upstream struct {
	raw     *http.Transport
	forward http.RoundTripper // raw, or raw wrapped in a RedirectTransport
}

// TransportPool holds one connection pool per upstream service.
type TransportPool struct {
	cfg          TransportConfig
	follow       bool
	maxRedirects int
	fallback     upstream
	upstreams    map[string]upstream
}

// NewTransportPool builds a transport per name. When follow is set, the
// forwarding round tripper follows up to maxRedirects redirects.
func NewTransportPool(cfg TransportConfig, follow bool, maxRedirects int, names ...string) *TransportPool {
	tp := &TransportPool{
		cfg:          cfg,
		follow:       follow,
		maxRedirects: maxRedirects,
		upstreams:    make(map[string]upstream, len(names)),
	}
	tp.fallback = tp.build()
	for _, name := range names {
		tp.upstreams[name] = tp.build()
	}
	return tp
}

func (tp *TransportPool) build() upstream {
	t := NewTransport(tp.cfg)
	u := upstream{raw: t, forward: t}
	if tp.follow {
		u.forward = NewRedirectTransport(t, tp.maxRedirects)
	}
	return u
}

func (tp *TransportPool) get(name string) upstream {
	if u, ok := tp.upstreams[name]; ok {
		return u
	}
	return tp.fallback
}

// Get returns the forwarding round tripper for name. Unknown names share
// a fallback transport.
func (tp *TransportPool) Get(name string) http.RoundTripper {
	return tp.get(name).forward
}

// Raw returns the transport for name without redirect handling, used for
// protocol upgrades.
func (tp *TransportPool) Raw(name string) *http.Transport {
	return tp.get(name).raw
}

// Names returns the upstream names with a dedicated transport.
func (tp *TransportPool) Names() []string {
	names := make([]string, 0, len(tp.upstreams))
	for name := range tp.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats reports redirect counters per upstream name. It is empty when
// redirects are not followed.
func (tp *TransportPool) Stats() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(tp.upstreams))
	for name, u := range tp.upstreams {
		if rt, ok := u.forward.(*RedirectTransport); ok {
			out[name] = rt.Stats()
		}
	}
	return out
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	tp.fallback.raw.CloseIdleConnections()
	for _, u := range tp.upstreams {
		u.raw.CloseIdleConnections()
	}
}
