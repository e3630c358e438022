package variables

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Identity is the authenticated caller, scoped to one request.
type Identity struct {
	SubjectID string
	Claims    map[string]interface{}
}

// Context carries per-request state between middleware and the proxy.
type Context struct {
	Request              *http.Request
	RequestID            string
	RouteID              string
	ClientIP             string
	Identity             *Identity
	UpstreamAddr         string
	UpstreamStatus       int
	UpstreamResponseTime time.Duration
	StartTime            time.Time
	Status               int
	BodyBytesSent        int64
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and initialises it for r.
func AcquireContext(r *http.Request) *Context {
	c := contextPool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes all fields and returns c to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// SubjectID returns the authenticated subject, or "" for anonymous requests.
func (c *Context) SubjectID() string {
	if c == nil || c.Identity == nil {
		return ""
	}
	return c.Identity.SubjectID
}

// RequestContextKey is the context key for storing variable context
type RequestContextKey struct{}

// WithContext attaches c to r.
func WithContext(r *http.Request, c *Context) *http.Request {
	r = r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, c))
	c.Request = r
	return r
}

// GetFromRequest extracts the variable context from an HTTP request.
// A fresh, unattached context is returned when none is present.
func GetFromRequest(r *http.Request) *Context {
	if ctx, ok := FromRequest(r); ok {
		return ctx
	}
	return AcquireContext(r)
}

// Ensure returns r with a context attached, reusing an existing one.
func Ensure(r *http.Request) (*http.Request, *Context) {
	if ctx, ok := FromRequest(r); ok {
		return r, ctx
	}
	c := &Context{StartTime: time.Now()}
	return WithContext(r, c), c
}

// FromRequest returns the attached context, if any.
func FromRequest(r *http.Request) (*Context, bool) {
	ctx, ok := r.Context().Value(RequestContextKey{}).(*Context)
	return ctx, ok
}

// ProxyTrust describes the proxies in front of the gateway.
type ProxyTrust struct {
	// Hops is how many proxies may append to X-Forwarded-For. 0 ignores it.
	Hops int
	// Networks holds the addresses those proxies connect from. Empty
	// trusts any peer.
	Networks []netip.Prefix
}

// ParseProxyTrust parses CIDRs or bare addresses into a ProxyTrust.
func ParseProxyTrust(hops int, networks []string) (ProxyTrust, error) {
	pt := ProxyTrust{Hops: hops}
	for _, n := range networks {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			a, aerr := netip.ParseAddr(n)
			if aerr != nil {
				return ProxyTrust{}, fmt.Errorf("invalid trusted proxy %q", n)
			}
			p = netip.PrefixFrom(a, a.BitLen())
		}
		pt.Networks = append(pt.Networks, p.Masked())
	}
	return pt, nil
}

func (pt ProxyTrust) trusts(host string) bool {
	if len(pt.Networks) == 0 {
		return true
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range pt.Networks {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ResolveClientIP derives the client address. Starting from the socket
// peer, each trusted proxy steps one X-Forwarded-For entry to the left,
// so entries a client writes itself are only reached through proxies it
// does not control.
func ResolveClientIP(r *http.Request, trust ProxyTrust) string {
	addr := peerHost(r.RemoteAddr)
	if trust.Hops <= 0 {
		return addr
	}

	var chain []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				chain = append(chain, hop)
			}
		}
	}

	for i := 0; i < trust.Hops && len(chain) > 0 && trust.trusts(addr); i++ {
		addr = chain[len(chain)-1]
		chain = chain[:len(chain)-1]
	}
	return addr
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ExtractClientIP returns the client IP recorded on the request context,
// or the socket peer when none was recorded.
func ExtractClientIP(r *http.Request) string {
	if c, ok := FromRequest(r); ok && c.ClientIP != "" {
		return c.ClientIP
	}
	return peerHost(r.RemoteAddr)
}
