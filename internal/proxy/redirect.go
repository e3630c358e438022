package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

// RedirectTransport wraps an http.RoundTripper and follows 3xx redirects
// up to a configurable maximum. 307 and 308 replay the original body when
// the request can rebuild it through GetBody; 301 and 302 turn POST into
// GET, and 303 turns everything but HEAD into GET.
type RedirectTransport struct {
	inner        http.RoundTripper
	maxRedirects int

	followed    atomic.Int64
	maxExceeded atomic.Int64
}

// NewRedirectTransport creates a transport that follows 3xx redirects.
// maxRedirects defaults to 10 if <= 0.
func NewRedirectTransport(inner http.RoundTripper, maxRedirects int) *RedirectTransport {
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	return &RedirectTransport{
		inner:        inner,
		maxRedirects: maxRedirects,
	}
}

// RoundTrip implements http.RoundTripper with redirect following.
// When the limit is hit, the last 3xx response is returned as is.
func (rt *RedirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var redirectCount int
	current := req

	for {
		resp, err := rt.inner.RoundTrip(current)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		loc := resp.Header.Get("Location")
		if loc == "" {
			return resp, nil
		}

		if redirectCount >= rt.maxRedirects {
			rt.maxExceeded.Add(1)
			return resp, nil
		}

		nextURL, err := resolveRedirectURL(current.URL, loc)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("invalid redirect location %q: %w", loc, err)
		}

		method, keepBody := redirectMethod(current.Method, resp.StatusCode)
		if keepBody && current.Body != nil && current.Body != http.NoBody && current.GetBody == nil {
			// body already consumed and not replayable
			return resp, nil
		}

		next, err := http.NewRequestWithContext(current.Context(), method, nextURL.String(), nil)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to create redirect request: %w", err)
		}

		for k, vv := range current.Header {
			next.Header[k] = append([]string(nil), vv...)
		}
		if !sameHost(current.URL, nextURL) {
			next.Header.Del("Authorization")
			next.Header.Del("Cookie")
		}

		if keepBody && current.GetBody != nil {
			body, err := current.GetBody()
			if err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("failed to replay body: %w", err)
			}
			next.Body = body
			next.GetBody = current.GetBody
			next.ContentLength = current.ContentLength
		} else if !keepBody {
			next.Header.Del("Content-Type")
			next.Header.Del("Content-Length")
		}

		// drain so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()

		redirectCount++
		rt.followed.Add(1)
		current = next
	}
}

// Stats returns redirect statistics.
func (rt *RedirectTransport) Stats() map[string]interface{} {
	return map[string]interface{}{
		"redirects_followed": rt.followed.Load(),
		"max_exceeded":       rt.maxExceeded.Load(),
		"max_redirects":      rt.maxRedirects,
	}
}

func redirectMethod(method string, status int) (string, bool) {
	switch status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, true
	case http.StatusSeeOther:
		if method == http.MethodHead {
			return method, false
		}
		return http.MethodGet, false
	}
	// 301, 302
	if method == http.MethodPost {
		return http.MethodGet, false
	}
	return method, method != http.MethodGet && method != http.MethodHead
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, // 301
		http.StatusFound,             // 302
		http.StatusSeeOther,          // 303
		http.StatusTemporaryRedirect, // 307
		http.StatusPermanentRedirect: // 308
		return true
	}
	return false
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Host, b.Host)
}

func resolveRedirectURL(base *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if loc.IsAbs() {
		return loc, nil
	}
	// Handle protocol-relative URLs
	if strings.HasPrefix(location, "//") {
		loc.Scheme = base.Scheme
		return loc, nil
	}
	return base.ResolveReference(loc), nil
}
