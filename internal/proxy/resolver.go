package proxy

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// NewResolver returns a resolver that sends upstream name lookups to the
// given nameservers in turn, or nil to use the system resolver. Useful when
// service names live in a container network's DNS rather than /etc/hosts.
func NewResolver(nameservers []string, timeout time.Duration) *net.Resolver {
	if len(nameservers) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	servers := append([]string(nil), nameservers...)
	var next atomic.Uint64

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			ns := servers[(next.Add(1)-1)%uint64(len(servers))]
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, ns)
		},
	}
}
