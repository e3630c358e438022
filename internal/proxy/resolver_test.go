package proxy

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func TestNewResolverEmpty(t *testing.T) {
	if NewResolver(nil, 0) != nil {
		t.Fatal("expected the system resolver for no nameservers")
	}
	if NewResolver([]string{}, time.Second) != nil {
		t.Fatal("expected the system resolver for an empty list")
	}
}

func TestNewResolverRotates(t *testing.T) {
	var mu sync.Mutex
	var dialed []string

	// each nameserver is a UDP socket that records it was used
	servers := make([]string, 2)
	for i := range servers {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer pc.Close()
		addr := pc.LocalAddr().String()
		servers[i] = addr
		go func() {
			buf := make([]byte, 512)
			for {
				if _, _, err := pc.ReadFrom(buf); err != nil {
					return
				}
				mu.Lock()
				dialed = append(dialed, addr)
				mu.Unlock()
			}
		}()
	}

	r := NewResolver(servers, 200*time.Millisecond)
	if r == nil || !r.PreferGo {
		t.Fatal("expected a pure-Go resolver")
	}

	for i := 0; i < 2; i++ {
		conn, err := r.Dial(context.Background(), "udp", "ignored:53")
		if err != nil {
			t.Fatal(err)
		}
		conn.Write([]byte("q"))
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(dialed)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 2 || dialed[0] == dialed[1] {
		t.Errorf("queries should alternate between nameservers, got %v", dialed)
	}
}
