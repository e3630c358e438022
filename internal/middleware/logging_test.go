package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mealhub/gateway/internal/logging"
	"github.com/mealhub/gateway/variables"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func captureLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	original := logging.Global()
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(original) })
	return logs
}

func TestAccessLog(t *testing.T) {
	logs := captureLogs(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		varCtx := variables.GetFromRequest(r)
		varCtx.RouteID = "order"
		varCtx.UpstreamAddr = "order:3010"
		varCtx.Identity = &variables.Identity{SubjectID: "u-1"}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})

	final := NewChain(
		RequestContext(RequestContextConfig{}),
		AccessLog(AccessLogConfig{}),
	).Then(handler)

	req := httptest.NewRequest("POST", "/api/orders?x=1", nil)
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rr.Code)
	}

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(201) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["body_bytes"] != int64(7) {
		t.Errorf("body_bytes = %v", fields["body_bytes"])
	}
	if fields["route_id"] != "order" || fields["upstream_addr"] != "order:3010" {
		t.Errorf("route fields = %v / %v", fields["route_id"], fields["upstream_addr"])
	}
	if fields["subject"] != "u-1" {
		t.Errorf("subject = %v", fields["subject"])
	}
	if fields["query"] != "x=1" {
		t.Errorf("query = %v", fields["query"])
	}
	if fields["request_id"] == "" {
		t.Error("request_id should be set")
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	logs := captureLogs(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	AccessLog(AccessLogConfig{SkipPaths: []string{"/health"}})(handler).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	if logs.Len() != 0 {
		t.Errorf("expected no entries for skipped path, got %d", logs.Len())
	}
}

func TestLoggingResponseWriterFirstStatusWins(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.WriteHeader(http.StatusNotFound)
	lrw.WriteHeader(http.StatusInternalServerError)

	if lrw.status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", lrw.status)
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, bufio.NewReadWriter(bufio.NewReader(c1), bufio.NewWriter(c1)), nil
}

func TestLoggingResponseWriterHijack(t *testing.T) {
	lrw := &loggingResponseWriter{ResponseWriter: &hijackRecorder{httptest.NewRecorder()}, status: http.StatusOK}

	var _ http.Hijacker = lrw
	conn, _, err := lrw.Hijack()
	if err != nil {
		t.Fatalf("Hijack error: %v", err)
	}
	conn.Close()

	if !lrw.hijacked || lrw.status != http.StatusSwitchingProtocols {
		t.Errorf("hijack not recorded: hijacked=%v status=%d", lrw.hijacked, lrw.status)
	}

	plain := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := plain.Hijack(); err != http.ErrNotSupported {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}
