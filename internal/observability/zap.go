package observability

import (
	"github.com/mealhub/gateway/internal/logging"
	"go.uber.org/zap"
)

// ZapSink writes events as structured log entries.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink logs through l, or through the global logger when l is nil.
func NewZapSink(l *zap.Logger) *ZapSink {
	return &ZapSink{logger: l}
}

func (s *ZapSink) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logging.Global()
}

func (s *ZapSink) Record(e Event) {
	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("route", e.Route),
		zap.String("method", e.Method),
		zap.String("path", e.Path),
	}
	if e.Target != "" {
		fields = append(fields, zap.String("target", e.Target))
	}

	switch e.Kind {
	case RequestForwarded:
		s.log().Debug("Forwarding request",
			append(fields, zap.Int64("body_size", e.BodySize))...)
	case ResponseReceived:
		s.log().Debug("Upstream response",
			append(fields, zap.Int("status", e.Status), zap.Duration("latency", e.Latency))...)
	case ProxyError:
		s.log().Error("Proxy error",
			append(fields,
				zap.String("url", e.URL),
				zap.Int("status", e.Status),
				zap.String("code", e.Code),
				zap.Int64("body_size", e.BodySize),
				zap.Any("headers", e.Headers),
				zap.Duration("latency", e.Latency),
				zap.Error(e.Err),
			)...)
	case PolicyRejected:
		s.log().Info("Request rejected",
			append(fields, zap.Int("status", e.Status), zap.String("code", e.Code), zap.String("reason", e.Reason))...)
	}
}
