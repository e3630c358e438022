package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/mealhub/gateway/internal/errors"
	"github.com/mealhub/gateway/internal/logging"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("request_id", GetRequestID(r)),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternal.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
