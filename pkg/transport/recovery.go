package transport

import (
	"log/slog"
	"net/http"

	"github.com/rhuss/mcpconnect/pkg/api"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to server error responses. The server continues to
// accept new requests after a panic is recovered.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic in handler",
					"request_id", RequestIDFromContext(r.Context()),
					"path", r.URL.Path,
					"panic", v,
				)
				if !rec.written {
					WriteAPIError(rec, api.NewServerError("internal server error"))
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
