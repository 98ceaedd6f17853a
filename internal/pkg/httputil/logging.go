package httputil

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
	"github.com/go-chi/chi/v5/middleware"
)

// CorrelationHeader carries the correlation id of an admin request.
const CorrelationHeader = "X-Correlation-ID"

// RequestLoggerMiddleware binds a correlation id and a request logger to the
// request context and writes one access log line per request.
//
// The correlation id is taken from the X-Correlation-ID header when present,
// otherwise a new one is generated. It is echoed back in the response.
func RequestLoggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			correlationID := r.Header.Get(CorrelationHeader)
			if correlationID == "" {
				correlationID = ctxlog.NewCorrelationID()
			}

			ctx := ctxlog.WithLogger(r.Context(), base.With("request_id", middleware.GetReqID(r.Context())))
			ctx = ctxlog.WithCorrelationID(ctx, correlationID)
			logger := ctxlog.FromContext(ctx)

			w.Header().Set(CorrelationHeader, correlationID)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}
