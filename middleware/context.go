package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/sweater-ventures/brainfreeze/config"
)

const RequestIDHeader = "X-Request-ID"

func log(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(config.LoggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextLoggerMiddleware puts a request-scoped logger in the context. The
// caller's X-Request-ID is reused when present and echoed on the response.
func ContextLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				requestID = "unknown"
			} else {
				requestID = id.String()
			}
		}
		w.Header().Set(RequestIDHeader, requestID)

		logger := log(r.Context()).With(slog.String("request_id", requestID))
		r = r.WithContext(context.WithValue(r.Context(), config.LoggerContextKey, logger))

		next.ServeHTTP(w, r)
	})
}
