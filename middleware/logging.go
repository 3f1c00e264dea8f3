package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// longLived reports whether the request opens a subscriber socket or event
// stream, which stay open far longer than a normal request.
func longLived(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := NewStatusRecorder(w)
		logger := log(r.Context())

		if longLived(r) {
			logger.Info(fmt.Sprintf("Stream opened %s %s", r.Method, r.RequestURI),
				slog.String("remote_addr", r.RemoteAddr))
		}

		next.ServeHTTP(recorder, r)

		status := recorder.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		latency := time.Duration(0)
		if !recorder.FirstWrite.IsZero() {
			latency = recorder.FirstWrite.Sub(start)
		}
		logger.Log(r.Context(), level, fmt.Sprintf("Request %s %s %d %s", r.Method, r.RequestURI, status, http.StatusText(status)),
			slog.String("method", r.Method),
			slog.String("host", r.Host),
			slog.String("path", r.RequestURI),
			slog.Int("status", status),
			slog.Int64("bytes", recorder.BytesWritten),
			slog.Bool("hijacked", recorder.Hijacked),
			slog.Duration("latency", latency),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
