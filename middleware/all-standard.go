package middleware

import (
	"net/http"
)

// AllStandardMiddleware is the chain every broker route runs behind.
func AllStandardMiddleware(next http.Handler) http.Handler {
	return ContextLoggerMiddleware(LoggingMiddleware(RecoverMiddleware(next)))
}
