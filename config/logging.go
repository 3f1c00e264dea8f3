package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sweater-ventures/devslog"
	"golang.org/x/term"
)

type ContextKey string

var LoggerContextKey = ContextKey("logger")

var logLevel = new(slog.LevelVar)

func InitLogging() {
	logLevel.Set(slog.LevelInfo)
	jsonLogging := false
	jsonLoggingEnv, ok := os.LookupEnv("JSON_LOGGING")
	if ok && strings.ToLower(jsonLoggingEnv) == "true" {
		jsonLogging = true
	}
	slog.SetDefault(NewLogger(os.Stdout, jsonLogging || !term.IsTerminal(int(os.Stdout.Fd()))))
}

// NewLogger builds the JSON handler used in production or the devslog handler
// used on a terminal. Both share the process-wide level.
func NewLogger(w io.Writer, jsonLogging bool) *slog.Logger {
	if jsonLogging {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: logLevel,
		}))
	}
	return slog.New(devslog.NewHandler(w, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			Level: logLevel,
		},
		TimeFormat:           "[ 03:04:05 PM ]",
		StringIndentation:    true,
		DisableAttributeType: true,
	}))
}

// SetLogLevel applies a level name. "default" means debug in dev mode and info
// otherwise. Unknown names leave the level unchanged and return false.
func SetLogLevel(level string, devMode bool) bool {
	switch strings.ToLower(level) {
	case "default":
		if devMode {
			logLevel.Set(slog.LevelDebug)
		} else {
			logLevel.Set(slog.LevelInfo)
		}
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		return false
	}
	return true
}
