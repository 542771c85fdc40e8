package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a structured logger with secret redaction. format is "text" or "json".
func New(level, format string) *slog.Logger {
	return slog.New(newHandler(os.Stderr, ParseLevel(level), format))
}

// NewWithLevel returns a text logger at the given level.
func NewWithLevel(level string) *slog.Logger {
	return New(level, "text")
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if isSecretKey(a.Key) {
				a.Value = slog.StringValue("[redacted]")
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// RPC and webhook URLs routinely embed API keys in the path or query.
func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	switch {
	case k == "token", strings.HasSuffix(k, "_token"):
		return true
	case k == "rpc_url", k == "webhook_url":
		return true
	}
	return strings.Contains(k, "secret") || strings.Contains(k, "pass") ||
		strings.Contains(k, "api_key") || strings.Contains(k, "apikey") || strings.Contains(k, "auth")
}
