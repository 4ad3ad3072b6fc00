// Package logger provides structured logging setup for corebase.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/youlyank/corebase/internal/config"
)

const (
	asyncChanSize = 1024
	asyncWorkers  = 2
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record;
// records logged through a *Context method also carry the context's
// request ID. With cfg.Async set, records pass through a buffered
// AsyncHandler; the returned Closer flushes it on shutdown.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	closer := Closer(nopCloser{})
	if cfg.Async {
		async := NewAsyncHandler(handler, asyncChanSize, asyncWorkers)
		handler = async
		closer = async
	}

	// Request IDs ride the context; stamp them outside the async boundary,
	// before the record is handed to a drain worker.
	return slog.New(NewContextHandler(handler)).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
