package observability

import (
	"log/slog"
	"os"

	"github.com/knowgate/knowgate/internal/config"
)

var slogLevels = map[config.LogLevel]slog.Level{
	config.LogLevelDebug: slog.LevelDebug,
	config.LogLevelInfo:  slog.LevelInfo,
	config.LogLevelWarn:  slog.LevelWarn,
	config.LogLevelError: slog.LevelError,
}

// NewLogger creates the process-wide structured logger. Every record carries
// a "service" attribute so gateway lines are attributable when downstream
// services log to the same sink. Unknown levels fall back to info.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	lvl, ok := slogLevels[level]
	if !ok {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(slog.String("service", "knowgate"))
}
