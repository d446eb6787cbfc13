package app

import (
	"io"
	"log/slog"
)

// newLogger creates the application's logger. It does not set the global
// logger, so every App keeps its own output. Unknown levels fall back to
// info. Debug output carries the source location of each record.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}
	var handler slog.Handler
	if formatStr == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}
