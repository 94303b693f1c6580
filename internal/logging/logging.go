// Package logging builds the bridge's process-wide slog.Logger.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New builds the process-wide logger. When json is true, records are
// written as JSON to stdout; otherwise a colorized console handler
// (github.com/lmittmann/tint) is used, matching this project's development
// logging.
func New(level slog.Level, json bool) *slog.Logger {
	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
