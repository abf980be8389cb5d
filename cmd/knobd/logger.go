package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// parseLogLevel maps the config/flag string onto a slog level. The accepted
// names are the ones printUsage advertises; "warning" is tolerated because
// yaml authors keep writing it.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (must be error, warn, info, or debug)", s)
	}
}

// newLogger builds the daemon logger. knobd is meant to run under a service
// manager, so output is single-line text on the given writer and the journal
// takes care of timestamps and rotation.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
