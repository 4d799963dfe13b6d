package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New creates a *slog.Logger writing to stderr and optionally to logFile.
// format "text" gives coloured tint output on stderr; anything else gives
// JSON. The log file always receives JSON. The logger also becomes the slog
// default. The returned cleanup func closes the log file if one was opened;
// callers must defer it.
func New(level, logFile, format string) (*slog.Logger, func(), error) {
	lvl := parseLevel(level)
	return build(os.Stderr, lvl, logFile, format)
}

func build(stderr io.Writer, lvl slog.Level, logFile, format string) (*slog.Logger, func(), error) {
	cleanup := func() {}

	var console slog.Handler
	if format == "text" {
		console = tint.NewHandler(stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	} else {
		console = slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: lvl})
	}

	handler := console
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = f.Close() }
		handler = slog.NewMultiHandler(console, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: lvl}))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
