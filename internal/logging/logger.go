// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process logger. Production gets JSON on stdout;
// any other env gets a text handler with source locations for local
// debugging. LOG_LEVEL (debug/info/warn/error) and LOG_FORMAT (json/text)
// override the defaults.
func NewLogger(env string) *slog.Logger {
	jsonOutput := strings.EqualFold(strings.TrimSpace(env), "prod")
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))) {
	case "json":
		jsonOutput = true
	case "text":
		jsonOutput = false
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(os.Getenv("LOG_LEVEL")),
		AddSource: !jsonOutput,
	}

	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
