// Package logging constructs the process-wide zerolog.Logger every other
// package threads through as a plain field (never a package-level
// global, so tests can capture output).
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger from a level string (trace/debug/info/
// warn/error/fatal/panic/disabled, case-insensitive, default info), with
// RFC3339Nano timestamps and JSON output, switching to a pretty console
// writer when the CODAPH_LOG_PRETTY environment variable is "1".
func New(levelStr string) zerolog.Logger {
	level := parseLevel(levelStr)

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	var out io.Writer = os.Stdout
	if os.Getenv("CODAPH_LOG_PRETTY") == "1" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
		cw.FormatLevel = func(i any) string {
			if ll, ok := i.(string); ok {
				return strings.ToUpper(ll)
			}
			return "?"
		}
		out = cw
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
