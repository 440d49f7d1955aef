// Package logadapter bridges a *slog.Logger into a github.com/go-kit/log
// Logger, for callers who already standardized on go-kit logging and want
// to pass it to packages in this module that take a *slog.Logger.
//
// Adapted from the teacher's pkg/collector/helper.go logFunc/NewGokitLogger
// pair.
package logadapter

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type logFunc func(ctx context.Context, msg string, keysAndValues ...any)

// Log implements github.com/go-kit/log.Logger by extracting "msg" and
// "level" key/value pairs from keyvals and routing everything else
// through the wrapped slog method.
func (l logFunc) Log(keyvals ...any) error {
	var msg string

	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok && key == "msg" {
			if msgVal, ok := keyvals[i+1].(string); ok {
				msg = msgVal
				keyvals = append(keyvals[:i], keyvals[i+2:]...)

				break
			}
		}
	}

	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok && key == "level" {
			if _, ok := keyvals[i+1].(level.Value); ok {
				keyvals = append(keyvals[:i], keyvals[i+2:]...)

				break
			}
		}
	}

	l(context.Background(), msg, keyvals...)

	return nil
}

// New creates a go-kit log.Logger backed by a *slog.Logger, filtered at
// the given level ("debug", "info", "warn", "error").
func New(lvl string, logger *slog.Logger) log.Logger {
	var logF logFunc

	var logLevel level.Option

	switch strings.ToLower(lvl) {
	case "debug":
		logF = logger.DebugContext
		logLevel = level.AllowDebug()
	case "warn":
		logF = logger.WarnContext
		logLevel = level.AllowWarn()
	case "error":
		logF = logger.ErrorContext
		logLevel = level.AllowError()
	default:
		logF = logger.InfoContext
		logLevel = level.AllowInfo()
	}

	return log.With(level.NewFilter(logF, logLevel), "source", log.DefaultCaller)
}
