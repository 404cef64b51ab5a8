// Package logx wraps zerolog behind the call surface this lineage's
// components expect: Infof/Warnf/Errorf/Debugf plus a per-component
// sub-logger via With.
package logx

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	root zerolog.Logger
)

func base() zerolog.Logger {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		var w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		if strings.EqualFold(os.Getenv("EXECUTION_ENV"), "production") {
			root = zerolog.New(os.Stdout).With().Timestamp().Logger()
			return
		}
		root = zerolog.New(w).With().Timestamp().Logger()
	})
	return root
}

// Logger is the handle every component holds instead of reaching for a
// package-level global.
type Logger struct {
	z zerolog.Logger
}

// New returns the process root logger.
func New() *Logger {
	return &Logger{z: base()}
}

// With returns a child logger carrying the given key/value pairs
// (e.g. With("trader_id", id, "strategy_id", sid)).
func (l *Logger) With(kv ...string) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Str(kv[i], kv[i+1])
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.z.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.z.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.z.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.z.Error().Msgf(format, args...) }
func (l *Logger) Info(msg string)                           { l.z.Info().Msg(msg) }
func (l *Logger) Warn(msg string)                            { l.z.Warn().Msg(msg) }
func (l *Logger) Error(msg string)                           { l.z.Error().Msg(msg) }

// Default is a process-wide convenience logger for call sites that have
// no natural component identity (main.go wiring, package init).
var Default = New()

func Infof(format string, args ...interface{})  { Default.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Default.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Default.Errorf(format, args...) }
