// Package flatdblog provides structured logging for the storage engine.
package flatdblog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific sub-loggers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "flatdb").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }
func (l *Logger) Fatal(msg string) *zerolog.Event { return l.zlog.Fatal().Str("msg", msg) }

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// StorageLogger returns a sub-logger for paged-file/cache operations.
func (l *Logger) StorageLogger(operation string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "storage").Str("operation", operation).Logger()}
}

// SchedulerLogger returns a sub-logger for scheduler/commit operations.
func (l *Logger) SchedulerLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "scheduler").Logger()}
}

// TaskLogger returns a sub-logger for a named task manager (cpu/io).
func (l *Logger) TaskLogger(manager string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "tasks").Str("manager", manager).Logger()}
}

// LogOpen logs engine bootstrap/open.
func (l *Logger) LogOpen(path string, newlyCreated bool) {
	l.zlog.Info().
		Str("event", "open").
		Str("path", path).
		Bool("newly_created", newlyCreated).
		Msg("engine opened")
}

// LogCommit logs a completed scheduler commit cycle.
func (l *Logger) LogCommit(duration time.Duration, removedNodes int, revision uint32) {
	l.zlog.Debug().
		Str("event", "commit").
		Dur("duration_ms", duration).
		Int("removed_nodes", removedNodes).
		Uint32("revision", revision).
		Msg("commit completed")
}

// LogCorruption logs a detected corruption event.
func (l *Logger) LogCorruption(where string, err error) {
	l.zlog.Error().
		Str("event", "corruption").
		Str("where", where).
		Err(err).
		Msg("corruption detected")
}

// Global logger instance.
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance, initializing defaults if unset.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{Level: "info", Pretty: true})
	}
	return globalLogger
}
