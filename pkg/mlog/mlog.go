// Package mlog wires structured logging for the whole process, mirroring
// the way cuemby-warren's pkg/log sets up a global zerolog.Logger with
// component/field helpers.
package mlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init must be called once at
// startup before components derive child loggers from it.
var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init's output shape.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets the global level and output format for Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with the owning component, the
// unit every package in this module logs through (e.g. "taskmanager",
// "tasklog", "processmanager").
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithProcess tags a logger with a process id, used by per-process actors.
func WithProcess(l zerolog.Logger, processId string) zerolog.Logger {
	return l.With().Str("process_id", processId).Logger()
}

// WithTask tags a logger with a task id.
func WithTask(l zerolog.Logger, taskId string) zerolog.Logger {
	return l.With().Str("task_id", taskId).Logger()
}

func init() {
	// Sensible default so packages that log before Init (e.g. in tests)
	// still produce readable output instead of a silently discarded logger.
	Init(Config{Level: InfoLevel})
}
