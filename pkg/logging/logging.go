package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config contains logger configuration.
type Config struct {
	Level  string
	Format Format
	Output io.Writer
}

// New builds a zerolog logger for a named component. Every worker process
// calls this once and derives task/bug scoped sub-loggers from it.
func New(component string, cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var output io.Writer = cfg.Output
	if cfg.Format == FormatText {
		output = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	return zerolog.New(output).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Init installs the global logger used by packages that log outside any
// request scope (connection monitors, signal handlers).
func Init(component string, cfg Config) {
	log.Logger = New(component, cfg)
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
}

// ForTask returns a child logger carrying the task id on every event.
func ForTask(logger zerolog.Logger, taskID string) zerolog.Logger {
	return logger.With().Str("task_id", taskID).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
