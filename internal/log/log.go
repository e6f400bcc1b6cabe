// Package log wraps zerolog behind the small surface the scheduler needs:
// one global logger configured at startup and per-component child loggers.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Components derive children from it
// instead of configuring their own outputs.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error. Unknown values fall back
	// to info.
	Level string
	// Pretty switches from JSON lines to a human console writer.
	Pretty bool
	// Output overrides the destination, stderr when nil.
	Output io.Writer
}

// Init configures the global logger. Safe to call once at process start;
// children created before Init keep the default settings.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTask returns a child logger tagged with a task uuid.
func WithTask(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithRequest returns a child logger tagged with a request correlation id.
func WithRequest(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithWorker returns a child logger tagged with routing key and instance.
func WithWorker(routingKey string, instance int) zerolog.Logger {
	return Logger.With().Str("routing_key", routingKey).Int("instance", instance).Logger()
}
