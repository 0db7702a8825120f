package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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

// WithComponent creates a child logger with a component field, e.g. "oplog", "router".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorker creates a child logger scoped to a single worker id.
func WithWorker(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// WithShard creates a child logger scoped to a single shard id.
func WithShard(shardID uint64) zerolog.Logger {
	return Logger.With().Uint64("shard_id", shardID).Logger()
}

// WithNode creates a child logger scoped to a single executor/node id.
func WithNode(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// withFields turns a flat key, value, key, value... list into a zerolog event's context. An
// odd-length or non-string-key entry is logged under "extra" rather than dropped, so a
// call-site mistake is visible instead of silently losing a field.
func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok || i+1 >= len(kv) {
			e = e.Interface("extra", kv[i:])
			break
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

// Info logs at info level with optional structured key/value pairs.
func Info(msg string, kv ...interface{}) {
	withFields(Logger.Info(), kv).Msg(msg)
}

// Debug logs at debug level with optional structured key/value pairs.
func Debug(msg string, kv ...interface{}) {
	withFields(Logger.Debug(), kv).Msg(msg)
}

// Warn logs at warn level with optional structured key/value pairs.
func Warn(msg string, kv ...interface{}) {
	withFields(Logger.Warn(), kv).Msg(msg)
}

// Error logs at error level with optional structured key/value pairs.
func Error(msg string, kv ...interface{}) {
	withFields(Logger.Error(), kv).Msg(msg)
}

// Errorf logs err at error level against a formatted message (kept for call sites
// migrated from the single-arg form).
func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string, kv ...interface{}) {
	withFields(Logger.Fatal(), kv).Msg(msg)
}
