package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/llbot-cli/internal/infrastructure/config"
)

// serviceName is attached to every entry.
const serviceName = "llbot"

// Logger wraps slog.Logger with launcher defaults.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified configuration.
//
// Output defaults to stderr: stdout carries the backend passthrough and the
// QR code, and launcher diagnostics must not interleave with it.
//
// Parameters:
//   - cfg: Logging configuration
//   - version: Application version for default field
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithStreams(cfg, version, os.Stdout, os.Stderr)
}

// NewWithStreams is New with the process streams replaced, so cfg.Output
// still selects between them.
func NewWithStreams(cfg config.LoggingConfig, version string, stdout, stderr io.Writer) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = stdout
	case "discard", "none":
		output = io.Discard
	default:
		output = stderr
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter creates a Logger that writes to w, ignoring cfg.Output.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	svLogger := logger.With("component", "supervisor")
//	svLogger.Info("backend ready") // Includes component=supervisor
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a default logger for use before configuration is loaded.
// It writes text to stderr at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}, "dev")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(config.LoggingConfig{}, "", io.Discard)
}
