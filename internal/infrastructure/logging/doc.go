// Package logging provides structured logging for the LLBot launcher.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the launcher's components.
//
// # Features
//
//   - Text output by default, JSON for log shippers
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text, json
//	  output: "stderr"   # stderr, stdout, discard
//
// Launcher logs go to stderr by default. Stdout belongs to the backend
// passthrough and the login QR code.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("backend ready", "port", 13000)
//
// Components take their own small Logger interface, which *Logger satisfies.
package logging
