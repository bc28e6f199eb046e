// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output on Output.
	Pretty bool

	// Output is the primary sink (default: os.Stderr).
	Output io.Writer

	// File, if set, also appends JSON lines to this path.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

var (
	fileMu sync.Mutex
	file   *os.File
)

// Setup configures the global zerolog logger and returns it. If the log
// file cannot be opened, logging continues on Output alone and the error
// is returned alongside the logger.
func Setup(cfg Config) (zerolog.Logger, error) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	var fileErr error
	if cfg.File != "" {
		f, err := openFile(cfg.File)
		if err != nil {
			fileErr = err
		} else {
			out = zerolog.MultiLevelWriter(out, f)
		}
	} else {
		closeFile()
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger, fileErr
}

// openFile replaces the current log file.
func openFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	closeFile()

	fileMu.Lock()
	file = f
	fileMu.Unlock()
	return f, nil
}

func closeFile() {
	fileMu.Lock()
	defer fileMu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

// Close closes the log file opened by Setup, if any.
func Close() {
	closeFile()
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - Cache hit/miss, key and object size
//   - Header rewriting (dropped lines, synthesized Host)
//   - Probe results and cacheability decisions
//   - Origin connections opened
//
// Info: normal operation
//   - Completed requests
//   - Listener and admin server startup/shutdown
//
// Warn: the request was refused or degraded
//   - Malformed requests, unsupported methods, blocked hosts
//   - Responses larger than the per-object limit
//   - Blocklist store failures (request allowed)
//   - Accept errors (retried)
//
// Error: the request failed on the origin side
//   - Dial failures, origin timeouts, invalid origin responses
//   - Recovered handler panics
//
// Context Fields:
//   - component: proxy, admin, blocklist
//   - conn_id: per-connection sequence number
//   - client: client remote address
//   - method, host, path: parsed request line
//   - status: status code sent to the client
//   - bytes: bytes sent to the client
//   - cache: hit, miss, stream, bypass, error
//   - error_class: protocol, method, blocked, network, timeout, origin, internal
//   - duration: request duration
