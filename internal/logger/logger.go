package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration
type Config struct {
	Level     string `json:"level"`  // "debug", "info", "warn", "error"
	Format    string `json:"format"` // "json" or "text"
	Output    string `json:"output"` // "stdout", "stderr" or a file path
	Component string `json:"component"`
}

// Logger wraps slog.Logger and keeps track of the writer it owns
type Logger struct {
	*slog.Logger
	output io.Writer
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(Config{Level: "info", Format: "text", Output: "stderr"})
)

// New creates a logger from the given configuration
func New(config Config) *Logger {
	var output io.Writer
	switch config.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		if file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			output = file
		} else {
			output = os.Stdout
		}
	}
	return NewWithWriter(config, output)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(config Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	l := slog.New(handler)
	if config.Component != "" {
		l = l.With("component", config.Component)
	}
	return &Logger{Logger: l, output: w}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
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

// WithComponent returns a child logger tagged with a component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), output: l.output}
}

// With returns a child logger with extra attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), output: l.output}
}

// Close closes the underlying file, if any
func (l *Logger) Close() error {
	if f, ok := l.output.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// Default returns the process-wide logger
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger and routes slog's default through it
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Discard returns a logger that drops everything; handy in tests
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}
