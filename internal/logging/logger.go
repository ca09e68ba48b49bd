// Package logging provides structured logging for nfa-ids.
// It wraps the standard library slog package with project defaults
// and convenience functions.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// Level represents log levels
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is the nfa-ids structured logger
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level
	Level Level

	// Output is the log output destination
	Output io.Writer

	// Format is the log format ("json" or "text")
	Format string

	// AddSource adds source file and line to log entries
	AddSource bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:     LevelInfo,
		Output:    os.Stderr,
		Format:    "text",
		AddSource: false,
	}
}

// ParseLevel maps a level name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
)

// New builds a logger from cfg without touching the process default.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}
}

// Init initializes the default logger
func Init(cfg *Config) {
	l := New(cfg)

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	slog.SetDefault(l.Logger)
}

// Default returns the default logger, initializing if necessary
func Default() *Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l != nil {
		return l
	}
	Init(nil)
	return Default()
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
		output: l.output,
	}
}

// =============================================================================
// Convenience Functions (use default logger)
// =============================================================================

// Info logs at info level
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// =============================================================================
// Specialized Loggers for nfa-ids Components
// =============================================================================

// CaptureLogger returns a logger for capture sources
func CaptureLogger() *Logger {
	return Default().WithComponent("capture")
}

// PipelineLogger returns a logger for the detection pipeline
func PipelineLogger() *Logger {
	return Default().WithComponent("pipeline")
}

// MLLogger returns a logger for ML components
func MLLogger() *Logger {
	return Default().WithComponent("ml")
}

// AlertLogger returns a logger for the alert sink and notifiers
func AlertLogger() *Logger {
	return Default().WithComponent("alert")
}

// UpdateLogger returns a logger for the model update coordinator
func UpdateLogger() *Logger {
	return Default().WithComponent("update")
}

// APILogger returns a logger for the request API
func APILogger() *Logger {
	return Default().WithComponent("api")
}

// =============================================================================
// Dedicated error log
// =============================================================================

// OpenErrorLog opens (or creates) an append-only JSON log at path. Sink
// durability failures are written here in addition to the main log.
func OpenErrorLog(path string) (*Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create error log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open error log: %w", err)
	}
	l := New(&Config{Level: LevelWarn, Output: f, Format: "json"})
	return l.WithComponent("escalation"), f, nil
}

// =============================================================================
// Structured Field Helpers
// =============================================================================

// Record returns log attributes for a raw record
func Record(r *models.RawRecord) slog.Attr {
	attrs := []any{
		slog.String("src_ip", r.SrcIP),
		slog.String("dst_ip", r.DstIP),
		slog.String("protocol", r.Protocol),
		slog.Int("size", r.Size),
	}
	if r.SrcPort != nil {
		attrs = append(attrs, slog.Int("src_port", int(*r.SrcPort)))
	}
	if r.DstPort != nil {
		attrs = append(attrs, slog.Int("dst_port", int(*r.DstPort)))
	}
	return slog.Group("record", attrs...)
}

// Err returns a log attribute for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Duration returns a log attribute for a duration
func Duration(name string, d time.Duration) slog.Attr {
	return slog.Duration(name, d)
}

// Timer returns a function that logs the elapsed time when called
func Timer(l *Logger, msg string, args ...any) func() {
	start := time.Now()
	return func() {
		l.Debug(msg, append(args, "duration", time.Since(start))...)
	}
}
