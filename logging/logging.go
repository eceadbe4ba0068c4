// Package logging provides structured logging for traprelay on top of log/slog.
//
// A single process-wide logger is configured from the "logging" section of the
// configuration file and handed to every component at construction time.
// Components derive their own child logger with Component so that each line
// carries the emitting stage:
//
//	if err := logging.Init(logging.Config{Level: "info", Format: "json"}); err != nil {
//		return err
//	}
//	defer logging.Shutdown()
//
//	log := logging.Component("receiver")
//	log.Info("listening", "address", addr)
//
// Per-datagram attributes travel in the context and are attached by the
// handler to every record logged with a *Context method:
//
//	ctx = logging.WithSource(ctx, "192.0.2.10")
//	ctx = logging.WithWorker(ctx, 3)
//	log.WarnContext(ctx, "community mismatch")
//	// ... source_ip=192.0.2.10 worker_id=3
//
// The log level can be changed at runtime with SetLevel, which the config hot
// reloader uses when logging.level changes on disk.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log format constants.
const (
	// FormatLogfmt writes key=value records through slog.TextHandler.
	FormatLogfmt = "logfmt"

	// FormatJSON writes one JSON object per record.
	FormatJSON = "json"
)

// Config holds the logger configuration settings.
type Config struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `json:"level" yaml:"level"`

	// Format is logfmt or json. Default logfmt.
	Format string `json:"format" yaml:"format"`

	// Output is stdout, stderr or a file path. Parent directories of a file
	// path are created on demand.
	Output string `json:"output" yaml:"output"`

	// AddSource includes file:line of the call site.
	AddSource bool `json:"add_source" yaml:"add_source"`
}

// DefaultConfig returns info level logfmt output on stdout.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatLogfmt,
		Output: "stdout",
	}
}

var (
	mu             sync.RWMutex
	globalLogger   *slog.Logger
	globalCloser   io.Closer
	globalLevelVar *slog.LevelVar
)

// New creates an independent logger from config without touching the global
// logger. The returned closer is non-nil only when output is a file.
func New(config Config) (*slog.Logger, io.Closer, error) {
	logger, _, closer, err := build(config)
	if err != nil {
		return nil, nil, err
	}
	return logger, closer, nil
}

// Init replaces the global logger and installs it as slog's default.
// A previously opened log file is closed.
func Init(config Config) error {
	logger, levelVar, closer, err := build(config)
	if err != nil {
		return err
	}

	mu.Lock()
	previous := globalCloser
	globalLogger = logger
	globalCloser = closer
	globalLevelVar = levelVar
	mu.Unlock()

	slog.SetDefault(logger)

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// InitWithDefaults initializes the global logger with DefaultConfig.
func InitWithDefaults() error {
	return Init(DefaultConfig())
}

// Shutdown closes the global log file, if any. Safe to call more than once.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()

	if globalCloser != nil {
		err := globalCloser.Close()
		globalCloser = nil
		return err
	}
	return nil
}

// SetLevel changes the level of the global logger at runtime.
func SetLevel(level string) error {
	if !ValidateLevel(level) {
		return fmt.Errorf("invalid log level: %q, must be one of: %s, %s, %s, %s",
			level, LevelDebug, LevelInfo, LevelWarn, LevelError)
	}

	mu.RLock()
	levelVar := globalLevelVar
	mu.RUnlock()

	if levelVar != nil {
		levelVar.Set(parseLevel(level))
	}
	return nil
}

// Get returns the global logger, initializing it with defaults if necessary.
func Get() *slog.Logger {
	mu.RLock()
	logger := globalLogger
	mu.RUnlock()

	if logger != nil {
		return logger
	}
	if err := InitWithDefaults(); err != nil {
		return slog.Default()
	}

	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Component returns a child of the global logger tagged with component.
func Component(component string) *slog.Logger {
	return Get().With("component", component)
}

// OrComponent returns logger tagged with component, or a fresh component
// logger when logger is nil.
func OrComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return Component(component)
	}
	return logger.With("component", component)
}

func build(config Config) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	if config.Level == "" {
		config.Level = LevelInfo
	}
	if config.Format == "" {
		config.Format = FormatLogfmt
	}

	if !ValidateLevel(config.Level) {
		return nil, nil, nil, fmt.Errorf("invalid log level: %q, must be one of: %s, %s, %s, %s",
			config.Level, LevelDebug, LevelInfo, LevelWarn, LevelError)
	}
	if !ValidateFormat(config.Format) {
		return nil, nil, nil, fmt.Errorf("invalid log format: %q, must be one of: %s, %s",
			config.Format, FormatLogfmt, FormatJSON)
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLevel(config.Level))

	var writer io.Writer
	var closer io.Closer
	switch strings.ToLower(config.Output) {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := openLogFile(config.Output)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		writer = file
		closer = file
	}

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, FormatJSON) {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(NewContextHandler(handler)), levelVar, closer, nil
}

// parseLevel maps a level name to slog.Level, defaulting to info.
// "warning" is accepted as an alias of warn.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateLevel reports whether level is a valid log level string.
func ValidateLevel(level string) bool {
	switch strings.ToLower(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	default:
		return false
	}
}

// ValidateFormat reports whether format is a valid log format string.
func ValidateFormat(format string) bool {
	switch strings.ToLower(format) {
	case FormatLogfmt, FormatJSON:
		return true
	default:
		return false
	}
}

// openLogFile opens a log file for appending after validating the path and
// creating parent directories.
func openLogFile(filePath string) (*os.File, error) {
	if filePath == "" {
		return nil, errors.New("log file path cannot be empty")
	}

	cleanPath := filepath.Clean(filePath)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid log file path: contains directory traversal: %s", cleanPath)
	}

	if filepath.IsAbs(cleanPath) {
		restricted := []string{"/etc/", "/proc/", "/sys/", "/dev/", "/run/secrets"}
		for _, p := range restricted {
			if strings.HasPrefix(cleanPath+"/", p) || cleanPath == strings.TrimSuffix(p, "/") {
				return nil, fmt.Errorf("log file path not allowed: %s", cleanPath)
			}
		}
	}

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	if info, err := os.Lstat(cleanPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("refusing to open symlink for log file: %s", cleanPath)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("log path must be a regular file: %s", cleanPath)
		}
	}

	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", cleanPath, err)
	}
	return file, nil
}
