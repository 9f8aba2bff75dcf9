package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level is the minimum severity a logger emits.
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	FatalLevel = zapcore.FatalLevel
)

// ParseLevel converts a configured level name ("debug", "info", "warn", "error", "fatal")
// into a Level. Matching is case-insensitive; "trace" maps to debug.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// LogCfg represents logging configuration for the sync server and its tools.
// It covers the minimum level, console output and a size-rotated log file.
type LogCfg struct {
	// LogPath specifies the target log file path for file-based logging.
	LogPath string `mapstructure:"path"`

	// LogLevel defines the minimum log level for filtering log entries.
	// Supports hot-reload without service restart.
	LogLevel string `mapstructure:"level"`

	// FileSplitMB determines the file rotation threshold in megabytes.
	FileSplitMB int `mapstructure:"splitmb"`

	// FileMaxBackups is the number of rotated files kept on disk.
	FileMaxBackups int `mapstructure:"maxbackups"`

	// FileMaxAgeDays removes rotated files older than this many days. 0 keeps them forever.
	FileMaxAgeDays int `mapstructure:"maxagedays"`

	// IsAsync buffers file writes and flushes them every AsyncWriteMillSec.
	// Recommended for the tick loop so disk latency never stalls a tick.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize is the buffer size in bytes used in async mode.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// AsyncWriteMillSec defines the async flush interval in milliseconds.
	AsyncWriteMillSec int `mapstructure:"asyncwritemillsec"`

	// CallerSkip specifies additional stack frames to skip for caller information.
	CallerSkip int `mapstructure:"callerSkip"`

	// FileAppender enables file-based logging output.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables console (stdout) logging output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// JSON switches both appenders from the console encoder to the JSON encoder.
	JSON bool `mapstructure:"json"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName implements config.Config.
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate implements config.Config.
func (cfg *LogCfg) Validate() error {
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("path cannot be empty when fileAppender is enabled")
	}
	if cfg.FileSplitMB < 0 || cfg.AsyncCacheSize < 0 || cfg.AsyncWriteMillSec < 0 {
		return fmt.Errorf("size and interval settings cannot be negative")
	}
	return nil
}

// Level returns the parsed minimum level, defaulting to info.
func (cfg *LogCfg) Level() Level {
	lvl, _ := ParseLevel(cfg.LogLevel)
	return lvl
}

// DefaultLogCfg returns the configuration used when no logger.yaml exists.
func DefaultLogCfg() *LogCfg {
	return &LogCfg{
		LogPath:           "./tilesync.log",
		LogLevel:          "debug",
		FileSplitMB:       50,
		FileMaxBackups:    5,
		IsAsync:           true,
		AsyncCacheSize:    256 * 1024,
		AsyncWriteMillSec: 200,
		FileAppender:      false,
		ConsoleAppender:   true,
		EnabledCallerInfo: true,
	}
}
