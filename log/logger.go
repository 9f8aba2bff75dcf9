// Package log is the structured logger shared by every tilesync component.
package log

import (
	"sync/atomic"

	"github.com/lcx/tilesync/config"
)

var defaultLogger atomic.Pointer[GameLogger]

func init() {
	defaultLogger.Store(NewLogger(nil))
}

// Default returns the package-level logger.
func Default() *GameLogger {
	return defaultLogger.Load()
}

// SetDefaultLogger installs logger as the package-level logger and returns the one it
// replaced. A nil logger is ignored. Events already built keep writing to their logger.
func SetDefaultLogger(logger *GameLogger) *GameLogger {
	if logger == nil {
		return Default()
	}
	return defaultLogger.Swap(logger)
}

// InitializeWithConfigManager loads "logger" (defaults when absent), installs the result
// as the default logger with hot reload, and closes the logger it replaced.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	logCfg := DefaultLogCfg()
	if err := config.LoadOrDefault(configManager, "logger", logCfg); err != nil {
		return err
	}
	prev := SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Initialize initializes the default logger from the singleton ConfigManager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

// Refresh flushes the default logger.
func Refresh() {
	Default().Refresh()
}

// Close flushes and closes the default logger's appenders; rotated files are released.
func Close() error {
	return Default().Close()
}

func Debug() *LogEvent { return Default().Debug() }
func Info() *LogEvent  { return Default().Info() }
func Warn() *LogEvent  { return Default().Warn() }
func Error() *LogEvent { return Default().Error() }
func Fatal() *LogEvent { return Default().Fatal() }
