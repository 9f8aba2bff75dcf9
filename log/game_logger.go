package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lcx/tilesync/config"
)

// GameLogger provides a thread-safe leveled logger with configurable appenders.
// Events are built with a fluent API and handed to a zap core fanned out to every appender:
//
//	logger.Info().Str("client", id).Uint32("entity", eid).Msg("session created")
//
// The minimum level lives in a zap.AtomicLevel so hot reloads never block logging.
type GameLogger struct {
	mu        sync.RWMutex
	appenders []LogAppender
	level     zap.AtomicLevel
	cfg       *LogCfg
	zl        *zap.Logger
	eventPool sync.Pool
}

// NewLogger creates a new GameLogger. A nil cfg uses DefaultLogCfg.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = DefaultLogCfg()
	}

	logger := &GameLogger{
		level: zap.NewAtomicLevelAt(cfg.Level()),
		cfg:   cfg,
	}
	logger.eventPool.New = func() any {
		return &LogEvent{}
	}

	if cfg.FileAppender {
		logger.appenders = append(logger.appenders, NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.appenders = append(logger.appenders, NewConsoleAppender())
	}
	logger.rebuild()
	return logger
}

// NewLoggerWithConfigManager creates a logger and registers it for hot reload of the
// "logger" configuration.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

func (x *GameLogger) encoder() zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	if x.cfg.JSON {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

// rebuild recreates the zap logger from the current appenders. Caller holds no lock.
func (x *GameLogger) rebuild() {
	x.mu.Lock()
	defer x.mu.Unlock()

	cores := make([]zapcore.Core, 0, len(x.appenders))
	for _, a := range x.appenders {
		cores = append(cores, a.Core(x.encoder(), x.level))
	}

	opts := []zap.Option{zap.AddCallerSkip(2 + x.cfg.CallerSkip)}
	if x.cfg.EnabledCallerInfo {
		opts = append(opts, zap.AddCaller())
	}
	x.zl = zap.New(zapcore.NewTee(cores...), opts...)
}

// AddAppender adds an output destination.
func (x *GameLogger) AddAppender(appender LogAppender) {
	if appender == nil {
		return
	}
	x.mu.Lock()
	x.appenders = append(x.appenders, appender)
	x.mu.Unlock()
	x.rebuild()
}

// GetAppender returns a copy of the current appenders.
func (x *GameLogger) GetAppender() []LogAppender {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]LogAppender, len(x.appenders))
	copy(out, x.appenders)
	return out
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, a := range x.GetAppender() {
		a.Refresh()
	}
}

// Close flushes and closes every appender.
func (x *GameLogger) Close() error {
	var first error
	for _, a := range x.GetAppender() {
		a.Refresh()
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(level Level) {
	x.level.SetLevel(level)
}

// GetLevel returns the current minimum level.
func (x *GameLogger) GetLevel() Level {
	return x.level.Level()
}

// OnConfigChanged implements config.ConfigChangeListener. Only the level is hot-reloaded;
// appender changes take effect on restart.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	x.SetLevel(newLogCfg.Level())

	x.mu.Lock()
	x.cfg.LogLevel = newLogCfg.LogLevel
	x.mu.Unlock()
	return nil
}

func (x *GameLogger) newEvent(level Level) *LogEvent {
	if !x.level.Enabled(level) {
		return nil
	}
	e := x.eventPool.Get().(*LogEvent)
	e.logger = x
	e.level = level
	e.fields = e.fields[:0]
	return e
}

func (x *GameLogger) write(e *LogEvent, msg string) {
	x.mu.RLock()
	zl := x.zl
	x.mu.RUnlock()

	if ce := zl.Check(e.level, msg); ce != nil {
		ce.Write(e.fields...)
	}
	x.eventPool.Put(e)
}

// Debug starts a debug-level event. Returns nil (a no-op event) when disabled.
func (x *GameLogger) Debug() *LogEvent {
	return x.newEvent(DebugLevel)
}

// Info starts an info-level event.
func (x *GameLogger) Info() *LogEvent {
	return x.newEvent(InfoLevel)
}

// Warn starts a warn-level event.
func (x *GameLogger) Warn() *LogEvent {
	return x.newEvent(WarnLevel)
}

// Error starts an error-level event.
func (x *GameLogger) Error() *LogEvent {
	return x.newEvent(ErrorLevel)
}

// Fatal starts a fatal-level event; Msg terminates the process.
func (x *GameLogger) Fatal() *LogEvent {
	return x.newEvent(FatalLevel)
}
