package log

import (
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogAppender is one output destination of a GameLogger.
type LogAppender interface {
	// Core builds the zap core writing to this destination.
	Core(enc zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core
	// Refresh flushes buffered entries.
	Refresh()
	// Close releases file handles. The appender must not be used afterwards.
	Close() error
}

// ConsoleAppender writes to stdout.
type ConsoleAppender struct {
	ws zapcore.WriteSyncer
}

// NewConsoleAppender creates an appender writing to stdout.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{ws: zapcore.Lock(os.Stdout)}
}

// NewWriterAppender creates an appender writing to an arbitrary syncer, used by tests.
func NewWriterAppender(ws zapcore.WriteSyncer) *ConsoleAppender {
	return &ConsoleAppender{ws: ws}
}

func (a *ConsoleAppender) Core(enc zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core {
	return zapcore.NewCore(enc, a.ws, level)
}

func (a *ConsoleAppender) Refresh() {
	_ = a.ws.Sync()
}

func (a *ConsoleAppender) Close() error {
	return nil
}

// FileAppender writes to a size-rotated file through lumberjack.
type FileAppender struct {
	file *lumberjack.Logger
	ws   zapcore.WriteSyncer
	buf  *zapcore.BufferedWriteSyncer
}

// NewFileAppender creates a rotating file appender from cfg.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	lj := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.FileSplitMB, // MB
		MaxBackups: cfg.FileMaxBackups,
		MaxAge:     cfg.FileMaxAgeDays,
		Compress:   false,
	}
	a := &FileAppender{file: lj, ws: zapcore.AddSync(lj)}
	if cfg.IsAsync {
		a.buf = &zapcore.BufferedWriteSyncer{
			WS:            a.ws,
			Size:          cfg.AsyncCacheSize,
			FlushInterval: time.Duration(cfg.AsyncWriteMillSec) * time.Millisecond,
		}
		a.ws = a.buf
	}
	return a
}

func (a *FileAppender) Core(enc zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core {
	return zapcore.NewCore(enc, a.ws, level)
}

func (a *FileAppender) Refresh() {
	_ = a.ws.Sync()
}

func (a *FileAppender) Close() error {
	if a.buf != nil {
		if err := a.buf.Stop(); err != nil {
			return err
		}
	}
	return a.file.Close()
}
