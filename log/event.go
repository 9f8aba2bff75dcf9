package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LogEvent accumulates structured fields until Msg is called.
// A nil *LogEvent is valid and discards everything, which is what a disabled level returns.
type LogEvent struct {
	logger *GameLogger
	level  Level
	fields []zap.Field
}

// ObjectMarshaller lets a value add its own fields to an event.
type ObjectMarshaller interface {
	MarshalLogObj(e *LogEvent)
}

func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.String(key, val))
	return e
}

func (e *LogEvent) Strs(key string, vals []string) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Strings(key, vals))
	return e
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Int(key, val))
	return e
}

func (e *LogEvent) Int32(key string, val int32) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Int32(key, val))
	return e
}

func (e *LogEvent) Uint16(key string, val uint16) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Uint16(key, val))
	return e
}

func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Uint32(key, val))
	return e
}

func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Uint64(key, val))
	return e
}

func (e *LogEvent) Float64(key string, val float64) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Float64(key, val))
	return e
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Bool(key, val))
	return e
}

func (e *LogEvent) Dur(key string, val time.Duration) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Duration(key, val))
	return e
}

func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	e.fields = append(e.fields, zap.Error(err))
	return e
}

// Obj lets m append its own fields.
func (e *LogEvent) Obj(m ObjectMarshaller) *LogEvent {
	if e == nil || m == nil {
		return e
	}
	m.MarshalLogObj(e)
	return e
}

// Msg writes the event. The event must not be reused afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.logger.write(e, msg)
}

// Msgf writes the event with a formatted message.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.write(e, fmt.Sprintf(format, args...))
}
