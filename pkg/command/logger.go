package command

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Level is the severity of an engine log message.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "Error"
	}
	return "Info"
}

// LogSink receives engine log messages. Implementations must be safe for
// concurrent use.
type LogSink interface {
	Log(ts time.Time, level Level, msg string)
}

// LogSinkFunc adapts a function to a LogSink.
type LogSinkFunc func(ts time.Time, level Level, msg string)

// Log calls f.
func (f LogSinkFunc) Log(ts time.Time, level Level, msg string) { f(ts, level, msg) }

type sinkHolder struct{ sink LogSink }

var (
	currentSink     atomic.Pointer[sinkHolder]
	loggingDisabled atomic.Bool
)

// SetLogSink installs the process-wide sink. A nil sink silences the engine.
func SetLogSink(sink LogSink) {
	if sink == nil {
		currentSink.Store(nil)
		return
	}
	currentSink.Store(&sinkHolder{sink: sink})
}

// SetLoggingEnabled toggles Info messages. Error messages are always
// delivered to the sink.
func SetLoggingEnabled(enabled bool) {
	loggingDisabled.Store(!enabled)
}

// LoggingEnabled reports whether Info messages are delivered.
func LoggingEnabled() bool {
	return !loggingDisabled.Load()
}

func logf(level Level, format string, args ...any) {
	h := currentSink.Load()
	if h == nil {
		return
	}
	if level == LevelInfo && loggingDisabled.Load() {
		return
	}
	h.sink.Log(time.Now(), level, fmt.Sprintf(format, args...))
}
