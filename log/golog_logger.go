package log

import (
	"io"
	"os"

	"github.com/kataras/golog"
)

// Prefix is prepended to every line written by loggers created in this package.
const Prefix = "[wakil] "

// GologLogger adapts a kataras/golog logger. Level filtering happens here,
// so the wrapped instance's own level is kept in sync but never relied on.
type GologLogger struct {
	logger *golog.Logger
	level  LogLevel
}

var _ Logger = (*GologLogger)(nil)

// golog level names indexed by LogLevel.
var gologLevels = [...]string{
	LogLevelDebug: "debug",
	LogLevelInfo:  "info",
	LogLevelWarn:  "warn",
	LogLevelError: "error",
	LogLevelNone:  "disable",
}

// NewGologLogger wraps an existing golog.Logger at info level.
func NewGologLogger(logger *golog.Logger) *GologLogger {
	l := &GologLogger{logger: logger}
	l.SetLevel(LogLevelInfo)
	return l
}

// NewDefaultLogger writes to stderr with the wakil prefix.
func NewDefaultLogger(level LogLevel) *GologLogger {
	return NewCustomLogger(os.Stderr, level)
}

// NewCustomLogger writes to out with the wakil prefix.
func NewCustomLogger(out io.Writer, level LogLevel) *GologLogger {
	g := golog.New()
	g.SetOutput(out)
	g.SetPrefix(Prefix)
	l := NewGologLogger(g)
	l.SetLevel(level)
	return l
}

func (l *GologLogger) enabled(level LogLevel) bool {
	return l.level != LogLevelNone && l.level <= level
}

func (l *GologLogger) Debug(format string, v ...any) {
	if l.enabled(LogLevelDebug) {
		l.logger.Debugf(format, v...)
	}
}

func (l *GologLogger) Info(format string, v ...any) {
	if l.enabled(LogLevelInfo) {
		l.logger.Infof(format, v...)
	}
}

func (l *GologLogger) Warn(format string, v ...any) {
	if l.enabled(LogLevelWarn) {
		l.logger.Warnf(format, v...)
	}
}

func (l *GologLogger) Error(format string, v ...any) {
	if l.enabled(LogLevelError) {
		l.logger.Errorf(format, v...)
	}
}

// SetLevel changes the threshold. Unknown levels map to info.
func (l *GologLogger) SetLevel(level LogLevel) {
	if level < LogLevelDebug || level > LogLevelNone {
		level = LogLevelInfo
	}
	l.level = level
	l.logger.SetLevel(gologLevels[level])
}

// GetLevel returns the current threshold.
func (l *GologLogger) GetLevel() LogLevel {
	return l.level
}
