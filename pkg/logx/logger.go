package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// source yields the zerolog logger an event is written to. A Service swaps
// its logger on reload, so loggers derived from it follow along.
type source interface {
	zl() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) zl() zerolog.Logger { return zerolog.Logger(f) }

// Logger is a value type carrying bound fields. The zero value discards.
type Logger struct {
	src    source
	fields []Field
}

// Nop never writes.
func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewConsole is a standalone human-readable logger for one-shot commands and
// the boot phase before a Service exists.
func NewConsole(level string) Logger {
	return Logger{src: fixed(build(console(os.Stdout), parseLevel(level, zerolog.InfoLevel)))}
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{src: fixed(build(w, parseLevel(level, zerolog.DebugLevel)))}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := Logger{src: l.src, fields: make([]Field, 0, len(l.fields)+len(fields))}
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if l.src == nil {
		return
	}
	zl := l.src.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Skip emit and the level method.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func build(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
