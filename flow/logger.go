package flow

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger is the runtime logging contract.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Level orders FmtLogger entries.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelLabels = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelFatal {
		return "WARN"
	}
	return levelLabels[l]
}

// ParseLevel maps a level name to a Level. Unknown names read as warn.
func ParseLevel(name string) Level {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, label := range levelLabels {
		if label == name {
			return Level(i)
		}
	}
	return LevelWarn
}

// FmtLogger writes one line per entry: timestamp, level, message, then the
// sorted fields. It is the runtime default when no logger is configured.
type FmtLogger struct {
	out    io.Writer
	ctx    context.Context
	fields map[string]any
	min    Level
}

// NewFmtLogger writes to stdout when out is nil. Entries below warn are dropped.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, ctx: context.Background(), min: LevelWarn}
}

// WithLevel returns a copy that writes entries at or above the named level.
func (l *FmtLogger) WithLevel(level string) *FmtLogger {
	cp := *l
	cp.min = ParseLevel(level)
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write(LevelTrace, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write(LevelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(LevelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(LevelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(LevelError, msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write(LevelFatal, msg, args) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cp := *l
	cp.ctx = ctx
	return &cp
}

func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	cp := *l
	cp.fields = fieldsOf(l.fields, fields)
	return &cp
}

func (l *FmtLogger) write(level Level, msg string, args []any) {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", level, strings.TrimSpace(msg))
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, fieldValue(l.fields[k]))
	}
	fmt.Fprintln(l.out, b.String())
}

func fieldValue(v any) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func normalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

func withLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = normalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok && len(fields) > 0 {
		return fl.WithFields(fields)
	}
	return logger
}

// tokenLogger scopes logger to the position of e plus any extra fields.
func tokenLogger(logger Logger, e *Execution, extra ...map[string]any) Logger {
	return withLoggerFields(logger, fieldsOf(append([]map[string]any{positionFields(e)}, extra...)...))
}

// fieldsOf merges field sets into a new map; later sets win.
func fieldsOf(sets ...map[string]any) map[string]any {
	n := 0
	for _, set := range sets {
		n += len(set)
	}
	if n == 0 {
		return nil
	}
	out := make(map[string]any, n)
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}
