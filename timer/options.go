package timer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// LogLevel controls how much of the cron engine's own activity is logged.
// Trigger failures always reach the error handler.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// CycleSyntax selects how the cycle expression of a timer event is read.
type CycleSyntax int

const (
	// CycleDefault accepts five field expressions and descriptors such as @every.
	CycleDefault CycleSyntax = iota
	// CycleStandard is CycleDefault with descriptors enabled explicitly.
	CycleStandard
	// CycleWithSeconds adds a leading seconds field.
	CycleWithSeconds
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the zone cycle expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// WithLogger routes cron engine logs to logger, filtered by the log level.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogWriter writes cron engine logs to writer when no Logger is set.
func WithLogWriter(writer io.Writer) Option {
	return func(s *Scheduler) {
		s.logWriter = writer
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives failed and panicking timer triggers.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

// WithCycleSyntax sets the syntax of timer cycle expressions.
func WithCycleSyntax(syntax CycleSyntax) Option {
	return func(s *Scheduler) {
		s.syntax = syntax
	}
}

// WithClock overrides the time source used to compute the wait of due dates.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// cronOptions translates the scheduler settings for the cron engine that runs cycle timers.
func (s *Scheduler) cronOptions() []rcron.Option {
	var opts []rcron.Option
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	switch s.syntax {
	case CycleStandard:
		opts = append(opts, rcron.WithParser(rcron.NewParser(fields)))
	case CycleWithSeconds:
		opts = append(opts, rcron.WithParser(rcron.NewParser(rcron.Second|fields)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(rcron.Recover(cronLog{onError: s.errorHandler})))
	}
	if l := s.cronLogger(); l != nil {
		opts = append(opts, rcron.WithLogger(l))
	}
	return opts
}

func (s *Scheduler) cronLogger() rcron.Logger {
	if s.logger != nil {
		return cronLog{logger: s.logger, level: s.logLevel}
	}
	out := s.logWriter
	if out == nil {
		if s.logLevel == LogLevelSilent {
			return nil
		}
		out = os.Stdout
	}
	std := log.New(out, "timer: ", log.LstdFlags)
	if s.logLevel >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(std)
	}
	return rcron.PrintfLogger(std)
}

// cronLog feeds cron engine output either to a Logger or, for recovered
// trigger panics, to the error handler.
type cronLog struct {
	logger  Logger
	level   LogLevel
	onError func(error)
}

func (c cronLog) Info(msg string, keysAndValues ...any) {
	if c.logger != nil && c.level >= LogLevelInfo {
		c.logger.Info("%s", withPairs(msg, keysAndValues))
	}
}

func (c cronLog) Error(err error, msg string, keysAndValues ...any) {
	text := withPairs(msg, keysAndValues)
	if err != nil {
		err = fmt.Errorf("%s: %w", text, err)
	} else {
		err = errors.New(text)
	}
	if c.onError != nil {
		c.onError(err)
		return
	}
	if c.logger != nil && c.level >= LogLevelError {
		c.logger.Error("%v", err)
	}
}

// withPairs appends the key/value pairs cron passes along with its messages.
func withPairs(msg string, keysAndValues []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}
