package process

import (
	"context"
	"fmt"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-process/flow"
)

// GlogLogger adapts a go-logger glog.Logger to the runtime logging contract.
// Runtime messages use printf verbs and are formatted before they reach glog.
type GlogLogger struct {
	logger glog.Logger
}

var (
	_ flow.Logger       = GlogLogger{}
	_ flow.FieldsLogger = GlogLogger{}
)

// NewGlogLogger wraps logger. A nil logger builds a default glog logger.
func NewGlogLogger(logger glog.Logger) GlogLogger {
	if logger == nil {
		logger = glog.NewLogger()
	}
	return GlogLogger{logger: logger}
}

func (l GlogLogger) Trace(msg string, args ...any) { l.logger.Trace(format(msg, args)) }
func (l GlogLogger) Debug(msg string, args ...any) { l.logger.Debug(format(msg, args)) }
func (l GlogLogger) Info(msg string, args ...any)  { l.logger.Info(format(msg, args)) }
func (l GlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(format(msg, args)) }
func (l GlogLogger) Error(msg string, args ...any) { l.logger.Error(format(msg, args)) }
func (l GlogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(format(msg, args)) }

func (l GlogLogger) WithContext(ctx context.Context) flow.Logger {
	return GlogLogger{logger: l.logger.WithContext(ctx)}
}

func (l GlogLogger) WithFields(fields map[string]any) flow.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return GlogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
