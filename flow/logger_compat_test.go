package flow

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-process/model"
)

type glogCompatLogger struct {
	logger glog.Logger
}

func (l glogCompatLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogCompatLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogCompatLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogCompatLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogCompatLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogCompatLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogCompatLogger) WithContext(ctx context.Context) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithContext(ctx)
	}
	return glogCompatLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogCompatLogger) WithFields(fields map[string]any) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogCompatLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func TestRuntimeLogsThroughGoLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	base := glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("trace"),
	)
	h := newHarness(t, []RuntimeOption{WithLogger(glogCompatLogger{logger: base})}, reviewTemplate)

	root := h.start("review", nil)
	logged := buf.String()
	if strings.TrimSpace(logged) == "" {
		t.Fatalf("expected go-logger output")
	}
	if !strings.Contains(logged, "process_instance_id") || !strings.Contains(logged, root.ID()) {
		t.Fatalf("expected structured instance fields in output, got %s", logged)
	}

	buf.Reset()
	if err := h.rt.MoveByActivityIDs(h.ctx, root, []string{"review"}, []string{"nowhere"}); err == nil {
		t.Fatalf("expected move to unknown activity to fail")
	}
	if !strings.Contains(buf.String(), ErrCodeNotFound) {
		t.Fatalf("expected failed command to log its error code, got %s", buf.String())
	}
}

func TestRuntimeFallsBackToFmtLogger(t *testing.T) {
	rt := NewRuntime(model.NewRepository(), WithLogger(nil))
	if _, ok := rt.logger.(*FmtLogger); !ok {
		t.Fatalf("expected nil logger to normalize to FmtLogger fallback")
	}

	buf := &bytes.Buffer{}
	h := newHarness(t, []RuntimeOption{WithLogger(NewFmtLogger(buf).WithLevel("debug"))}, reviewTemplate)
	root := h.start("review", nil)
	if err := h.rt.MoveByActivityIDs(h.ctx, root, []string{"review"}, []string{"nowhere"}); err == nil {
		t.Fatalf("expected move to unknown activity to fail")
	}
	out := buf.String()
	if !strings.Contains(out, "error_code="+ErrCodeNotFound) {
		t.Fatalf("expected fields rendered as key=value, got %s", out)
	}
	if !strings.Contains(out, "DEBUG") {
		t.Fatalf("expected debug level entries, got %s", out)
	}
}
