package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/goliatone/go-process/flow"
)

const reviewDoc = `
key: review
activities:
  - id: start
    kind: start_event
  - id: review
    kind: user_task
    assignee: alice
  - id: approve
    kind: user_task
  - id: audit
    kind: service_task
    handler: audit
  - id: end
    kind: end_event
flows:
  - from: start
    to: review
  - from: review
    to: approve
  - from: approve
    to: audit
  - from: audit
    to: end
`

const escalationDoc = `
key: escalation
activities:
  - id: start
    kind: start_event
  - id: wait
    kind: user_task
    boundary:
      - id: deadline
        event:
          type: timer
          duration: 20ms
  - id: escalated
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: wait
  - from: wait
    to: end
  - from: deadline
    to: escalated
  - from: escalated
    to: end
`

type engineFixture struct {
	engine  *Engine
	tasks   *flow.MemoryTaskService
	history *flow.HistoryLog
	spans   *tracetest.InMemoryExporter
	audits  int
	fail    bool
}

func newEngineFixture(t *testing.T, docs ...string) *engineFixture {
	t.Helper()
	f := &engineFixture{
		tasks:   flow.NewMemoryTaskService(),
		history: flow.NewHistoryLog(),
		spans:   tracetest.NewInMemoryExporter(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f.engine = New(
		WithTaskService(f.tasks),
		WithHistorySink(f.history),
		WithTracer(tp.Tracer("test")),
	)
	require.NoError(t, f.engine.Runtime().Handlers().Register("audit", func(context.Context, *flow.Execution) error {
		if f.fail {
			return errors.New("audit unavailable")
		}
		f.audits++
		return nil
	}))
	for _, doc := range docs {
		_, err := f.engine.DeployDocument([]byte(doc))
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })
	return f
}

func (f *engineFixture) spanNamed(name string) (tracetest.SpanStub, bool) {
	for _, span := range f.spans.GetSpans() {
		if span.Name == name {
			return span, true
		}
	}
	return tracetest.SpanStub{}, false
}

func TestEngineRunsInstanceToCompletion(t *testing.T) {
	f := newEngineFixture(t, reviewDoc)
	ctx := context.Background()

	pi, err := f.engine.StartProcessByKey(ctx, "review", map[string]any{"amount": 10}, WithBusinessKey("order-1"))
	require.NoError(t, err)
	assert.Equal(t, "order-1", pi.BusinessKey())

	open := f.tasks.OpenTasks(pi.ID())
	require.Len(t, open, 1)
	assert.Equal(t, "review", open[0].ActivityID)
	assert.Equal(t, "alice", open[0].Assignee)

	require.NoError(t, f.engine.CompleteTask(ctx, open[0].ID, map[string]any{"ok": true}))
	ids, err := f.engine.ActiveActivityIDs(pi.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"approve"}, ids)

	snapshot, ok := f.engine.Instance(pi.ID())
	require.True(t, ok)
	v, _ := snapshot.Variable("ok")
	assert.Equal(t, true, v)

	open = f.tasks.OpenTasks(pi.ID())
	require.Len(t, open, 1)
	require.NoError(t, f.engine.CompleteTask(ctx, open[0].ID, nil))

	assert.Equal(t, 1, f.audits)
	_, ok = f.engine.Instance(pi.ID())
	assert.False(t, ok, "ended instances leave the store")
	assert.Len(t, f.history.Filter(flow.HistoryProcessEnded, ""), 1)

	span, ok := f.spanNamed("process.start")
	require.True(t, ok)
	assert.Equal(t, codes.Ok, span.Status.Code)
}

func TestEngineMoveMigratesTaskInPlace(t *testing.T) {
	f := newEngineFixture(t, reviewDoc)
	ctx := context.Background()

	pi, err := f.engine.StartProcessByKey(ctx, "review", nil)
	require.NoError(t, err)
	before, err := f.engine.Tokens(pi.ID())
	require.NoError(t, err)

	require.NoError(t, f.engine.MoveByActivityIDs(ctx, pi.ID(), []string{"review"}, []string{"approve"}))

	after, err := f.engine.Tokens(pi.ID())
	require.NoError(t, err)
	require.Len(t, after, len(before))
	assert.Equal(t, before[1].ID(), after[1].ID(), "direct migration keeps the token")
	assert.Equal(t, "approve", after[1].ActivityID())

	open := f.tasks.OpenTasks(pi.ID())
	require.Len(t, open, 1)
	assert.Equal(t, "approve", open[0].ActivityID)
}

func TestEngineFailedMoveLeavesInstanceUntouched(t *testing.T) {
	f := newEngineFixture(t, reviewDoc)
	ctx := context.Background()
	f.fail = true

	pi, err := f.engine.StartProcessByKey(ctx, "review", nil)
	require.NoError(t, err)
	before, err := f.engine.Render(pi.ID())
	require.NoError(t, err)

	err = f.engine.MoveByActivityIDs(ctx, pi.ID(), []string{"review"}, []string{"audit"})
	require.Error(t, err)
	assert.True(t, IsBehaviorFailure(err), "got %v", err)

	after, err := f.engine.Render(pi.ID())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	open := f.tasks.OpenTasks(pi.ID())
	require.Len(t, open, 1)
	assert.Equal(t, "review", open[0].ActivityID)

	span, ok := f.spanNamed("process.change_state")
	require.True(t, ok)
	assert.Equal(t, codes.Error, span.Status.Code)

	f.fail = false
	require.NoError(t, f.engine.MoveByActivityIDs(ctx, pi.ID(), []string{"review"}, []string{"audit"}))
	_, ok = f.engine.Instance(pi.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, f.audits)
}

func TestEngineTimerBoundaryFiresThroughScheduler(t *testing.T) {
	f := newEngineFixture(t, escalationDoc)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	pi, err := f.engine.StartProcessByKey(ctx, "escalation", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids, err := f.engine.ActiveActivityIDs(pi.ID())
		return err == nil && len(ids) == 1 && ids[0] == "escalated"
	}, 2*time.Second, 10*time.Millisecond)

	open := f.tasks.OpenTasks(pi.ID())
	require.Len(t, open, 1)
	assert.Equal(t, "escalated", open[0].ActivityID)
}

func TestEngineCommandErrors(t *testing.T) {
	f := newEngineFixture(t, reviewDoc)
	ctx := context.Background()

	_, err := f.engine.StartProcessByKey(ctx, "missing", nil)
	assert.True(t, IsNotFound(err))

	_, err = f.engine.StartProcessAt(ctx, "review:1", "nowhere", nil)
	assert.True(t, IsNotFound(err))

	assert.True(t, IsNotFound(f.engine.Signal(ctx, "ghost", "go", nil)))
	assert.True(t, IsNotFound(f.engine.CompleteTask(ctx, "ghost", nil)))

	pi, err := f.engine.StartProcessByKey(ctx, "review", nil)
	require.NoError(t, err)
	err = f.engine.MoveByActivityIDs(ctx, pi.ID(), []string{"review", "approve"}, []string{"audit", "end"})
	assert.Equal(t, ErrCodeInvalidArgument, ErrorCode(err))
}

func TestEngineStartAtAndDelete(t *testing.T) {
	f := newEngineFixture(t, reviewDoc)
	ctx := context.Background()

	pi, err := f.engine.StartProcessAt(ctx, "review:1", "approve", nil)
	require.NoError(t, err)
	ids, err := f.engine.ActiveActivityIDs(pi.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"approve"}, ids)
	assert.Equal(t, 1, f.engine.Store().Len())

	require.NoError(t, f.engine.DeleteInstance(ctx, pi.ID(), "cleanup"))
	assert.Equal(t, 0, f.engine.Store().Len())
	assert.Empty(t, f.tasks.OpenTasks(pi.ID()))
	assert.True(t, IsNotFound(f.engine.DeleteInstance(ctx, pi.ID(), "again")))
}
