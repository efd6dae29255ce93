package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerAudit(t *testing.T, rt *Runtime) {
	t.Helper()
	require.NoError(t, rt.Handlers().Register("audit", func(_ context.Context, e *Execution) error {
		e.SetVariable("audited", true)
		return nil
	}))
}

func TestStartProcessRunsUntilWaitState(t *testing.T) {
	h := newHarness(t, nil, reviewTemplate)
	root := h.start("review", map[string]any{"pages": 12})

	assert.Equal(t, []string{"review"}, active(root))
	assert.True(t, root.IsProcessInstance())
	assert.Nil(t, root.Activity(), "instance root stays unpositioned")
	assert.Equal(t, "bk-review", root.BusinessKey())
	requireConsistentTree(t, root)

	task := h.task(h.at(root, "review"))
	assert.Equal(t, "alice", task.Assignee)
	assert.Equal(t, root.ID(), task.ProcessInstanceID)
	assert.Equal(t, "review:1", task.DefinitionID)

	assert.Equal(t, []HistoryEventType{
		HistoryProcessStarted,
		HistoryActivityStarted,
		HistoryActivityEnded,
		HistorySequenceFlowTaken,
		HistoryActivityStarted,
		HistoryTaskAssigneeChanged,
	}, historyTypes(h.history.Events()))
	taken := h.history.Filter(HistorySequenceFlowTaken, "review")
	require.Len(t, taken, 1)
	assert.Equal(t, "start", taken[0].SourceActivityID)
}

func TestCompletingTasksEndsInstance(t *testing.T) {
	h := newHarness(t, nil, reviewTemplate)
	registerAudit(t, h.rt)
	root := h.start("review", nil)

	h.complete(root, "review", map[string]any{"verdict": "ok"})
	assert.Equal(t, []string{"approve"}, active(root))
	v, ok := root.VariableLocal("verdict")
	require.True(t, ok, "task variables land on the instance root")
	assert.Equal(t, "ok", v)

	h.complete(root, "approve", nil)
	assert.True(t, root.IsEnded())
	assert.Empty(t, active(root))
	assert.Empty(t, h.tasks.OpenTasks(root.ID()))
	audited, _ := root.Variable("audited")
	assert.Equal(t, true, audited)
	assert.Len(t, h.history.Filter(HistoryProcessEnded, ""), 1)
}

func TestStartProcessAtOpensEnclosingScopes(t *testing.T) {
	h := newHarness(t, nil, nestedTemplate)
	root := h.startAt("nested", "deep")

	assert.Equal(t, []string{"deep"}, active(root))
	leaf := h.at(root, "deep")
	inner := leaf.Parent()
	require.NotNil(t, inner)
	assert.True(t, inner.IsScope())
	assert.Equal(t, "inner", inner.ScopeActivity().ID)
	outer := inner.Parent()
	require.NotNil(t, outer)
	assert.Equal(t, "outer", outer.ScopeActivity().ID)
	assert.Same(t, root, outer.Parent())
	assert.Empty(t, h.history.Filter(HistoryActivityStarted, "start"), "initial start event is skipped")
	requireConsistentTree(t, root)

	h.complete(root, "deep", nil)
	assert.Equal(t, []string{"after"}, active(root))
	assert.Len(t, h.history.Filter(HistoryActivityEnded, "inner"), 1)
	assert.Len(t, h.history.Filter(HistoryActivityEnded, "outer"), 1)
	after := h.at(root, "after")
	assert.False(t, after.IsScope())
	assert.Same(t, root, after.Parent())
}

func TestStartProcessAtUnknownActivity(t *testing.T) {
	h := newHarness(t, nil, nestedTemplate)
	def, ok := h.repo.FindLatestByKey("nested", "")
	require.True(t, ok)

	_, err := h.rt.StartProcessAt(h.ctx, def, "missing", "", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "got %v", err)
}

const routeTemplate = `
key: route
activities:
  - id: start
    kind: start_event
  - id: check
    kind: user_task
  - id: gw
    kind: exclusive_gateway
    default: to_rejected
  - id: approved
    kind: user_task
  - id: rejected
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: check
  - from: check
    to: gw
  - id: to_approved
    from: gw
    to: approved
    condition: ${approved}
  - id: to_rejected
    from: gw
    to: rejected
  - from: approved
    to: end
  - from: rejected
    to: end
`

const strictTemplate = `
key: strict
activities:
  - id: start
    kind: start_event
  - id: gw
    kind: exclusive_gateway
  - id: a
    kind: user_task
  - id: b
    kind: user_task
flows:
  - from: start
    to: gw
  - from: gw
    to: a
    condition: ${approved}
  - from: gw
    to: b
    condition: ${escalate}
`

func TestExclusiveGatewayRouting(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]any
		want string
	}{
		{name: "condition holds", vars: map[string]any{"approved": true}, want: "approved"},
		{name: "condition fails", vars: map[string]any{"approved": false}, want: "rejected"},
		{name: "variable missing", vars: nil, want: "rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, routeTemplate)
			root := h.start("route", nil)
			h.complete(root, "check", tt.vars)
			assert.Equal(t, []string{tt.want}, active(root))
		})
	}
}

func TestExclusiveGatewayWithoutEligibleFlow(t *testing.T) {
	h := newHarness(t, nil, strictTemplate)
	def, _ := h.repo.FindLatestByKey("strict", "")

	_, err := h.rt.StartProcess(h.ctx, def, "", nil)
	require.Error(t, err)
	assert.True(t, IsIllegalState(err), "got %v", err)
	assert.Empty(t, h.history.Events(), "failed commands record nothing")

	root, err := h.rt.StartProcess(h.ctx, def, "", map[string]any{"escalate": "yes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, active(root))
}

const fanoutTemplate = `
key: fanout
activities:
  - id: start
    kind: start_event
  - id: fork
    kind: parallel_gateway
  - id: a
    kind: user_task
  - id: b
    kind: user_task
  - id: c
    kind: user_task
  - id: join
    kind: parallel_gateway
  - id: after
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: fork
  - from: fork
    to: a
  - from: fork
    to: b
  - from: fork
    to: c
  - from: a
    to: join
  - from: b
    to: join
  - from: c
    to: join
  - from: join
    to: after
  - from: after
    to: end
`

func TestParallelGatewayJoinsAllBranches(t *testing.T) {
	h := newHarness(t, nil, fanoutTemplate)
	root := h.start("fanout", nil)

	assert.Equal(t, []string{"a", "b", "c"}, active(root))
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, h.at(root, id).IsConcurrent(), "branch %s", id)
	}

	h.complete(root, "a", nil)
	h.complete(root, "b", nil)
	assert.Equal(t, []string{"c", "join", "join"}, active(root))
	assert.Empty(t, h.history.Filter(HistorySequenceFlowTaken, "after"), "join fired early")
	for _, parked := range waiting(root, "join") {
		assert.False(t, parked.IsActive())
	}

	h.complete(root, "c", nil)
	assert.Equal(t, []string{"after"}, active(root))
	assert.Len(t, h.history.Filter(HistorySequenceFlowTaken, "after"), 1)
	assert.Len(t, root.Children(), 1)
	assert.False(t, h.at(root, "after").IsConcurrent())

	joined := 0
	for _, ev := range h.history.Filter(HistoryActivityEnded, "join") {
		if ev.Reason == "joined" {
			joined++
		}
	}
	assert.Equal(t, 2, joined)
	assert.Equal(t, 4, root.Touched(), "fork plus three arrivals")
	requireConsistentTree(t, root)
}

const listenedTemplate = `
key: listened
listeners:
  - event: start
    ref: trace
  - event: end
    ref: trace
activities:
  - id: start
    kind: start_event
  - id: review
    kind: user_task
    listeners:
      - event: start
        ref: trace
      - event: end
        ref: trace
  - id: end
    kind: end_event
flows:
  - from: start
    to: review
  - from: review
    to: end
    listeners:
      - event: take
        ref: first
      - event: take
        ref: second
`

func TestListenersFireInDeclarationOrder(t *testing.T) {
	h := newHarness(t, nil, listenedTemplate)
	var calls []string
	record := func(name string) ListenerFunc {
		return func(_ context.Context, e *Execution, event string) error {
			calls = append(calls, fmt.Sprintf("%s:%s@%s", name, event, e.ActivityID()))
			return nil
		}
	}
	for _, name := range []string{"trace", "first", "second"} {
		require.NoError(t, h.rt.Listeners().Register(name, record(name)))
	}

	root := h.start("listened", nil)
	h.complete(root, "review", nil)

	assert.True(t, root.IsEnded())
	assert.Equal(t, []string{
		"trace:start@",
		"trace:start@review",
		"trace:end@review",
		"first:take@review",
		"second:take@review",
		"trace:end@",
	}, calls)
}

func TestListenerFailuresAbortTheCommand(t *testing.T) {
	tests := []struct {
		name     string
		listener ListenerFunc
	}{
		{
			name: "error",
			listener: func(context.Context, *Execution, string) error {
				return errors.New("listener refused")
			},
		},
		{
			name: "panic",
			listener: func(context.Context, *Execution, string) error {
				panic("listener exploded")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, listenedTemplate)
			require.NoError(t, h.rt.Listeners().Register("first", func(context.Context, *Execution, string) error { return nil }))
			require.NoError(t, h.rt.Listeners().Register("second", func(context.Context, *Execution, string) error { return nil }))
			require.NoError(t, h.rt.Listeners().Register("trace", tt.listener))

			def, _ := h.repo.FindLatestByKey("listened", "")
			_, err := h.rt.StartProcess(h.ctx, def, "", nil)
			require.Error(t, err)
			assert.True(t, IsBehaviorFailure(err), "got %v", err)
			assert.Empty(t, h.tasks.OpenTasks(""))
			assert.Empty(t, h.history.Events())
		})
	}
}

func TestUnregisteredListenerIsNotFound(t *testing.T) {
	h := newHarness(t, nil, listenedTemplate)
	def, _ := h.repo.FindLatestByKey("listened", "")

	_, err := h.rt.StartProcess(h.ctx, def, "", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "got %v", err)
}

const spinTemplate = `
key: spin
activities:
  - id: start
    kind: start_event
  - id: spin
    kind: exclusive_gateway
flows:
  - from: start
    to: spin
  - from: spin
    to: spin
`

func TestOperationLimitStopsRunawayLoops(t *testing.T) {
	h := newHarness(t, []RuntimeOption{WithMaxSteps(50)}, spinTemplate)
	def, _ := h.repo.FindLatestByKey("spin", "")

	_, err := h.rt.StartProcess(h.ctx, def, "", nil)
	require.Error(t, err)
	assert.True(t, IsIllegalState(err), "got %v", err)
	assert.Contains(t, err.Error(), "operation limit")
}

func TestCancelledContextStopsTheCommand(t *testing.T) {
	h := newHarness(t, nil, reviewTemplate)
	def, _ := h.repo.FindLatestByKey("review", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.rt.StartProcess(ctx, def, "", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.tasks.OpenTasks(""))
}

func TestHandlerFailureDropsSideEffects(t *testing.T) {
	h := newHarness(t, nil, reviewTemplate)
	require.NoError(t, h.rt.Handlers().Register("audit", func(context.Context, *Execution) error {
		return errors.New("ledger offline")
	}))
	root := h.start("review", nil)
	h.complete(root, "review", nil)
	h.history.Reset()

	err := h.tryComplete(root, "approve", nil)
	require.Error(t, err)
	assert.True(t, IsBehaviorFailure(err), "got %v", err)
	assert.Contains(t, err.Error(), "audit")

	open := h.tasks.OpenTasks(root.ID())
	require.Len(t, open, 1, "completion is released only on success")
	assert.Equal(t, "approve", open[0].ActivityID)
	assert.Empty(t, h.history.Events())
}

func TestMissingHandlerIsNotFound(t *testing.T) {
	h := newHarness(t, nil, reviewTemplate)
	root := h.start("review", nil)
	h.complete(root, "review", nil)

	err := h.tryComplete(root, "approve", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestCompleteUnknownTask(t *testing.T) {
	h := newHarness(t, nil, reviewTemplate)
	root := h.start("review", nil)

	err := h.rt.CompleteTask(h.ctx, root, "nope", nil)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestDeleteInstanceFiresEndBottomUp(t *testing.T) {
	h := newHarness(t, nil, nestedTemplate)
	root := h.start("nested", nil)
	require.Equal(t, []string{"deep"}, active(root))
	h.history.Reset()

	require.NoError(t, h.rt.DeleteInstance(h.ctx, root, "withdrawn"))
	assert.True(t, root.IsEnded())
	assert.Empty(t, h.tasks.OpenTasks(""))

	var order []string
	for _, ev := range h.history.Events() {
		if ev.Type == HistoryActivityEnded {
			assert.Equal(t, "withdrawn", ev.Reason)
			order = append(order, ev.ActivityID)
		}
	}
	assert.Equal(t, []string{"deep", "inner", "outer"}, order)
	ended := h.history.Filter(HistoryProcessEnded, "")
	require.Len(t, ended, 1)
	assert.Equal(t, "withdrawn", ended[0].Reason)
}
