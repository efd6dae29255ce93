package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-process/model"
)

const reviewTemplate = `
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
  - id: inbox
    kind: receive_task
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
  - from: inbox
    to: review
`

const nestedTemplate = `
key: nested
activities:
  - id: start
    kind: start_event
  - id: outer
    kind: sub_process
    activities:
      - id: outer_start
        kind: start_event
      - id: inner
        kind: sub_process
        activities:
          - id: inner_start
            kind: start_event
          - id: deep
            kind: user_task
          - id: inner_end
            kind: end_event
        flows:
          - from: inner_start
            to: deep
          - from: deep
            to: inner_end
      - id: outer_end
        kind: end_event
    flows:
      - from: outer_start
        to: inner
      - from: inner
        to: outer_end
  - id: after
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: outer
  - from: outer
    to: after
  - from: after
    to: end
`

const parallelTemplate = `
key: parallel
activities:
  - id: start
    kind: start_event
  - id: fork
    kind: parallel_gateway
  - id: a
    kind: user_task
  - id: b
    kind: user_task
  - id: join
    kind: parallel_gateway
  - id: box
    kind: sub_process
    activities:
      - id: box_start
        kind: start_event
      - id: x
        kind: user_task
      - id: y
        kind: user_task
      - id: box_end
        kind: end_event
    flows:
      - from: box_start
        to: x
      - from: x
        to: box_end
      - from: y
        to: box_end
  - id: done
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
  - from: a
    to: join
  - from: b
    to: join
  - from: join
    to: box
  - from: box
    to: done
  - from: done
    to: end
`

const childTemplate = `
key: child
activities:
  - id: start
    kind: start_event
  - id: child_task
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: child_task
  - from: child_task
    to: end
`

const callerTemplate = `
key: caller
activities:
  - id: start
    kind: start_event
  - id: prep
    kind: user_task
  - id: call
    kind: call_activity
    called_element: child
    in:
      - source: order
        target: order_id
    out:
      - source: result
        target: child_result
  - id: after
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: prep
  - from: prep
    to: call
  - from: call
    to: after
  - from: after
    to: end
`

// harness drives a runtime with in-memory collaborators.
type harness struct {
	t       *testing.T
	ctx     context.Context
	repo    *model.Repository
	rt      *Runtime
	tasks   *MemoryTaskService
	jobs    *MemoryJobScheduler
	history *HistoryLog
}

func newHarness(t *testing.T, opts []RuntimeOption, templates ...string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		repo:    model.NewRepository(),
		tasks:   NewMemoryTaskService(),
		jobs:    NewMemoryJobScheduler(),
		history: NewHistoryLog(),
	}
	base := []RuntimeOption{
		WithTaskService(h.tasks),
		WithJobScheduler(h.jobs),
		WithHistorySink(h.history),
		WithEvaluator(variableEvaluator),
	}
	h.rt = NewRuntime(h.repo, append(base, opts...)...)
	for _, tpl := range templates {
		h.deploy(tpl)
	}
	return h
}

// variableEvaluator resolves ${name} and ${!name} against the token variables.
var variableEvaluator = EvaluatorFunc(func(_ context.Context, expression string, scope VariableScope) (any, error) {
	name := strings.TrimSpace(expression)
	name = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(name, "${"), "}"))
	if negated, ok := strings.CutPrefix(name, "!"); ok {
		v, _ := scope.Variable(negated)
		return !truthy(v), nil
	}
	v, _ := scope.Variable(name)
	return v, nil
})

func (h *harness) deploy(tpl string) *model.Definition {
	h.t.Helper()
	def, err := h.repo.DeployDocument([]byte(tpl))
	require.NoError(h.t, err)
	return def
}

func (h *harness) start(key string, vars map[string]any) *Execution {
	h.t.Helper()
	def, ok := h.repo.FindLatestByKey(key, "")
	require.True(h.t, ok, "template %s", key)
	root, err := h.rt.StartProcess(h.ctx, def, "bk-"+key, vars)
	require.NoError(h.t, err)
	return root
}

func (h *harness) startAt(key, activityID string) *Execution {
	h.t.Helper()
	def, ok := h.repo.FindLatestByKey(key, "")
	require.True(h.t, ok, "template %s", key)
	root, err := h.rt.StartProcessAt(h.ctx, def, activityID, "", nil)
	require.NoError(h.t, err)
	return root
}

// waiting returns the leaf tokens of the instance positioned at activityID.
func waiting(instance *Execution, activityID string) []*Execution {
	var out []*Execution
	for _, x := range NewTree(instance).ExecutionsAtActivity(instance.ProcessInstanceID(), activityID) {
		if len(x.liveChildren()) == 0 {
			out = append(out, x)
		}
	}
	return out
}

// at returns the single leaf token of the instance waiting at activityID.
func (h *harness) at(instance *Execution, activityID string) *Execution {
	h.t.Helper()
	tokens := waiting(instance, activityID)
	require.Len(h.t, tokens, 1, "tokens at %s", activityID)
	return tokens[0]
}

// complete completes the open task of the token at activityID.
func (h *harness) complete(instance *Execution, activityID string, vars map[string]any) {
	h.t.Helper()
	require.NoError(h.t, h.tryComplete(instance, activityID, vars))
}

func (h *harness) tryComplete(instance *Execution, activityID string, vars map[string]any) error {
	h.t.Helper()
	return h.completeToken(instance, h.at(instance, activityID), vars)
}

func (h *harness) completeToken(instance, x *Execution, vars map[string]any) error {
	h.t.Helper()
	task, ok, err := h.tasks.FindTaskByExecution(h.ctx, x.ID())
	require.NoError(h.t, err)
	require.True(h.t, ok, "open task for %s", x)
	return h.rt.CompleteTask(h.ctx, instance, task.ID, vars)
}

func (h *harness) task(x *Execution) Task {
	h.t.Helper()
	task, ok, err := h.tasks.FindTaskByExecution(h.ctx, x.ID())
	require.NoError(h.t, err)
	require.True(h.t, ok, "open task for %s", x)
	return task
}

func historyTypes(events []HistoryEvent) []HistoryEventType {
	out := make([]HistoryEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func active(root *Execution) []string {
	return NewTree(root).ActiveActivityIDs()
}

// requireConsistentTree checks every live token hangs off its parent and
// belongs to the instance its parent belongs to.
func requireConsistentTree(t *testing.T, root *Execution) {
	t.Helper()
	NewTree(root).Root().walk(func(x *Execution) bool {
		require.False(t, x.isEnded, "ended token %s reachable", x.id)
		if x.parent == nil {
			return true
		}
		found := false
		for _, child := range x.parent.children {
			if child == x {
				found = true
			}
		}
		require.True(t, found, "token %s missing from its parent", x.id)
		require.Same(t, x.parent.ProcessInstance(), x.ProcessInstance(), "token %s", x.id)
		return true
	})
}
