package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const panelTemplate = `
key: panel
activities:
  - id: start
    kind: start_event
  - id: vote
    kind: user_task
    multi_instance:
      cardinality: "3"
  - id: after
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: vote
  - from: vote
    to: after
  - from: after
    to: end
`

const serialTemplate = `
key: serial
activities:
  - id: start
    kind: start_event
  - id: sign
    kind: user_task
    assignee: ${reviewer}
    multi_instance:
      sequential: true
      collection: reviewers
      element_variable: reviewer
  - id: after
    kind: user_task
  - id: end
    kind: end_event
flows:
  - from: start
    to: sign
  - from: sign
    to: after
  - from: after
    to: end
`

func multiInstanceRoot(t *testing.T, root *Execution, activityID string) *Execution {
	t.Helper()
	for _, x := range NewTree(root).ExecutionsAtActivity(root.ID(), activityID) {
		if x.IsMultiInstanceRoot() {
			return x
		}
	}
	t.Fatalf("no multi-instance root at %s", activityID)
	return nil
}

func TestParallelMultiInstance(t *testing.T) {
	h := newHarness(t, nil, panelTemplate)
	root := h.start("panel", nil)

	assert.Equal(t, []string{"vote", "vote", "vote"}, active(root))
	mi := multiInstanceRoot(t, root, "vote")
	assert.False(t, mi.IsActive())
	n, _ := mi.VariableLocal(VarNrOfInstances)
	assert.Equal(t, 3, n)

	iterations := waiting(root, "vote")
	require.Len(t, iterations, 3)
	for i, it := range iterations {
		assert.Same(t, mi, it.Parent())
		assert.True(t, it.IsConcurrent())
		counter, _ := it.VariableLocal(VarLoopCounter)
		assert.Equal(t, i, counter)
	}
	assert.Len(t, h.tasks.OpenTasks(root.ID()), 3)

	require.NoError(t, h.completeToken(root, iterations[1], map[string]any{"score": 7}))
	completed, _ := mi.VariableLocal(VarNrOfCompletedInstances)
	assert.Equal(t, 1, completed)
	activeCount, _ := mi.VariableLocal(VarNrOfActiveInstances)
	assert.Equal(t, 2, activeCount)

	require.NoError(t, h.completeToken(root, iterations[0], nil))
	require.NoError(t, h.completeToken(root, iterations[2], nil))
	assert.Equal(t, []string{"after"}, active(root))
	assert.False(t, mi.IsMultiInstanceRoot(), "the root token continues as a plain token")
	assert.Same(t, mi, h.at(root, "after"))
	_, kept := mi.VariableLocal(VarNrOfInstances)
	assert.False(t, kept, "loop variables are dropped with the scope")
	assert.Len(t, h.history.Filter(HistoryActivityEnded, "vote"), 4)
	requireConsistentTree(t, root)
}

func TestSequentialMultiInstanceOverCollection(t *testing.T) {
	h := newHarness(t, nil, serialTemplate)
	root := h.start("serial", map[string]any{"reviewers": []string{"ann", "bob"}})

	assert.Equal(t, []string{"sign"}, active(root))
	first := h.at(root, "sign")
	reviewer, _ := first.VariableLocal("reviewer")
	assert.Equal(t, "ann", reviewer)
	assert.Equal(t, "ann", h.task(first).Assignee)

	require.NoError(t, h.completeToken(root, first, nil))
	second := h.at(root, "sign")
	assert.NotEqual(t, first.ID(), second.ID())
	counter, _ := second.VariableLocal(VarLoopCounter)
	assert.Equal(t, 1, counter)
	assert.Equal(t, "bob", h.task(second).Assignee)

	require.NoError(t, h.completeToken(root, second, nil))
	assert.Equal(t, []string{"after"}, active(root))
}

func TestMultiInstanceEmptyCollectionSkipsActivity(t *testing.T) {
	h := newHarness(t, nil, serialTemplate)
	root := h.start("serial", map[string]any{"reviewers": []any{}})

	assert.Equal(t, []string{"after"}, active(root))
	assert.Empty(t, h.history.Filter(HistoryTaskAssigneeChanged, ""))
}

func TestMultiInstanceCollectionMustBeList(t *testing.T) {
	h := newHarness(t, nil, serialTemplate)
	def, _ := h.repo.FindLatestByKey("serial", "")

	_, err := h.rt.StartProcess(h.ctx, def, "", map[string]any{"reviewers": "ann"})
	require.Error(t, err)
	assert.True(t, IsIllegalState(err), "got %v", err)
}
