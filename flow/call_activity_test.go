package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCalled(t *testing.T, h *harness) (*Execution, *Execution) {
	t.Helper()
	root := h.start("caller", map[string]any{"order": "o-1"})
	h.complete(root, "prep", nil)
	call := h.at(root, "call")
	sub := call.SubProcessInstance()
	require.NotNil(t, sub, "call activity starts a called instance")
	return root, sub
}

func TestCallActivityRunsCalledInstance(t *testing.T) {
	h := newHarness(t, nil, childTemplate, callerTemplate)
	root, sub := startCalled(t, h)

	assert.Equal(t, []string{"child_task"}, active(root))
	assert.Len(t, NewTree(root).Instances(), 2)
	assert.True(t, sub.IsProcessInstance())
	assert.Same(t, h.at(root, "call"), sub.SuperExecution())
	assert.Equal(t, "child:1", sub.Definition().ID)
	assert.Equal(t, root.BusinessKey(), sub.BusinessKey())

	orderID, ok := sub.VariableLocal("order_id")
	require.True(t, ok)
	assert.Equal(t, "o-1", orderID)
	_, leaked := sub.Variable("order")
	assert.False(t, leaked, "called instances only see mapped variables")

	h.complete(sub, "child_task", map[string]any{"result": "shipped"})
	assert.True(t, sub.IsEnded())
	assert.Equal(t, []string{"after"}, active(root))
	result, _ := root.Variable("child_result")
	assert.Equal(t, "shipped", result)
	assert.Len(t, h.history.Filter(HistoryProcessEnded, ""), 1)
	assert.Len(t, NewTree(root).Instances(), 1)
	requireConsistentTree(t, root)
}

func TestDeleteInstanceCascadesToCalledInstance(t *testing.T) {
	h := newHarness(t, nil, childTemplate, callerTemplate)
	root, sub := startCalled(t, h)

	require.NoError(t, h.rt.DeleteInstance(h.ctx, root, "cancelled"))
	assert.True(t, root.IsEnded())
	assert.True(t, sub.IsEnded())
	assert.Empty(t, h.tasks.OpenTasks(""))

	ended := h.history.Filter(HistoryProcessEnded, "")
	require.Len(t, ended, 2)
	assert.Equal(t, sub.ID(), ended[0].ProcessInstanceID, "called instance ends first")
	assert.Equal(t, root.ID(), ended[1].ProcessInstanceID)
}

func TestDeleteInstanceWithoutCascadeDetachesCalledInstance(t *testing.T) {
	h := newHarness(t, nil, childTemplate, callerTemplate)
	root, sub := startCalled(t, h)

	require.NoError(t, NewTree(root).DeleteInstance(root.ID(), "cancelled", false))
	assert.True(t, root.IsEnded())
	assert.False(t, sub.IsEnded())
	assert.Nil(t, sub.SuperExecution())
	assert.Equal(t, []string{"child_task"}, active(sub))
}

func TestCallActivityUnknownCalledElement(t *testing.T) {
	h := newHarness(t, nil, callerTemplate)
	root := h.start("caller", nil)

	err := h.tryComplete(root, "prep", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "got %v", err)
}
