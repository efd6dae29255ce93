package process

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-process/flow"
	"github.com/goliatone/go-process/model"
)

func startStored(t *testing.T) (*InstanceStore, *flow.Runtime, *flow.Execution) {
	t.Helper()
	repo := model.NewRepository()
	def, err := repo.DeployDocument([]byte(reviewDoc))
	require.NoError(t, err)
	rt := flow.NewRuntime(repo)
	root, err := rt.StartProcess(context.Background(), def, "", nil)
	require.NoError(t, err)
	store := NewInstanceStore()
	store.Put(root)
	return store, rt, root
}

func TestInstanceStoreIndexesEveryToken(t *testing.T) {
	store, _, root := startStored(t)

	for _, x := range flow.NewTree(root).Executions() {
		family, ok := store.FamilyOf(x.ID())
		require.True(t, ok, "token %s", x.ID())
		assert.Equal(t, root.ID(), family)
	}
	_, ok := store.FamilyOf("unknown")
	assert.False(t, ok)
}

func TestInstanceStoreRollsBackFailedTransaction(t *testing.T) {
	store, rt, root := startStored(t)
	ctx := context.Background()

	err := store.RunInTransaction(ctx, root.ID(), func(ctx context.Context, tx *flow.Execution) error {
		assert.NotSame(t, root, tx)
		if err := rt.MoveByActivityIDs(ctx, tx, []string{"review"}, []string{"approve"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	snapshot, ok := store.Snapshot(root.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"review"}, flow.NewTree(snapshot).ActiveActivityIDs())

	require.NoError(t, store.RunInTransaction(ctx, root.ID(), func(ctx context.Context, tx *flow.Execution) error {
		return rt.MoveByActivityIDs(ctx, tx, []string{"review"}, []string{"approve"})
	}))
	snapshot, ok = store.Snapshot(root.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"approve"}, flow.NewTree(snapshot).ActiveActivityIDs())
}

func TestInstanceStoreDropsEndedFamilies(t *testing.T) {
	store, rt, root := startStored(t)
	ctx := context.Background()

	require.NoError(t, store.RunInTransaction(ctx, root.ID(), func(ctx context.Context, tx *flow.Execution) error {
		return rt.DeleteInstance(ctx, tx, "done")
	}))
	assert.Equal(t, 0, store.Len())
	_, ok := store.Snapshot(root.ID())
	assert.False(t, ok)

	err := store.RunInTransaction(ctx, root.ID(), func(context.Context, *flow.Execution) error { return nil })
	assert.True(t, IsNotFound(err))
}
