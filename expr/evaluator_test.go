package expr

import (
	"context"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vars map[string]any

func (v vars) Variable(name string) (any, bool) {
	val, ok := v[name]
	return val, ok
}

func (v vars) Variables() map[string]any { return v }

func TestSourceNormalizesExpressions(t *testing.T) {
	assert.Equal(t, ".approved", Source("${approved}"))
	assert.Equal(t, ".approved", Source("  ${ approved } "))
	assert.Equal(t, ".amount > 10", Source("${.amount > 10}"))
	assert.Equal(t, "true", Source("${true}"))
	assert.Equal(t, ".plain", Source("plain"))
}

func TestEvaluateReadsVariables(t *testing.T) {
	ev := New()
	ctx := context.Background()

	v, err := ev.Evaluate(ctx, "${approved}", vars{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ev.Evaluate(ctx, "${.amount > 100}", vars{"amount": int64(250)})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ev.Evaluate(ctx, `${"child-" + .kind}`, vars{"kind": "review"})
	require.NoError(t, err)
	assert.Equal(t, "child-review", v)

	v, err = ev.Evaluate(ctx, "${.items | length}", vars{"items": []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestEvaluateMissingVariableIsNil(t *testing.T) {
	v, err := New().Evaluate(context.Background(), "${missing}", vars{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluateReportsTypedErrors(t *testing.T) {
	ev := New()

	_, err := ev.Evaluate(context.Background(), "${.a +}", vars{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid expression")

	_, err = ev.Evaluate(context.Background(), `${error("boom")}`, vars{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestCompileCachesPrograms(t *testing.T) {
	ev := New()
	first, err := ev.Compile("${a}")
	require.NoError(t, err)
	second, err := ev.Compile("${a}")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestEvaluateExposesVarsVariable(t *testing.T) {
	ev := New()
	ctx := context.Background()

	v, err := ev.Evaluate(ctx, "${$vars.amount > 10}", vars{"amount": 25})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ev.Evaluate(ctx, `${$vars | keys}`, vars{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestNormalizeKeepsLargeUnsignedValues(t *testing.T) {
	assert.Equal(t, 7, normalize(uint8(7)))
	assert.Equal(t, -3, normalize(int16(-3)))
	assert.Equal(t, math.MaxInt64, normalize(uint64(math.MaxInt64)))

	huge, ok := normalize(uint64(math.MaxUint64)).(*big.Int)
	require.True(t, ok)
	assert.Equal(t, "18446744073709551615", huge.String())

	v, err := New().Evaluate(context.Background(), "${.n > 0}", vars{"n": uint64(math.MaxUint64)})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}
