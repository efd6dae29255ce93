// Package expr evaluates ${...} expressions with jq over the variables visible from a token.
package expr

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/itchyny/gojq"

	"github.com/goliatone/go-process/flow"
)

const (
	ErrCodeInvalidExpression = "EXPRESSION_INVALID"
	ErrCodeEvaluationFailed  = "EXPRESSION_FAILED"
)

// varsName exposes the visible variables to expressions next to the input.
const varsName = "$vars"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var keywords = map[string]bool{
	"true": true, "false": true, "null": true, "not": true, "empty": true,
}

// Evaluator compiles expressions once and runs them against a variable scope.
// The variables are both the input and $vars, so ${approved}, ${.approved}
// and ${$vars.approved} read the same value.
type Evaluator struct {
	mu      sync.RWMutex
	cache   map[string]*gojq.Code
	timeout time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout bounds a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(ev *Evaluator) {
		if d > 0 {
			ev.timeout = d
		}
	}
}

// New creates an evaluator.
func New(opts ...Option) *Evaluator {
	ev := &Evaluator{cache: make(map[string]*gojq.Code)}
	for _, opt := range opts {
		if opt != nil {
			opt(ev)
		}
	}
	return ev
}

var _ flow.ExpressionEvaluator = (*Evaluator)(nil)

// Evaluate returns the first value produced by the expression, or nil when it produces none.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, scope flow.VariableScope) (any, error) {
	code, err := ev.Compile(expression)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ev.timeout)
		defer cancel()
	}

	input := map[string]any{}
	if scope != nil {
		input = normalize(scope.Variables()).(map[string]any)
	}
	iter := code.RunWithContext(ctx, input, input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, errors.Wrap(err, errors.CategoryHandler, fmt.Sprintf("expression %q failed", expression)).
			WithTextCode(ErrCodeEvaluationFailed).
			WithMetadata(map[string]any{"expression": expression})
	}
	return v, nil
}

// Compile parses an expression, caching the compiled program.
func (ev *Evaluator) Compile(expression string) (*gojq.Code, error) {
	ev.mu.RLock()
	code, ok := ev.cache[expression]
	ev.mu.RUnlock()
	if ok {
		return code, nil
	}

	src := Source(expression)
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("invalid expression %q", expression)).
			WithTextCode(ErrCodeInvalidExpression).
			WithMetadata(map[string]any{"expression": expression})
	}
	code, err = gojq.Compile(query, gojq.WithVariables([]string{varsName}))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("invalid expression %q", expression)).
			WithTextCode(ErrCodeInvalidExpression).
			WithMetadata(map[string]any{"expression": expression})
	}

	ev.mu.Lock()
	ev.cache[expression] = code
	ev.mu.Unlock()
	return code, nil
}

// Source strips the ${...} delimiters and turns a bare identifier into a variable read.
func Source(expression string) string {
	src := strings.TrimSpace(expression)
	if strings.HasPrefix(src, "${") && strings.HasSuffix(src, "}") {
		src = strings.TrimSpace(src[2 : len(src)-1])
	}
	if identifier.MatchString(src) && !keywords[src] {
		return "." + src
	}
	return src
}

// normalize converts Go values into the JSON-like types jq operates on.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, float64, *big.Int:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int8, int16, int32, int64:
		return int(reflect.ValueOf(t).Int())
	case uint, uint8, uint16, uint32, uint64:
		u := reflect.ValueOf(t).Uint()
		if u > math.MaxInt64 {
			return new(big.Int).SetUint64(u)
		}
		return int(u)
	case float32:
		return float64(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Sprint(v)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}
