package flow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/goliatone/go-process/model"
)

// Multi-instance variables kept on the root and on each iteration.
const (
	VarLoopCounter            = "loopCounter"
	VarNrOfInstances          = "nrOfInstances"
	VarNrOfCompletedInstances = "nrOfCompletedInstances"
	VarNrOfActiveInstances    = "nrOfActiveInstances"
)

// multiInstanceBehavior turns the arriving token into a multi-instance root
// and starts the iterations below it.
type multiInstanceBehavior struct{}

func (multiInstanceBehavior) Execute(e *Execution) error {
	rt := e.rt
	act := e.activity
	mi := act.MultiInstance

	items, count, err := rt.resolveIterations(e, mi)
	if err != nil {
		return err
	}

	e.isMultiInstanceRoot = true
	e.ensureScope(act)
	for _, be := range act.BoundaryEvents {
		rt.subscribe(e, be)
	}
	e.isActive = false

	active := count
	if mi.Sequential && count > 0 {
		active = 1
	}
	e.SetVariableLocal(VarNrOfInstances, count)
	e.SetVariableLocal(VarNrOfCompletedInstances, 0)
	e.SetVariableLocal(VarNrOfActiveInstances, active)

	if count == 0 {
		return rt.completeMultiInstance(e)
	}
	for i := 0; i < active; i++ {
		rt.startIteration(e, i, items)
	}
	normalizeConcurrency(e)
	return nil
}

func (rt *Runtime) startIteration(root *Execution, index int, items []any) {
	act := root.activity
	it := root.createChild()
	it.activity = act
	it.SetVariableLocal(VarLoopCounter, index)
	if mi := act.MultiInstance; mi.ElementVariable != "" && index < len(items) {
		it.SetVariableLocal(mi.ElementVariable, items[index])
	}
	it.enter(act)
}

// completeIteration ends one iteration, starting the next one for sequential
// loops and completing the root once every iteration finished.
func (rt *Runtime) completeIteration(it *Execution) error {
	root := it.parent
	act := it.activity
	if err := it.fireListeners(act.ListenersFor(model.ListenerEnd), model.ListenerEnd); err != nil {
		return err
	}
	rt.recordActivityEnd(it, act, "")
	if it.isScope {
		if err := it.destroyScope("iteration completed"); err != nil {
			return err
		}
	}
	it.remove()

	total := intVar(root, VarNrOfInstances)
	completed := intVar(root, VarNrOfCompletedInstances) + 1
	root.SetVariableLocal(VarNrOfCompletedInstances, completed)

	if act.MultiInstance.Sequential && completed < total {
		items, _, err := rt.resolveIterations(root, act.MultiInstance)
		if err != nil {
			return err
		}
		rt.startIteration(root, completed, items)
		return nil
	}

	live := root.liveChildren()
	root.SetVariableLocal(VarNrOfActiveInstances, len(live))
	normalizeConcurrency(root)
	if len(live) > 0 {
		return nil
	}
	return rt.completeMultiInstance(root)
}

// completeMultiInstance continues the root past the multi-instance activity.
func (rt *Runtime) completeMultiInstance(root *Execution) error {
	root.isActive = true
	return rt.leave(root)
}

// resolveIterations returns the collection items, if any, and the iteration count.
func (rt *Runtime) resolveIterations(e *Execution, mi *model.MultiInstance) ([]any, int, error) {
	if ref := strings.TrimSpace(mi.Collection); ref != "" {
		var raw any
		if IsExpression(ref) {
			v, err := rt.evaluate(e, ref)
			if err != nil {
				return nil, 0, err
			}
			raw = v
		} else {
			raw, _ = e.Variable(ref)
		}
		items, ok := toSlice(raw)
		if !ok {
			return nil, 0, illegalState(
				fmt.Sprintf("multi-instance collection %s of %s is not a list", ref, e.ActivityID()),
				nil,
				positionFields(e),
			)
		}
		return items, len(items), nil
	}

	card := strings.TrimSpace(mi.Cardinality)
	if card == "" {
		return nil, 0, illegalState(
			fmt.Sprintf("multi-instance activity %s declares neither cardinality nor collection", e.ActivityID()),
			nil,
			positionFields(e),
		)
	}
	var raw any = card
	if IsExpression(card) {
		v, err := rt.evaluate(e, card)
		if err != nil {
			return nil, 0, err
		}
		raw = v
	}
	n, ok := toInt(raw)
	if !ok || n < 0 {
		return nil, 0, illegalState(
			fmt.Sprintf("invalid multi-instance cardinality %v on %s", raw, e.ActivityID()),
			nil,
			positionFields(e),
		)
	}
	return nil, n, nil
}

func intVar(e *Execution, name string) int {
	v, _ := e.VariableLocal(name)
	n, _ := toInt(v)
	return n
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
