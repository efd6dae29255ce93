package flow

import (
	"fmt"

	"github.com/goliatone/go-process/model"
)

// leave continues the token along the outgoing transitions of its activity.
// Guarded transitions are taken when their condition holds; the default
// transition is taken only when nothing else matched. Several matches fork.
func (rt *Runtime) leave(e *Execution) error {
	if e.isMultiInstanceIteration() {
		return rt.completeIteration(e)
	}
	act := e.activity
	if act == nil {
		return illegalState("token is not positioned at an activity", nil, positionFields(e))
	}
	if len(act.Outgoing) == 0 {
		e.isActive = true
		e.performOperation(OperationActivityEnd)
		return nil
	}

	var selected []*model.Transition
	var fallback *model.Transition
	for _, tr := range act.Outgoing {
		if act.Default != "" && tr.ID == act.Default {
			fallback = tr
			continue
		}
		ok, err := rt.conditionHolds(e, tr)
		if err != nil {
			return err
		}
		if ok {
			selected = append(selected, tr)
		}
	}
	if len(selected) == 0 && fallback != nil {
		selected = append(selected, fallback)
	}
	switch len(selected) {
	case 0:
		return illegalState(
			fmt.Sprintf("no outgoing sequence flow of %s could be selected", act.ID),
			nil,
			positionFields(e),
		)
	case 1:
		e.take(selected[0])
		return nil
	default:
		return rt.takeAll(e, selected, nil)
	}
}

// takeAll takes every transition from the token's activity. Recyclable tokens
// (joined siblings) are reused for the outgoing paths and the remainder is pruned.
func (rt *Runtime) takeAll(e *Execution, transitions []*model.Transition, recyclable []*Execution) error {
	source := e.activity
	if len(recyclable) == 0 {
		recyclable = []*Execution{e}
	}
	if len(recyclable) > 1 {
		for _, r := range recyclable {
			if r.isScope {
				return illegalState("joining scope tokens is not allowed", nil, positionFields(r))
			}
		}
	}
	// the arriving token survives first
	ordered := make([]*Execution, 0, len(recyclable))
	ordered = append(ordered, e)
	for _, r := range recyclable {
		if r != e {
			ordered = append(ordered, r)
		}
	}

	parent := e.parent
	var active, inactive []*Execution
	for _, child := range parent.liveChildren() {
		if child.isActive {
			active = append(active, child)
		} else {
			inactive = append(inactive, child)
		}
	}

	if len(transitions) == 1 && len(active) == 0 && sameActivity(inactive, source) && len(inactive) == len(ordered) {
		survivor := ordered[0]
		for _, pruned := range ordered[1:] {
			rt.recordActivityEnd(pruned, source, "joined")
			pruned.remove()
		}
		survivor.isConcurrent = false
		survivor.take(transitions[0])
		return nil
	}

	type outgoing struct {
		token *Execution
		tr    *model.Transition
	}
	paths := make([]outgoing, 0, len(transitions))
	for _, tr := range transitions {
		var token *Execution
		if len(ordered) > 0 {
			token = ordered[0]
			ordered = ordered[1:]
		} else {
			token = parent.createChild()
			token.activity = source
		}
		token.isActive = true
		token.isConcurrent = true
		paths = append(paths, outgoing{token: token, tr: tr})
	}
	for _, pruned := range ordered {
		rt.recordActivityEnd(pruned, source, "joined")
		pruned.remove()
	}
	for _, p := range paths {
		p.token.take(p.tr)
	}
	return nil
}

func sameActivity(tokens []*Execution, act *model.Activity) bool {
	for _, t := range tokens {
		if t.activity != act {
			return false
		}
	}
	return true
}

// conditionHolds evaluates a transition guard. Absent guards hold.
func (rt *Runtime) conditionHolds(e *Execution, tr *model.Transition) (bool, error) {
	if tr.Condition == "" {
		return true, nil
	}
	v, err := rt.evaluate(e, tr.Condition)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
