package flow

import (
	"fmt"

	"github.com/goliatone/go-process/model"
)

// parallelGatewayBehavior forks and joins. The arriving token parks at the
// gateway; once as many tokens are parked as there are incoming transitions
// they are consumed and every outgoing transition is taken once.
type parallelGatewayBehavior struct{}

func (parallelGatewayBehavior) Execute(e *Execution) error {
	act := e.activity
	e.isActive = false
	if root := e.parent; root != nil {
		root.touch()
	}

	joined := inactiveConcurrentAt(e, act)
	expected := len(act.Incoming)
	if expected == 0 {
		expected = 1
	}
	if len(joined) < expected {
		e.rt.logger.Debug("parallel gateway %s joined %d of %d", act.ID, len(joined), expected)
		return nil
	}
	return e.rt.takeAll(e, act.Outgoing, joined)
}

func (parallelGatewayBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityGateway}
}

// inactiveConcurrentAt returns the tokens parked at act under the same parent as e.
func inactiveConcurrentAt(e *Execution, act *model.Activity) []*Execution {
	if !e.isConcurrent {
		if e.isActive {
			return nil
		}
		return []*Execution{e}
	}
	var out []*Execution
	for _, sibling := range e.parent.liveChildren() {
		if sibling.activity == act && !sibling.isActive {
			out = append(out, sibling)
		}
	}
	return out
}

// exclusiveGatewayBehavior takes the first outgoing transition whose guard is
// absent or true, in declaration order, falling back to the default transition.
type exclusiveGatewayBehavior struct{}

func (exclusiveGatewayBehavior) Execute(e *Execution) error {
	act := e.activity
	var fallback *model.Transition
	for _, tr := range act.Outgoing {
		if act.Default != "" && tr.ID == act.Default {
			fallback = tr
			continue
		}
		ok, err := e.rt.conditionHolds(e, tr)
		if err != nil {
			return err
		}
		if ok {
			e.take(tr)
			return nil
		}
	}
	if fallback != nil {
		e.take(fallback)
		return nil
	}
	return illegalState(
		fmt.Sprintf("no outgoing sequence flow of exclusive gateway %s is eligible", act.ID),
		nil,
		positionFields(e),
	)
}

func (exclusiveGatewayBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityGateway}
}
