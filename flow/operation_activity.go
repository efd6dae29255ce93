package flow

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goliatone/go-process/model"
)

type activityExecuteOperation struct{}

func (activityExecuteOperation) Name() string      { return "ACTIVITY_EXECUTE" }
func (activityExecuteOperation) runsOnEnded() bool { return false }

func (activityExecuteOperation) Execute(e *Execution) error {
	act := e.activity
	if act == nil {
		return illegalState("token is not positioned at an activity", nil, positionFields(e))
	}
	behavior := e.rt.behaviorFor(e)
	if behavior == nil {
		return notFound(
			fmt.Sprintf("no behavior registered for activity kind %s", act.Kind),
			positionFields(e),
		)
	}

	start := time.Now()
	err := e.rt.invokeBehavior(e, behavior)
	name := "activity." + string(act.Kind)
	e.rt.metrics.RecordDuration(name, time.Since(start))
	if err == nil {
		e.rt.metrics.RecordSuccess(name)
		return nil
	}
	e.rt.metrics.RecordError(name)

	var thrown *BPMNError
	if stderrors.As(err, &thrown) {
		return e.rt.propagateError(e, thrown)
	}
	return wrapBehaviorError(err, fmt.Sprintf("activity %s failed", act.ID), e)
}

type activityEndOperation struct{}

func (activityEndOperation) Name() string      { return "ACTIVITY_END" }
func (activityEndOperation) runsOnEnded() bool { return false }

func (op activityEndOperation) Execute(e *Execution) error {
	if act := e.activity; act != nil {
		fired, err := e.nextListener(act.ListenersFor(model.ListenerEnd), model.ListenerEnd)
		if err != nil {
			return err
		}
		if fired {
			e.performOperation(op)
			return nil
		}
		e.rt.recordActivityEnd(e, act, "")

		if parentAct := act.Parent; parentAct != nil && !parentAct.IsScope() {
			e.activity = parentAct
			e.performOperation(op)
			return nil
		}
	}

	if e.IsProcessInstance() {
		e.performOperation(OperationProcessEnd)
		return nil
	}

	if e.isScope {
		if err := e.destroyScope("activity ended"); err != nil {
			return err
		}
	}
	parent := e.parent
	concurrent := e.isConcurrent
	e.remove()
	if concurrent {
		pruneConcurrent(parent)
	}
	if len(parent.liveChildren()) > 0 {
		return nil
	}
	return e.rt.scopeCompleted(parent)
}

// scopeCompleted continues a scope token whose last child ended.
func (rt *Runtime) scopeCompleted(scope *Execution) error {
	if scope.IsProcessInstance() {
		scope.performOperation(OperationProcessEnd)
		return nil
	}
	if scope.isMultiInstanceRoot {
		return rt.completeMultiInstance(scope)
	}
	act := scope.scopeActivity
	if act == nil {
		act = scope.activity
	}
	if cb, ok := rt.behaviors.For(act).(CompositeBehavior); ok {
		return wrapBehaviorError(cb.LastExecutionEnded(scope), "scope completion failed", scope)
	}
	scope.isActive = true
	scope.performOperation(OperationActivityEnd)
	return nil
}

// pruneConcurrent clears the concurrent flag of a sole surviving sibling.
func pruneConcurrent(parent *Execution) {
	if parent == nil {
		return
	}
	live := parent.liveChildren()
	if len(live) == 1 {
		live[0].isConcurrent = false
	}
}

// normalizeConcurrency marks the children of parent concurrent exactly when there are several.
func normalizeConcurrency(parent *Execution) {
	if parent == nil {
		return
	}
	live := parent.liveChildren()
	for _, child := range live {
		child.isConcurrent = len(live) > 1
	}
}
