package flow

import (
	"github.com/goliatone/go-process/model"
)

type deleteCascadeOperation struct{}

func (deleteCascadeOperation) Name() string      { return "DELETE_CASCADE" }
func (deleteCascadeOperation) runsOnEnded() bool { return false }

// Execute descends to the first leaf below the token, entering called
// instances, and starts the bottom-up removal from there.
func (deleteCascadeOperation) Execute(e *Execution) error {
	leaf := e
	for {
		if sub := leaf.subProcessInstance; sub != nil && !sub.isEnded {
			sub.deleteReason = leaf.deleteReason
			leaf = sub
			continue
		}
		children := leaf.Children()
		if len(children) == 0 {
			break
		}
		next := children[0]
		next.deleteReason = leaf.deleteReason
		leaf = next
	}
	leaf.performOperation(OperationDeleteCascadeFireActivityEnd)
	return nil
}

type deleteCascadeFireActivityEndOperation struct{}

func (deleteCascadeFireActivityEndOperation) Name() string      { return "DELETE_CASCADE_FIRE_ACTIVITY_END" }
func (deleteCascadeFireActivityEndOperation) runsOnEnded() bool { return false }

// Execute fires the end listeners of a leaf, removes it and climbs toward the deletion root.
func (op deleteCascadeFireActivityEndOperation) Execute(e *Execution) error {
	if act := e.activity; act != nil && !e.isEventScope {
		fired, err := e.nextListener(act.ListenersFor(model.ListenerEnd), model.ListenerEnd)
		if err != nil {
			return err
		}
		if fired {
			e.performOperation(op)
			return nil
		}
		e.rt.recordActivityEnd(e, act, e.deleteReason)
	}

	deleteRoot := e.isDeleteRoot
	e.isDeleteRoot = false

	if e.IsProcessInstance() {
		e.isEnded = true
		e.isActive = false
		e.rt.cancelWaitState(e)
		e.rt.record(e, HistoryEvent{Type: HistoryProcessEnded, Reason: e.deleteReason})
		caller := e.superExecution
		if caller != nil {
			caller.subProcessInstance = nil
		}
		if deleteRoot || caller == nil || caller.isEnded {
			return nil
		}
		caller.performOperation(OperationDeleteCascade)
		return nil
	}

	parent := e.parent
	concurrent := e.isConcurrent
	e.remove()
	if concurrent {
		pruneConcurrent(parent)
	}
	if deleteRoot {
		return nil
	}
	parent.performOperation(OperationDeleteCascade)
	return nil
}

// deleteCascade removes e and everything below it, called instances included, and waits for completion.
func (rt *Runtime) deleteCascade(e *Execution, reason string) error {
	if e == nil || e.isEnded {
		return nil
	}
	e.deleteReason = reason
	e.isDeleteRoot = true
	return e.agenda().runNested(e, OperationDeleteCascade)
}

// deleteChildren removes every child of e except the ones listed in keep.
func (rt *Runtime) deleteChildren(e *Execution, reason string, keep map[string]bool) error {
	if sub := e.subProcessInstance; sub != nil && !sub.isEnded {
		if err := rt.deleteCascade(sub, reason); err != nil {
			return err
		}
	}
	for _, child := range e.Children() {
		if keep[child.id] {
			continue
		}
		if err := rt.deleteCascade(child, reason); err != nil {
			return err
		}
	}
	return nil
}
