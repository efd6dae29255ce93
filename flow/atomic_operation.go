package flow

import "github.com/goliatone/go-process/model"

// AtomicOperation is one step of the interpreter. Each step either queues
// exactly one successor for the token or ends the chain for it.
type AtomicOperation interface {
	Name() string
	Execute(e *Execution) error
	runsOnEnded() bool
}

// Operation catalogue.
var (
	OperationProcessStart                  AtomicOperation = processStartOperation{}
	OperationProcessStartInitial           AtomicOperation = processStartInitialOperation{}
	OperationActivityExecute               AtomicOperation = activityExecuteOperation{}
	OperationActivityEnd                   AtomicOperation = activityEndOperation{}
	OperationTransitionNotifyListenerEnd   AtomicOperation = transitionNotifyListenerEndOperation{}
	OperationTransitionDestroyScope        AtomicOperation = transitionDestroyScopeOperation{}
	OperationTransitionNotifyListenerTake  AtomicOperation = transitionNotifyListenerTakeOperation{}
	OperationTransitionCreateScope         AtomicOperation = transitionCreateScopeOperation{}
	OperationTransitionNotifyListenerStart AtomicOperation = transitionNotifyListenerStartOperation{}
	OperationProcessEnd                    AtomicOperation = processEndOperation{}
	OperationDeleteCascade                 AtomicOperation = deleteCascadeOperation{}
	OperationDeleteCascadeFireActivityEnd  AtomicOperation = deleteCascadeFireActivityEndOperation{}
)

// nextListener fires the listener at the token's replay index. It reports
// false once every listener of the list has fired and resets the index.
func (e *Execution) nextListener(refs []string, event string) (bool, error) {
	if e.listenerIndex >= len(refs) {
		e.listenerIndex = 0
		return false, nil
	}
	ref := refs[e.listenerIndex]
	e.listenerIndex++
	if err := e.rt.invokeListener(e, ref, event); err != nil {
		e.listenerIndex = 0
		return false, err
	}
	return true, nil
}

// fireListeners fires every listener in order without replay.
func (e *Execution) fireListeners(refs []string, event string) error {
	for _, ref := range refs {
		if err := e.rt.invokeListener(e, ref, event); err != nil {
			return err
		}
	}
	return nil
}

// enter positions the token at act and runs the scope, start-listener and execute steps.
func (e *Execution) enter(act *model.Activity) {
	e.activity = act
	e.transition = nil
	e.isActive = true
	e.performOperation(OperationTransitionCreateScope)
}

// take moves the token along tr.
func (e *Execution) take(tr *model.Transition) {
	e.activity = tr.Source
	e.transition = tr
	e.isActive = true
	e.assigneeOverride = ""
	e.performOperation(OperationTransitionNotifyListenerEnd)
}
