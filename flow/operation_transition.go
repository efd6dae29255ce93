package flow

import (
	"github.com/goliatone/go-process/model"
)

type transitionNotifyListenerEndOperation struct{}

func (transitionNotifyListenerEndOperation) Name() string      { return "TRANSITION_NOTIFY_LISTENER_END" }
func (transitionNotifyListenerEndOperation) runsOnEnded() bool { return false }

func (op transitionNotifyListenerEndOperation) Execute(e *Execution) error {
	act := e.activity
	fired, err := e.nextListener(act.ListenersFor(model.ListenerEnd), model.ListenerEnd)
	if err != nil {
		return err
	}
	if fired {
		e.performOperation(op)
		return nil
	}
	e.rt.recordActivityEnd(e, act, "")
	e.performOperation(OperationTransitionDestroyScope)
	return nil
}

type transitionDestroyScopeOperation struct{}

func (transitionDestroyScopeOperation) Name() string      { return "TRANSITION_DESTROY_SCOPE" }
func (transitionDestroyScopeOperation) runsOnEnded() bool { return false }

// Execute leaves the scope of the source activity when the token owns it.
func (transitionDestroyScopeOperation) Execute(e *Execution) error {
	if e.isScope && e.scopeActivity == e.activity {
		if err := e.destroyScope("left " + e.activity.ID); err != nil {
			return err
		}
	}
	e.performOperation(OperationTransitionNotifyListenerTake)
	return nil
}

type transitionNotifyListenerTakeOperation struct{}

func (transitionNotifyListenerTakeOperation) Name() string      { return "TRANSITION_NOTIFY_LISTENER_TAKE" }
func (transitionNotifyListenerTakeOperation) runsOnEnded() bool { return false }

func (op transitionNotifyListenerTakeOperation) Execute(e *Execution) error {
	tr := e.transition
	if tr == nil {
		return illegalState("token has no pending transition", nil, positionFields(e))
	}
	fired, err := e.nextListener(tr.ListenersFor(model.ListenerTake), model.ListenerTake)
	if err != nil {
		return err
	}
	if fired {
		e.performOperation(op)
		return nil
	}
	e.rt.record(e, HistoryEvent{
		Type:             HistorySequenceFlowTaken,
		TransitionID:     tr.ID,
		SourceActivityID: tr.Source.ID,
		ActivityID:       tr.Target.ID,
	})
	e.activity = tr.Target
	e.performOperation(OperationTransitionCreateScope)
	return nil
}

type transitionCreateScopeOperation struct{}

func (transitionCreateScopeOperation) Name() string      { return "TRANSITION_CREATE_SCOPE" }
func (transitionCreateScopeOperation) runsOnEnded() bool { return false }

// Execute turns the token into the scope of the destination activity when it is a scope.
func (transitionCreateScopeOperation) Execute(e *Execution) error {
	act := e.activity
	if act.IsScope() && (!act.IsMultiInstance() || e.isMultiInstanceIteration()) {
		e.rt.openScope(e, act)
	}
	e.performOperation(OperationTransitionNotifyListenerStart)
	return nil
}

type transitionNotifyListenerStartOperation struct{}

func (transitionNotifyListenerStartOperation) Name() string {
	return "TRANSITION_NOTIFY_LISTENER_START"
}
func (transitionNotifyListenerStartOperation) runsOnEnded() bool { return false }

func (op transitionNotifyListenerStartOperation) Execute(e *Execution) error {
	act := e.activity
	fired, err := e.nextListener(act.ListenersFor(model.ListenerStart), model.ListenerStart)
	if err != nil {
		return err
	}
	if fired {
		e.performOperation(op)
		return nil
	}
	e.transition = nil
	e.startedAt = e.rt.now()
	e.rt.record(e, HistoryEvent{Type: HistoryActivityStarted})
	e.performOperation(OperationActivityExecute)
	return nil
}
