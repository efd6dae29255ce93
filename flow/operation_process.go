package flow

import (
	"github.com/goliatone/go-process/model"
)

type processStartOperation struct{}

func (processStartOperation) Name() string      { return "PROCESS_START" }
func (processStartOperation) runsOnEnded() bool { return false }

func (op processStartOperation) Execute(e *Execution) error {
	def := e.definition
	fired, err := e.nextListener(def.ListenersFor(model.ListenerStart), model.ListenerStart)
	if err != nil {
		return err
	}
	if fired {
		e.performOperation(op)
		return nil
	}
	e.rt.record(e, HistoryEvent{Type: HistoryProcessStarted})
	e.performOperation(OperationProcessStartInitial)
	return nil
}

type processStartInitialOperation struct{}

func (processStartInitialOperation) Name() string      { return "PROCESS_START_INITIAL" }
func (processStartInitialOperation) runsOnEnded() bool { return false }

// Execute walks the initial activity stack, opening one scope token per enclosing scope.
func (processStartInitialOperation) Execute(e *Execution) error {
	def := e.definition
	initial := e.startAt
	if initial == nil {
		initial = def.InitialActivity()
	}
	e.startAt = nil
	if initial == nil {
		return notFound("definition has no initial activity", map[string]any{"definition_id": def.ID})
	}

	e.isActive = false
	e.rt.subscribeEventSubProcesses(e, def.Activities)

	stack := def.InitialActivityStack(initial)
	parent := e
	for _, act := range stack[:len(stack)-1] {
		scope := parent.createChild()
		if err := e.rt.startScope(scope, act); err != nil {
			return err
		}
		parent = scope
	}
	parent.createChild().enter(stack[len(stack)-1])
	return nil
}

type processEndOperation struct{}

func (processEndOperation) Name() string      { return "PROCESS_END" }
func (processEndOperation) runsOnEnded() bool { return false }

// Execute ends the instance root and resumes the calling token when the instance was called.
func (op processEndOperation) Execute(e *Execution) error {
	fired, err := e.nextListener(e.definition.ListenersFor(model.ListenerEnd), model.ListenerEnd)
	if err != nil {
		return err
	}
	if fired {
		e.performOperation(op)
		return nil
	}
	for _, child := range e.Children() {
		if err := e.rt.deleteCascade(child, "process ended"); err != nil {
			return err
		}
	}
	e.isEnded = true
	e.isActive = false
	e.rt.record(e, HistoryEvent{Type: HistoryProcessEnded, Reason: e.deleteReason})
	e.rt.logger.Debug("process instance %s ended", e.id)

	caller := e.superExecution
	if caller == nil || caller.isEnded {
		return nil
	}
	caller.subProcessInstance = nil
	if sb, ok := e.rt.behaviors.For(caller.activity).(SubProcessBehavior); ok {
		return wrapBehaviorError(sb.Completed(caller, e), "called instance completion failed", caller)
	}
	return e.rt.leave(caller)
}
