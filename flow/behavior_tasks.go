package flow

import (
	"context"
	"fmt"
	"strings"
)

// userTaskBehavior creates a task record and waits for its completion.
type userTaskBehavior struct{}

func (userTaskBehavior) Execute(e *Execution) error {
	rt := e.rt
	act := e.activity
	assignee := e.assigneeOverride
	e.assigneeOverride = ""
	if assignee == "" && act.Assignee != "" {
		v, err := rt.evaluateString(e, act.Assignee)
		if err != nil {
			return err
		}
		assignee = v
	}
	name := act.Name
	if name == "" {
		name = act.ID
	}
	task := Task{
		ID:                rt.idGen(),
		Name:              name,
		ActivityID:        act.ID,
		ExecutionID:       e.id,
		ProcessInstanceID: e.ProcessInstanceID(),
		DefinitionID:      e.Definition().ID,
		Assignee:          assignee,
		CreatedAt:         rt.now(),
	}
	tasks, logger := rt.tasks, rt.logger
	e.afterCommit(func(ctx context.Context) {
		if err := tasks.CreateTask(ctx, task); err != nil {
			logger.Error("failed to create task %s for %s: %v", task.ID, act.ID, err)
		}
	})
	if assignee != "" {
		rt.record(e, HistoryEvent{Type: HistoryTaskAssigneeChanged, TaskID: task.ID, Assignee: assignee})
	}
	return nil
}

func (userTaskBehavior) Signal(e *Execution, _ string, data map[string]any) error {
	rt := e.rt
	task, ok, err := rt.tasks.FindTaskByExecution(e.Context(), e.id)
	if err != nil {
		return err
	}
	e.SetVariables(data)
	if ok {
		tasks, logger := rt.tasks, rt.logger
		e.afterCommit(func(ctx context.Context) {
			if err := tasks.CompleteTask(ctx, task.ID); err != nil {
				logger.Error("failed to complete task %s: %v", task.ID, err)
			}
		})
	}
	return rt.leave(e)
}

func (userTaskBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityHumanTask, CapabilityWaitState}
}

// manualTaskBehavior waits for an explicit signal without a task record.
type manualTaskBehavior struct{}

func (manualTaskBehavior) Execute(*Execution) error { return nil }

func (manualTaskBehavior) Signal(e *Execution, _ string, data map[string]any) error {
	e.SetVariables(data)
	return e.rt.leave(e)
}

func (manualTaskBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityHumanTask, CapabilityWaitState}
}

// receiveTaskBehavior waits for a message or a signal.
type receiveTaskBehavior struct{}

func (receiveTaskBehavior) Execute(*Execution) error { return nil }

func (receiveTaskBehavior) Signal(e *Execution, _ string, data map[string]any) error {
	e.SetVariables(data)
	return e.rt.leave(e)
}

func (receiveTaskBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityWaitState}
}

// serviceTaskBehavior runs a registered handler and leaves.
type serviceTaskBehavior struct{}

func (serviceTaskBehavior) Execute(e *Execution) error {
	act := e.activity
	ref := act.Handler
	if ref == "" {
		return e.rt.leave(e)
	}
	handler, ok := e.rt.handlers.Lookup(ref)
	if !ok {
		return notFound(
			fmt.Sprintf("handler %s not registered", ref),
			fieldsOf(positionFields(e), map[string]any{"handler": ref}),
		)
	}
	if err := handler(e.Context(), e); err != nil {
		return err
	}
	return e.rt.leave(e)
}

// scriptTaskBehavior evaluates the "script" property and stores the result
// in the variable named by "result_variable".
type scriptTaskBehavior struct{}

func (scriptTaskBehavior) Execute(e *Execution) error {
	act := e.activity
	if act.Handler != "" {
		return serviceTaskBehavior{}.Execute(e)
	}
	script, _ := act.Properties["script"].(string)
	if strings.TrimSpace(script) == "" {
		return e.rt.leave(e)
	}
	v, err := e.rt.evaluate(e, script)
	if err != nil {
		return err
	}
	if target, _ := act.Properties["result_variable"].(string); target != "" {
		e.SetVariable(target, v)
	}
	return e.rt.leave(e)
}
