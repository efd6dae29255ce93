package flow

import (
	"context"
	"fmt"

	"github.com/goliatone/go-process/model"
)

// BPMNError is a business error thrown by a handler or an error end event.
// It is caught by the nearest enclosing error boundary event.
type BPMNError struct {
	Code    string
	Message string
}

func (e *BPMNError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("business error %s: %s", e.Code, e.Message)
	}
	return "business error " + e.Code
}

// noneEventBehavior passes the token straight through.
type noneEventBehavior struct{}

func (noneEventBehavior) Execute(e *Execution) error {
	return e.rt.leave(e)
}

// endEventBehavior ends the token, or throws when the end event carries an error definition.
type endEventBehavior struct{}

func (endEventBehavior) Execute(e *Execution) error {
	if ev := e.activity.Event; ev != nil && ev.Type == model.EventError {
		return &BPMNError{Code: ev.Name}
	}
	e.performOperation(OperationActivityEnd)
	return nil
}

// intermediateCatchEventBehavior waits for its timer, message or signal.
type intermediateCatchEventBehavior struct{}

func (intermediateCatchEventBehavior) Execute(e *Execution) error {
	if ev := e.activity.Event; ev != nil && ev.Type == model.EventTimer {
		e.rt.scheduleTimer(e, ev)
	}
	return nil
}

func (intermediateCatchEventBehavior) Signal(e *Execution, _ string, data map[string]any) error {
	e.SetVariables(data)
	return e.rt.leave(e)
}

func (intermediateCatchEventBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityWaitState}
}

// boundaryEventBehavior fires an event placeholder attached to its host token.
type boundaryEventBehavior struct{}

func (boundaryEventBehavior) Execute(e *Execution) error {
	return e.rt.leave(e)
}

// Signal fires the boundary event. Interrupting events tear down the host
// activity and continue the host token; others fork a concurrent token.
func (boundaryEventBehavior) Signal(placeholder *Execution, _ string, data map[string]any) error {
	rt := placeholder.rt
	be := placeholder.activity
	host := placeholder.parent
	if !placeholder.isEventScope || host == nil || host.isEnded {
		return illegalState(fmt.Sprintf("boundary event %s has no live host", be.ID), nil, positionFields(placeholder))
	}
	host.SetVariables(data)
	reason := "boundary event " + be.ID

	if be.CancelActivity {
		if err := rt.deleteChildren(host, reason, nil); err != nil {
			return err
		}
		host.deleteReason = reason
		rt.cancelWaitState(host)
		if act := host.activity; act != nil {
			rt.recordActivityEnd(host, act, reason)
		}
		if err := host.destroyScope(reason); err != nil {
			return err
		}
		host.deleteReason = ""
		host.isActive = true
		host.activity = be
		rt.record(host, HistoryEvent{Type: HistoryActivityStarted})
		return rt.leave(host)
	}

	parent := host.parent
	fork := parent.createChild()
	fork.activity = be
	fork.startedAt = rt.now()
	normalizeConcurrency(parent)
	rt.record(fork, HistoryEvent{Type: HistoryActivityStarted})
	return rt.leave(fork)
}

func (boundaryEventBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityWaitState}
}

// propagateError routes a business error to the nearest enclosing error
// boundary event, crossing into calling instances.
func (rt *Runtime) propagateError(e *Execution, thrown *BPMNError) error {
	for cur := e; cur != nil; {
		for _, placeholder := range cur.eventScopeChildren() {
			ev := placeholder.activity.Event
			if placeholder.activity.Kind != model.KindBoundaryEvent || ev == nil || ev.Type != model.EventError {
				continue
			}
			if ev.Name != "" && ev.Name != thrown.Code {
				continue
			}
			rt.logger.Debug("error %s caught by %s", thrown.Code, placeholder.activity.ID)
			return boundaryEventBehavior{}.Signal(placeholder, "error", map[string]any{"errorCode": thrown.Code})
		}
		if cur.parent != nil {
			cur = cur.parent
			continue
		}
		cur = cur.superExecution
	}
	return cloneRuntimeError(
		ErrBehaviorFailed,
		fmt.Sprintf("unhandled business error %s", thrown.Code),
		thrown,
		positionFields(e),
	)
}

// DeliverMessage resumes the first token of the family waiting for the named message.
func (rt *Runtime) DeliverMessage(ctx context.Context, root *Execution, name string, data map[string]any) error {
	if root == nil {
		return invalidArgument("process instance is required", nil)
	}
	return rt.run(ctx, root, func() error {
		waiting := waitingFor(root.familyRoot(), model.EventMessage, name)
		if len(waiting) == 0 {
			return notFound(
				fmt.Sprintf("no token waits for message %s", name),
				map[string]any{"process_instance_id": root.id, "message": name},
			)
		}
		return rt.signalExecution(waiting[0], name, data)
	})
}

// BroadcastSignal resumes every token of the family waiting for the named signal.
func (rt *Runtime) BroadcastSignal(ctx context.Context, root *Execution, name string, data map[string]any) (int, error) {
	if root == nil {
		return 0, invalidArgument("process instance is required", nil)
	}
	count := 0
	err := rt.run(ctx, root, func() error {
		for _, e := range waitingFor(root.familyRoot(), model.EventSignal, name) {
			if e.isEnded {
				continue
			}
			if err := rt.signalExecution(e, name, data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func waitingFor(root *Execution, eventType model.EventType, name string) []*Execution {
	var out []*Execution
	root.walk(func(x *Execution) bool {
		act := x.activity
		if act == nil || x.isEnded {
			return true
		}
		ev := act.Event
		if act.Kind == model.KindEventSubProcess {
			if start := act.InitialActivity(); start != nil {
				ev = start.Event
			}
		}
		if ev == nil || ev.Type != eventType || ev.Name != name {
			return true
		}
		switch {
		case x.isEventScope:
			out = append(out, x)
		case x.isActive && (act.Kind == model.KindIntermediateCatchEvent || act.Kind == model.KindReceiveTask):
			out = append(out, x)
		}
		return true
	})
	return out
}
