package flow

import (
	"context"
	"fmt"
)

// agenda is the operation queue shared by an instance family. Operations
// performed while a chain is draining are queued instead of recursing.
type agenda struct {
	ctx      context.Context
	queue    []pendingOperation
	running  bool
	effects  []func(context.Context)
	undo     []func(context.Context)
	steps    int
	maxSteps int
}

type pendingOperation struct {
	op AtomicOperation
	e  *Execution
}

func (e *Execution) agenda() *agenda {
	root := e.familyRoot()
	if root.ag == nil {
		root.ag = &agenda{ctx: context.Background(), maxSteps: e.rt.maxSteps}
	}
	return root.ag
}

// PerformOperation executes op against the token, queueing it when a chain is already running.
func (e *Execution) PerformOperation(op AtomicOperation) error {
	return e.agenda().perform(e, op)
}

// performOperation queues op and ignores the returned error; only valid while the agenda is draining.
func (e *Execution) performOperation(op AtomicOperation) {
	ag := e.agenda()
	ag.queue = append(ag.queue, pendingOperation{op: op, e: e})
}

// afterCommit registers a side effect released once the top-level command succeeds.
func (e *Execution) afterCommit(fn func(context.Context)) {
	if fn == nil {
		return
	}
	ag := e.agenda()
	ag.effects = append(ag.effects, fn)
}

// onRollback registers a compensation for a collaborator write made inside the
// command. Compensations run in reverse order when the command fails.
func (e *Execution) onRollback(fn func(context.Context)) {
	if fn == nil {
		return
	}
	ag := e.agenda()
	ag.undo = append(ag.undo, fn)
}

func (a *agenda) perform(e *Execution, op AtomicOperation) error {
	a.queue = append(a.queue, pendingOperation{op: op, e: e})
	if a.running {
		return nil
	}
	return a.drain()
}

func (a *agenda) drain() error {
	a.running = true
	defer func() { a.running = false }()

	for len(a.queue) > 0 {
		if a.ctx != nil {
			if err := a.ctx.Err(); err != nil {
				a.queue = nil
				return err
			}
		}
		next := a.queue[0]
		a.queue = a.queue[1:]
		if next.e.isEnded && !next.op.runsOnEnded() {
			continue
		}
		a.steps++
		if a.maxSteps > 0 && a.steps > a.maxSteps {
			a.queue = nil
			return illegalState(
				fmt.Sprintf("operation limit of %d exceeded", a.maxSteps),
				nil,
				positionFields(next.e),
			)
		}
		next.e.rt.logger.Trace("perform %s on %s", next.op.Name(), next.e)
		if err := next.op.Execute(next.e); err != nil {
			a.queue = nil
			return err
		}
	}
	return nil
}

// runNested drains a fresh queue to completion, then restores the interrupted chain.
func (a *agenda) runNested(e *Execution, op AtomicOperation) error {
	savedQueue, savedRunning := a.queue, a.running
	a.queue, a.running = nil, false
	defer func() {
		a.queue, a.running = savedQueue, savedRunning
	}()
	return a.perform(e, op)
}
