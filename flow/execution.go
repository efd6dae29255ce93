package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-process/model"
)

// Execution is a token of a running process instance.
//
// The instance root is the scope of the whole definition and is never
// positioned at an activity once started. Walking tokens are its children.
// Entering a scope activity turns the arriving token into a scope token for
// that activity and leaving the activity turns it back.
type Execution struct {
	id         string
	rt         *Runtime
	definition *model.Definition

	activity      *model.Activity
	scopeActivity *model.Activity

	parent             *Execution
	children           []*Execution
	processInstance    *Execution
	superExecution     *Execution
	subProcessInstance *Execution

	isScope             bool
	isConcurrent        bool
	isActive            bool
	isEventScope        bool
	isEnded             bool
	isMultiInstanceRoot bool
	isDeleteRoot        bool

	businessKey  string
	deleteReason string
	variables    map[string]any
	startedAt    time.Time

	// interpreter cursor
	transition       *model.Transition
	listenerIndex    int
	startAt          *model.Activity
	assigneeOverride string

	touched int
	ag      *agenda
}

func (e *Execution) String() string {
	if e == nil {
		return "execution(nil)"
	}
	act := "-"
	if e.activity != nil {
		act = e.activity.ID
	}
	return fmt.Sprintf("execution(%s@%s)", e.id, act)
}

// ID returns the token id.
func (e *Execution) ID() string { return e.id }

// Activity returns the current position, nil while mid-transition or for instance roots.
func (e *Execution) Activity() *model.Activity { return e.activity }

// ActivityID returns the current activity id or an empty string.
func (e *Execution) ActivityID() string {
	if e == nil || e.activity == nil {
		return ""
	}
	return e.activity.ID
}

// ScopeActivity returns the activity a scope token was created for.
func (e *Execution) ScopeActivity() *model.Activity { return e.scopeActivity }

func (e *Execution) Parent() *Execution { return e.parent }

// Children returns a copy of the child list, ended tokens excluded.
func (e *Execution) Children() []*Execution {
	out := make([]*Execution, 0, len(e.children))
	for _, child := range e.children {
		if !child.isEnded {
			out = append(out, child)
		}
	}
	return out
}

// ProcessInstance returns the root token of the instance this token belongs to.
func (e *Execution) ProcessInstance() *Execution {
	if e == nil {
		return nil
	}
	if e.processInstance == nil {
		return e
	}
	return e.processInstance
}

// ProcessInstanceID returns the id of the owning instance.
func (e *Execution) ProcessInstanceID() string { return e.ProcessInstance().id }

// Definition returns the definition the owning instance runs.
func (e *Execution) Definition() *model.Definition { return e.ProcessInstance().definition }

func (e *Execution) SuperExecution() *Execution     { return e.superExecution }
func (e *Execution) SubProcessInstance() *Execution { return e.subProcessInstance }
func (e *Execution) IsScope() bool                  { return e.isScope }
func (e *Execution) IsConcurrent() bool             { return e.isConcurrent }
func (e *Execution) IsActive() bool                 { return e.isActive }
func (e *Execution) IsEventScope() bool             { return e.isEventScope }
func (e *Execution) IsEnded() bool                  { return e.isEnded }
func (e *Execution) IsMultiInstanceRoot() bool      { return e.isMultiInstanceRoot }
func (e *Execution) BusinessKey() string            { return e.ProcessInstance().businessKey }
func (e *Execution) DeleteReason() string           { return e.deleteReason }
func (e *Execution) StartedAt() time.Time           { return e.startedAt }

// IsProcessInstance reports whether the token is an instance root.
func (e *Execution) IsProcessInstance() bool { return e != nil && e.parent == nil }

// Runtime returns the runtime driving the token.
func (e *Execution) Runtime() *Runtime { return e.rt }

// Context returns the context of the operation chain currently driving the token.
func (e *Execution) Context() context.Context {
	if ag := e.familyRoot().ag; ag != nil && ag.ctx != nil {
		return ag.ctx
	}
	return context.Background()
}

// familyRoot returns the top-most instance root, following call-activity links upward.
func (e *Execution) familyRoot() *Execution {
	root := e.ProcessInstance()
	for root.superExecution != nil {
		root = root.superExecution.ProcessInstance()
	}
	return root
}

func (e *Execution) isMultiInstanceIteration() bool {
	p := e.parent
	return p != nil && !e.isEventScope && p.isMultiInstanceRoot && p.activity == e.activity
}

func (e *Execution) createChild() *Execution {
	child := e.rt.newExecution()
	child.parent = e
	child.processInstance = e.ProcessInstance()
	child.isActive = true
	e.children = append(e.children, child)
	return child
}

// liveChildren returns the non-ended children that are not event-scope placeholders.
func (e *Execution) liveChildren() []*Execution {
	out := make([]*Execution, 0, len(e.children))
	for _, child := range e.children {
		if !child.isEnded && !child.isEventScope {
			out = append(out, child)
		}
	}
	return out
}

func (e *Execution) eventScopeChildren() []*Execution {
	var out []*Execution
	for _, child := range e.children {
		if !child.isEnded && child.isEventScope {
			out = append(out, child)
		}
	}
	return out
}

// detach removes the token from its parent's child list.
func (e *Execution) detach() {
	p := e.parent
	if p == nil {
		return
	}
	for i, child := range p.children {
		if child == e {
			p.children = append(p.children[:i:i], p.children[i+1:]...)
			break
		}
	}
}

// attach moves the token under a new parent.
func (e *Execution) attach(parent *Execution) {
	e.detach()
	e.parent = parent
	e.processInstance = parent.ProcessInstance()
	parent.children = append(parent.children, e)
}

// remove ends the token and detaches it from the tree.
func (e *Execution) remove() {
	e.isEnded = true
	e.isActive = false
	e.detach()
	e.rt.cancelWaitState(e)
}

// ensureScope turns the token into the scope token of act.
func (e *Execution) ensureScope(act *model.Activity) {
	if e.isScope && e.scopeActivity == act {
		return
	}
	e.isScope = true
	e.scopeActivity = act
}

// destroyScope reverts a scope token into a plain token, dropping its local state.
func (e *Execution) destroyScope(reason string) error {
	if !e.isScope || e.IsProcessInstance() {
		return nil
	}
	for _, child := range e.eventScopeChildren() {
		if err := e.rt.deleteCascade(child, reason); err != nil {
			return err
		}
	}
	e.isScope = false
	e.scopeActivity = nil
	e.isMultiInstanceRoot = false
	e.variables = nil
	return nil
}

// walk visits the token and its descendants depth first, following called instances.
func (e *Execution) walk(fn func(*Execution) bool) bool {
	if !fn(e) {
		return false
	}
	for _, child := range e.children {
		if child.isEnded {
			continue
		}
		if !child.walk(fn) {
			return false
		}
	}
	if sub := e.subProcessInstance; sub != nil && !sub.isEnded {
		return sub.walk(fn)
	}
	return true
}

// leaves returns the positioned tokens of this instance without live children.
func (e *Execution) leaves() []*Execution {
	var out []*Execution
	e.walkInstance(func(x *Execution) {
		if x.IsProcessInstance() || x.isEventScope || x.activity == nil {
			return
		}
		if len(x.liveChildren()) == 0 {
			out = append(out, x)
		}
	})
	return out
}

// walkInstance visits the tokens of the owning instance only, not called instances.
func (e *Execution) walkInstance(fn func(*Execution)) {
	var visit func(*Execution)
	visit = func(x *Execution) {
		fn(x)
		for _, child := range x.children {
			if !child.isEnded {
				visit(child)
			}
		}
	}
	visit(e.ProcessInstance())
}

// isAncestorOf reports whether e is a strict ancestor of other in the same instance tree.
func (e *Execution) isAncestorOf(other *Execution) bool {
	for cur := other.parent; cur != nil; cur = cur.parent {
		if cur == e {
			return true
		}
	}
	return false
}

// touch marks the token as locked by the running command, serializing concurrent joins.
func (e *Execution) touch() {
	e.touched++
}

// Touched returns the number of times the token was locked as a concurrent root.
func (e *Execution) Touched() int { return e.touched }
