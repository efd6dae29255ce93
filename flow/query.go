package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Tree answers queries over one instance family: an instance root together
// with every instance it called, transitively.
type Tree struct {
	root *Execution
}

var _ ExecutionQuery = (*Tree)(nil)

// NewTree returns a query view over the family containing e.
func NewTree(e *Execution) *Tree {
	if e == nil {
		return &Tree{}
	}
	return &Tree{root: e.familyRoot()}
}

// Root returns the top-most instance root of the family.
func (t *Tree) Root() *Execution { return t.root }

// FindExecution finds a live token by id, called instances included.
func (t *Tree) FindExecution(id string) (*Execution, bool) {
	if t.root == nil {
		return nil, false
	}
	id = strings.TrimSpace(id)
	var found *Execution
	t.root.walk(func(x *Execution) bool {
		if x.id == id {
			found = x
			return false
		}
		return true
	})
	return found, found != nil
}

// ChildExecutions returns the live children of a token.
func (t *Tree) ChildExecutions(parentID string) []*Execution {
	parent, ok := t.FindExecution(parentID)
	if !ok {
		return nil
	}
	return parent.Children()
}

// ExecutionsAtActivity returns the positioned tokens of one instance at activityID.
func (t *Tree) ExecutionsAtActivity(processInstanceID, activityID string) []*Execution {
	pi, ok := t.FindExecution(processInstanceID)
	if !ok || !pi.IsProcessInstance() {
		return nil
	}
	var out []*Execution
	pi.walkInstance(func(x *Execution) {
		if x.isEventScope || x.activity == nil || x.IsProcessInstance() {
			return
		}
		if x.activity.ID == activityID {
			out = append(out, x)
		}
	})
	return out
}

// Instances returns every instance root of the family, callers first.
func (t *Tree) Instances() []*Execution {
	if t.root == nil {
		return nil
	}
	var out []*Execution
	t.root.walk(func(x *Execution) bool {
		if x.IsProcessInstance() {
			out = append(out, x)
		}
		return true
	})
	return out
}

// Executions returns every live token of the family in depth-first order.
func (t *Tree) Executions() []*Execution {
	if t.root == nil {
		return nil
	}
	var out []*Execution
	t.root.walk(func(x *Execution) bool {
		out = append(out, x)
		return true
	})
	return out
}

// CreateChildExecution adds an active child token below parent.
func (t *Tree) CreateChildExecution(parent *Execution) *Execution {
	return parent.createChild()
}

// DeleteExecution removes a token without live children.
func (t *Tree) DeleteExecution(e *Execution, reason string) error {
	if e == nil || e.isEnded {
		return nil
	}
	if len(e.liveChildren()) > 0 {
		return illegalState(
			fmt.Sprintf("execution %s still has children", e.id),
			nil,
			positionFields(e),
		)
	}
	return t.DeleteSubtree(e, reason)
}

// DeleteSubtree removes e and everything below it.
func (t *Tree) DeleteSubtree(e *Execution, reason string) error {
	if e == nil {
		return nil
	}
	return e.rt.run(context.Background(), e, func() error {
		return e.rt.deleteCascade(e, reason)
	})
}

// DeleteInstance removes the instance with the given id. Without cascade the
// instances it called are detached and left running on their own.
func (t *Tree) DeleteInstance(id, reason string, cascade bool) error {
	pi, ok := t.FindExecution(id)
	if !ok || !pi.IsProcessInstance() {
		return notFound(fmt.Sprintf("process instance %s not found", id), map[string]any{"process_instance_id": id})
	}
	if !cascade {
		pi.walkInstance(func(x *Execution) {
			if sub := x.subProcessInstance; sub != nil {
				sub.superExecution = nil
				x.subProcessInstance = nil
			}
		})
	}
	return t.DeleteSubtree(pi, reason)
}

// ActiveActivityIDs lists the activity ids of every waiting leaf in the family, sorted.
func (t *Tree) ActiveActivityIDs() []string {
	if t.root == nil {
		return nil
	}
	var out []string
	t.root.walk(func(x *Execution) bool {
		if x.IsProcessInstance() || x.isEventScope || x.activity == nil {
			return true
		}
		if len(x.liveChildren()) == 0 && x.subProcessInstance == nil {
			out = append(out, x.activity.ID)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Render prints the family as an indented tree, one token per line.
func (t *Tree) Render() string {
	if t.root == nil {
		return ""
	}
	var b strings.Builder
	var visit func(x *Execution, depth int)
	visit = func(x *Execution, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(describeToken(x))
		b.WriteByte('\n')
		for _, child := range x.Children() {
			visit(child, depth+1)
		}
		if sub := x.subProcessInstance; sub != nil && !sub.isEnded {
			visit(sub, depth+1)
		}
	}
	visit(t.root, 0)
	return b.String()
}

func describeToken(x *Execution) string {
	var flags []string
	if x.IsProcessInstance() {
		flags = append(flags, "instance="+x.definition.ID)
	}
	if x.isScope {
		flags = append(flags, "scope")
	}
	if x.isConcurrent {
		flags = append(flags, "concurrent")
	}
	if x.isEventScope {
		flags = append(flags, "event")
	}
	if x.isMultiInstanceRoot {
		flags = append(flags, "mi-root")
	}
	if !x.isActive {
		flags = append(flags, "inactive")
	}
	act := "-"
	if x.activity != nil {
		act = x.activity.ID
	}
	if len(flags) == 0 {
		return fmt.Sprintf("%s @%s", x.id, act)
	}
	return fmt.Sprintf("%s @%s [%s]", x.id, act, strings.Join(flags, " "))
}

// Clone deep-copies the instance family containing e. The copy shares the
// runtime, definitions and variable values but no token state.
func Clone(e *Execution) *Execution {
	if e == nil {
		return nil
	}
	root := e.familyRoot()
	copies := make(map[*Execution]*Execution)
	root.walk(func(x *Execution) bool {
		c := *x
		c.children = nil
		c.ag = nil
		if x.variables != nil {
			c.variables = make(map[string]any, len(x.variables))
			for k, v := range x.variables {
				c.variables[k] = v
			}
		}
		copies[x] = &c
		return true
	})
	remap := func(x *Execution) *Execution {
		if x == nil {
			return nil
		}
		if c, ok := copies[x]; ok {
			return c
		}
		return nil
	}
	for orig, c := range copies {
		c.parent = remap(orig.parent)
		c.processInstance = remap(orig.processInstance)
		c.superExecution = remap(orig.superExecution)
		c.subProcessInstance = remap(orig.subProcessInstance)
		for _, child := range orig.children {
			if cc := remap(child); cc != nil {
				c.children = append(c.children, cc)
			}
		}
	}
	return copies[root]
}
