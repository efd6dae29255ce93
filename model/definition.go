package model

import (
	"fmt"
	"strings"
)

// ActivityKind tags the executable semantics of an activity.
type ActivityKind string

const (
	KindStartEvent             ActivityKind = "start_event"
	KindEndEvent               ActivityKind = "end_event"
	KindUserTask               ActivityKind = "user_task"
	KindManualTask             ActivityKind = "manual_task"
	KindReceiveTask            ActivityKind = "receive_task"
	KindServiceTask            ActivityKind = "service_task"
	KindScriptTask             ActivityKind = "script_task"
	KindParallelGateway        ActivityKind = "parallel_gateway"
	KindExclusiveGateway       ActivityKind = "exclusive_gateway"
	KindSubProcess             ActivityKind = "sub_process"
	KindEventSubProcess        ActivityKind = "event_sub_process"
	KindCallActivity           ActivityKind = "call_activity"
	KindBoundaryEvent          ActivityKind = "boundary_event"
	KindIntermediateCatchEvent ActivityKind = "intermediate_catch_event"
)

// EventType identifies the trigger of boundary and catch events.
type EventType string

const (
	EventTimer   EventType = "timer"
	EventMessage EventType = "message"
	EventSignal  EventType = "signal"
	EventError   EventType = "error"
)

// Listener event names.
const (
	ListenerStart = "start"
	ListenerEnd   = "end"
	ListenerTake  = "take"
)

// Listener references an execution listener by registry name.
type Listener struct {
	Event string `json:"event" yaml:"event"`
	Ref   string `json:"ref" yaml:"ref"`
}

// EventDefinition describes the trigger of an event activity.
type EventDefinition struct {
	Type     EventType `json:"type" yaml:"type"`
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	Duration string    `json:"duration,omitempty" yaml:"duration,omitempty"`
	Cycle    string    `json:"cycle,omitempty" yaml:"cycle,omitempty"`
}

// Mapping copies a variable between a caller and a called instance.
type Mapping struct {
	Source     string `json:"source,omitempty" yaml:"source,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	Target     string `json:"target" yaml:"target"`
}

// MultiInstance configures loop characteristics of an activity.
type MultiInstance struct {
	Sequential      bool   `json:"sequential,omitempty" yaml:"sequential,omitempty"`
	Cardinality     string `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	Collection      string `json:"collection,omitempty" yaml:"collection,omitempty"`
	ElementVariable string `json:"element_variable,omitempty" yaml:"element_variable,omitempty"`
}

// Definition is one deployed version of a process template.
type Definition struct {
	ID          string
	Key         string
	Version     int
	TenantID    string
	Name        string
	Activities  []*Activity
	Transitions []*Transition
	Listeners   []Listener
	Properties  map[string]any

	index map[string]*Activity
}

// Activity is a node of the template graph.
type Activity struct {
	ID             string
	Name           string
	Kind           ActivityKind
	Parent         *Activity
	Children       []*Activity
	Incoming       []*Transition
	Outgoing       []*Transition
	BoundaryEvents []*Activity

	// boundary events
	AttachedTo     *Activity
	CancelActivity bool
	Event          *EventDefinition

	// call activities
	CalledElement        string
	CalledElementVersion int
	CalledElementTenant  string
	InMappings           []Mapping
	OutMappings          []Mapping

	MultiInstance *MultiInstance
	Default       string
	Handler       string
	Assignee      string
	Listeners     []Listener
	Properties    map[string]any

	definition *Definition
}

// Transition is a sequence flow between two activities of the same scope.
type Transition struct {
	ID        string
	Source    *Activity
	Target    *Activity
	Condition string
	Listeners []Listener
}

func (d *Definition) String() string {
	if d == nil {
		return "definition(nil)"
	}
	return fmt.Sprintf("definition(%s)", d.ID)
}

// FindActivity resolves an activity anywhere in the definition.
func (d *Definition) FindActivity(id string) (*Activity, bool) {
	if d == nil {
		return nil, false
	}
	act, ok := d.index[strings.TrimSpace(id)]
	return act, ok
}

// AllActivities returns every activity of the definition, boundary events included.
func (d *Definition) AllActivities() []*Activity {
	if d == nil {
		return nil
	}
	var out []*Activity
	var walk func([]*Activity)
	walk = func(acts []*Activity) {
		for _, act := range acts {
			out = append(out, act)
			walk(act.Children)
		}
	}
	walk(d.Activities)
	return out
}

// InitialActivity returns the top-level start event.
func (d *Definition) InitialActivity() *Activity {
	if d == nil {
		return nil
	}
	return initialIn(d.Activities)
}

// InitialActivityStack returns the scope path from the top level down to act, act included.
func (d *Definition) InitialActivityStack(act *Activity) []*Activity {
	if act == nil {
		return nil
	}
	var stack []*Activity
	for cur := act; cur != nil; cur = cur.Parent {
		stack = append([]*Activity{cur}, stack...)
	}
	return stack
}

// ListenersFor returns process-level listener refs for the given event.
func (d *Definition) ListenersFor(event string) []string {
	if d == nil {
		return nil
	}
	return listenerRefs(d.Listeners, event)
}

func (a *Activity) String() string {
	if a == nil {
		return "activity(nil)"
	}
	return fmt.Sprintf("activity(%s)", a.ID)
}

// Definition returns the definition that owns the activity.
func (a *Activity) Definition() *Definition {
	if a == nil {
		return nil
	}
	return a.definition
}

// IsScope reports whether entering the activity requires its own token context.
func (a *Activity) IsScope() bool {
	if a == nil {
		return false
	}
	switch a.Kind {
	case KindSubProcess, KindEventSubProcess, KindCallActivity:
		return true
	}
	return len(a.BoundaryEvents) > 0
}

// IsSubProcess reports whether the activity embeds child activities.
func (a *Activity) IsSubProcess() bool {
	return a != nil && (a.Kind == KindSubProcess || a.Kind == KindEventSubProcess)
}

// IsGateway reports whether the activity is a gateway.
func (a *Activity) IsGateway() bool {
	return a != nil && (a.Kind == KindParallelGateway || a.Kind == KindExclusiveGateway)
}

// IsMultiInstance reports whether loop characteristics are declared.
func (a *Activity) IsMultiInstance() bool {
	return a != nil && a.MultiInstance != nil
}

// Contains reports whether other is nested (at any depth) inside a.
func (a *Activity) Contains(other *Activity) bool {
	if a == nil || other == nil {
		return false
	}
	for cur := other.Parent; cur != nil; cur = cur.Parent {
		if cur == a {
			return true
		}
	}
	return false
}

// InitialActivity returns the start event nested directly in the activity.
func (a *Activity) InitialActivity() *Activity {
	if a == nil {
		return nil
	}
	return initialIn(a.Children)
}

// ListenersFor returns listener refs for the given event.
func (a *Activity) ListenersFor(event string) []string {
	if a == nil {
		return nil
	}
	return listenerRefs(a.Listeners, event)
}

// OutgoingByID returns the outgoing transition with the given id.
func (a *Activity) OutgoingByID(id string) *Transition {
	if a == nil {
		return nil
	}
	for _, tr := range a.Outgoing {
		if tr.ID == id {
			return tr
		}
	}
	return nil
}

// ListenersFor returns transition listener refs for the given event.
func (t *Transition) ListenersFor(event string) []string {
	if t == nil {
		return nil
	}
	return listenerRefs(t.Listeners, event)
}

func (t *Transition) String() string {
	if t == nil {
		return "transition(nil)"
	}
	return fmt.Sprintf("transition(%s: %s -> %s)", t.ID, t.Source.ID, t.Target.ID)
}

func initialIn(acts []*Activity) *Activity {
	for _, act := range acts {
		if act.Kind == KindStartEvent {
			return act
		}
	}
	return nil
}

func listenerRefs(listeners []Listener, event string) []string {
	var refs []string
	for _, l := range listeners {
		if strings.EqualFold(l.Event, event) && strings.TrimSpace(l.Ref) != "" {
			refs = append(refs, strings.TrimSpace(l.Ref))
		}
	}
	return refs
}
