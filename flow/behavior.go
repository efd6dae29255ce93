package flow

import (
	"sync"

	"github.com/goliatone/go-process/model"
)

// ActivityBehavior executes a token that arrived at an activity. It either
// moves the token on (leave, end) or leaves it waiting.
type ActivityBehavior interface {
	Execute(e *Execution) error
}

// SignallableBehavior resumes a waiting token.
type SignallableBehavior interface {
	ActivityBehavior
	Signal(e *Execution, name string, data map[string]any) error
}

// CompositeBehavior is notified when the last child of a scope token ended.
type CompositeBehavior interface {
	LastExecutionEnded(scope *Execution) error
}

// SubProcessBehavior is notified when a called instance ended.
type SubProcessBehavior interface {
	Completed(caller, called *Execution) error
}

// Capability tags a behavior for structural decisions such as direct migration.
type Capability string

const (
	CapabilityHumanTask    Capability = "human-task"
	CapabilityWaitState    Capability = "wait-state"
	CapabilityGateway      Capability = "gateway"
	CapabilityScope        Capability = "scope"
	CapabilityCallActivity Capability = "call-activity"
)

// Capabilities is a set of capability tags.
type Capabilities []Capability

// Has reports whether c contains capability.
func (c Capabilities) Has(capability Capability) bool {
	for _, v := range c {
		if v == capability {
			return true
		}
	}
	return false
}

// CapableBehavior declares the capabilities of a behavior.
type CapableBehavior interface {
	Capabilities() Capabilities
}

// BehaviorRegistry resolves activity behaviors by kind, with per-activity overrides.
type BehaviorRegistry struct {
	mu         sync.RWMutex
	byKind     map[model.ActivityKind]ActivityBehavior
	byActivity map[string]ActivityBehavior
}

// NewBehaviorRegistry returns a registry holding the built-in behaviors.
func NewBehaviorRegistry() *BehaviorRegistry {
	return &BehaviorRegistry{
		byKind: map[model.ActivityKind]ActivityBehavior{
			model.KindStartEvent:             noneEventBehavior{},
			model.KindEndEvent:               endEventBehavior{},
			model.KindUserTask:               userTaskBehavior{},
			model.KindManualTask:             manualTaskBehavior{},
			model.KindReceiveTask:            receiveTaskBehavior{},
			model.KindServiceTask:            serviceTaskBehavior{},
			model.KindScriptTask:             scriptTaskBehavior{},
			model.KindParallelGateway:        parallelGatewayBehavior{},
			model.KindExclusiveGateway:       exclusiveGatewayBehavior{},
			model.KindSubProcess:             subProcessBehavior{},
			model.KindEventSubProcess:        eventSubProcessBehavior{},
			model.KindCallActivity:           callActivityBehavior{},
			model.KindBoundaryEvent:          boundaryEventBehavior{},
			model.KindIntermediateCatchEvent: intermediateCatchEventBehavior{},
		},
		byActivity: make(map[string]ActivityBehavior),
	}
}

// Register sets the behavior for every activity of kind.
func (r *BehaviorRegistry) Register(kind model.ActivityKind, behavior ActivityBehavior) {
	if behavior == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = behavior
}

// RegisterActivity overrides the behavior of a single activity id.
func (r *BehaviorRegistry) RegisterActivity(activityID string, behavior ActivityBehavior) {
	if behavior == nil || activityID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byActivity[activityID] = behavior
}

// For returns the behavior of act, or nil.
func (r *BehaviorRegistry) For(act *model.Activity) ActivityBehavior {
	if r == nil || act == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.byActivity[act.ID]; ok {
		return b
	}
	return r.byKind[act.Kind]
}

// Capabilities returns the capability tags of the behavior bound to act.
func (r *BehaviorRegistry) Capabilities(act *model.Activity) Capabilities {
	if cb, ok := r.For(act).(CapableBehavior); ok {
		return cb.Capabilities()
	}
	return nil
}
