package flow

import (
	"github.com/goliatone/go-process/model"
)

// MoveGroup is a set of source tokens migrating together to the same targets.
type MoveGroup struct {
	Executions        []*Execution
	TargetActivityIDs []string
	NewAssigneeID     string

	MoveToParentProcess      bool
	MoveToSubProcessInstance bool
	CallActivityID           string
	SubProcessVersion        int

	// resolved while applying
	Targets              []*model.Activity
	CallActivity         *model.Activity
	SubProcessDefinition *model.Definition
	Direct               bool
}

// MigrationContext accumulates the state shared by the groups of one migration.
type MigrationContext struct {
	Instance         *Execution
	TargetDefinition *model.Definition
	Reason           string

	// CreatedScopes maps scope keys to scope tokens built during this migration.
	CreatedScopes map[string]*Execution

	// ContinueParentBySourceID records where the targets of a deleted source reattach.
	ContinueParentBySourceID map[string]*Execution

	MovedExecutionIDs map[string]bool
	DirectMigrated    map[string]bool
	NewLeaves         []*Execution

	// targetScopes holds every scope activity enclosing a target of any group.
	targetScopes map[*model.Activity]bool
}

func newMigrationContext(instance *Execution, def *model.Definition) *MigrationContext {
	return &MigrationContext{
		Instance:                 instance,
		TargetDefinition:         def,
		CreatedScopes:            make(map[string]*Execution),
		ContinueParentBySourceID: make(map[string]*Execution),
		MovedExecutionIDs:        make(map[string]bool),
		DirectMigrated:           make(map[string]bool),
		targetScopes:             make(map[*model.Activity]bool),
	}
}

func scopeKey(instance *Execution, act *model.Activity) string {
	return instance.id + "#" + act.ID
}

// keepsScope reports whether a scope activity encloses a target of the migration.
func (mc *MigrationContext) keepsScope(act *model.Activity) bool {
	return act != nil && mc.targetScopes[act]
}

func (mc *MigrationContext) addTargetScopes(act *model.Activity) {
	for cur := act.Parent; cur != nil; cur = cur.Parent {
		mc.targetScopes[cur] = true
	}
}

// isMoving reports whether e or one of its ancestors is a source of the migration.
func (mc *MigrationContext) isMoving(e *Execution) bool {
	for cur := e; cur != nil; cur = cur.parent {
		if mc.MovedExecutionIDs[cur.id] {
			return true
		}
	}
	return false
}
