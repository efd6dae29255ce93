package flow

import (
	"context"
	"strings"
)

// MoveExecutionIDs moves the listed tokens to the target activities.
type MoveExecutionIDs struct {
	ExecutionIDs      []string
	TargetActivityIDs []string
	NewAssigneeID     string
}

// MoveActivityIDs moves every token positioned at the listed activities.
type MoveActivityIDs struct {
	ActivityIDs       []string
	TargetActivityIDs []string

	// MoveToParentProcess ends the called instance and resumes its caller at the targets.
	MoveToParentProcess bool

	// MoveToSubProcessInstance starts a new instance through CallActivityID
	// positioned at the targets.
	MoveToSubProcessInstance bool
	CallActivityID           string
	SubProcessVersion        int

	NewAssigneeID string
}

// ChangeStateRequest describes a live migration of one process instance.
type ChangeStateRequest struct {
	ProcessInstanceID        string
	MoveExecutions           []MoveExecutionIDs
	MoveActivities           []MoveActivityIDs
	ProcessInstanceVariables map[string]any
	LocalVariables           map[string]map[string]any
	MigrateToDefinitionID    string
	JumpReason               string
}

// ChangeStateBuilder assembles a ChangeStateRequest.
type ChangeStateBuilder struct {
	req          ChangeStateRequest
	lastActivity bool
}

// NewChangeState starts a request for the given process instance.
func NewChangeState(processInstanceID string) *ChangeStateBuilder {
	return &ChangeStateBuilder{req: ChangeStateRequest{ProcessInstanceID: strings.TrimSpace(processInstanceID)}}
}

func (b *ChangeStateBuilder) MoveExecutionToActivityID(executionID, targetActivityID string) *ChangeStateBuilder {
	return b.MoveExecutionsToActivityIDs([]string{executionID}, []string{targetActivityID})
}

func (b *ChangeStateBuilder) MoveExecutionsToSingleActivityID(executionIDs []string, targetActivityID string) *ChangeStateBuilder {
	return b.MoveExecutionsToActivityIDs(executionIDs, []string{targetActivityID})
}

func (b *ChangeStateBuilder) MoveSingleExecutionToActivityIDs(executionID string, targetActivityIDs []string) *ChangeStateBuilder {
	return b.MoveExecutionsToActivityIDs([]string{executionID}, targetActivityIDs)
}

func (b *ChangeStateBuilder) MoveExecutionsToActivityIDs(executionIDs, targetActivityIDs []string) *ChangeStateBuilder {
	b.req.MoveExecutions = append(b.req.MoveExecutions, MoveExecutionIDs{
		ExecutionIDs:      append([]string(nil), executionIDs...),
		TargetActivityIDs: append([]string(nil), targetActivityIDs...),
	})
	b.lastActivity = false
	return b
}

func (b *ChangeStateBuilder) MoveActivityIDTo(activityID, targetActivityID string) *ChangeStateBuilder {
	return b.moveActivities(MoveActivityIDs{
		ActivityIDs:       []string{activityID},
		TargetActivityIDs: []string{targetActivityID},
	})
}

func (b *ChangeStateBuilder) MoveActivityIDsToSingleActivityID(activityIDs []string, targetActivityID string) *ChangeStateBuilder {
	return b.moveActivities(MoveActivityIDs{
		ActivityIDs:       append([]string(nil), activityIDs...),
		TargetActivityIDs: []string{targetActivityID},
	})
}

func (b *ChangeStateBuilder) MoveSingleActivityIDToActivityIDs(activityID string, targetActivityIDs []string) *ChangeStateBuilder {
	return b.moveActivities(MoveActivityIDs{
		ActivityIDs:       []string{activityID},
		TargetActivityIDs: append([]string(nil), targetActivityIDs...),
	})
}

// MoveActivityIDToParentActivityID moves a token of a called instance to an activity of its caller.
func (b *ChangeStateBuilder) MoveActivityIDToParentActivityID(activityID, parentActivityID string) *ChangeStateBuilder {
	return b.moveActivities(MoveActivityIDs{
		ActivityIDs:         []string{activityID},
		TargetActivityIDs:   []string{parentActivityID},
		MoveToParentProcess: true,
	})
}

// MoveActivityIDsToParentActivityID moves every listed token of a called
// instance to one activity of its caller.
func (b *ChangeStateBuilder) MoveActivityIDsToParentActivityID(activityIDs []string, parentActivityID string) *ChangeStateBuilder {
	return b.moveActivities(MoveActivityIDs{
		ActivityIDs:         append([]string(nil), activityIDs...),
		TargetActivityIDs:   []string{parentActivityID},
		MoveToParentProcess: true,
	})
}

// MoveActivityIDToSubProcessInstanceActivityID moves a token into a new
// instance started by callActivityID. A zero version uses the call activity's binding.
func (b *ChangeStateBuilder) MoveActivityIDToSubProcessInstanceActivityID(activityID, subActivityID, callActivityID string, version int) *ChangeStateBuilder {
	return b.moveActivities(MoveActivityIDs{
		ActivityIDs:              []string{activityID},
		TargetActivityIDs:        []string{subActivityID},
		MoveToSubProcessInstance: true,
		CallActivityID:           callActivityID,
		SubProcessVersion:        version,
	})
}

func (b *ChangeStateBuilder) moveActivities(move MoveActivityIDs) *ChangeStateBuilder {
	b.req.MoveActivities = append(b.req.MoveActivities, move)
	b.lastActivity = true
	return b
}

// WithNewAssignee sets the assignee for the move added last.
func (b *ChangeStateBuilder) WithNewAssignee(assignee string) *ChangeStateBuilder {
	assignee = strings.TrimSpace(assignee)
	if b.lastActivity {
		if n := len(b.req.MoveActivities); n > 0 {
			b.req.MoveActivities[n-1].NewAssigneeID = assignee
		}
		return b
	}
	if n := len(b.req.MoveExecutions); n > 0 {
		b.req.MoveExecutions[n-1].NewAssigneeID = assignee
	}
	return b
}

func (b *ChangeStateBuilder) ProcessVariable(name string, value any) *ChangeStateBuilder {
	if b.req.ProcessInstanceVariables == nil {
		b.req.ProcessInstanceVariables = make(map[string]any)
	}
	b.req.ProcessInstanceVariables[name] = value
	return b
}

func (b *ChangeStateBuilder) ProcessVariables(vars map[string]any) *ChangeStateBuilder {
	for k, v := range vars {
		b.ProcessVariable(k, v)
	}
	return b
}

func (b *ChangeStateBuilder) LocalVariable(activityID, name string, value any) *ChangeStateBuilder {
	if b.req.LocalVariables == nil {
		b.req.LocalVariables = make(map[string]map[string]any)
	}
	vars := b.req.LocalVariables[activityID]
	if vars == nil {
		vars = make(map[string]any)
		b.req.LocalVariables[activityID] = vars
	}
	vars[name] = value
	return b
}

func (b *ChangeStateBuilder) LocalVariables(activityID string, vars map[string]any) *ChangeStateBuilder {
	for k, v := range vars {
		b.LocalVariable(activityID, k, v)
	}
	return b
}

// MigrateToDefinition re-points the instance to another deployed definition.
func (b *ChangeStateBuilder) MigrateToDefinition(definitionID string) *ChangeStateBuilder {
	b.req.MigrateToDefinitionID = strings.TrimSpace(definitionID)
	return b
}

// JumpReason sets the free-text label recorded on deleted tokens.
func (b *ChangeStateBuilder) JumpReason(reason string) *ChangeStateBuilder {
	b.req.JumpReason = reason
	return b
}

// Request returns the assembled request.
func (b *ChangeStateBuilder) Request() ChangeStateRequest {
	return b.req
}

// ChangeState resolves and applies a migration against the family containing root.
func (rt *Runtime) ChangeState(ctx context.Context, root *Execution, req ChangeStateRequest) error {
	groups, err := rt.ResolveMoveGroups(root, req)
	if err != nil {
		return err
	}
	return rt.ApplyMoves(ctx, root, groups, req)
}

// MoveByExecutionIDs moves the listed tokens to the target activities.
func (rt *Runtime) MoveByExecutionIDs(ctx context.Context, root *Execution, executionIDs, targetActivityIDs []string) error {
	if root == nil {
		return invalidArgument("process instance is required", nil)
	}
	req := NewChangeState(root.ProcessInstanceID()).MoveExecutionsToActivityIDs(executionIDs, targetActivityIDs).Request()
	return rt.ChangeState(ctx, root, req)
}

// MoveByActivityIDs moves every token at activityIDs to the target activities.
func (rt *Runtime) MoveByActivityIDs(ctx context.Context, root *Execution, activityIDs, targetActivityIDs []string) error {
	if root == nil {
		return invalidArgument("process instance is required", nil)
	}
	req := NewChangeState(root.ProcessInstanceID()).moveActivities(MoveActivityIDs{
		ActivityIDs:       append([]string(nil), activityIDs...),
		TargetActivityIDs: append([]string(nil), targetActivityIDs...),
	}).Request()
	return rt.ChangeState(ctx, root, req)
}
