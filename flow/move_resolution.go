package flow

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-process/model"
)

// ResolveMoveGroups turns a request into move groups of concrete source tokens.
// Targets are resolved later, once the request's instance variables are set.
func (rt *Runtime) ResolveMoveGroups(root *Execution, req ChangeStateRequest) ([]*MoveGroup, error) {
	instance, err := resolveInstance(root, req.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if len(req.MoveExecutions) == 0 && len(req.MoveActivities) == 0 {
		return nil, invalidArgument("change state request moves nothing", map[string]any{"process_instance_id": instance.id})
	}

	var groups []*MoveGroup
	for _, move := range req.MoveExecutions {
		resolved, err := groupByExecutionIDs(instance, move)
		if err != nil {
			return nil, err
		}
		groups = append(groups, resolved...)
	}
	for _, move := range req.MoveActivities {
		resolved, err := groupByActivityIDs(instance, move)
		if err != nil {
			return nil, err
		}
		groups = append(groups, resolved...)
	}
	return groups, nil
}

func resolveInstance(root *Execution, processInstanceID string) (*Execution, error) {
	if root == nil {
		return nil, invalidArgument("process instance is required", nil)
	}
	id := strings.TrimSpace(processInstanceID)
	if id == "" {
		return root.ProcessInstance(), nil
	}
	instance, ok := NewTree(root).FindExecution(id)
	if !ok || !instance.IsProcessInstance() {
		return nil, notFound(
			fmt.Sprintf("process instance %s not found", id),
			map[string]any{"process_instance_id": id},
		)
	}
	return instance, nil
}

func validateTargets(sources, targets []string, meta map[string]any) error {
	if len(targets) == 0 {
		return invalidArgument("move has no target activity", meta)
	}
	if len(sources) == 0 {
		return invalidArgument("move has no source", meta)
	}
	if len(sources) > 1 && len(targets) > 1 {
		return invalidArgument("moving several sources to several targets is not supported", meta)
	}
	return nil
}

// groupByExecutionIDs groups the listed tokens by parent, in first-seen order.
func groupByExecutionIDs(instance *Execution, move MoveExecutionIDs) ([]*MoveGroup, error) {
	meta := map[string]any{"execution_ids": move.ExecutionIDs, "target_activity_ids": move.TargetActivityIDs}
	if err := validateTargets(move.ExecutionIDs, move.TargetActivityIDs, meta); err != nil {
		return nil, err
	}
	tree := NewTree(instance)
	byParent := make(map[*Execution]*MoveGroup)
	var groups []*MoveGroup
	for _, id := range move.ExecutionIDs {
		e, ok := tree.FindExecution(id)
		if !ok {
			return nil, notFound(fmt.Sprintf("execution %s not found", id), map[string]any{"execution_id": id})
		}
		if e.IsProcessInstance() {
			return nil, illegalState(
				fmt.Sprintf("execution %s is a process instance and cannot be moved", id),
				nil,
				map[string]any{"execution_id": id},
			)
		}
		g, ok := byParent[e.parent]
		if !ok {
			g = &MoveGroup{
				TargetActivityIDs: append([]string(nil), move.TargetActivityIDs...),
				NewAssigneeID:     move.NewAssigneeID,
			}
			byParent[e.parent] = g
			groups = append(groups, g)
		}
		g.Executions = appendUnique(g.Executions, e)
	}
	return groups, nil
}

// groupByActivityIDs collects the tokens positioned at the listed activities.
// Multi-instance roots move as one group; tokens nested in a multi-instance
// iteration group by iteration; plain tokens move one group each, unless
// several activities converge on a single target.
func groupByActivityIDs(instance *Execution, move MoveActivityIDs) ([]*MoveGroup, error) {
	meta := map[string]any{"activity_ids": move.ActivityIDs, "target_activity_ids": move.TargetActivityIDs}
	if err := validateTargets(move.ActivityIDs, move.TargetActivityIDs, meta); err != nil {
		return nil, err
	}
	if move.MoveToSubProcessInstance && strings.TrimSpace(move.CallActivityID) == "" {
		return nil, invalidArgument("moving to a sub process instance requires a call activity id", meta)
	}

	newGroup := func(executions ...*Execution) *MoveGroup {
		return &MoveGroup{
			Executions:               executions,
			TargetActivityIDs:        append([]string(nil), move.TargetActivityIDs...),
			NewAssigneeID:            move.NewAssigneeID,
			MoveToParentProcess:      move.MoveToParentProcess,
			MoveToSubProcessInstance: move.MoveToSubProcessInstance,
			CallActivityID:           strings.TrimSpace(move.CallActivityID),
			SubProcessVersion:        move.SubProcessVersion,
		}
	}

	tree := NewTree(instance)
	var (
		found   []*Execution
		miRoots []*Execution
	)
	for _, activityID := range move.ActivityIDs {
		for _, e := range tree.ExecutionsAtActivity(instance.id, strings.TrimSpace(activityID)) {
			found = appendUnique(found, e)
			if e.isMultiInstanceRoot {
				miRoots = appendUnique(miRoots, e)
			}
		}
	}
	if len(found) == 0 {
		return nil, notFound(
			fmt.Sprintf("no active execution at %s", strings.Join(move.ActivityIDs, ", ")),
			fieldsOf(meta, map[string]any{"process_instance_id": instance.id}),
		)
	}
	if len(miRoots) > 0 {
		return []*MoveGroup{newGroup(miRoots...)}, nil
	}

	var (
		groups      []*MoveGroup
		plain       []*Execution
		byIteration = make(map[*Execution]*MoveGroup)
	)
	for _, e := range found {
		if it := nearestIteration(e); it != nil {
			g, ok := byIteration[it]
			if !ok {
				g = newGroup()
				byIteration[it] = g
				groups = append(groups, g)
			}
			g.Executions = append(g.Executions, e)
			continue
		}
		plain = append(plain, e)
	}
	if len(plain) == 0 {
		return groups, nil
	}
	if len(move.ActivityIDs) > 1 && len(move.TargetActivityIDs) == 1 {
		return append(groups, newGroup(plain...)), nil
	}
	for _, e := range plain {
		groups = append(groups, newGroup(e))
	}
	return groups, nil
}

// nearestIteration returns the closest strict ancestor that is a multi-instance iteration.
func nearestIteration(e *Execution) *Execution {
	for cur := e.parent; cur != nil; cur = cur.parent {
		if cur.isMultiInstanceIteration() {
			return cur
		}
	}
	return nil
}

func appendUnique(list []*Execution, e *Execution) []*Execution {
	for _, x := range list {
		if x == e {
			return list
		}
	}
	return append(list, e)
}

// prepareGroup resolves the targets of a group and decides direct migration.
func (rt *Runtime) prepareGroup(mc *MigrationContext, g *MoveGroup) error {
	instance := mc.Instance
	def := mc.TargetDefinition
	targetInstance := instance

	switch {
	case g.MoveToParentProcess:
		caller := instance.superExecution
		if caller == nil {
			return illegalState(
				fmt.Sprintf("process instance %s has no parent process", instance.id),
				nil,
				map[string]any{"process_instance_id": instance.id},
			)
		}
		def = caller.Definition()
		targetInstance = caller.ProcessInstance()

	case g.MoveToSubProcessInstance:
		callAct, ok := def.FindActivity(g.CallActivityID)
		if !ok {
			return notFound(
				fmt.Sprintf("call activity %s not found in %s", g.CallActivityID, def.ID),
				map[string]any{"call_activity_id": g.CallActivityID, "definition_id": def.ID},
			)
		}
		if callAct.Kind != model.KindCallActivity {
			return illegalState(
				fmt.Sprintf("activity %s is not a call activity", callAct.ID),
				nil,
				map[string]any{"call_activity_id": callAct.ID},
			)
		}
		subDef, err := rt.resolveCalledDefinition(instance, callAct, g.SubProcessVersion, "")
		if err != nil {
			return err
		}
		if err := checkEventSubProcesses(mc, instance, callAct); err != nil {
			return err
		}
		g.CallActivity = callAct
		g.SubProcessDefinition = subDef
		mc.addTargetScopes(callAct)
		def = subDef
		targetInstance = nil
	}

	g.Targets = g.Targets[:0]
	for _, id := range g.TargetActivityIDs {
		act, ok := def.FindActivity(id)
		if !ok {
			return notFound(
				fmt.Sprintf("activity %s not found in %s", id, def.ID),
				map[string]any{"activity_id": id, "definition_id": def.ID},
			)
		}
		if err := checkEventSubProcesses(mc, targetInstance, act); err != nil {
			return err
		}
		g.Targets = append(g.Targets, act)
		if targetInstance != nil {
			mc.addTargetScopes(act)
		}
	}

	for _, e := range g.Executions {
		mc.MovedExecutionIDs[e.id] = true
	}
	g.Direct = len(g.Executions) == 1 &&
		len(g.Targets) == 1 &&
		!g.MoveToParentProcess &&
		!g.MoveToSubProcessInstance &&
		rt.policy(g.Executions[0].activity, g.Targets[0], rt.behaviors)
	return nil
}

// checkEventSubProcesses rejects targets inside an event sub-process that is not running.
func checkEventSubProcesses(mc *MigrationContext, instance *Execution, act *model.Activity) error {
	for cur := act; cur != nil; cur = cur.Parent {
		if cur.Kind != model.KindEventSubProcess {
			continue
		}
		if instance != nil && liveScopeFor(instance, cur) != nil {
			continue
		}
		return unsupported(
			fmt.Sprintf("moving into event sub process %s that is not active is not supported", cur.ID),
			map[string]any{"activity_id": act.ID, "event_sub_process_id": cur.ID},
		)
	}
	return nil
}

// liveScopeFor returns a live scope token of the instance created for act.
func liveScopeFor(instance *Execution, act *model.Activity) *Execution {
	var found *Execution
	instance.walkInstance(func(x *Execution) {
		if found != nil || x.isEventScope || x.isMultiInstanceRoot {
			return
		}
		if x.isScope && x.scopeActivity == act {
			found = x
		}
	})
	return found
}

// migrateDefinition re-points every token of the instance that stays in place to def.
func migrateDefinition(mc *MigrationContext, def *model.Definition) error {
	instance := mc.Instance
	type repoint struct {
		e        *Execution
		activity *model.Activity
		scope    *model.Activity
	}
	var pending []repoint
	var missing []string
	instance.walkInstance(func(x *Execution) {
		if x.IsProcessInstance() || mc.isMoving(x) {
			return
		}
		r := repoint{e: x}
		if x.activity != nil {
			act, ok := def.FindActivity(x.activity.ID)
			if !ok {
				missing = append(missing, x.activity.ID)
				return
			}
			r.activity = act
		}
		if x.scopeActivity != nil {
			act, ok := def.FindActivity(x.scopeActivity.ID)
			if !ok {
				missing = append(missing, x.scopeActivity.ID)
				return
			}
			r.scope = act
		}
		pending = append(pending, r)
	})
	if len(missing) > 0 {
		return illegalState(
			fmt.Sprintf("activities %s do not exist in %s", strings.Join(missing, ", "), def.ID),
			nil,
			map[string]any{"activity_ids": missing, "definition_id": def.ID},
		)
	}
	for _, r := range pending {
		r.e.activity = r.activity
		r.e.scopeActivity = r.scope
	}
	instance.definition = def
	return nil
}
