package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-process/model"
)

// ApplyMoves applies resolved move groups as one command. Instance variables
// of the request are set first so target resolution can read them; a failure
// before the tree is touched restores them.
func (rt *Runtime) ApplyMoves(ctx context.Context, root *Execution, groups []*MoveGroup, req ChangeStateRequest) error {
	instance, err := resolveInstance(root, req.ProcessInstanceID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return invalidArgument("no move groups to apply", map[string]any{"process_instance_id": instance.id})
	}
	def := instance.definition
	if id := strings.TrimSpace(req.MigrateToDefinitionID); id != "" {
		target, ok := rt.templates.GetTemplate(id)
		if !ok {
			return notFound(
				fmt.Sprintf("definition %s not found", id),
				map[string]any{"definition_id": id, "process_instance_id": instance.id},
			)
		}
		def = target
	}

	return rt.run(ctx, instance, func() error {
		mc := newMigrationContext(instance, def)
		restore := setInstanceVariables(instance, req.ProcessInstanceVariables)
		for _, g := range groups {
			if err := rt.prepareGroup(mc, g); err != nil {
				restore()
				return err
			}
		}
		if def != instance.definition {
			if err := migrateDefinition(mc, def); err != nil {
				restore()
				return err
			}
			rt.logger.Debug("process instance %s migrated to %s", instance.id, def.ID)
		}
		for _, g := range groups {
			if err := rt.applyGroup(mc, g, req); err != nil {
				return err
			}
		}
		rt.logger.Debug(
			"process instance %s changed state: %d groups, %d new leaves, %d migrated in place",
			instance.id, len(groups), len(mc.NewLeaves), len(mc.DirectMigrated),
		)
		return nil
	})
}

// setInstanceVariables stores vars on the instance root and returns a function undoing it.
func setInstanceVariables(instance *Execution, vars map[string]any) func() {
	if len(vars) == 0 {
		return func() {}
	}
	type previous struct {
		value  any
		exists bool
	}
	saved := make(map[string]previous, len(vars))
	for name := range vars {
		v, ok := instance.VariableLocal(name)
		saved[name] = previous{value: v, exists: ok}
	}
	instance.SetVariablesLocal(vars)
	return func() {
		for name, p := range saved {
			if p.exists {
				instance.SetVariableLocal(name, p.value)
			} else {
				instance.RemoveVariableLocal(name)
			}
		}
	}
}

func moveReason(g *MoveGroup, jumpReason string) string {
	reason := "Change activity to " + strings.Join(g.TargetActivityIDs, ", ")
	if jr := strings.TrimSpace(jumpReason); jr != "" {
		reason += " (" + jr + ")"
	}
	return reason
}

func (rt *Runtime) applyGroup(mc *MigrationContext, g *MoveGroup, req ChangeStateRequest) error {
	reason := moveReason(g, req.JumpReason)
	sources := g.Executions

	if g.MoveToParentProcess {
		caller, err := rt.leaveCalledInstance(mc, reason)
		if err != nil {
			return err
		}
		sources = []*Execution{caller}
	}

	base, err := rt.removeSources(mc, g, sources, reason)
	if err != nil {
		return err
	}

	targets := g.Targets
	if g.MoveToSubProcessInstance {
		targets = []*model.Activity{g.CallActivity}
	}
	leaves, err := rt.placeTargets(mc, g, base, targets, sources)
	if err != nil {
		return err
	}
	applyLocalVariables(leaves, req.LocalVariables)

	if g.MoveToSubProcessInstance {
		return rt.startCalledInstanceAt(mc, g, leaves[0], req)
	}
	for _, leaf := range leaves {
		if !mc.DirectMigrated[leaf.id] {
			leaf.enter(leaf.activity)
		}
	}
	return nil
}

// leaveCalledInstance terminates the called instance being migrated and
// returns the calling token. Every waiting token of the called instance must
// be part of the migration.
func (rt *Runtime) leaveCalledInstance(mc *MigrationContext, reason string) (*Execution, error) {
	sub := mc.Instance
	caller := sub.superExecution
	if sub.isEnded {
		return caller, nil
	}
	for _, leaf := range sub.leaves() {
		if !mc.isMoving(leaf) {
			return nil, illegalState(
				fmt.Sprintf("execution %s at %s of process instance %s is not part of the move to the parent process",
					leaf.id, leaf.ActivityID(), sub.id),
				nil,
				map[string]any{"execution_id": leaf.id, "process_instance_id": sub.id},
			)
		}
	}
	if err := rt.deleteCascade(sub, reason); err != nil {
		return nil, err
	}
	return caller, nil
}

// removeSources deletes what lies below the reattachment point of the group
// and returns the token its targets attach under.
func (rt *Runtime) removeSources(mc *MigrationContext, g *MoveGroup, sources []*Execution, reason string) (*Execution, error) {
	var base *Execution
	var removed []*Execution
	for _, s := range sources {
		if s.isEnded {
			if base == nil {
				base = liveAncestor(mc.ContinueParentBySourceID[s.id])
			}
			continue
		}
		if err := rt.deleteChildren(s, reason, nil); err != nil {
			return nil, err
		}
		parent := s.parent
		if g.Direct {
			s.isScope = false
			s.scopeActivity = nil
			s.detach()
			pruneConcurrent(parent)
		} else if err := rt.deleteCascade(s, reason); err != nil {
			return nil, err
		}
		mc.ContinueParentBySourceID[s.id] = parent
		removed = append(removed, s)
	}

	for _, s := range removed {
		cont, err := rt.deleteParentExecutions(mc, mc.ContinueParentBySourceID[s.id], reason)
		if err != nil {
			return nil, err
		}
		mc.ContinueParentBySourceID[s.id] = cont
		if base == nil {
			base = cont
		}
	}
	if base == nil {
		base = mc.Instance
	}
	return base, nil
}

// deleteParentExecutions climbs from p deleting empty scope tokens that
// enclose no target of the migration. It returns the first token kept.
func (rt *Runtime) deleteParentExecutions(mc *MigrationContext, p *Execution, reason string) (*Execution, error) {
	cur := liveAncestor(p)
	for cur != nil && !cur.IsProcessInstance() {
		if len(cur.liveChildren()) > 0 || cur.subProcessInstance != nil {
			break
		}
		if cur.isScope && mc.keepsScope(cur.scopeActivity) {
			break
		}
		next := cur.parent
		if err := rt.deleteCascade(cur, reason); err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func liveAncestor(e *Execution) *Execution {
	for e != nil && e.isEnded {
		e = e.parent
	}
	return e
}

// placeTargets attaches one leaf per target below the right scope, building
// missing scopes first. Direct groups relocate their source instead.
func (rt *Runtime) placeTargets(mc *MigrationContext, g *MoveGroup, base *Execution, targets []*model.Activity, sources []*Execution) ([]*Execution, error) {
	var leaves []*Execution
	for _, t := range targets {
		parent, err := rt.ensureScopes(mc, base, t)
		if err != nil {
			return nil, err
		}
		if g.Direct {
			s := sources[0]
			if err := rt.relocate(mc, g, s, parent, t); err != nil {
				return nil, err
			}
			leaves = append(leaves, s)
			continue
		}

		n := 1
		if t.Kind == model.KindParallelGateway && len(sources) > 1 {
			n = len(sources)
		}
		assignee := ""
		if rt.behaviors.Capabilities(t).Has(CapabilityHumanTask) {
			assignee = g.NewAssigneeID
		}
		for i := 0; i < n; i++ {
			leaf := parent.createChild()
			leaf.activity = t
			leaf.assigneeOverride = assignee
			leaves = append(leaves, leaf)
			mc.NewLeaves = append(mc.NewLeaves, leaf)
		}
		normalizeConcurrency(parent)
	}
	return leaves, nil
}

// ensureScopes returns the scope token targets of act attach under, creating
// the enclosing scopes that neither exist nor were built earlier in the migration.
func (rt *Runtime) ensureScopes(mc *MigrationContext, base *Execution, act *model.Activity) (*Execution, error) {
	instance := base.ProcessInstance()
	var chain []*model.Activity
	for cur := act.Parent; cur != nil; cur = cur.Parent {
		chain = append([]*model.Activity{cur}, chain...)
	}

	parent := instance
	start := 0
	for i := len(chain) - 1; i >= 0; i-- {
		if x := existingScope(mc, instance, base, chain[i]); x != nil {
			parent = x
			start = i + 1
			break
		}
	}

	for _, scopeAct := range chain[start:] {
		if scopeAct.Kind == model.KindEventSubProcess {
			return nil, unsupported(
				fmt.Sprintf("creating event sub process %s during a move is not supported", scopeAct.ID),
				map[string]any{"activity_id": act.ID, "event_sub_process_id": scopeAct.ID},
			)
		}
		if scopeAct.IsMultiInstance() {
			return nil, unsupported(
				fmt.Sprintf("creating multi-instance scope %s during a move is not supported", scopeAct.ID),
				map[string]any{"activity_id": act.ID, "scope_activity_id": scopeAct.ID},
			)
		}
		scope := parent.createChild()
		if err := rt.startScope(scope, scopeAct); err != nil {
			return nil, err
		}
		normalizeConcurrency(parent)
		mc.CreatedScopes[scopeKey(instance, scopeAct)] = scope
		parent = scope
	}
	return parent, nil
}

func existingScope(mc *MigrationContext, instance, base *Execution, act *model.Activity) *Execution {
	for cur := base; cur != nil; cur = cur.parent {
		if !cur.isEnded && cur.isScope && cur.scopeActivity == act && !cur.isMultiInstanceRoot {
			return cur
		}
	}
	if x := mc.CreatedScopes[scopeKey(instance, act)]; x != nil && !x.isEnded {
		return x
	}
	return liveScopeFor(instance, act)
}

// relocate migrates a token in place, keeping its id, task and variables.
func (rt *Runtime) relocate(mc *MigrationContext, g *MoveGroup, s, parent *Execution, t *model.Activity) error {
	from := s.activity
	s.attach(parent)
	s.activity = t
	s.isActive = true
	if t.IsScope() {
		rt.openScope(s, t)
	}
	normalizeConcurrency(parent)
	mc.DirectMigrated[s.id] = true

	rt.record(s, HistoryEvent{
		Type:             HistorySequenceFlowTaken,
		SourceActivityID: from.ID,
		ActivityID:       t.ID,
	})

	task, ok, err := rt.tasks.FindTaskByExecution(s.Context(), s.id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	activityID := t.ID
	name := t.Name
	if name == "" {
		name = t.ID
	}
	definitionID := s.Definition().ID
	processInstanceID := s.ProcessInstanceID()
	update := TaskUpdate{
		ActivityID:        &activityID,
		Name:              &name,
		DefinitionID:      &definitionID,
		ProcessInstanceID: &processInstanceID,
	}
	if assignee := g.NewAssigneeID; assignee != "" {
		update.Assignee = &assignee
		rt.record(s, HistoryEvent{Type: HistoryTaskAssigneeChanged, TaskID: task.ID, Assignee: assignee})
	}
	ctx := s.Context()
	if err := rt.tasks.UpdateTask(ctx, task.ID, update); err != nil {
		return cloneRuntimeError(
			ErrBehaviorFailed,
			fmt.Sprintf("re-linking task %s to %s failed", task.ID, activityID),
			err,
			fieldsOf(positionFields(s), map[string]any{"task_id": task.ID, "target_activity_id": activityID}),
		)
	}

	tasks, logger := rt.tasks, rt.logger
	previous := TaskUpdate{
		ActivityID:        &task.ActivityID,
		Name:              &task.Name,
		DefinitionID:      &task.DefinitionID,
		ProcessInstanceID: &task.ProcessInstanceID,
		Assignee:          &task.Assignee,
	}
	s.onRollback(func(ctx context.Context) {
		if err := tasks.UpdateTask(ctx, task.ID, previous); err != nil {
			logger.Error("failed to restore task %s to %s: %v", task.ID, task.ActivityID, err)
		}
	})
	return nil
}

// applyLocalVariables stores per-activity variables on the leaf positioned at
// that activity or on the nearest scope token created for it.
func applyLocalVariables(leaves []*Execution, vars map[string]map[string]any) {
	if len(vars) == 0 {
		return
	}
	applied := make(map[string]bool)
	for _, leaf := range leaves {
		for activityID, values := range vars {
			for cur := leaf; cur != nil && !cur.IsProcessInstance(); cur = cur.parent {
				atLeaf := cur == leaf && cur.activity != nil && cur.activity.ID == activityID
				atScope := cur.isScope && cur.scopeActivity != nil && cur.scopeActivity.ID == activityID
				if !atLeaf && !atScope {
					continue
				}
				key := cur.id + "#" + activityID
				if !applied[key] {
					cur.SetVariablesLocal(values)
					applied[key] = true
				}
				break
			}
		}
	}
}

// startCalledInstanceAt positions the caller at the call activity, creates
// the called instance without running its start event and places the group
// targets inside it.
func (rt *Runtime) startCalledInstanceAt(mc *MigrationContext, g *MoveGroup, caller *Execution, req ChangeStateRequest) error {
	callAct := g.CallActivity
	def := g.SubProcessDefinition

	caller.activity = callAct
	rt.openScope(caller, callAct)
	caller.startedAt = rt.now()
	rt.record(caller, HistoryEvent{Type: HistoryActivityStarted})
	if err := caller.fireListeners(callAct.ListenersFor(model.ListenerStart), model.ListenerStart); err != nil {
		return err
	}

	sub, err := rt.createCalledInstance(caller, def)
	if err != nil {
		return err
	}
	if err := sub.fireListeners(def.ListenersFor(model.ListenerStart), model.ListenerStart); err != nil {
		return err
	}
	rt.record(sub, HistoryEvent{Type: HistoryProcessStarted})
	sub.isActive = false
	rt.subscribeEventSubProcesses(sub, def.Activities)

	subGroup := &MoveGroup{
		TargetActivityIDs: g.TargetActivityIDs,
		NewAssigneeID:     g.NewAssigneeID,
		Targets:           g.Targets,
	}
	leaves, err := rt.placeTargets(mc, subGroup, sub, g.Targets, nil)
	if err != nil {
		return err
	}
	applyLocalVariables(leaves, req.LocalVariables)
	for _, leaf := range leaves {
		leaf.enter(leaf.activity)
	}
	rt.logger.Debug("started called instance %s of %s at %v", sub.id, def.ID, g.TargetActivityIDs)
	return nil
}
