package flow

import (
	"fmt"

	"github.com/goliatone/go-process/model"
)

// subProcessBehavior runs an embedded sub-process inside the scope token.
type subProcessBehavior struct{}

func (subProcessBehavior) Execute(e *Execution) error {
	act := e.activity
	if !e.isScope || e.scopeActivity != act {
		e.rt.openScope(e, act)
	}
	initial := act.InitialActivity()
	if initial == nil {
		return notFound(fmt.Sprintf("sub process %s has no start event", act.ID), positionFields(e))
	}
	e.isActive = false
	e.createChild().enter(initial)
	return nil
}

func (subProcessBehavior) LastExecutionEnded(scope *Execution) error {
	scope.isActive = true
	return scope.rt.leave(scope)
}

func (subProcessBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityScope}
}

// eventSubProcessBehavior starts an event sub-process when its placeholder fires.
type eventSubProcessBehavior struct{}

func (eventSubProcessBehavior) Execute(e *Execution) error {
	return illegalState(
		fmt.Sprintf("event sub process %s cannot be reached through a sequence flow", e.activity.ID),
		nil,
		positionFields(e),
	)
}

// Signal starts the event sub-process in the scope owning the placeholder. An
// interrupting event sub-process cancels the other work of that scope first.
func (eventSubProcessBehavior) Signal(placeholder *Execution, _ string, data map[string]any) error {
	rt := placeholder.rt
	esp := placeholder.activity
	scope := placeholder.parent
	if scope == nil || scope.isEnded {
		return illegalState(fmt.Sprintf("event sub process %s has no live scope", esp.ID), nil, positionFields(placeholder))
	}
	scope.SetVariables(data)
	reason := "event sub process " + esp.ID

	if interrupting, _ := esp.Properties["interrupting"].(bool); interrupting {
		if err := rt.deleteChildren(scope, reason, nil); err != nil {
			return err
		}
	}

	token := scope.createChild()
	if err := rt.startScope(token, esp); err != nil {
		return err
	}
	normalizeConcurrency(scope)
	token.createChild().enter(esp.InitialActivity())
	return nil
}

func (eventSubProcessBehavior) LastExecutionEnded(scope *Execution) error {
	scope.isActive = true
	scope.performOperation(OperationActivityEnd)
	return nil
}

func (eventSubProcessBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityScope}
}

// callActivityBehavior starts a called instance and resumes once it ended.
type callActivityBehavior struct{}

func (callActivityBehavior) Execute(e *Execution) error {
	rt := e.rt
	act := e.activity
	if !e.isScope || e.scopeActivity != act {
		rt.openScope(e, act)
	}
	def, err := rt.resolveCalledDefinition(e, act, 0, "")
	if err != nil {
		return err
	}
	called, err := rt.createCalledInstance(e, def)
	if err != nil {
		return err
	}
	called.performOperation(OperationProcessStart)
	return nil
}

// Completed copies the out mappings into the caller and continues it.
func (callActivityBehavior) Completed(caller, called *Execution) error {
	rt := caller.rt
	for _, m := range caller.activity.OutMappings {
		v, err := rt.mappedValue(called, m)
		if err != nil {
			return err
		}
		caller.SetVariable(m.Target, v)
	}
	return rt.leave(caller)
}

func (callActivityBehavior) Capabilities() Capabilities {
	return Capabilities{CapabilityScope, CapabilityCallActivity}
}

// resolveCalledDefinition evaluates the called element of a call activity and
// resolves the definition by key, optional version and tenant.
func (rt *Runtime) resolveCalledDefinition(e *Execution, act *model.Activity, version int, tenant string) (*model.Definition, error) {
	key := act.CalledElement
	meta := fieldsOf(
		map[string]any{"activity_id": act.ID},
		positionFields(e),
		map[string]any{"call_activity_id": act.ID, "called_element": key},
	)
	if IsExpression(key) {
		resolved, err := rt.evaluateString(e, key)
		if err != nil {
			return nil, illegalState(
				fmt.Sprintf("cannot resolve called element expression %q of %s", key, act.ID),
				err,
				meta,
			)
		}
		if resolved == "" {
			return nil, illegalState(
				fmt.Sprintf("called element expression %q of %s resolved to nothing", key, act.ID),
				nil,
				meta,
			)
		}
		key = resolved
	}
	if version <= 0 {
		version = act.CalledElementVersion
	}
	if tenant == "" {
		tenant = act.CalledElementTenant
	}
	if tenant == "" {
		if def := e.Definition(); def != nil {
			tenant = def.TenantID
		}
	}

	var (
		def *model.Definition
		ok  bool
	)
	if version > 0 {
		def, ok = rt.templates.FindByKeyVersionTenant(key, version, tenant)
	} else {
		def, ok = rt.templates.FindLatestByKey(key, tenant)
	}
	if !ok {
		meta["key"] = key
		meta["version"] = version
		meta["tenant_id"] = tenant
		return nil, notFound(fmt.Sprintf("called definition %s not found", key), meta)
	}
	return def, nil
}

// createCalledInstance links a new instance root below the caller token and applies the in mappings.
func (rt *Runtime) createCalledInstance(caller *Execution, def *model.Definition) (*Execution, error) {
	called := rt.newProcessInstance(def, caller.BusinessKey())
	called.superExecution = caller
	caller.subProcessInstance = called
	for _, m := range caller.activity.InMappings {
		v, err := rt.mappedValue(caller, m)
		if err != nil {
			return nil, err
		}
		called.SetVariableLocal(m.Target, v)
	}
	return called, nil
}

func (rt *Runtime) mappedValue(from *Execution, m model.Mapping) (any, error) {
	if m.Expression != "" {
		return rt.evaluate(from, m.Expression)
	}
	v, _ := from.Variable(m.Source)
	return v, nil
}
