package flow

import "strings"

// Variable resolves name lexically: a local hit first, then the parent chain.
func (e *Execution) Variable(name string) (any, bool) {
	name = strings.TrimSpace(name)
	for cur := e; cur != nil; cur = cur.parent {
		if v, ok := cur.variables[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Variables returns the merged view of every visible variable. Inner scopes shadow outer ones.
func (e *Execution) Variables() map[string]any {
	var chain []*Execution
	for cur := e; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].variables {
			out[k] = v
		}
	}
	return out
}

// VariablesLocal returns a copy of the token's own variables.
func (e *Execution) VariablesLocal() map[string]any {
	out := make(map[string]any, len(e.variables))
	for k, v := range e.variables {
		out[k] = v
	}
	return out
}

// VariableLocal returns a variable stored on the token itself.
func (e *Execution) VariableLocal(name string) (any, bool) {
	v, ok := e.variables[strings.TrimSpace(name)]
	return v, ok
}

// SetVariable updates the nearest token holding name, or creates it on the instance root.
func (e *Execution) SetVariable(name string, value any) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	for cur := e; cur != nil; cur = cur.parent {
		if _, ok := cur.variables[name]; ok {
			cur.variables[name] = value
			return
		}
	}
	e.ProcessInstance().SetVariableLocal(name, value)
}

// SetVariables applies SetVariable for every entry.
func (e *Execution) SetVariables(vars map[string]any) {
	for k, v := range vars {
		e.SetVariable(k, v)
	}
}

// SetVariableLocal stores name on the token itself, shadowing outer values.
func (e *Execution) SetVariableLocal(name string, value any) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if e.variables == nil {
		e.variables = make(map[string]any)
	}
	e.variables[name] = value
}

// SetVariablesLocal applies SetVariableLocal for every entry.
func (e *Execution) SetVariablesLocal(vars map[string]any) {
	for k, v := range vars {
		e.SetVariableLocal(k, v)
	}
}

// RemoveVariableLocal deletes a variable stored on the token.
func (e *Execution) RemoveVariableLocal(name string) {
	delete(e.variables, strings.TrimSpace(name))
}
