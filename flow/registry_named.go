package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ListenerFunc is an execution listener fired on start, end and take events.
type ListenerFunc func(ctx context.Context, e *Execution, event string) error

// HandlerFunc implements a service or script task.
type HandlerFunc func(ctx context.Context, e *Execution) error

// defaultNamespace concatenates namespace and id using ::, trimming whitespace.
func defaultNamespace(namespace, id string) string {
	ns := strings.TrimSpace(namespace)
	ident := strings.TrimSpace(id)
	if ns == "" {
		return ident
	}
	return ns + "::" + ident
}

// namedRegistry stores functions referenced by name from templates.
type namedRegistry[T any] struct {
	mu         sync.RWMutex
	kind       string
	entries    map[string]T
	namespacer func(string, string) string
}

func newNamedRegistry[T any](kind string) *namedRegistry[T] {
	return &namedRegistry[T]{
		kind:       kind,
		entries:    make(map[string]T),
		namespacer: defaultNamespace,
	}
}

// SetNamespacer customizes how namespaced ids are joined.
func (r *namedRegistry[T]) SetNamespacer(fn func(string, string) string) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namespacer = fn
}

// Register stores fn under name.
func (r *namedRegistry[T]) Register(name string, fn T) error {
	return r.RegisterNamespaced("", name, fn)
}

// RegisterNamespaced stores fn under namespace+name.
func (r *namedRegistry[T]) RegisterNamespaced(namespace, name string, fn T) error {
	if strings.TrimSpace(name) == "" {
		return invalidArgument(fmt.Sprintf("%s name required", r.kind), nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := name
	if r.namespacer != nil {
		key = r.namespacer(namespace, name)
	}
	if _, exists := r.entries[key]; exists {
		return illegalState(fmt.Sprintf("%s %s already registered", r.kind, key), nil, map[string]any{"name": key})
	}
	r.entries[key] = fn
	return nil
}

// Lookup retrieves a registered function by its full name.
func (r *namedRegistry[T]) Lookup(name string) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entries[strings.TrimSpace(name)]
	return fn, ok
}

// Names lists the registered names in order.
func (r *namedRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListenerRegistry resolves execution listener references.
type ListenerRegistry struct {
	*namedRegistry[ListenerFunc]
}

// NewListenerRegistry creates an empty listener registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{namedRegistry: newNamedRegistry[ListenerFunc]("listener")}
}

// HandlerRegistry resolves service and script task handler references.
type HandlerRegistry struct {
	*namedRegistry[HandlerFunc]
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{namedRegistry: newNamedRegistry[HandlerFunc]("handler")}
}
