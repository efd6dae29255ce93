package process

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-process/flow"
)

// InstanceStore holds running instance families in memory. A family is an
// instance root together with every instance it called. Commands run against
// a deep copy that replaces the stored family only when the command succeeds.
type InstanceStore struct {
	mu         sync.RWMutex
	families   map[string]*flow.Execution
	executions map[string]string
	locks      map[string]*sync.Mutex
}

// NewInstanceStore constructs an empty store.
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		families:   make(map[string]*flow.Execution),
		executions: make(map[string]string),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Put stores a new family. The family is indexed by the id of every live token.
func (s *InstanceStore) Put(root *flow.Execution) {
	if root == nil {
		return
	}
	root = flow.NewTree(root).Root()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceUnlocked(root.ID(), root)
}

// FamilyOf returns the family root id owning the token or instance id.
func (s *InstanceStore) FamilyOf(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	family, ok := s.executions[strings.TrimSpace(id)]
	return family, ok
}

// Snapshot returns a deep copy of the family owning id.
func (s *InstanceStore) Snapshot(id string) (*flow.Execution, bool) {
	family, ok := s.FamilyOf(id)
	if !ok {
		return nil, false
	}
	lock := s.lockFor(family)
	lock.Lock()
	defer lock.Unlock()
	s.mu.RLock()
	root := s.families[family]
	s.mu.RUnlock()
	if root == nil {
		return nil, false
	}
	return flow.Clone(root), true
}

// Len returns the number of stored families.
func (s *InstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.families)
}

// IDs returns the stored family root ids.
func (s *InstanceStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.families))
	for id := range s.families {
		out = append(out, id)
	}
	return out
}

// RunInTransaction locks the family owning id, hands fn a deep copy and stores
// the copy once fn returns nil. Ended families are dropped.
func (s *InstanceStore) RunInTransaction(ctx context.Context, id string, fn func(ctx context.Context, root *flow.Execution) error) error {
	if fn == nil {
		return nil
	}
	family, ok := s.FamilyOf(id)
	if !ok {
		return notFound(fmt.Sprintf("no running instance owns %s", id), map[string]any{"id": id})
	}

	lock := s.lockFor(family)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.families[family]
	s.mu.RUnlock()
	if current == nil {
		return notFound(fmt.Sprintf("no running instance owns %s", id), map[string]any{"id": id})
	}

	tx := flow.Clone(current)
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceUnlocked(family, tx)
	return nil
}

func (s *InstanceStore) replaceUnlocked(family string, root *flow.Execution) {
	for id, owner := range s.executions {
		if owner == family {
			delete(s.executions, id)
		}
	}
	if root == nil || root.IsEnded() {
		delete(s.families, family)
		delete(s.locks, family)
		return
	}
	s.families[family] = root
	for _, x := range flow.NewTree(root).Executions() {
		s.executions[x.ID()] = family
	}
}

func (s *InstanceStore) lockFor(family string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[family]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[family] = lock
	}
	return lock
}
