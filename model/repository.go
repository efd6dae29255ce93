package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Repository is a thread-safe in-memory template repository.
type Repository struct {
	mu    sync.RWMutex
	byID  map[string]*Definition
	byKey map[string][]*Definition
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{
		byID:  make(map[string]*Definition),
		byKey: make(map[string][]*Definition),
	}
}

// Deploy registers a definition. A zero version is assigned the next version for its key and tenant.
func (r *Repository) Deploy(def *Definition) (*Definition, error) {
	if def == nil {
		return nil, invalidTemplate("definition is nil", nil, nil)
	}
	if err := Validate(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := keySlot(def.Key, def.TenantID)
	versions := r.byKey[slot]
	if def.Version <= 0 {
		def.Version = 1
		if n := len(versions); n > 0 {
			def.Version = versions[n-1].Version + 1
		}
	}
	for _, existing := range versions {
		if existing.Version == def.Version {
			return nil, invalidTemplate(
				fmt.Sprintf("template %s version %d already deployed", def.Key, def.Version),
				nil,
				map[string]any{"key": def.Key, "version": def.Version},
			)
		}
	}
	if strings.TrimSpace(def.ID) == "" {
		def.ID = fmt.Sprintf("%s:%d", def.Key, def.Version)
		if def.TenantID != "" {
			def.ID = def.TenantID + ":" + def.ID
		}
	}
	if _, exists := r.byID[def.ID]; exists {
		return nil, invalidTemplate(fmt.Sprintf("template id %s already deployed", def.ID), nil, nil)
	}

	r.byID[def.ID] = def
	versions = append(versions, def)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	r.byKey[slot] = versions
	return def, nil
}

// DeployDocument parses, builds and deploys a template document.
func (r *Repository) DeployDocument(data []byte) (*Definition, error) {
	def, err := Load(data)
	if err != nil {
		return nil, err
	}
	return r.Deploy(def)
}

// GetTemplate returns a definition by id.
func (r *Repository) GetTemplate(id string) (*Definition, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[strings.TrimSpace(id)]
	return def, ok
}

// FindLatestByKey returns the highest deployed version for key and tenant.
func (r *Repository) FindLatestByKey(key, tenant string) (*Definition, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byKey[keySlot(key, tenant)]
	if len(versions) == 0 {
		return nil, false
	}
	return versions[len(versions)-1], true
}

// FindByKeyVersionTenant returns an exact version for key and tenant.
func (r *Repository) FindByKeyVersionTenant(key string, version int, tenant string) (*Definition, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.byKey[keySlot(key, tenant)] {
		if def.Version == version {
			return def, true
		}
	}
	return nil, false
}

// Definitions lists every deployed definition ordered by key and version.
func (r *Repository) Definitions() []*Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.byID))
	for _, def := range r.byID {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func keySlot(key, tenant string) string {
	return strings.TrimSpace(tenant) + "\x00" + strings.TrimSpace(key)
}
