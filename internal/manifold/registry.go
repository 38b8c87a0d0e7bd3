package manifold

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// #region definition
// Definition declares a domain manifold, typically loaded from config.
type Definition struct {
	Name        string       `yaml:"name" json:"name" validate:"required"`
	Extends     string       `yaml:"extends" json:"extends"`
	Constraints []Constraint `yaml:"constraints" json:"constraints" validate:"min=1"`
}

// #endregion definition

// #region registry
// Registry holds named manifolds and resolves policy lists to cached
// intersections. The reference manifold is always registered.
type Registry struct {
	mu        sync.RWMutex
	manifolds map[string]*Manifold
	resolved  map[string]*Manifold
}

// NewRegistry creates a registry seeded with the reference manifold.
func NewRegistry() *Registry {
	return &Registry{
		manifolds: map[string]*Manifold{ReferenceName: Reference()},
		resolved:  make(map[string]*Manifold),
	}
}

// Register derives and stores a domain manifold. Parents must already be
// registered; an empty Extends means the reference manifold.
func (r *Registry) Register(def Definition) (*Manifold, error) {
	parentName := def.Extends
	if parentName == "" {
		parentName = ReferenceName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifolds[def.Name]; exists {
		return nil, fmt.Errorf("register %s: manifold already registered", def.Name)
	}
	parent, ok := r.manifolds[parentName]
	if !ok {
		return nil, fmt.Errorf("register %s: unknown parent %q", def.Name, parentName)
	}
	m, err := parent.Extend(def.Name, def.Constraints...)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", def.Name, err)
	}
	r.manifolds[def.Name] = m
	r.resolved = make(map[string]*Manifold)
	return m, nil
}

// Get returns a registered manifold by name.
func (r *Registry) Get(name string) (*Manifold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifolds[name]
	return m, ok
}

// Names lists registered manifolds alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.manifolds))
	for n := range r.manifolds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the intersection of the named policies. No policies
// resolves to the reference manifold. Results are cached by policy set.
func (r *Registry) Resolve(policies ...string) (*Manifold, error) {
	if len(policies) == 0 {
		policies = []string{ReferenceName}
	}
	sorted := append([]string(nil), policies...)
	sort.Strings(sorted)
	key := strings.Join(sorted, "+")

	r.mu.RLock()
	if m, ok := r.resolved[key]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	parts := make([]*Manifold, 0, len(sorted))
	for _, name := range sorted {
		m, ok := r.manifolds[name]
		if !ok {
			r.mu.RUnlock()
			return nil, fmt.Errorf("resolve: unknown manifold %q", name)
		}
		parts = append(parts, m)
	}
	r.mu.RUnlock()

	if len(parts) == 1 {
		return parts[0], nil
	}
	m, err := Intersection(key, parts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.resolved[key] = m
	r.mu.Unlock()
	return m, nil
}

// #endregion registry

// #region policies
// Policies assigns policy lists to agents. Agents without an assignment get
// Default; an empty Default means the reference manifold.
type Policies struct {
	Default []string            `yaml:"default" json:"default"`
	Agents  map[string][]string `yaml:"agents" json:"agents"`
}

// For returns the policy list governing agentID.
func (p Policies) For(agentID string) []string {
	if ps, ok := p.Agents[agentID]; ok {
		return ps
	}
	return p.Default
}

// Assigned resolves each agent's manifold through a registry.
type Assigned struct {
	Registry *Registry
	Policies Policies
}

// ManifoldFor resolves the manifold governing agentID.
func (a Assigned) ManifoldFor(agentID string) (*Manifold, error) {
	return a.Registry.Resolve(a.Policies.For(agentID)...)
}

// #endregion policies
