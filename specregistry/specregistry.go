// Package specregistry is the source of truth for AgentSpec documents and
// resolves inheritance chains into cached EffectiveSpec values.
package specregistry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/registry"
)

const component = "SpecRegistry"

// AgentSpec is the raw, user-authored agent definition (§3).
type AgentSpec struct {
	Name         string
	Parent       string
	Provider     string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Tools        []string
	Skills       []string
	Metadata     map[string]interface{}
	Fields       map[string]interface{}
}

// EffectiveSpec is the fully resolved, immutable spec produced by Resolve.
type EffectiveSpec struct {
	ID      string
	Name    string
	Chain   []string // root-to-leaf spec names that contributed
	Version uint64

	Provider     string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Tools        []string
	Skills       []string
	Metadata     map[string]interface{}
	Config       map[string]interface{}
}

// SpecRegistryOptions configures registry behavior.
type SpecRegistryOptions struct {
	// MaxInheritanceDepth bounds the parent chain walk. Default 8 (§9 Open
	// Question, resolved: sane configurable default).
	MaxInheritanceDepth int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() SpecRegistryOptions {
	return SpecRegistryOptions{MaxInheritanceDepth: 8}
}

type cacheEntry struct {
	version uint64
	spec    *EffectiveSpec
}

// SpecRegistry stores AgentSpec instances and resolves EffectiveSpec chains.
type SpecRegistry struct {
	*registry.BaseRegistry[AgentSpec]

	mu      sync.RWMutex
	opts    SpecRegistryOptions
	version uint64
	cache   map[string]cacheEntry
	inUse   map[string]int // live reference count per spec name
}

// NewSpecRegistry constructs an empty registry.
func NewSpecRegistry(opts SpecRegistryOptions) *SpecRegistry {
	if opts.MaxInheritanceDepth <= 0 {
		opts.MaxInheritanceDepth = 8
	}
	return &SpecRegistry{
		BaseRegistry: registry.NewBaseRegistry[AgentSpec](),
		opts:         opts,
		cache:        make(map[string]cacheEntry),
		inUse:        make(map[string]int),
	}
}

func newErr(op string, kind coreerrors.Kind, msg string, err error) *coreerrors.Error {
	return coreerrors.New(component, op, kind, msg, err)
}

// validate checks the AgentSpec invariants of §3 that don't require chain
// resolution (name/bounds; cycle detection happens in Resolve).
func validate(spec AgentSpec) error {
	if spec.Name == "" {
		return newErr("Register", coreerrors.KindInvalidSpec, "name cannot be empty", nil)
	}
	if spec.Temperature < 0 || spec.Temperature > 2 {
		return newErr("Register", coreerrors.KindInvalidSpec,
			fmt.Sprintf("temperature %.2f out of bounds [0, 2]", spec.Temperature), nil)
	}
	if spec.MaxTokens < 0 {
		return newErr("Register", coreerrors.KindInvalidSpec, "max_tokens cannot be negative", nil)
	}
	return nil
}

// Register validates and stores spec. If replace is false and name already
// exists, fails with kind=duplicate_name. Any cached EffectiveSpec whose
// chain contains this name is invalidated by bumping the registry version.
func (r *SpecRegistry) Register(spec AgentSpec, replace bool) error {
	if err := validate(spec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.Get(spec.Name)
	if exists && !replace {
		return newErr("Register", coreerrors.KindDuplicateName,
			fmt.Sprintf("spec %q already registered", spec.Name), nil)
	}
	if exists {
		_ = r.BaseRegistry.Remove(spec.Name)
	}
	if err := r.BaseRegistry.Register(spec.Name, spec); err != nil {
		return newErr("Register", coreerrors.KindInvalidSpec, "store failed", err)
	}

	r.version++
	r.invalidateLocked()
	return nil
}

// Unregister removes spec by name. Fails with kind=in_use when force is
// false and the name has live references; with force true it is removed
// regardless of references.
func (r *SpecRegistry) Unregister(name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && r.inUse[name] > 0 {
		return newErr("Unregister", coreerrors.KindInUse,
			fmt.Sprintf("spec %q is referenced by %d live agent(s)", name, r.inUse[name]), nil)
	}
	if err := r.BaseRegistry.Remove(name); err != nil {
		return newErr("Unregister", coreerrors.KindNotFound, fmt.Sprintf("spec %q not found", name), nil)
	}
	delete(r.inUse, name)
	r.version++
	r.invalidateLocked()
	return nil
}

// Acquire/Release track live-Agent references for Unregister's in_use check.
func (r *SpecRegistry) Acquire(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse[name]++
}

func (r *SpecRegistry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[name] > 0 {
		r.inUse[name]--
	}
}

func (r *SpecRegistry) invalidateLocked() {
	r.cache = make(map[string]cacheEntry)
}

// Version returns the current monotonic registry version.
func (r *SpecRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Resolve walks the parent chain from name to root, detects cycles with an
// explicit visited-set, merges bottom-up per §3, and caches the result
// keyed by (name, registry version).
func (r *SpecRegistry) Resolve(name string) (*EffectiveSpec, error) {
	r.mu.RLock()
	if entry, ok := r.cache[name]; ok && entry.version == r.version {
		r.mu.RUnlock()
		return entry.spec, nil
	}
	r.mu.RUnlock()

	chain, err := r.resolveChain(name)
	if err != nil {
		return nil, err
	}

	eff := merge(chain)
	eff.ID = uuid.NewString()

	r.mu.Lock()
	eff.Version = r.version
	r.cache[name] = cacheEntry{version: r.version, spec: eff}
	r.mu.Unlock()

	return eff, nil
}

// resolveChain returns the spec chain from root to leaf (name last).
func (r *SpecRegistry) resolveChain(name string) ([]AgentSpec, error) {
	visited := make(map[string]bool)
	var reverseChain []AgentSpec

	current := name
	for {
		if visited[current] {
			names := make([]string, 0, len(visited)+1)
			for v := range visited {
				names = append(names, v)
			}
			names = append(names, current)
			return nil, newErr("Resolve", coreerrors.KindCycle,
				fmt.Sprintf("inheritance cycle detected involving %v", names), nil)
		}
		if len(visited) >= r.opts.MaxInheritanceDepth {
			return nil, newErr("Resolve", coreerrors.KindInvalidSpec,
				fmt.Sprintf("inheritance chain for %q exceeds max depth %d", name, r.opts.MaxInheritanceDepth), nil)
		}
		visited[current] = true

		spec, ok := r.Get(current)
		if !ok {
			return nil, newErr("Resolve", coreerrors.KindNotFound,
				fmt.Sprintf("spec %q not found while resolving %q", current, name), nil)
		}
		reverseChain = append(reverseChain, spec)

		if spec.Parent == "" {
			break
		}
		current = spec.Parent
	}

	// reverseChain is leaf-to-root; reverse it to root-to-leaf for merge.
	chain := make([]AgentSpec, len(reverseChain))
	for i, s := range reverseChain {
		chain[len(chain)-1-i] = s
	}
	return chain, nil
}

// merge implements the §3 bottom-up merge semantics: tool/skill set-union
// preserving first-occurrence order, shallow map merge with child override,
// scalar fields take the most-derived non-zero value.
func merge(chain []AgentSpec) *EffectiveSpec {
	eff := &EffectiveSpec{
		Metadata: make(map[string]interface{}),
		Config:   make(map[string]interface{}),
	}
	seenTools := make(map[string]bool)
	seenSkills := make(map[string]bool)

	for _, spec := range chain {
		eff.Chain = append(eff.Chain, spec.Name)

		for _, t := range spec.Tools {
			if !seenTools[t] {
				seenTools[t] = true
				eff.Tools = append(eff.Tools, t)
			}
		}
		for _, s := range spec.Skills {
			if !seenSkills[s] {
				seenSkills[s] = true
				eff.Skills = append(eff.Skills, s)
			}
		}
		for k, v := range spec.Metadata {
			eff.Metadata[k] = v
		}
		for k, v := range spec.Fields {
			eff.Config[k] = v
		}

		if spec.Provider != "" {
			eff.Provider = spec.Provider
		}
		if spec.Model != "" {
			eff.Model = spec.Model
		}
		if spec.Temperature != 0 {
			eff.Temperature = spec.Temperature
		}
		if spec.MaxTokens != 0 {
			eff.MaxTokens = spec.MaxTokens
		}
		if spec.SystemPrompt != "" {
			eff.SystemPrompt = spec.SystemPrompt
		}
	}

	eff.Name = chain[len(chain)-1].Name
	return eff
}

// Repository is the pluggable persistence boundary a caller may back
// SpecRegistry with (relational store, etcd, consul, zookeeper, ...). The
// core ships no concrete implementation; persistence backends are an
// out-of-scope capability per the specification's scope section.
type Repository interface {
	Save(spec AgentSpec) error
	Load(name string) (AgentSpec, bool, error)
	Delete(name string) error
	List() ([]AgentSpec, error)
}
