package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"klipper-go-extruder/pkg/errors"
)

// Module is an object built from a config section.
type Module interface {
	// Name returns the module name used by commands.
	Name() string
}

// ModuleFactory builds a module from its section.
type ModuleFactory func(section *Section) (Module, error)

type matcher struct {
	match   func(sectionName string) bool
	factory ModuleFactory
}

// Registry maps section names to factories and loads modules in config
// file order. Lookup tries exact names, then match functions in
// registration order, then the longest registered prefix.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]ModuleFactory
	matchers []matcher
	prefixes map[string]ModuleFactory
	loaded   map[string]Module
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]ModuleFactory),
		prefixes: make(map[string]ModuleFactory),
		loaded:   make(map[string]Module),
	}
}

// Register adds a factory for an exact section name, e.g. [extruder].
func (r *Registry) Register(name string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[name] = factory
}

// RegisterMatch adds a factory for every section name match accepts.
func (r *Registry) RegisterMatch(match func(sectionName string) bool, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers = append(r.matchers, matcher{match: match, factory: factory})
}

// RegisterPrefix adds a factory for named sections such as
// [extruder_stepper belted]; pass the prefix including the space.
func (r *Registry) RegisterPrefix(prefix string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = factory
}

// GetFactory returns the factory for a section name, or nil.
func (r *Registry) GetFactory(sectionName string) ModuleFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factoryLocked(sectionName)
}

func (r *Registry) factoryLocked(sectionName string) ModuleFactory {
	if factory, ok := r.exact[sectionName]; ok {
		return factory
	}
	for _, m := range r.matchers {
		if m.match(sectionName) {
			return m.factory
		}
	}
	best := ""
	for prefix := range r.prefixes {
		if strings.HasPrefix(sectionName, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil
	}
	return r.prefixes[best]
}

// LoadModules builds a module for every section with a factory, in
// file order. Sections without a factory are left unaccessed so
// CheckUnused reports them. Already loaded sections are skipped.
func (r *Registry) LoadModules(cfg *Config) ([]Module, error) {
	var modules []Module
	for _, name := range cfg.SectionNames() {
		r.mu.RLock()
		_, done := r.loaded[name]
		factory := r.factoryLocked(name)
		r.mu.RUnlock()
		if done || factory == nil {
			continue
		}

		section, err := cfg.GetSection(name)
		if err != nil {
			return nil, err
		}
		// Factories may look up other modules, so the lock is not held.
		module, err := factory(section)
		if err != nil {
			if errors.Code(err) != "" {
				return nil, err
			}
			return nil, errors.Wrap(err, errors.ErrConfigSection,
				fmt.Sprintf("failed to load [%s]: %v", name, err)).SetSection(name)
		}

		r.mu.Lock()
		r.loaded[name] = module
		r.order = append(r.order, name)
		r.mu.Unlock()
		modules = append(modules, module)
	}
	return modules, nil
}

// GetModule returns a loaded module by section name, or nil.
func (r *Registry) GetModule(name string) Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[name]
}

// LoadedNames returns loaded section names in load order.
func (r *Registry) LoadedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// RegisteredPrefixes returns the prefix patterns, sorted.
func (r *Registry) RegisteredPrefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefixes := make([]string, 0, len(r.prefixes))
	for prefix := range r.prefixes {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}
