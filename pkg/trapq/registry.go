package trapq

import (
	"fmt"
	"sort"
)

// Handle identifies a queue owned by a Registry. The zero Handle is invalid.
type Handle int

// Valid reports whether h was issued by a Registry.
func (h Handle) Valid() bool {
	return h > 0
}

// Registry owns every motion queue. Axis state keeps only the Handle, so the
// queue itself is never aliased outside the scheduler.
type Registry struct {
	queues []*TrapQ
	names  map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]Handle)}
}

// Allocate creates a queue under a unique name.
func (r *Registry) Allocate(name string) (Handle, error) {
	if _, exists := r.names[name]; exists {
		return 0, fmt.Errorf("motion queue %q already allocated", name)
	}
	r.queues = append(r.queues, New(name))
	h := Handle(len(r.queues))
	r.names[name] = h
	return h, nil
}

// Get returns the queue for h, or nil for an invalid handle.
func (r *Registry) Get(h Handle) *TrapQ {
	if !h.Valid() || int(h) > len(r.queues) {
		return nil
	}
	return r.queues[h-1]
}

// Lookup finds a queue handle by name.
func (r *Registry) Lookup(name string) (Handle, bool) {
	h, ok := r.names[name]
	return h, ok
}

// Name returns the name of the queue behind h.
func (r *Registry) Name(h Handle) string {
	if q := r.Get(h); q != nil {
		return q.name
	}
	return ""
}

// Names returns every queue name in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FinalizeAll finalizes every queue up to printTime.
func (r *Registry) FinalizeAll(printTime, clearHistoryTime float64) {
	for _, q := range r.queues {
		q.FinalizeMoves(printTime, clearHistoryTime)
	}
}
