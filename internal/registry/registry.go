// Package registry implements the name-keyed runtime table every control
// command and protocol engine looks objects up through. It generalizes
// the teacher's single-Device bookkeeping (backend.go's CreateAndServe /
// StopAndDelete pair) into a map of many concurrently-managed runtimes,
// guarded the same way the teacher guards per-tag state: a lock around
// the shared table, with the table's own payloads mutated only on the
// single loop thread.
package registry

import (
	"path/filepath"
	"sync"

	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// Destroyer is implemented by callers that need a deferred-destruction
// hook scheduled on the completion loop (registry.Remove arranges this
// so in-flight completions referencing the extracted runtime drain
// before its memory is released, mirroring the teacher's queue.Runner
// TagState machine never freeing a tag mid-flight).
type Destroyer interface {
	ScheduleDestroy(func())
}

// Registry is the process-wide table of managed runtimes.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*rt.Runtime

	pendingMu sync.Mutex
	pending   []*rt.Runtime
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*rt.Runtime)}
}

// Create registers a new runtime, failing if the name is already taken.
func (r *Registry) Create(runtime *rt.Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[runtime.Name]; exists {
		return errs.NewForRuntime("registry.Create", runtime.Name, errs.CodeNameInUse, "runtime already exists")
	}
	r.byID[runtime.Name] = runtime
	return nil
}

// Get looks up a runtime by exact name.
func (r *Registry) Get(name string) (*rt.Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byID[name]
	if !ok {
		return nil, errs.NewForRuntime("registry.Get", name, errs.CodeNotFound, "no such runtime")
	}
	return v, nil
}

// List returns every runtime matching a glob pattern ("*" for all).
func (r *Registry) List(pattern string) ([]*rt.Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*rt.Runtime
	for name, v := range r.byID {
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, errs.Wrap("registry.List", err)
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Rename changes a runtime's registry key, failing if the new name is
// already taken.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[oldName]
	if !ok {
		return errs.NewForRuntime("registry.Rename", oldName, errs.CodeNotFound, "no such runtime")
	}
	if _, exists := r.byID[newName]; exists {
		return errs.NewForRuntime("registry.Rename", newName, errs.CodeNameInUse, "runtime already exists")
	}
	delete(r.byID, oldName)
	v.Name = newName
	r.byID[newName] = v
	return nil
}

// GetChildren returns every runtime whose Owner is name, plus every
// runtime whose LinkedCache is name (spec §4.2's ownership graph — a
// runtime linked to name counts as its child even without an explicit
// owner). The cache that name's own LinkedCache points at is not included.
func (r *Registry) GetChildren(name string) []*rt.Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*rt.Runtime
	for _, v := range r.byID {
		if v.Owner == name || v.LinkedCache == name {
			out = append(out, v)
		}
	}
	return out
}

// Extract removes and returns a runtime without scheduling destruction,
// used internally by Remove and by Rename-adjacent flows that need to
// briefly hold a runtime outside the locked table.
func (r *Registry) Extract(name string) (*rt.Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[name]
	if !ok {
		return nil, errs.NewForRuntime("registry.Extract", name, errs.CodeNotFound, "no such runtime")
	}
	delete(r.byID, name)
	return v, nil
}

// Remove extracts a runtime and defers its teardown callback until the
// registry's owner confirms in-flight completions referencing it have
// drained (scheduled via d.ScheduleDestroy, typically backed by a
// zero-duration engine timeout).
func (r *Registry) Remove(name string, d Destroyer, teardown func(*rt.Runtime)) error {
	v, err := r.Extract(name)
	if err != nil {
		return err
	}
	r.pendingMu.Lock()
	r.pending = append(r.pending, v)
	r.pendingMu.Unlock()

	d.ScheduleDestroy(func() {
		r.pendingMu.Lock()
		for i, p := range r.pending {
			if p == v {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		r.pendingMu.Unlock()
		teardown(v)
	})
	return nil
}

// ApplyChildPolicy walks name's dependents and stops or removes them
// according to their ChildPolicy, the ownership-graph propagation rule
// in spec §4.2.
func (r *Registry) ApplyChildPolicy(name string, stop func(*rt.Runtime), remove func(*rt.Runtime)) {
	for _, child := range r.GetChildren(name) {
		switch child.ChildPolicy {
		case rt.ChildPolicyStop:
			stop(child)
		case rt.ChildPolicyRemove:
			remove(child)
		}
	}
}
