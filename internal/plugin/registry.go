package plugin

import (
	"fmt"
	"sync"
)

// Slot is the capability family a plugin fills.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotSCM       Slot = "scm"
	SlotTracker   Slot = "tracker"
	SlotNotifier  Slot = "notifier"
	SlotWorkspace Slot = "workspace"
)

// Registry holds loaded plugins keyed by (slot, name).
type Registry struct {
	mu      sync.RWMutex
	plugins map[Slot]map[string]any
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[Slot]map[string]any),
	}
}

// Register binds a plugin under a slot and name. The last registration wins.
func (r *Registry) Register(slot Slot, name string, impl any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plugins[slot] == nil {
		r.plugins[slot] = make(map[string]any)
	}
	r.plugins[slot][name] = impl
}

func (r *Registry) get(slot Slot, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.plugins[slot][name]
	if !ok {
		return nil, fmt.Errorf("no %s plugin registered under %q", slot, name)
	}
	return impl, nil
}

// Runtime resolves a runtime plugin by name.
func (r *Registry) Runtime(name string) (Runtime, error) {
	impl, err := r.get(SlotRuntime, name)
	if err != nil {
		return nil, err
	}
	rt, ok := impl.(Runtime)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement Runtime", name)
	}
	return rt, nil
}

// Agent resolves an agent plugin by name.
func (r *Registry) Agent(name string) (Agent, error) {
	impl, err := r.get(SlotAgent, name)
	if err != nil {
		return nil, err
	}
	a, ok := impl.(Agent)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement Agent", name)
	}
	return a, nil
}

// SCM resolves an SCM plugin by name.
func (r *Registry) SCM(name string) (SCM, error) {
	impl, err := r.get(SlotSCM, name)
	if err != nil {
		return nil, err
	}
	s, ok := impl.(SCM)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement SCM", name)
	}
	return s, nil
}

// Tracker resolves a tracker plugin by name.
func (r *Registry) Tracker(name string) (Tracker, error) {
	impl, err := r.get(SlotTracker, name)
	if err != nil {
		return nil, err
	}
	tr, ok := impl.(Tracker)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement Tracker", name)
	}
	return tr, nil
}

// Notifier resolves a notifier plugin by name.
func (r *Registry) Notifier(name string) (Notifier, error) {
	impl, err := r.get(SlotNotifier, name)
	if err != nil {
		return nil, err
	}
	n, ok := impl.(Notifier)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement Notifier", name)
	}
	return n, nil
}

// Workspace resolves a workspace plugin by name.
func (r *Registry) Workspace(name string) (Workspace, error) {
	impl, err := r.get(SlotWorkspace, name)
	if err != nil {
		return nil, err
	}
	w, ok := impl.(Workspace)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement Workspace", name)
	}
	return w, nil
}

// Notifiers returns every registered notifier keyed by name.
func (r *Registry) Notifiers() map[string]Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Notifier)
	for name, impl := range r.plugins[SlotNotifier] {
		if n, ok := impl.(Notifier); ok {
			out[name] = n
		}
	}
	return out
}
