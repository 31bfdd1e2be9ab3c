package task

import (
	"fmt"
	"sort"
	"sync"
)

// Entry is a registered task type.
type Entry struct {
	Name    string
	Handler Handler
	Policy  RetryPolicy

	// Internal types are enqueued by the service itself, never by clients.
	Internal bool
}

// Registry maps task-type names to handlers and their retry policy.
// It is populated at startup and sealed when the engine starts.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a handler under name. Zero backoff and timeout fields of
// policy are replaced by defaults.
func (r *Registry) Register(name string, handler Handler, policy RetryPolicy) error {
	return r.register(name, handler, policy, false)
}

// RegisterInternal is like Register but hides the type from client producers.
func (r *Registry) RegisterInternal(name string, handler Handler, policy RetryPolicy) error {
	return r.register(name, handler, policy, true)
}

func (r *Registry) register(name string, handler Handler, policy RetryPolicy, internal bool) error {
	if name == "" {
		return fmt.Errorf("register task type: name is required")
	}
	if handler == nil {
		return fmt.Errorf("register task type %q: handler is nil", name)
	}
	if policy.MaxRetries < 0 {
		return fmt.Errorf("register task type %q: max retries must not be negative", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, name)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskType, name)
	}

	r.entries[name] = &Entry{
		Name:     name,
		Handler:  handler,
		Policy:   policy.withDefaults(),
		Internal: internal,
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, handler Handler, policy RetryPolicy) {
	if err := r.Register(name, handler, policy); err != nil {
		panic(err)
	}
}

// Resolve returns the entry registered under name.
func (r *Registry) Resolve(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, name)
	}
	return entry, nil
}

// Public reports whether name is registered and open to client producers.
func (r *Registry) Public(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	return ok && !entry.Internal
}

// Seal stops further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Names returns the registered task types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
