package observability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry resolves observer names found in configuration. Each bus owns
// its own Registry; there is no process-wide state.
type Registry struct {
	mu        sync.RWMutex
	observers map[string]Observer
}

// NewRegistry returns a Registry pre-populated with "noop" and a "slog"
// observer writing to logger (slog.Default() when nil).
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		observers: map[string]Observer{
			"noop": NoOpObserver{},
			"slog": NewSlogObserver(logger),
		},
	}
}

// Get returns a registered observer by name.
func (r *Registry) Get(name string) (Observer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obs, exists := r.observers[name]
	if !exists {
		return nil, fmt.Errorf("unknown observer: %s", name)
	}
	return obs, nil
}

// Resolve returns the named observer, falling back to "noop" for an empty
// or unknown name.
func (r *Registry) Resolve(name string) Observer {
	if name == "" {
		return NoOpObserver{}
	}
	obs, err := r.Get(name)
	if err != nil {
		return NoOpObserver{}
	}
	return obs
}

// Register adds or replaces a named observer.
func (r *Registry) Register(name string, observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.observers[name] = observer
}

// Names lists registered observer names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.observers))
	for name := range r.observers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
