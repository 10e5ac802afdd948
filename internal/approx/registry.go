package approx

import (
	"fmt"
	"sort"
	"sync"
)

// Approximator converts modules of a supported layer type into their
// approximated variants. Implementations self-register in init.
type Approximator interface {
	// Type identifies the approximator for registry dispatch.
	Type() string
	// IsTrainable reports whether the approximation carries learnable state.
	IsTrainable() bool
	// ApproximateModule resolves the member named id on model and returns
	// its trainable or pretrained approximation.
	ApproximateModule(model ModuleSource, id string, pretrained bool) (any, error)
}

// ModuleSource exposes named members of a model for approximation, the
// moral equivalent of attribute lookup on a module container.
type ModuleSource interface {
	ModuleByID(id string) (any, bool)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Approximator)
)

// Register makes an approximator constructor available under name.
func Register(name string, ctor func() Approximator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("approx: Register called twice for %q", name))
	}
	registry[name] = ctor
}

// New instantiates the approximator registered under name.
func New(name string) (Approximator, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("approx: unknown approximator %q (registered: %v)", name, Registered())
	}
	return ctor(), nil
}

// Registered lists the registered approximator names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
