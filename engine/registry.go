package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wippyai/wasm-sandbox/errors"
)

// Options configure adapter construction.
type Options struct {
	// CacheDir, when set, lets adapters persist compiled code on disk.
	CacheDir string
}

// Factory creates an adapter.
type Factory func(opts Options) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
	aliases     = map[string]string{
		"engine-a": "compiler",
		"engine-b": "jit",
	}
)

// Register registers an adapter factory under name.
// It panics when name is already registered.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("engine %s already registered", name))
	}
	factories[name] = factory
}

// Canonical resolves aliases such as "engine-a" to the registered name.
func Canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if target, ok := aliases[name]; ok {
		return target
	}
	return name
}

// New creates an adapter by name.
func New(name string, opts Options) (Adapter, error) {
	name = Canonical(name)

	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, errors.NotFound(errors.PhaseConfig, "engine", name)
	}
	return factory(opts)
}

// Names returns all registered engine names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
