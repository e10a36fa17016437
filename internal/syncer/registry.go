package syncer

import (
	"fmt"
	"sort"
	"sync"
)

// ResolverConstructor creates a resolver for a named strategy.
// Strategies register themselves with Register().
type ResolverConstructor func() Resolver

// registry maps strategy names to their constructors
var (
	registry      = make(map[string]ResolverConstructor)
	registryMutex sync.RWMutex
)

func init() {
	Register("ours", Ours)
	Register("theirs", Theirs)
}

// Register registers a conflict strategy constructor.
//
// Example:
//
//	func init() {
//	    syncer.Register("manual", func() syncer.Resolver { return NewManualResolver() })
//	}
func Register(name string, constructor ResolverConstructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("syncer: Register constructor is nil for strategy %s", name))
	}

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("syncer: Register called twice for strategy %s", name))
	}

	registry[name] = constructor
}

// Lookup returns a resolver for the named strategy
func Lookup(name string) (Resolver, error) {
	registryMutex.RLock()
	constructor := registry[name]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("unknown conflict strategy %q (have %v)", name, Strategies())
	}
	return constructor(), nil
}

// IsRegistered returns true if a constructor is registered for the strategy
func IsRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[name]
	return exists
}

// Strategies returns all registered strategy names, sorted
func Strategies() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
