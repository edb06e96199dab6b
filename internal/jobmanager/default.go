package jobmanager

import "sync"

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating and starting it with
// DefaultConfig on first use
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(DefaultConfig())
		defaultRegistry.Start()
	}
	return defaultRegistry
}

// ResetDefault stops and discards the process-wide registry.
// The next Default call builds a fresh one.
func ResetDefault() {
	defaultMu.Lock()
	r := defaultRegistry
	defaultRegistry = nil
	defaultMu.Unlock()

	if r != nil {
		r.Stop()
	}
}
