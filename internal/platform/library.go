package platform

import (
	"plugin"
	"sync"
)

// Library is a loaded model shared object, resolved by symbol name the way
// the server loop fills its entry-point table: a mapping from operation
// name to a typed entry point.
//
// Go's plugin package has no unload primitive. library_unload therefore
// only releases this handle's bookkeeping; the underlying .so stays mapped
// in the process for its lifetime. That is acceptable here because a
// server process hosts exactly one model for its entire life and exits
// rather than unloading and reloading.
type Library struct {
	path string
	pkg  *plugin.Plugin

	mu      sync.RWMutex
	symbols map[string]plugin.Symbol
}

// LoadLibrary opens the shared object at path.
func LoadLibrary(path string) (*Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, wrapErr(ErrKindLibraryLoad, path, err)
	}
	return &Library{
		path:    path,
		pkg:     p,
		symbols: make(map[string]plugin.Symbol),
	}, nil
}

// Symbol resolves an exported entry point by name, caching the lookup.
func (l *Library) Symbol(name string) (plugin.Symbol, error) {
	l.mu.RLock()
	if sym, ok := l.symbols[name]; ok {
		l.mu.RUnlock()
		return sym, nil
	}
	l.mu.RUnlock()

	sym, err := l.pkg.Lookup(name)
	if err != nil {
		return nil, wrapErr(ErrKindSymbolMissing, name, err)
	}

	l.mu.Lock()
	l.symbols[name] = sym
	l.mu.Unlock()

	return sym, nil
}

// Path returns the path the library was loaded from.
func (l *Library) Path() string { return l.path }

// Unload drops the cached symbol table. See the type doc: the mapped
// object itself cannot be unmapped by Go's plugin loader.
func (l *Library) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.symbols = nil
}
