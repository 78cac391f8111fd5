// Package cache holds compiled guests by function name.
package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/openeuler-mirror/WasmEngine/engine"
	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
)

// Cache maps function names to compiled modules. The capability variant
// of each module is fixed when it is inserted.
//
// Callers running a module hold a reference from Acquire until they call
// the returned release. Remove evicts at once but closes the module only
// after the last reference is released.
type Cache struct {
	modules map[string]*entry
	mu      sync.RWMutex
}

type entry struct {
	mod     engine.Module
	refs    int
	evicted bool
	closed  bool
}

func New() *Cache {
	return &Cache{modules: map[string]*entry{}}
}

// Exists reports whether name has a compiled module.
func (c *Cache) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.modules[name]
	return ok
}

// Insert stores mod under name unless an entry already exists. It returns
// the module now cached and whether mod was the one stored; a caller whose
// module lost the race owns it and should close it.
func (c *Cache) Insert(name string, mod engine.Module) (engine.Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.modules[name]; ok {
		return existing.mod, false
	}
	c.modules[name] = &entry{mod: mod}
	return mod, true
}

// Get returns the module cached under name without taking a reference.
func (c *Cache) Get(name string) (engine.Module, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.modules[name]; ok {
		return e.mod, nil
	}
	return nil, wasmerrors.NotFound(wasmerrors.PhaseCache, "module", name)
}

// Acquire returns the module cached under name and a release function the
// caller must invoke once it stops using the module. The module stays open
// until released even if name is removed meanwhile.
func (c *Cache) Acquire(name string) (engine.Module, func(context.Context), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.modules[name]
	if !ok {
		return nil, nil, wasmerrors.NotFound(wasmerrors.PhaseCache, "module", name)
	}
	e.refs++

	var once sync.Once
	release := func(ctx context.Context) {
		once.Do(func() { c.release(ctx, e) })
	}
	return e.mod, release, nil
}

func (c *Cache) release(ctx context.Context, e *entry) {
	c.mu.Lock()
	e.refs--
	closeNow := e.evicted && e.refs == 0 && !e.closed
	if closeNow {
		e.closed = true
	}
	c.mu.Unlock()

	if closeNow {
		e.mod.Close(ctx)
	}
}

// Refs returns the number of outstanding references to the module cached
// under name.
func (c *Cache) Refs(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.modules[name]; ok {
		return e.refs
	}
	return 0
}

// Remove evicts name. Its compiled code is released now, or when the last
// caller holding it releases its reference.
func (c *Cache) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	e, ok := c.modules[name]
	delete(c.modules, name)
	var closeNow bool
	if ok {
		e.evicted = true
		closeNow = e.refs == 0 && !e.closed
		e.closed = e.closed || closeNow
	}
	c.mu.Unlock()

	if !ok {
		return wasmerrors.NotFound(wasmerrors.PhaseCache, "module", name)
	}
	if closeNow {
		return e.mod.Close(ctx)
	}
	return nil
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.modules)
}

// Names returns the cached function names in sorted order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.modules))
	for name := range c.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close evicts and closes every module, including ones still referenced.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	modules := c.modules
	c.modules = map[string]*entry{}
	var toClose []engine.Module
	for _, e := range modules {
		e.evicted = true
		if !e.closed {
			e.closed = true
			toClose = append(toClose, e.mod)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, mod := range toClose {
		if err := mod.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
