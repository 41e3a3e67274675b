package plugin

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Factory returns a fresh Spec each time it is called, so a reload never
// shares mutable state with the previous generation.
type Factory func() Spec

// Catalog is the set of compiled-in plugins.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
}

func NewCatalog() *Catalog {
	return &Catalog{factories: map[string]Factory{}}
}

// Register adds a factory under the name of the spec it builds.
// Registering a name twice replaces the earlier factory.
func (c *Catalog) Register(fs ...Factory) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range fs {
		if f == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(f().Name))
		if _, ok := c.factories[name]; !ok {
			c.order = append(c.order, name)
		}
		c.factories[name] = f
	}
	return c
}

// Factory returns the factory registered under name.
func (c *Catalog) Factory(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}

func (c *Catalog) Specs(ctx context.Context) ([]Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Spec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.factories[name]())
	}
	return out, nil
}
