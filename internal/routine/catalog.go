package routine

import (
	"fmt"
	"sync"
)

// Factory builds a fresh routine instance for one run.
type Factory func() Routine

// Catalog maps routine IDs to factories. Routines are compiled in and
// registered at startup; nothing is loaded dynamically.
//
// Thread Safety: all methods are safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under id.
func (c *Catalog) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("%w: empty id or nil factory", ErrInvalidRoutine)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoutine, id)
	}
	c.factories[id] = f
	c.order = append(c.order, id)
	return nil
}

// Load builds a new instance of the routine registered under id. The
// instance is not validated; the engine does that.
func (c *Catalog) Load(id string) (Routine, error) {
	c.mu.RLock()
	f, ok := c.factories[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoutineNotFound, id)
	}

	r := f()
	if r != nil {
		if got := r.Info().ID; got != "" && got != id {
			return nil, fmt.Errorf("%w: factory for %s built %s", ErrInvalidRoutine, id, got)
		}
	}
	return r, nil
}

// Restrict drops every routine not in ids. An empty list keeps everything.
func (c *Catalog) Restrict(ids []string) {
	if len(ids) == 0 {
		return
	}
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	order := c.order[:0]
	for _, id := range c.order {
		if keep[id] {
			order = append(order, id)
		} else {
			delete(c.factories, id)
		}
	}
	c.order = order
}

// List returns the metadata of every routine in registration order.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	ids := append([]string(nil), c.order...)
	c.mu.RUnlock()

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		r, err := c.Load(id)
		if err != nil || r == nil {
			continue
		}
		info := r.Info()
		if info.ID == "" {
			info.ID = id
		}
		infos = append(infos, info)
	}
	return infos
}

// Get returns the metadata of one routine.
func (c *Catalog) Get(id string) (Info, error) {
	r, err := c.Load(id)
	if err != nil {
		return Info{}, err
	}
	if r == nil {
		return Info{}, fmt.Errorf("%w: factory for %s returned nil", ErrInvalidRoutine, id)
	}
	info := r.Info()
	if info.ID == "" {
		info.ID = id
	}
	return info, nil
}
