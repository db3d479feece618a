package rank

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry caches loaded tables. Concurrent Get calls for the same table
// share one load, so a table is built at most once.
type Registry struct {
	src    Source
	opts   []Option
	group  singleflight.Group
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates a registry reading from src.
func NewRegistry(src Source, opts ...Option) *Registry {
	return &Registry{src: src, opts: opts, tables: make(map[string]*Table)}
}

// Get returns the table for ref, loading it on first use. Failed loads are
// not cached.
func (r *Registry) Get(ctx context.Context, ref Ref) (*Table, error) {
	key := ref.key()

	r.mu.RLock()
	t, ok := r.tables[key]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		t, ok := r.tables[key]
		r.mu.RUnlock()
		if ok {
			return t, nil
		}

		t, err := Load(ctx, r.src, ref, r.opts...)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.tables[key] = t
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

// Invalidate drops a cached table so the next Get reloads it.
func (r *Registry) Invalidate(ref Ref) {
	r.mu.Lock()
	delete(r.tables, ref.key())
	r.mu.Unlock()
}
