package trx

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/codelia/certnode/gtid"
	"github.com/codelia/certnode/store"
)

// Context is the ephemeral per-transaction state: the read view the
// transaction executed against and its ordered operation list. It is
// owned by the driving thread until handed to the commit-order
// section, which finalizes or discards it.
type Context struct {
	ID       uint64
	ReadView gtid.GTID
	Ops      []store.Op
}

// Registry maps opaque transaction handles to owned contexts. Handles
// are generated ids, never pointers in disguise.
type Registry struct {
	mu   sync.Mutex
	next uint64
	m    *btree.BTreeG[*Context]
}

func NewRegistry() *Registry {
	return &Registry{
		m: btree.NewBTreeG(func(a, b *Context) bool { return a.ID < b.ID }),
	}
}

// Create allocates a fresh context with a unique handle.
func (r *Registry) Create() *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	ctx := &Context{ID: r.next, ReadView: gtid.Undefined}
	r.m.Set(ctx)
	return ctx
}

// Get resolves a handle, nil if unknown.
func (r *Registry) Get(id uint64) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.m.Get(&Context{ID: id})
	if !ok {
		return nil
	}
	return ctx
}

// Forget releases the context behind a handle.
func (r *Registry) Forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Delete(&Context{ID: id})
}

// Len returns the number of in-flight transactions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.Len()
}
