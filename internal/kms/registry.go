package kms

import (
	"fmt"
	"maps"
	"sync"
)

// Registry records which owner holds each kernel object. Objects are
// identified by their kernel id, which is unique across object types.
type Registry struct {
	mu     sync.Mutex
	owners map[uint32]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[uint32]string)}
}

// Acquire leases id to owner. It fails if any owner already holds id.
func (r *Registry) Acquire(id uint32, owner string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.owners[id]; ok {
		return nil, fmt.Errorf("%w: object %d held by %s", ErrResourceBusy, id, current)
	}
	r.owners[id] = owner
	return &Lease{reg: r, id: id, owner: owner}, nil
}

// Owner returns the holder of id.
func (r *Registry) Owner(id uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	return owner, ok
}

// Held reports whether id is leased.
func (r *Registry) Held(id uint32) bool {
	_, ok := r.Owner(id)
	return ok
}

// Snapshot returns a copy of the id to owner map.
func (r *Registry) Snapshot() map[uint32]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.owners)
}

func (r *Registry) release(id uint32, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[id] == owner {
		delete(r.owners, id)
	}
}

// Lease is exclusive ownership of one kernel object.
type Lease struct {
	reg   *Registry
	id    uint32
	owner string
	once  sync.Once
}

// ID returns the leased object id.
func (l *Lease) ID() uint32 { return l.id }

// Owner returns the lease holder.
func (l *Lease) Owner() string { return l.owner }

// Release returns the object to the registry. Releasing twice is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.reg.release(l.id, l.owner) })
}
