package netns

import "sync"

// Registry is the process-wide inode -> NetworkNamespace map described
// in spec §2/§9: it holds only weak references and prunes opportunistically
// on every insert, rather than pinning every namespace ever seen for the
// life of the process. Go has no generic weak pointer in this module's
// target version, so "weak" is modelled directly as spec §9 suggests: a
// refcounted shared handle (entry.refs) plus a counterpart that is simply
// the absence of any outstanding ref. Release closes and removes an
// entry as soon as its last ref is dropped; Acquire also prunes any
// entry left with refs<=0 before its lookup.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

type entry struct {
	ns   *NetworkNamespace
	refs int
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[uint64]*entry{}}
}

// Acquire returns the NetworkNamespace for inode if already registered
// (incrementing its refcount), or registers ns as the new owner of
// inode with an initial refcount of 1. Pruning of refs==0 entries runs
// opportunistically before the lookup, per spec §9.
func (r *Registry) Acquire(inode uint64, build func() (*NetworkNamespace, error)) (*NetworkNamespace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()

	if e, ok := r.entries[inode]; ok {
		e.refs++
		return e.ns, nil
	}

	ns, err := build()
	if err != nil {
		return nil, err
	}
	r.entries[ns.Inode] = &entry{ns: ns, refs: 1}
	return ns, nil
}

// Release drops one reference to the namespace at inode. When the
// refcount reaches zero the namespace is closed and its entry removed
// immediately.
func (r *Registry) Release(inode uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[inode]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.ns.Close()
		delete(r.entries, inode)
	}
}

// pruneLocked removes every entry with a nonpositive refcount. Called
// with r.mu held.
func (r *Registry) pruneLocked() {
	for inode, e := range r.entries {
		if e.refs <= 0 {
			e.ns.Close()
			delete(r.entries, inode)
		}
	}
}

// Len reports the number of live (referenced) entries, for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
