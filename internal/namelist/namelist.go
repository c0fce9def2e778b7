// Package namelist implements the reference-counted cache of name sets that
// backs bucket and object listings. One cache instance maps scope (access
// key or bucket name) to an ordered string set loaded lazily from the store
// and written back when its last reference drops.
package namelist

import (
	"context"
	"sync"

	"github.com/shoalstore/shoalstore/internal/metrics"
	"github.com/shoalstore/shoalstore/internal/store"
)

// List is one cached name set. Borrowers hold it between Ref and Unref on
// its cache; the mutex guards point mutations only, never store I/O.
type List struct {
	mu    sync.Mutex
	names []string
	index map[string]int
	dirty bool

	// refs and flushing are guarded by the owning Cache's mutex.
	refs     int
	flushing bool
}

func newList(names []string) *List {
	l := &List{
		names: make([]string, 0, len(names)),
		index: make(map[string]int, len(names)),
	}
	for _, n := range names {
		if _, ok := l.index[n]; ok {
			continue
		}
		l.index[n] = len(l.names)
		l.names = append(l.names, n)
	}
	return l
}

// Insert adds name to the set and marks the list dirty. Inserting a present
// name is a no-op.
func (l *List) Insert(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[name]; ok {
		return
	}
	l.index[name] = len(l.names)
	l.names = append(l.names, name)
	l.dirty = true
}

// Delete removes name from the set and marks the list dirty. Deleting an
// absent name is a no-op.
func (l *List) Delete(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[name]
	if !ok {
		return
	}
	delete(l.index, name)
	l.names = append(l.names[:i], l.names[i+1:]...)
	for j := i; j < len(l.names); j++ {
		l.index[l.names[j]] = j
	}
	l.dirty = true
}

// IsExist reports membership.
func (l *List) IsExist(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[name]
	return ok
}

// Names returns a snapshot of the set in insertion order.
func (l *List) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}

// Len returns the set size.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

// snapshotForFlush copies the names and clears the dirty flag in one step, so
// mutations racing the flush re-dirty the list and get their own flush.
func (l *List) snapshotForFlush() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.names))
	copy(out, l.names)
	l.dirty = false
	return out
}

func (l *List) markDirty() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

func (l *List) isDirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

type entry struct {
	list *List
}

// Cache is a ListMap: scope → refcounted List. The cache-level mutex covers
// entry creation, destruction, and refcount changes.
type Cache struct {
	st   *store.Store
	kind store.NameListKind

	mu      sync.Mutex
	entries map[string]*List
}

// New builds a cache over one namelist family.
func New(st *store.Store, kind store.NameListKind) *Cache {
	return &Cache{st: st, kind: kind, entries: make(map[string]*List)}
}

// Ref returns the list for scope, loading it from the store on first use,
// and takes a reference the caller must release with Unref.
func (c *Cache) Ref(ctx context.Context, scope string) (*List, error) {
	c.mu.Lock()
	if l, ok := c.entries[scope]; ok {
		l.refs++
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	// Load outside the cache mutex; concurrent first-refs race to insert and
	// the loser's load is discarded.
	names, err := c.st.GetNameList(ctx, c.kind, scope)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.entries[scope]; ok {
		l.refs++
		return l, nil
	}
	l := newList(names)
	l.refs = 1
	c.entries[scope] = l
	return l, nil
}

// Unref releases one reference. When the count reaches zero and the list is
// dirty, it is persisted and then evicted; clean lists stay cached. The entry
// stays resident until the save lands, so a Ref racing the flush sees the
// in-memory state, never the stale persisted blob.
func (c *Cache) Unref(ctx context.Context, scope string) error {
	c.mu.Lock()
	l, ok := c.entries[scope]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	l.refs--
	if l.refs > 0 || l.flushing || !l.isDirty() {
		c.mu.Unlock()
		return nil
	}
	l.flushing = true
	c.mu.Unlock()

	for {
		names := l.snapshotForFlush()
		metrics.NamelistFlushesTotal.Inc()
		if err := c.st.SaveNameList(ctx, c.kind, scope, names); err != nil {
			l.markDirty()
			c.mu.Lock()
			l.flushing = false
			c.mu.Unlock()
			return err
		}

		c.mu.Lock()
		if l.refs > 0 {
			// A borrower arrived during the save; its own Unref flushes
			// whatever it changes.
			l.flushing = false
			c.mu.Unlock()
			return nil
		}
		if l.isDirty() {
			// Mutated and released again while the save was in flight.
			c.mu.Unlock()
			continue
		}
		l.flushing = false
		delete(c.entries, scope)
		c.mu.Unlock()
		return nil
	}
}
