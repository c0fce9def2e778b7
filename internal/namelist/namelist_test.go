package namelist

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoalstore/shoalstore/internal/kv"
	"github.com/shoalstore/shoalstore/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	st := store.New(kv.NewMemoryCluster())
	return New(st, store.ObjectNames), st
}

func TestListOperations(t *testing.T) {
	l := newList([]string{"a", "b", "c"})

	if !l.IsExist("b") {
		t.Error("IsExist(b) = false after load")
	}
	if l.IsExist("z") {
		t.Error("IsExist(z) = true")
	}
	if l.Len() != 3 {
		t.Errorf("Len = %d, want 3", l.Len())
	}

	l.Insert("d")
	l.Insert("d") // duplicate insert is a no-op
	if l.Len() != 4 {
		t.Errorf("Len after insert = %d, want 4", l.Len())
	}

	l.Delete("b")
	l.Delete("b") // duplicate delete is a no-op
	if got, want := l.Names(), []string{"a", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %q, want %q", got, want)
	}

	// Index stays consistent after the shift caused by Delete.
	if !l.IsExist("c") || !l.IsExist("d") {
		t.Error("membership broken after delete")
	}
	l.Delete("d")
	if got, want := l.Names(), []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %q, want %q", got, want)
	}
}

func TestRefLoadsFromStore(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	if err := st.SaveNameList(ctx, store.ObjectNames, "bkt", []string{"x", "y"}); err != nil {
		t.Fatalf("SaveNameList: %v", err)
	}

	l, err := c.Ref(ctx, "bkt")
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	defer c.Unref(ctx, "bkt")

	if got, want := l.Names(), []string{"x", "y"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %q, want %q", got, want)
	}
}

func TestUnrefFlushesDirtyList(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	l, err := c.Ref(ctx, "bkt")
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	l.Insert("new-object")
	if err := c.Unref(ctx, "bkt"); err != nil {
		t.Fatalf("Unref: %v", err)
	}

	names, err := st.GetNameList(ctx, store.ObjectNames, "bkt")
	if err != nil {
		t.Fatalf("GetNameList: %v", err)
	}
	if got, want := names, []string{"new-object"}; !reflect.DeepEqual(got, want) {
		t.Errorf("persisted names = %q, want %q", got, want)
	}

	// The dirty list was evicted on flush.
	c.mu.Lock()
	_, cached := c.entries["bkt"]
	c.mu.Unlock()
	if cached {
		t.Error("dirty list still cached after flush")
	}
}

func TestCleanListStaysCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Ref(ctx, "bkt"); err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if err := c.Unref(ctx, "bkt"); err != nil {
		t.Fatalf("Unref: %v", err)
	}

	c.mu.Lock()
	_, cached := c.entries["bkt"]
	c.mu.Unlock()
	if !cached {
		t.Error("clean list evicted on Unref")
	}
}

func TestDoubleRefSharesList(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	l1, err := c.Ref(ctx, "bkt")
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	l2, err := c.Ref(ctx, "bkt")
	if err != nil {
		t.Fatalf("second Ref: %v", err)
	}
	if l1 != l2 {
		t.Fatal("two refs returned different lists")
	}

	l1.Insert("shared")

	// The first Unref leaves a live reference, so nothing is flushed yet.
	if err := c.Unref(ctx, "bkt"); err != nil {
		t.Fatalf("Unref: %v", err)
	}
	names, err := st.GetNameList(ctx, store.ObjectNames, "bkt")
	if err != nil {
		t.Fatalf("GetNameList: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("flushed while referenced: %q", names)
	}

	if err := c.Unref(ctx, "bkt"); err != nil {
		t.Fatalf("final Unref: %v", err)
	}
	names, err = st.GetNameList(ctx, store.ObjectNames, "bkt")
	if err != nil {
		t.Fatalf("GetNameList: %v", err)
	}
	if got, want := names, []string{"shared"}; !reflect.DeepEqual(got, want) {
		t.Errorf("persisted names = %q, want %q", got, want)
	}
}

// gateCluster holds the next Set call (after arming) until released, so a
// flush can be caught in flight.
type gateCluster struct {
	kv.Cluster
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gateCluster) Set(ctx context.Context, table, key string, value []byte) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Cluster.Set(ctx, table, key, value)
}

func TestRefDuringFlushSeesUpdate(t *testing.T) {
	g := &gateCluster{
		Cluster: kv.NewMemoryCluster(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	st := store.New(g)
	c := New(st, store.ObjectNames)
	ctx := context.Background()

	l, err := c.Ref(ctx, "bkt")
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	l.Insert("obj1")

	g.armed.Store(true)
	flushErr := make(chan error, 1)
	go func() {
		flushErr <- c.Unref(ctx, "bkt")
	}()

	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never reached the cluster")
	}

	// The flush is in flight; a borrower arriving now must see the mutation,
	// not the stale persisted blob.
	l2, err := c.Ref(ctx, "bkt")
	if err != nil {
		t.Fatalf("Ref during flush: %v", err)
	}
	if !l2.IsExist("obj1") {
		t.Error("update lost to a reload during the in-flight flush")
	}

	close(g.release)
	if err := <-flushErr; err != nil {
		t.Fatalf("Unref: %v", err)
	}
	if err := c.Unref(ctx, "bkt"); err != nil {
		t.Fatalf("final Unref: %v", err)
	}

	names, err := st.GetNameList(ctx, store.ObjectNames, "bkt")
	if err != nil {
		t.Fatalf("GetNameList: %v", err)
	}
	if got, want := names, []string{"obj1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("persisted names = %q, want %q", got, want)
	}
}

func TestConcurrentFirstRef(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	if err := st.SaveNameList(ctx, store.ObjectNames, "bkt", []string{"seed"}); err != nil {
		t.Fatalf("SaveNameList: %v", err)
	}

	const n = 16
	lists := make([]*List, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := c.Ref(ctx, "bkt")
			if err != nil {
				t.Errorf("Ref: %v", err)
				return
			}
			lists[i] = l
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if lists[i] != lists[0] {
			t.Fatal("racing first refs produced distinct lists")
		}
	}
	for i := 0; i < n; i++ {
		if err := c.Unref(ctx, "bkt"); err != nil {
			t.Fatalf("Unref: %v", err)
		}
	}
}
