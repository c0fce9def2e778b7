package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryCluster is an in-process Cluster used by tests and single-binary
// development runs. Data does not survive a restart.
type MemoryCluster struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

func NewMemoryCluster() *MemoryCluster {
	return &MemoryCluster{tables: make(map[string]map[string][]byte)}
}

func (c *MemoryCluster) Get(ctx context.Context, table, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (c *MemoryCluster) Set(ctx context.Context, table, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		t = make(map[string][]byte)
		c.tables[table] = t
	}
	v := make([]byte, len(value))
	copy(v, value)
	t[key] = v
	return nil
}

func (c *MemoryCluster) Delete(ctx context.Context, table, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables[table], key)
	return nil
}

func (c *MemoryCluster) ListKeys(ctx context.Context, table, prefix string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k := range c.tables[table] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *MemoryCluster) Space(ctx context.Context) (uint64, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vol := func(table string) uint64 {
		var n uint64
		for k, v := range c.tables[table] {
			n += uint64(len(k) + len(v))
		}
		return n
	}
	return vol(MetaTable), vol(DataTable), nil
}

func (c *MemoryCluster) Ping(ctx context.Context) error { return nil }

func (c *MemoryCluster) Close() error { return nil }
