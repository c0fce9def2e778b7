// Package kv defines the gateway's view of the backing key-value cluster:
// two named tables, partitioned keys, and Get/Set/Delete plus prefix scans.
// The cluster itself is an external system; the drivers in this package
// adapt several backends to the same contract.
package kv

import (
	"context"
	"errors"
	"hash/fnv"
)

const (
	// MetaTable holds user records, bucket and object metadata, namelist
	// blobs, and the monitor snapshot.
	MetaTable = "__shoal_meta_table"
	// DataTable holds object chunks.
	DataTable = "__shoal_data_table"

	// Partitions is the number of partitions per table.
	Partitions = 10
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
// Drivers translate their backend's not-found condition to this error.
var ErrNotFound = errors.New("kv: key not found")

// Cluster is the contract the store layer programs against. Implementations
// must be safe for concurrent use; every request-serving goroutine shares one
// Cluster value.
type Cluster interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	Set(ctx context.Context, table, key string, value []byte) error
	// Delete removes key from table. Deleting a missing key is not an error.
	Delete(ctx context.Context, table, key string) error
	// ListKeys returns, in lexical order, every key in table that begins
	// with prefix.
	ListKeys(ctx context.Context, table, prefix string) ([]string, error)
	// Space reports the approximate stored byte volume of the meta and data
	// tables. Drivers that cannot measure it return zeros.
	Space(ctx context.Context) (metaVol, dataVol uint64, err error)
	Ping(ctx context.Context) error
	Close() error
}

// Partition maps a key to its table partition.
func Partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % Partitions)
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, for drivers that express prefix scans as range
// queries. ok is false when no finite upper bound exists.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
