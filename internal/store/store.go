// Package store exposes a typed view over the KV cluster: users, buckets,
// objects, chunks, namelists, and the monitor snapshot. It owns the key
// scheme and the persisted value layouts; everything above it deals in types.
package store

import (
	"errors"
	"fmt"

	"github.com/shoalstore/shoalstore/internal/kv"
)

const (
	// ChunkSize is the fixed chunk payload size. Object content is striped
	// into ceil(size/ChunkSize) chunks; the count is computed, never stored.
	ChunkSize = 1 << 20

	// InternalPrefix marks multipart ghost objects. Names carrying it are
	// hidden from ordinary listings and forbidden in user-facing requests.
	InternalPrefix = "__"
)

// ErrNotFound reports a missing user, bucket, object, or part.
var ErrNotFound = kv.ErrNotFound

// ErrOutOfRange reports a partial read whose start lies at or past the
// object's size.
var ErrOutOfRange = errors.New("store: segment start beyond object size")

// Store is the gateway's adapter over the cluster. It is safe for concurrent
// use; serialization of conflicting object writes is the caller's job.
type Store struct {
	kv kv.Cluster
}

func New(cluster kv.Cluster) *Store {
	return &Store{kv: cluster}
}

// Key scheme, meta table: one-byte type tag, then the identifying fields.
// '#' never appears in bucket names, so it separates bucket from object.
func userKey(accessKey string) string   { return "u" + accessKey }
func bucketKey(bucket string) string    { return "b" + bucket }
func objectKey(bucket, object string) string {
	return "o" + bucket + "#" + object
}
func partMetaKey(bucket, ghost string, partNumber int) string {
	return fmt.Sprintf("%s#p%05d", objectKey(bucket, ghost), partNumber)
}
func partMetaPrefix(bucket, ghost string) string {
	return objectKey(bucket, ghost) + "#p"
}

// Data table: chunk keys carry the chunk index; part chunks embed the part
// number in the object position.
func chunkKey(bucket, object string, index int) string {
	return fmt.Sprintf("c%s#%s#%d", bucket, object, index)
}
func partName(ghost string, partNumber int) string {
	return fmt.Sprintf("%s#p%05d", ghost, partNumber)
}

// Namelist blobs and the monitor snapshot live at well-known meta keys.
func bucketListKey(accessKey string) string { return "Lb" + accessKey }
func objectListKey(bucket string) string    { return "Lo" + bucket }

const monitorMetaKey = "Mshoal_monitor"

func chunkCount(size uint64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}
