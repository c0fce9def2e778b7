package store

import (
	"context"
	"errors"

	"github.com/shoalstore/shoalstore/internal/kv"
)

// NameListKind selects which family of namelist blobs an operation targets.
type NameListKind int

const (
	// BucketNames scopes by access key and lists a user's buckets.
	BucketNames NameListKind = iota
	// ObjectNames scopes by bucket and lists its objects, internal-prefixed
	// multipart ghosts included.
	ObjectNames
)

func nameListKey(kind NameListKind, scope string) string {
	if kind == BucketNames {
		return bucketListKey(scope)
	}
	return objectListKey(scope)
}

// SaveNameList persists a namelist blob for the given scope.
func (s *Store) SaveNameList(ctx context.Context, kind NameListKind, scope string, names []string) error {
	return s.kv.Set(ctx, kv.MetaTable, nameListKey(kind, scope), EncodeNameList(names))
}

// GetNameList loads the namelist for the given scope. A missing blob is an
// empty list, not an error.
func (s *Store) GetNameList(ctx context.Context, kind NameListKind, scope string) ([]string, error) {
	blob, err := s.kv.Get(ctx, kv.MetaTable, nameListKey(kind, scope))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeNameList(blob)
}

// GetMeta reads an opaque gateway-metadata value, such as the monitor
// snapshot.
func (s *Store) GetMeta(ctx context.Context) ([]byte, error) {
	return s.kv.Get(ctx, kv.MetaTable, monitorMetaKey)
}

// SetMeta writes the gateway-metadata value.
func (s *Store) SetMeta(ctx context.Context, value []byte) error {
	return s.kv.Set(ctx, kv.MetaTable, monitorMetaKey, value)
}

// Space reports the cluster's approximate meta and data volumes.
func (s *Store) Space(ctx context.Context) (metaVol, dataVol uint64, err error) {
	return s.kv.Space(ctx)
}
