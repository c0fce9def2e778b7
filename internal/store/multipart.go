package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shoalstore/shoalstore/internal/kv"
)

// Part is one uploaded part of an in-flight multipart upload. Parts are
// stored as their own chunk families under the ghost's name.
type Part struct {
	Number int
	ETag   string
	Size   uint64
	MTime  time.Time
}

// UploadPart writes part content and metadata under (bucket, ghost,
// part.Number). Re-uploading a part number replaces it; the superseded
// chunks are deleted first.
func (s *Store) UploadPart(ctx context.Context, bucket, ghost string, part *Part, content []byte) error {
	name := partName(ghost, part.Number)

	// Drop a previous upload of this part number before its chunk count
	// changes out from under us.
	if blob, err := s.kv.Get(ctx, kv.MetaTable, partMetaKey(bucket, ghost, part.Number)); err == nil {
		if old, derr := decodeObject(bucket, blob); derr == nil {
			if err := s.deleteChunks(ctx, bucket, name, old.Size); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := s.writeChunks(ctx, bucket, name, content); err != nil {
		return err
	}
	meta := &Object{
		Bucket: bucket,
		Name:   name,
		ETag:   part.ETag,
		Size:   part.Size,
		MTime:  part.MTime,
	}
	return s.kv.Set(ctx, kv.MetaTable, partMetaKey(bucket, ghost, part.Number), encodeObject(meta))
}

// ListParts enumerates the ghost's uploaded parts in ascending part-number
// order.
func (s *Store) ListParts(ctx context.Context, bucket, ghost string) ([]*Part, error) {
	prefix := partMetaPrefix(bucket, ghost)
	keys, err := s.kv.ListKeys(ctx, kv.MetaTable, prefix)
	if err != nil {
		return nil, err
	}
	parts := make([]*Part, 0, len(keys))
	for _, k := range keys {
		num, err := strconv.Atoi(k[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("malformed part key %q: %w", k, err)
		}
		blob, err := s.kv.Get(ctx, kv.MetaTable, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		meta, err := decodeObject(bucket, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding part %q: %w", k, err)
		}
		parts = append(parts, &Part{
			Number: num,
			ETag:   meta.ETag,
			Size:   meta.Size,
			MTime:  meta.MTime,
		})
	}
	return parts, nil
}

// CompleteMultiUpload promotes the ghost into obj: part contents are
// re-chunked into obj's own chunk family, then the parts and the ghost are
// removed. The caller supplies obj's name, owner, and final etag; Size is
// filled in here.
func (s *Store) CompleteMultiUpload(ctx context.Context, bucket, ghost string, obj *Object) error {
	parts, err := s.ListParts(ctx, bucket, ghost)
	if err != nil {
		return err
	}

	var content []byte
	for _, p := range parts {
		data, err := s.readChunks(ctx, bucket, partName(ghost, p.Number), p.Size)
		if err != nil {
			return err
		}
		content = append(content, data...)
	}

	obj.Size = uint64(len(content))
	if err := s.AddObject(ctx, obj, content); err != nil {
		return err
	}

	for _, p := range parts {
		if err := s.deleteChunks(ctx, bucket, partName(ghost, p.Number), p.Size); err != nil {
			return err
		}
		if err := s.kv.Delete(ctx, kv.MetaTable, partMetaKey(bucket, ghost, p.Number)); err != nil {
			return err
		}
	}
	return s.DelObject(ctx, bucket, ghost)
}

// DelMultipart aborts an upload: every part and the ghost itself are
// removed. Missing pieces are tolerated.
func (s *Store) DelMultipart(ctx context.Context, bucket, ghost string) error {
	parts, err := s.ListParts(ctx, bucket, ghost)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := s.deleteChunks(ctx, bucket, partName(ghost, p.Number), p.Size); err != nil {
			return err
		}
		if err := s.kv.Delete(ctx, kv.MetaTable, partMetaKey(bucket, ghost, p.Number)); err != nil {
			return err
		}
	}
	return s.DelObject(ctx, bucket, ghost)
}
