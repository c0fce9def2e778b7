package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shoalstore/shoalstore/internal/kv"
)

// Object is object metadata. Content never lives inline; it is striped into
// chunk keys in the data table.
type Object struct {
	Bucket       string
	Name         string
	Owner        Owner
	MTime        time.Time
	ETag         string // quoted lowercase hex MD5
	Size         uint64
	StorageClass uint32
	// UploadID is set on multipart ghosts while the upload is in flight.
	UploadID string
}

func encodeObject(o *Object) []byte {
	var b bytes.Buffer
	putLengthPrefixed(&b, o.Name)
	putLengthPrefixed(&b, o.ETag)
	putFixed64(&b, o.Size)
	putFixed64(&b, uint64(o.MTime.UnixMicro()))
	putFixed32(&b, o.StorageClass)
	putLengthPrefixed(&b, o.UploadID)
	putLengthPrefixed(&b, o.Owner.ID)
	putLengthPrefixed(&b, o.Owner.DisplayName)
	return b.Bytes()
}

func decodeObject(bucket string, blob []byte) (*Object, error) {
	r := bytes.NewReader(blob)
	o := &Object{Bucket: bucket}
	var err error
	if o.Name, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if o.ETag, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if o.Size, err = getFixed64(r); err != nil {
		return nil, err
	}
	us, err := getFixed64(r)
	if err != nil {
		return nil, err
	}
	o.MTime = time.UnixMicro(int64(us))
	if o.StorageClass, err = getFixed32(r); err != nil {
		return nil, err
	}
	if o.UploadID, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if o.Owner.ID, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if o.Owner.DisplayName, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	return o, nil
}

// writeChunks stripes content under (bucket, object). On any chunk failure
// the chunks already written are deleted best-effort and the error surfaces.
func (s *Store) writeChunks(ctx context.Context, bucket, object string, content []byte) error {
	for i := 0; i*ChunkSize < len(content); i++ {
		lo := i * ChunkSize
		hi := lo + ChunkSize
		if hi > len(content) {
			hi = len(content)
		}
		if err := s.kv.Set(ctx, kv.DataTable, chunkKey(bucket, object, i), content[lo:hi]); err != nil {
			for j := 0; j < i; j++ {
				s.kv.Delete(ctx, kv.DataTable, chunkKey(bucket, object, j))
			}
			return fmt.Errorf("writing chunk %d of %s/%s: %w", i, bucket, object, err)
		}
	}
	return nil
}

func (s *Store) readChunks(ctx context.Context, bucket, object string, size uint64) ([]byte, error) {
	content := make([]byte, 0, size)
	for i := 0; i < chunkCount(size); i++ {
		chunk, err := s.kv.Get(ctx, kv.DataTable, chunkKey(bucket, object, i))
		if err != nil {
			return nil, fmt.Errorf("reading chunk %d of %s/%s: %w", i, bucket, object, err)
		}
		content = append(content, chunk...)
	}
	return content, nil
}

// deleteChunks removes the chunk family. Missing chunks are logged, not
// fatal, so destructive paths stay idempotent.
func (s *Store) deleteChunks(ctx context.Context, bucket, object string, size uint64) error {
	for i := 0; i < chunkCount(size); i++ {
		if err := s.kv.Delete(ctx, kv.DataTable, chunkKey(bucket, object, i)); err != nil {
			if errors.Is(err, ErrNotFound) {
				slog.Warn("missing chunk during delete",
					"bucket", bucket, "object", object, "chunk", i)
				continue
			}
			return fmt.Errorf("deleting chunk %d of %s/%s: %w", i, bucket, object, err)
		}
	}
	return nil
}

// AddObject persists obj with the given content: chunks first, metadata
// second, so a reader that finds metadata always finds complete chunks. The
// caller sets ETag and Size.
func (s *Store) AddObject(ctx context.Context, obj *Object, content []byte) error {
	if err := s.writeChunks(ctx, obj.Bucket, obj.Name, content); err != nil {
		return err
	}
	return s.kv.Set(ctx, kv.MetaTable, objectKey(obj.Bucket, obj.Name), encodeObject(obj))
}

// GetObject reads object metadata and, when needContent is set, reassembles
// the full content from its chunks.
func (s *Store) GetObject(ctx context.Context, bucket, object string, needContent bool) (*Object, []byte, error) {
	blob, err := s.kv.Get(ctx, kv.MetaTable, objectKey(bucket, object))
	if err != nil {
		return nil, nil, err
	}
	obj, err := decodeObject(bucket, blob)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding object %s/%s: %w", bucket, object, err)
	}
	if !needContent {
		return obj, nil, nil
	}
	content, err := s.readChunks(ctx, bucket, object, obj.Size)
	if err != nil {
		return nil, nil, err
	}
	return obj, content, nil
}

// GetPartialObject reads bytes [start, end] of the object, fetching only the
// chunks the segment touches. end is clamped to size-1; start at or past the
// size fails with ErrOutOfRange.
func (s *Store) GetPartialObject(ctx context.Context, bucket, object string, start, end uint64) (*Object, []byte, error) {
	obj, _, err := s.GetObject(ctx, bucket, object, false)
	if err != nil {
		return nil, nil, err
	}
	if start >= obj.Size {
		return obj, nil, ErrOutOfRange
	}
	if end >= obj.Size {
		end = obj.Size - 1
	}

	firstChunk := int(start / ChunkSize)
	lastChunk := int(end / ChunkSize)
	content := make([]byte, 0, end-start+1)
	for i := firstChunk; i <= lastChunk; i++ {
		chunk, err := s.kv.Get(ctx, kv.DataTable, chunkKey(bucket, object, i))
		if err != nil {
			return nil, nil, fmt.Errorf("reading chunk %d of %s/%s: %w", i, bucket, object, err)
		}
		lo := 0
		if i == firstChunk {
			lo = int(start % ChunkSize)
		}
		hi := len(chunk)
		if i == lastChunk {
			hi = int(end%ChunkSize) + 1
			if hi > len(chunk) {
				hi = len(chunk)
			}
		}
		content = append(content, chunk[lo:hi]...)
	}
	return obj, content, nil
}

// DelObject removes an object's chunks, then its metadata. Idempotent: a
// missing object is not an error.
func (s *Store) DelObject(ctx context.Context, bucket, object string) error {
	blob, err := s.kv.Get(ctx, kv.MetaTable, objectKey(bucket, object))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	obj, err := decodeObject(bucket, blob)
	if err != nil {
		return fmt.Errorf("decoding object %s/%s: %w", bucket, object, err)
	}
	if err := s.deleteChunks(ctx, bucket, object, obj.Size); err != nil {
		return err
	}
	return s.kv.Delete(ctx, kv.MetaTable, objectKey(bucket, object))
}
