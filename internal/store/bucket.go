package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/shoalstore/shoalstore/internal/kv"
)

// Owner identifies who created a bucket or object.
type Owner struct {
	ID          string // access key
	DisplayName string
}

// Bucket is bucket metadata. Existence of the record implies nothing about
// the bucket's object namelist.
type Bucket struct {
	Name      string
	Owner     Owner
	CreatedAt time.Time
}

func encodeBucket(b *Bucket) []byte {
	var buf bytes.Buffer
	putLengthPrefixed(&buf, b.Name)
	putLengthPrefixed(&buf, b.Owner.ID)
	putLengthPrefixed(&buf, b.Owner.DisplayName)
	putFixed64(&buf, uint64(b.CreatedAt.UnixMicro()))
	return buf.Bytes()
}

func decodeBucket(blob []byte) (*Bucket, error) {
	r := bytes.NewReader(blob)
	b := &Bucket{}
	var err error
	if b.Name, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if b.Owner.ID, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if b.Owner.DisplayName, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	us, err := getFixed64(r)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = time.UnixMicro(int64(us))
	return b, nil
}

func (s *Store) AddBucket(ctx context.Context, b *Bucket) error {
	return s.kv.Set(ctx, kv.MetaTable, bucketKey(b.Name), encodeBucket(b))
}

func (s *Store) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	blob, err := s.kv.Get(ctx, kv.MetaTable, bucketKey(name))
	if err != nil {
		return nil, err
	}
	return decodeBucket(blob)
}

// DelBucket removes the bucket record and its object namelist blob. Missing
// records are tolerated.
func (s *Store) DelBucket(ctx context.Context, name string) error {
	if err := s.kv.Delete(ctx, kv.MetaTable, bucketKey(name)); err != nil {
		return err
	}
	return s.kv.Delete(ctx, kv.MetaTable, objectListKey(name))
}

// ListBuckets resolves a set of bucket names to their metadata. Names whose
// record has gone missing are skipped.
func (s *Store) ListBuckets(ctx context.Context, names []string) ([]*Bucket, error) {
	buckets := make([]*Bucket, 0, len(names))
	for _, name := range names {
		b, err := s.GetBucket(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}
