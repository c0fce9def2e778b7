package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/shoalstore/shoalstore/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(kv.NewMemoryCluster())
}

func quotedMD5(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func putTestObject(t *testing.T, s *Store, bucket, name string, content []byte) *Object {
	t.Helper()
	obj := &Object{
		Bucket: bucket,
		Name:   name,
		Owner:  Owner{ID: "AKTEST", DisplayName: "tester"},
		MTime:  time.Now(),
		ETag:   quotedMD5(content),
		Size:   uint64(len(content)),
	}
	if err := s.AddObject(context.Background(), obj, content); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	return obj
}

func TestObjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := []byte("hello")

	want := putTestObject(t, s, "pics", "greeting.txt", content)

	got, data, err := s.GetObject(ctx, "pics", "greeting.txt", true)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content = %q, want %q", data, content)
	}
	if got.ETag != want.ETag {
		t.Errorf("etag = %q, want %q", got.ETag, want.ETag)
	}
	if got.Size != 5 {
		t.Errorf("size = %d, want 5", got.Size)
	}
	if got.Owner.ID != "AKTEST" || got.Owner.DisplayName != "tester" {
		t.Errorf("owner = %+v", got.Owner)
	}
}

func TestObjectChunkStriping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two full chunks plus a partial third.
	content := make([]byte, 2*ChunkSize+123)
	for i := range content {
		content[i] = byte(i % 251)
	}
	putTestObject(t, s, "big", "blob", content)

	obj, data, err := s.GetObject(ctx, "big", "blob", true)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if obj.Size != uint64(len(content)) {
		t.Errorf("size = %d, want %d", obj.Size, len(content))
	}
	if !bytes.Equal(data, content) {
		t.Error("reassembled content differs from original")
	}
}

func TestEmptyObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putTestObject(t, s, "b", "empty", nil)

	obj, data, err := s.GetObject(ctx, "b", "empty", true)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if obj.Size != 0 || len(data) != 0 {
		t.Errorf("size = %d len = %d, want 0/0", obj.Size, len(data))
	}
}

func TestGetPartialObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putTestObject(t, s, "b", "digits", []byte("0123456789"))

	_, data, err := s.GetPartialObject(ctx, "b", "digits", 2, 5)
	if err != nil {
		t.Fatalf("GetPartialObject: %v", err)
	}
	if string(data) != "2345" {
		t.Errorf("segment = %q, want \"2345\"", data)
	}

	// End clamps to the last byte.
	_, data, err = s.GetPartialObject(ctx, "b", "digits", 8, 100)
	if err != nil {
		t.Fatalf("GetPartialObject clamp: %v", err)
	}
	if string(data) != "89" {
		t.Errorf("clamped segment = %q, want \"89\"", data)
	}

	// Start at or past the size is out of range.
	if _, _, err := s.GetPartialObject(ctx, "b", "digits", 10, 12); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestGetPartialObjectAcrossChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := make([]byte, 3*ChunkSize)
	for i := range content {
		content[i] = byte(i % 256)
	}
	putTestObject(t, s, "b", "wide", content)

	start := uint64(ChunkSize - 10)
	end := uint64(2*ChunkSize + 9)
	_, data, err := s.GetPartialObject(ctx, "b", "wide", start, end)
	if err != nil {
		t.Fatalf("GetPartialObject: %v", err)
	}
	if !bytes.Equal(data, content[start:end+1]) {
		t.Error("cross-chunk segment differs from original slice")
	}
	if len(data) != int(end-start+1) {
		t.Errorf("segment length = %d, want %d", len(data), end-start+1)
	}
}

func TestDelObjectIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putTestObject(t, s, "b", "x", []byte("data"))

	if err := s.DelObject(ctx, "b", "x"); err != nil {
		t.Fatalf("DelObject: %v", err)
	}
	if _, _, err := s.GetObject(ctx, "b", "x", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObject after delete = %v, want ErrNotFound", err)
	}
	// Deleting again is not an error.
	if err := s.DelObject(ctx, "b", "x"); err != nil {
		t.Errorf("second DelObject: %v", err)
	}
}

func TestObjectOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putTestObject(t, s, "b", "k", []byte("first version"))
	putTestObject(t, s, "b", "k", []byte("v2"))

	obj, data, err := s.GetObject(ctx, "b", "k", true)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if string(data) != "v2" || obj.Size != 2 {
		t.Errorf("after overwrite: content=%q size=%d", data, obj.Size)
	}
}

func TestMultipartLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bucket := "mp"
	ghost := "__videoabcdef0123456789abcdef0123456789ab"

	p1 := []byte("part-one-")
	p2 := []byte("part-two")
	for i, content := range [][]byte{p1, p2} {
		part := &Part{
			Number: i + 1,
			ETag:   quotedMD5(content),
			Size:   uint64(len(content)),
			MTime:  time.Now(),
		}
		if err := s.UploadPart(ctx, bucket, ghost, part, content); err != nil {
			t.Fatalf("UploadPart %d: %v", i+1, err)
		}
	}

	parts, err := s.ListParts(ctx, bucket, ghost)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}
	if parts[0].Number != 1 || parts[1].Number != 2 {
		t.Errorf("part order = %d,%d", parts[0].Number, parts[1].Number)
	}
	if parts[0].Size != uint64(len(p1)) {
		t.Errorf("part 1 size = %d, want %d", parts[0].Size, len(p1))
	}

	obj := &Object{
		Bucket: bucket,
		Name:   "video",
		Owner:  Owner{ID: "AKTEST", DisplayName: "tester"},
		MTime:  time.Now(),
		ETag:   `"whatever-2"`,
	}
	if err := s.CompleteMultiUpload(ctx, bucket, ghost, obj); err != nil {
		t.Fatalf("CompleteMultiUpload: %v", err)
	}

	got, data, err := s.GetObject(ctx, bucket, "video", true)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	want := append(append([]byte{}, p1...), p2...)
	if !bytes.Equal(data, want) {
		t.Errorf("assembled = %q, want %q", data, want)
	}
	if got.Size != uint64(len(want)) {
		t.Errorf("size = %d, want %d", got.Size, len(want))
	}

	// Parts and the ghost are gone.
	parts, err = s.ListParts(ctx, bucket, ghost)
	if err != nil {
		t.Fatalf("ListParts after complete: %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("leftover parts: %d", len(parts))
	}
	if _, _, err := s.GetObject(ctx, bucket, ghost, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("ghost still present: %v", err)
	}
}

func TestUploadPartReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bucket := "mp"
	ghost := "__replabcdef0123456789abcdef0123456789abcd"

	big := make([]byte, ChunkSize+5)
	small := []byte("tiny")
	for _, content := range [][]byte{big, small} {
		part := &Part{Number: 1, ETag: quotedMD5(content), Size: uint64(len(content)), MTime: time.Now()}
		if err := s.UploadPart(ctx, bucket, ghost, part, content); err != nil {
			t.Fatalf("UploadPart: %v", err)
		}
	}

	parts, err := s.ListParts(ctx, bucket, ghost)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 1 || parts[0].Size != uint64(len(small)) {
		t.Fatalf("parts = %+v, want single part of %d bytes", parts, len(small))
	}

	// The superseded big part's chunks must not leak into the final object.
	obj := &Object{Bucket: bucket, Name: "repl", MTime: time.Now(), ETag: `"x-1"`}
	if err := s.CompleteMultiUpload(ctx, bucket, ghost, obj); err != nil {
		t.Fatalf("CompleteMultiUpload: %v", err)
	}
	_, data, err := s.GetObject(ctx, bucket, "repl", true)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if !bytes.Equal(data, small) {
		t.Errorf("content = %q, want %q", data, small)
	}
}

func TestDelMultipart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bucket := "mp"
	ghost := "__gonebcdef0123456789abcdef0123456789abcd"

	content := []byte("abandoned")
	part := &Part{Number: 1, ETag: quotedMD5(content), Size: uint64(len(content)), MTime: time.Now()}
	if err := s.UploadPart(ctx, bucket, ghost, part, content); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}

	if err := s.DelMultipart(ctx, bucket, ghost); err != nil {
		t.Fatalf("DelMultipart: %v", err)
	}
	parts, err := s.ListParts(ctx, bucket, ghost)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("leftover parts after abort: %d", len(parts))
	}
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ak, sk, err := s.AddUser(ctx, "alice")
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if len(ak) != 20 || len(sk) != 40 {
		t.Errorf("key widths = %d/%d, want 20/40", len(ak), len(sk))
	}

	u, err := s.GetUser(ctx, ak)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Name != "alice" || u.SecretKey != sk {
		t.Errorf("user = %+v", u)
	}

	// A second credential pair for the same display name coexists.
	if _, _, err := s.AddUser(ctx, "alice"); err != nil {
		t.Fatalf("second AddUser: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("len(users) = %d, want 2", len(users))
	}
}

func TestBucketLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &Bucket{
		Name:      "photos",
		Owner:     Owner{ID: "AKTEST", DisplayName: "tester"},
		CreatedAt: time.Now(),
	}
	if err := s.AddBucket(ctx, b); err != nil {
		t.Fatalf("AddBucket: %v", err)
	}

	got, err := s.GetBucket(ctx, "photos")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if got.Name != "photos" || got.Owner.ID != "AKTEST" {
		t.Errorf("bucket = %+v", got)
	}

	// ListBuckets skips names whose record is gone.
	buckets, err := s.ListBuckets(ctx, []string{"photos", "vanished"})
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(buckets) != 1 {
		t.Errorf("len(buckets) = %d, want 1", len(buckets))
	}

	if err := s.DelBucket(ctx, "photos"); err != nil {
		t.Fatalf("DelBucket: %v", err)
	}
	if _, err := s.GetBucket(ctx, "photos"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBucket after delete = %v, want ErrNotFound", err)
	}
}

func TestNameListPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveNameList(ctx, ObjectNames, "bkt", []string{"a", "b"}); err != nil {
		t.Fatalf("SaveNameList: %v", err)
	}
	names, err := s.GetNameList(ctx, ObjectNames, "bkt")
	if err != nil {
		t.Fatalf("GetNameList: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %q", names)
	}

	// A never-saved scope is an empty list, not an error.
	names, err = s.GetNameList(ctx, BucketNames, "nobody")
	if err != nil {
		t.Fatalf("GetNameList missing: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("names = %q, want empty", names)
	}
}

func TestMonitorMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob := []byte{1, 2, 3, 4}
	if err := s.SetMeta(ctx, blob); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	got, err := s.GetMeta(ctx)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("meta = %v, want %v", got, blob)
	}
}
