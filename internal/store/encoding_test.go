package store

import (
	"reflect"
	"testing"
	"time"
)

func TestNameListRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		names []string
	}{
		{"empty", nil},
		{"single", []string{"alpha"}},
		{"several", []string{"alpha", "beta", "gamma/delta"}},
		{"ghosts", []string{"photo.jpg", "__photo.jpgd41d8cd98f00b204e9800998ecf8427e"}},
		{"binary-safe", []string{"a\x00b", "日本語", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := EncodeNameList(tt.names)
			got, err := DecodeNameList(blob)
			if err != nil {
				t.Fatalf("DecodeNameList: %v", err)
			}
			if len(tt.names) == 0 && len(got) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.names) {
				t.Errorf("round trip = %q, want %q", got, tt.names)
			}
		})
	}
}

func TestDecodeNameListTruncated(t *testing.T) {
	blob := EncodeNameList([]string{"alpha", "beta"})
	if _, err := DecodeNameList(blob[:len(blob)-3]); err == nil {
		t.Error("expected error decoding truncated blob")
	}
}

func TestObjectRecordRoundTripEmptyOwner(t *testing.T) {
	// Part records carry no owner or upload ID, so the blob ends with empty
	// length-prefixed strings; decoding must not mistake that for truncation.
	obj := &Object{
		Bucket: "bkt",
		Name:   "__video.mp4d41d8cd98f00b204e9800998ecf8427e#p00001",
		ETag:   `"0cc175b9c0f1b6a831c399e269772661"`,
		Size:   5,
		MTime:  time.UnixMicro(1724400000000000),
	}
	got, err := decodeObject("bkt", encodeObject(obj))
	if err != nil {
		t.Fatalf("decodeObject: %v", err)
	}
	if got.Name != obj.Name || got.ETag != obj.ETag || got.Size != obj.Size {
		t.Errorf("round trip = %+v", got)
	}
	if got.UploadID != "" || got.Owner.ID != "" || got.Owner.DisplayName != "" {
		t.Errorf("empty fields not preserved: %+v", got)
	}
	if !got.MTime.Equal(obj.MTime) {
		t.Errorf("mtime = %v, want %v", got.MTime, obj.MTime)
	}
}

func TestDecodeObjectTruncated(t *testing.T) {
	obj := &Object{
		Bucket: "bkt",
		Name:   "photo.jpg",
		ETag:   `"0cc175b9c0f1b6a831c399e269772661"`,
		Size:   42,
		MTime:  time.Now(),
		Owner:  Owner{ID: "AKIA", DisplayName: "tester"},
	}
	blob := encodeObject(obj)
	for _, cut := range []int{3, len(blob) / 2, len(blob) - 1} {
		if _, err := decodeObject("bkt", blob[:cut]); err == nil {
			t.Errorf("decodeObject of %d/%d bytes: expected error", cut, len(blob))
		}
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size uint64
		want int
	}{
		{0, 0},
		{1, 1},
		{ChunkSize - 1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{5*ChunkSize + 7, 6},
	}
	for _, tt := range tests {
		if got := chunkCount(tt.size); got != tt.want {
			t.Errorf("chunkCount(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}
