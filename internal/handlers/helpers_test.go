package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
)

func TestValidBucketName(t *testing.T) {
	valid := []string{
		"abc",
		"my-bucket",
		"my.bucket.name",
		"bucket123",
		"0starts-with-digit",
		strings.Repeat("a", 63),
	}
	for _, name := range valid {
		if !validBucketName(name) {
			t.Errorf("validBucketName(%q) = false", name)
		}
	}

	invalid := []string{
		"",
		"ab",
		"My-Bucket",
		"-leading-hyphen",
		"trailing-hyphen-",
		".leading-dot",
		"double..dot",
		"under_score",
		"192.168.1.1",
		strings.Repeat("a", 64),
	}
	for _, name := range invalid {
		if validBucketName(name) {
			t.Errorf("validBucketName(%q) = true", name)
		}
	}
}

func TestParseMaxKeys(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 1000, false},
		{"0", 0, false},
		{"17", 17, false},
		{"1000", 1000, false},
		{"5000", 1000, false}, // capped
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMaxKeys(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMaxKeys(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMaxKeys(%q): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMaxKeys(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestParseCopySource(t *testing.T) {
	tests := []struct {
		header, bucket, key string
		ok                  bool
	}{
		{"/src-bucket/path/to/key", "src-bucket", "path/to/key", true},
		{"src-bucket/key", "src-bucket", "key", true},
		{"/src-bucket/my%20file.txt", "src-bucket", "my file.txt", true},
		{"", "", "", false},
		{"/", "", "", false},
		{"/bucket-only", "", "", false},
		{"/bucket-only/", "", "", false},
		{"%zz/key", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := parseCopySource(tt.header)
		if ok != tt.ok || bucket != tt.bucket || key != tt.key {
			t.Errorf("parseCopySource(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.header, bucket, key, ok, tt.bucket, tt.key, tt.ok)
		}
	}
}

func TestParseRange(t *testing.T) {
	const size = 100
	tests := []struct {
		header     string
		start, end uint64
		wantErr    bool
	}{
		{"bytes=0-49", 0, 49, false},
		{"bytes=50-99", 50, 99, false},
		{"bytes=50-1000", 50, 99, false}, // end clamped
		{"bytes=50-", 50, 99, false},
		{"bytes=-10", 90, 99, false},
		{"bytes=-200", 0, 99, false}, // suffix larger than object
		{"bytes=0-0", 0, 0, false},
		{"bytes=10-20,30-40", 10, 20, false}, // first segment only
		{"bytes=100-", 0, 0, true},           // start past the end
		{"bytes=20-10", 0, 0, true},
		{"bytes=-0", 0, 0, true},
		{"bytes=", 0, 0, true},
		{"0-49", 0, 0, true},
		{"bytes=abc-def", 0, 0, true},
	}
	for _, tt := range tests {
		start, end, err := parseRange(tt.header, size)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseRange(%q): expected error, got [%d,%d]", tt.header, start, end)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRange(%q): %v", tt.header, err)
			continue
		}
		if start != tt.start || end != tt.end {
			t.Errorf("parseRange(%q) = [%d,%d], want [%d,%d]", tt.header, start, end, tt.start, tt.end)
		}
	}

	if _, _, err := parseRange("bytes=0-10", 0); err == nil {
		t.Error("parseRange on empty object: expected error")
	}
}

func TestComputeCompositeETag(t *testing.T) {
	d1 := md5.Sum([]byte("part one"))
	d2 := md5.Sum([]byte("part two"))
	e1 := `"` + hex.EncodeToString(d1[:]) + `"`
	e2 := `"` + hex.EncodeToString(d2[:]) + `"`

	h := md5.New()
	h.Write(d1[:])
	h.Write(d2[:])
	want := `"` + hex.EncodeToString(h.Sum(nil)) + `-2"`

	if got := computeCompositeETag([]string{e1, e2}); got != want {
		t.Errorf("composite = %q, want %q", got, want)
	}

	// Order matters.
	if computeCompositeETag([]string{e1, e2}) == computeCompositeETag([]string{e2, e1}) {
		t.Error("composite etag insensitive to part order")
	}
}

func TestGhostNameRoundTrip(t *testing.T) {
	uploadID := strings.Repeat("ab", 16)
	ghost := ghostName("photos/cat.jpg", uploadID)
	if !strings.HasPrefix(ghost, "__") {
		t.Errorf("ghost = %q, want internal prefix", ghost)
	}

	key, id, ok := splitGhostName(ghost)
	if !ok || key != "photos/cat.jpg" || id != uploadID {
		t.Errorf("splitGhostName(%q) = (%q, %q, %v)", ghost, key, id, ok)
	}

	// Non-ghosts and short names are rejected.
	if _, _, ok := splitGhostName("plain-object"); ok {
		t.Error("splitGhostName accepted a plain name")
	}
	if _, _, ok := splitGhostName("__" + uploadID); ok {
		t.Error("splitGhostName accepted a ghost with an empty key")
	}
}

func TestParseCompleteMultipartXML(t *testing.T) {
	body := `<CompleteMultipartUpload>
		<Part><PartNumber>1</PartNumber><ETag>"aaa"</ETag></Part>
		<Part><PartNumber>2</PartNumber><ETag>"bbb"</ETag></Part>
	</CompleteMultipartUpload>`

	parts, err := parseCompleteMultipartXML(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseCompleteMultipartXML: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}
	if parts[0].PartNumber != 1 || parts[0].ETag != `"aaa"` {
		t.Errorf("part 1 = %+v", parts[0])
	}
	if parts[1].PartNumber != 2 || parts[1].ETag != `"bbb"` {
		t.Errorf("part 2 = %+v", parts[1])
	}

	if _, err := parseCompleteMultipartXML(strings.NewReader("not xml")); err == nil {
		t.Error("expected error on malformed body")
	}
}

func TestParseDeleteRequest(t *testing.T) {
	body := `<Delete>
		<Object><Key>a.txt</Key></Object>
		<Object><Key>b.txt</Key></Object>
		<Quiet>true</Quiet>
	</Delete>`

	req, err := parseDeleteRequest(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseDeleteRequest: %v", err)
	}
	if len(req.Objects) != 2 || req.Objects[0].Key != "a.txt" || req.Objects[1].Key != "b.txt" {
		t.Errorf("objects = %+v", req.Objects)
	}
	if !req.Quiet {
		t.Error("Quiet = false, want true")
	}
}
