// Package handlers implements the S3 operation handlers. Each handler group
// shares one Deps: the store, the two namelist caches, the key lock table,
// and the monitor.
package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	s3err "github.com/shoalstore/shoalstore/internal/errors"
	"github.com/shoalstore/shoalstore/internal/lockmap"
	"github.com/shoalstore/shoalstore/internal/monitor"
	"github.com/shoalstore/shoalstore/internal/namelist"
	"github.com/shoalstore/shoalstore/internal/store"
	"github.com/shoalstore/shoalstore/internal/xmlutil"
)

// uploadIDLen is the width of a multipart upload ID (hex MD5).
const uploadIDLen = 32

// Deps bundles the shared state behind every handler group.
type Deps struct {
	Store   *store.Store
	Buckets *namelist.Cache
	Objects *namelist.Cache
	Locks   *lockmap.LockMap
	Monitor *monitor.Monitor
	Region  string
}

// NewDeps wires the namelist caches and lock table over the given store.
func NewDeps(st *store.Store, mon *monitor.Monitor, region string) *Deps {
	return &Deps{
		Store:   st,
		Buckets: namelist.New(st, store.BucketNames),
		Objects: namelist.New(st, store.ObjectNames),
		Locks:   lockmap.New(),
		Monitor: mon,
		Region:  region,
	}
}

// lockKey scopes the mutation lock to one bucket+object pair.
func lockKey(bucket, object string) string {
	return bucket + "#" + object
}

// writeStoreError logs a backend failure and answers with InternalError.
func writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.Error(op+" backend error", "error", err)
	xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
}

// contentETag is the quoted lowercase hex MD5 of content, as S3 reports it.
func contentETag(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// bucketNameRegex validates bucket names per S3 naming rules:
// 3-63 characters of lowercase letters, digits, hyphens, and periods,
// beginning and ending with a letter or digit.
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ipAddressRegex detects IP address-formatted bucket names.
var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// validBucketName checks the given name against S3 bucket naming rules.
func validBucketName(name string) bool {
	if !bucketNameRegex.MatchString(name) {
		return false
	}
	if ipAddressRegex.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..")
}

// parseMaxKeys parses a bounded list-size query parameter, defaulting to 1000.
func parseMaxKeys(raw string) (int, error) {
	if raw == "" {
		return 1000, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid max-keys %q", raw)
	}
	if n > 1000 {
		n = 1000
	}
	return n, nil
}

// parseCopySource parses the X-Amz-Copy-Source header into source bucket and
// key. The value is percent-decoded and accepted with or without a leading
// slash.
func parseCopySource(header string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	if decoded == "" {
		return "", "", false
	}
	idx := strings.IndexByte(decoded, '/')
	if idx <= 0 || idx == len(decoded)-1 {
		return "", "", false
	}
	return decoded[:idx], decoded[idx+1:], true
}

// parseRange parses an HTTP Range header value into the inclusive byte range
// [start, end]. Supported forms: bytes=N-M, bytes=N-, bytes=-N. When several
// segments are given, only the first is honored.
func parseRange(rangeHeader string, objectSize uint64) (start, end uint64, err error) {
	if objectSize == 0 {
		return 0, 0, fmt.Errorf("empty object")
	}
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}
	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	if idx := strings.IndexByte(spec, ','); idx >= 0 {
		spec = spec[:idx]
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range spec: %q", spec)
	}
	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr == "" {
		// Suffix form: last N bytes.
		suffix, perr := strconv.ParseUint(endStr, 10, 64)
		if perr != nil || suffix == 0 {
			return 0, 0, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		if suffix >= objectSize {
			return 0, objectSize - 1, nil
		}
		return objectSize - suffix, objectSize - 1, nil
	}

	start, err = strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= objectSize {
		return 0, 0, fmt.Errorf("range start %d beyond object size %d", start, objectSize)
	}

	if endStr == "" {
		return start, objectSize - 1, nil
	}
	end, err = strconv.ParseUint(endStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
	}
	if end >= objectSize {
		end = objectSize - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("range start %d > end %d", start, end)
	}
	return start, end, nil
}

// parseDeleteRequest parses a multi-object delete XML request body.
func parseDeleteRequest(body io.Reader) (*xmlutil.DeleteRequest, error) {
	var req xmlutil.DeleteRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// CompletePart is one part entry in a CompleteMultipartUpload request body.
type CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUploadRequest is the CompleteMultipartUpload request body.
type CompleteMultipartUploadRequest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []CompletePart `xml:"Part"`
}

func parseCompleteMultipartXML(body io.Reader) ([]CompletePart, error) {
	var req CompleteMultipartUploadRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding CompleteMultipartUpload XML: %w", err)
	}
	return req.Parts, nil
}

// computeCompositeETag forms the multipart final ETag: the MD5 of the
// concatenated raw part digests, suffixed with the part count.
func computeCompositeETag(partETags []string) string {
	h := md5.New()
	for _, etag := range partETags {
		raw, err := hex.DecodeString(strings.Trim(etag, `"`))
		if err != nil {
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags))
}

// ghostName forms the hidden object name an in-flight multipart upload lives
// under.
func ghostName(key, uploadID string) string {
	return store.InternalPrefix + key + uploadID
}

// splitGhostName recovers (key, uploadID) from a ghost name, or ok=false when
// the name is not a well-formed ghost.
func splitGhostName(name string) (key, uploadID string, ok bool) {
	if !strings.HasPrefix(name, store.InternalPrefix) {
		return "", "", false
	}
	rest := name[len(store.InternalPrefix):]
	if len(rest) <= uploadIDLen {
		return "", "", false
	}
	return rest[:len(rest)-uploadIDLen], rest[len(rest)-uploadIDLen:], true
}

// isNotFound reports whether err is the store's missing-record error.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
