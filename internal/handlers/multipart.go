package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shoalstore/shoalstore/internal/auth"
	s3err "github.com/shoalstore/shoalstore/internal/errors"
	"github.com/shoalstore/shoalstore/internal/namelist"
	"github.com/shoalstore/shoalstore/internal/store"
	"github.com/shoalstore/shoalstore/internal/xmlutil"
)

// MultipartHandler serves the multipart upload operations.
type MultipartHandler struct {
	*Deps
}

func NewMultipartHandler(deps *Deps) *MultipartHandler {
	return &MultipartHandler{Deps: deps}
}

// newUploadID derives an upload ID from the object name and the current
// microsecond clock.
func newUploadID(key string, now time.Time) string {
	sum := md5.Sum([]byte(key + strconv.FormatInt(now.UnixMicro(), 10)))
	return hex.EncodeToString(sum[:])
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads. The upload
// lives as a hidden ghost object until completed or aborted.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	now := time.Now()
	uploadID := newUploadID(key, now)
	ghost := ghostName(key, uploadID)

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		writeStoreError(w, r, "CreateMultipartUpload", err)
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	obj := &store.Object{
		Bucket: bucket,
		Name:   ghost,
		Owner: store.Owner{
			ID:          user.AccessKey,
			DisplayName: user.Name,
		},
		MTime:    now,
		UploadID: uploadID,
	}
	if err := h.Store.AddObject(ctx, obj, nil); err != nil {
		writeStoreError(w, r, "CreateMultipartUpload", err)
		return
	}
	list.Insert(ghost)

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	})
}

// refGhost takes an object-namelist reference and verifies the ghost for
// (key, uploadID) is present, answering NoSuchUpload otherwise. On success
// the caller owns the reference and must Unref the bucket scope.
func (h *MultipartHandler) refGhost(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) (list *namelist.List, ghost string, ok bool) {
	ctx := r.Context()
	ghost = ghostName(key, uploadID)

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		writeStoreError(w, r, "CheckUpload", err)
		return nil, "", false
	}
	if !list.IsExist(ghost) {
		h.Objects.Unref(ctx, bucket)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return nil, "", false
	}
	return list, ghost, true
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID. Each part
// is its own chunk family; re-uploading a number replaces it.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	uploadID := q.Get("uploadId")

	_, ghost, ok := h.refGhost(w, r, bucket, key, uploadID)
	if !ok {
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	content, err := io.ReadAll(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
		return
	}

	etag, err := h.uploadPart(w, r, bucket, ghost, partNumber, content)
	if err != nil {
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// uploadPart writes one part behind the ghost's lock and folds the wall time
// into the monitor's running mean. Errors are already written to w.
func (h *MultipartHandler) uploadPart(w http.ResponseWriter, r *http.Request, bucket, ghost string, partNumber int, content []byte) (string, error) {
	ctx := r.Context()
	h.Locks.Lock(lockKey(bucket, ghost))
	defer h.Locks.Unlock(lockKey(bucket, ghost))

	start := time.Now()
	part := &store.Part{
		Number: partNumber,
		ETag:   contentETag(content),
		Size:   uint64(len(content)),
		MTime:  start,
	}
	if err := h.Store.UploadPart(ctx, bucket, ghost, part, content); err != nil {
		writeStoreError(w, r, "UploadPart", err)
		return "", err
	}
	h.Monitor.UpdateUploadPartTime(time.Since(start).Seconds())
	h.Monitor.AddBucketTraffic(bucket, part.Size)
	return part.ETag, nil
}

// UploadPartCopy handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID with
// X-Amz-Copy-Source. An optional x-amz-copy-source-range selects a segment
// of the source.
func (h *MultipartHandler) UploadPartCopy(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	uploadID := q.Get("uploadId")

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	_, ghost, ok := h.refGhost(w, r, bucket, key, uploadID)
	if !ok {
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	object := NewObjectHandler(h.Deps)
	content, err := object.readSource(ctx, srcBucket, srcKey)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		writeStoreError(w, r, "UploadPartCopy", err)
		return
	}

	if srcRange := r.Header.Get("x-amz-copy-source-range"); srcRange != "" {
		start, end, perr := parseRange(srcRange, uint64(len(content)))
		if perr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		content = content[start : end+1]
	}

	etag, err := h.uploadPart(w, r, bucket, ghost, partNumber, content)
	if err != nil {
		return
	}
	xmlutil.RenderCopyPartResult(w, &xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.FormatTimeS3(time.Now()),
	})
}

// ListParts handles GET /{bucket}/{key}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	_, ghost, ok := h.refGhost(w, r, bucket, key, uploadID)
	if !ok {
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	maxParts, err := parseMaxKeys(r.URL.Query().Get("max-parts"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	marker, _ := strconv.Atoi(r.URL.Query().Get("part-number-marker"))

	parts, err := h.Store.ListParts(ctx, bucket, ghost)
	if err != nil {
		writeStoreError(w, r, "ListParts", err)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:           bucket,
		Key:              key,
		UploadID:         uploadID,
		PartNumberMarker: marker,
		MaxParts:         maxParts,
	}
	for _, p := range parts {
		if p.Number <= marker {
			continue
		}
		if len(result.Parts) >= maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.Number,
			LastModified: xmlutil.FormatTimeS3(p.MTime),
			ETag:         p.ETag,
			Size:         int64(p.Size),
		})
		result.NextPartNumberMarker = p.Number
	}
	xmlutil.RenderListParts(w, result)
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=ID. The
// request's part list is validated against the uploaded parts, the parts are
// re-striped into the final object, and the ghost is retired. The final ETag
// is the MD5 of the concatenated part digests, suffixed with the part count.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	uploadID := r.URL.Query().Get("uploadId")

	reqParts, err := parseCompleteMultipartXML(r.Body)
	if err != nil || len(reqParts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	list, ghost, ok := h.refGhost(w, r, bucket, key, uploadID)
	if !ok {
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	uploaded, err := h.Store.ListParts(ctx, bucket, ghost)
	if err != nil {
		writeStoreError(w, r, "CompleteMultipartUpload", err)
		return
	}
	byNumber := make(map[int]*store.Part, len(uploaded))
	for _, p := range uploaded {
		byNumber[p.Number] = p
	}

	etags := make([]string, 0, len(reqParts))
	prev := 0
	for _, rp := range reqParts {
		if rp.PartNumber <= prev {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
		prev = rp.PartNumber
		up, ok := byNumber[rp.PartNumber]
		if !ok || !etagsEqual(up.ETag, rp.ETag) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		etags = append(etags, up.ETag)
	}
	// Every uploaded part must be accounted for; a request naming only a
	// subset would silently drop the rest into the promoted object.
	if len(reqParts) != len(uploaded) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
		return
	}

	h.Locks.Lock(lockKey(bucket, key))
	defer h.Locks.Unlock(lockKey(bucket, key))

	// Promotion replaces any existing object under this key; its chunks and
	// volume accounting go first.
	if list.IsExist(key) {
		var oldSize uint64
		if old, _, err := h.Store.GetObject(ctx, bucket, key, false); err == nil {
			oldSize = old.Size
		} else if !isNotFound(err) {
			writeStoreError(w, r, "CompleteMultipartUpload", err)
			return
		}
		if err := h.Store.DelObject(ctx, bucket, key); err != nil {
			writeStoreError(w, r, "CompleteMultipartUpload", err)
			return
		}
		if oldSize > 0 {
			h.Monitor.DelBucketVol(bucket, oldSize)
		}
	}

	obj := &store.Object{
		Bucket: bucket,
		Name:   key,
		Owner: store.Owner{
			ID:          user.AccessKey,
			DisplayName: user.Name,
		},
		MTime: time.Now(),
		ETag:  computeCompositeETag(etags),
	}
	if err := h.Store.CompleteMultiUpload(ctx, bucket, ghost, obj); err != nil {
		writeStoreError(w, r, "CompleteMultipartUpload", err)
		return
	}
	list.Insert(key)
	list.Delete(ghost)
	h.Monitor.AddBucketVol(bucket, obj.Size)

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     obj.ETag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=ID.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	list, ghost, ok := h.refGhost(w, r, bucket, key, uploadID)
	if !ok {
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	h.Locks.Lock(lockKey(bucket, ghost))
	defer h.Locks.Unlock(lockKey(bucket, ghost))

	if err := h.Store.DelMultipart(ctx, bucket, ghost); err != nil {
		writeStoreError(w, r, "AbortMultipartUpload", err)
		return
	}
	list.Delete(ghost)
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads. In-flight uploads are
// the ghost entries of the object namelist; markers compare on the combined
// key+uploadID position.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	maxUploads, err := parseMaxKeys(q.Get("max-uploads"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	prefix := q.Get("prefix")
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		writeStoreError(w, r, "ListMultipartUploads", err)
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	type ghostEntry struct {
		key      string
		uploadID string
		ghost    string
	}
	var ghosts []ghostEntry
	for _, name := range list.Names() {
		key, uploadID, ok := splitGhostName(name)
		if !ok {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		if keyMarker != "" {
			if key < keyMarker {
				continue
			}
			if key == keyMarker && uploadID <= uploadIDMarker {
				continue
			}
		}
		ghosts = append(ghosts, ghostEntry{key: key, uploadID: uploadID, ghost: name})
	}
	sort.Slice(ghosts, func(i, j int) bool {
		if ghosts[i].key != ghosts[j].key {
			return ghosts[i].key < ghosts[j].key
		}
		return ghosts[i].uploadID < ghosts[j].uploadID
	})

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         bucket,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
	}
	for _, g := range ghosts {
		if len(result.Uploads) >= maxUploads {
			result.IsTruncated = true
			break
		}
		meta, _, err := h.Store.GetObject(ctx, bucket, g.ghost, false)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			writeStoreError(w, r, "ListMultipartUploads", err)
			return
		}
		owner := xmlutil.Owner{ID: meta.Owner.ID, DisplayName: meta.Owner.DisplayName}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       g.key,
			UploadID:  g.uploadID,
			Initiator: owner,
			Owner:     owner,
			Initiated: xmlutil.FormatTimeS3(meta.MTime),
		})
		result.NextKeyMarker = g.key
		result.NextUploadIDMarker = g.uploadID
	}
	xmlutil.RenderListMultipartUploads(w, result)
}

// etagsEqual compares two ETags ignoring surrounding quotes.
func etagsEqual(a, b string) bool {
	return trimQuotes(a) == trimQuotes(b)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

