package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shoalstore/shoalstore/internal/auth"
	s3err "github.com/shoalstore/shoalstore/internal/errors"
	"github.com/shoalstore/shoalstore/internal/metrics"
	"github.com/shoalstore/shoalstore/internal/store"
	"github.com/shoalstore/shoalstore/internal/xmlutil"
)

// ObjectHandler serves the object-level operations and the two object
// listings.
type ObjectHandler struct {
	*Deps
}

func NewObjectHandler(deps *Deps) *ObjectHandler {
	return &ObjectHandler{Deps: deps}
}

// checkBucket verifies the bucket is in the requester's namelist, answering
// NoSuchBucket otherwise. The reference is released immediately; callers that
// need the bucket list keep their own reference.
func (d *Deps) checkBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) bool {
	accessKey := auth.UserFromContext(ctx).AccessKey
	list, err := d.Buckets.Ref(ctx, accessKey)
	if err != nil {
		writeStoreError(w, r, "CheckBucket", err)
		return false
	}
	exists := list.IsExist(bucket)
	d.Buckets.Unref(ctx, accessKey)
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
	}
	return exists
}

// visibleKeys returns the bucket's object names with multipart ghosts
// filtered out, sorted lexically the way S3 lists them.
func visibleKeys(names []string) []string {
	keys := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, store.InternalPrefix) {
			continue
		}
		keys = append(keys, n)
	}
	sort.Strings(keys)
	return keys
}

// listing is the shared result of the v1/v2 list walk.
type listing struct {
	contents       []xmlutil.Object
	commonPrefixes []xmlutil.CommonPrefix
	nextMarker     string
	truncated      bool
}

// walkKeys applies prefix, delimiter, start marker, and max-keys to the
// sorted key set and resolves object metadata for the surviving keys.
func (h *ObjectHandler) walkKeys(ctx context.Context, bucket string, keys []string, prefix, delimiter, marker string, maxKeys int, fetchOwner bool) (*listing, error) {
	out := &listing{}
	seenPrefix := make(map[string]bool)
	count := 0
	lastIncluded := ""

	for _, key := range keys {
		if marker != "" && key <= marker {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}

		if delimiter != "" {
			rest := key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				// A marker naming a rolled-up prefix covers every key under it.
				if marker != "" && cp <= marker {
					continue
				}
				if seenPrefix[cp] {
					continue
				}
				if count >= maxKeys {
					out.truncated = true
					out.nextMarker = lastIncluded
					break
				}
				seenPrefix[cp] = true
				out.commonPrefixes = append(out.commonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
				count++
				lastIncluded = cp
				continue
			}
		}

		if count >= maxKeys {
			out.truncated = true
			// The marker names the last delivered entry, so the next page
			// resumes strictly after it and skips nothing.
			out.nextMarker = lastIncluded
			break
		}
		obj, _, err := h.Store.GetObject(ctx, bucket, key, false)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entry := xmlutil.Object{
			Key:          key,
			LastModified: xmlutil.FormatTimeS3(obj.MTime),
			ETag:         obj.ETag,
			Size:         int64(obj.Size),
			StorageClass: "STANDARD",
		}
		if fetchOwner {
			entry.Owner = &xmlutil.Owner{ID: obj.Owner.ID, DisplayName: obj.Owner.DisplayName}
		}
		out.contents = append(out.contents, entry)
		count++
		lastIncluded = key
	}
	return out, nil
}

// ListObjects handles GET /{bucket} (list version 1).
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q.Get("max-keys"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		writeStoreError(w, r, "ListObjects", err)
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	res, err := h.walkKeys(ctx, bucket, visibleKeys(list.Names()),
		q.Get("prefix"), q.Get("delimiter"), q.Get("marker"), maxKeys, true)
	if err != nil {
		writeStoreError(w, r, "ListObjects", err)
		return
	}

	xmlutil.RenderListObjects(w, &xmlutil.ListBucketResult{
		Name:           bucket,
		Prefix:         q.Get("prefix"),
		Marker:         q.Get("marker"),
		NextMarker:     res.nextMarker,
		MaxKeys:        maxKeys,
		Delimiter:      q.Get("delimiter"),
		IsTruncated:    res.truncated,
		Contents:       res.contents,
		CommonPrefixes: res.commonPrefixes,
	})
}

// ListObjectsV2 handles GET /{bucket}?list-type=2. The continuation token is
// the last key of the previous page, verbatim.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q.Get("max-keys"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	marker := q.Get("continuation-token")
	if marker == "" {
		marker = q.Get("start-after")
	}
	fetchOwner := q.Get("fetch-owner") == "true"

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		writeStoreError(w, r, "ListObjectsV2", err)
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	res, err := h.walkKeys(ctx, bucket, visibleKeys(list.Names()),
		q.Get("prefix"), q.Get("delimiter"), marker, maxKeys, fetchOwner)
	if err != nil {
		writeStoreError(w, r, "ListObjectsV2", err)
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name:              bucket,
		Prefix:            q.Get("prefix"),
		StartAfter:        q.Get("start-after"),
		ContinuationToken: q.Get("continuation-token"),
		KeyCount:          len(res.contents) + len(res.commonPrefixes),
		MaxKeys:           maxKeys,
		Delimiter:         q.Get("delimiter"),
		IsTruncated:       res.truncated,
		Contents:          res.contents,
		CommonPrefixes:    res.commonPrefixes,
	}
	if res.truncated {
		result.NextContinuationToken = res.nextMarker
	}
	xmlutil.RenderListObjectsV2(w, result)
}

// PutObject handles PUT /{bucket}/{key}. Chunks land before metadata and the
// namelist entry lands last, so readers never observe a half-written object.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
		return
	}

	etag, err := h.putObject(ctx, bucket, key, user, content)
	if err != nil {
		writeStoreError(w, r, "PutObject", err)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// putObject writes content under (bucket, key) behind the key lock and
// settles the namelist and volume accounting. Returns the new ETag.
func (h *ObjectHandler) putObject(ctx context.Context, bucket, key string, user *store.User, content []byte) (string, error) {
	h.Locks.Lock(lockKey(bucket, key))
	defer h.Locks.Unlock(lockKey(bucket, key))

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		return "", err
	}
	defer h.Objects.Unref(ctx, bucket)

	var oldSize uint64
	if list.IsExist(key) {
		if old, _, err := h.Store.GetObject(ctx, bucket, key, false); err == nil {
			oldSize = old.Size
		} else if !isNotFound(err) {
			return "", err
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
		ETag:  contentETag(content),
		Size:  uint64(len(content)),
	}
	if err := h.Store.AddObject(ctx, obj, content); err != nil {
		return "", err
	}
	list.Insert(key)
	metrics.ChunksWrittenTotal.Add(float64((len(content) + store.ChunkSize - 1) / store.ChunkSize))

	if oldSize > 0 {
		h.Monitor.DelBucketVol(bucket, oldSize)
	}
	h.Monitor.AddBucketVol(bucket, obj.Size)
	h.Monitor.AddBucketTraffic(bucket, obj.Size)
	return obj.ETag, nil
}

// CopyObject handles PUT /{bucket}/{key} with X-Amz-Copy-Source. The source
// is read in full and re-striped under the destination key.
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	content, err := h.readSource(ctx, srcBucket, srcKey)
	if err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		writeStoreError(w, r, "CopyObject", err)
		return
	}

	etag, err := h.putObject(ctx, bucket, key, user, content)
	if err != nil {
		writeStoreError(w, r, "CopyObject", err)
		return
	}

	xmlutil.RenderCopyObject(w, &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(time.Now()),
		ETag:         etag,
	})
}

// readSource resolves a copy source to its full content, checking the source
// bucket and key through the namelists first. S3 errors come back typed.
func (h *ObjectHandler) readSource(ctx context.Context, srcBucket, srcKey string) ([]byte, error) {
	accessKey := auth.UserFromContext(ctx).AccessKey
	blist, err := h.Buckets.Ref(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	bucketOK := blist.IsExist(srcBucket)
	h.Buckets.Unref(ctx, accessKey)
	if !bucketOK {
		return nil, s3err.ErrNoSuchBucket
	}

	olist, err := h.Objects.Ref(ctx, srcBucket)
	if err != nil {
		return nil, err
	}
	defer h.Objects.Unref(ctx, srcBucket)
	if !olist.IsExist(srcKey) {
		return nil, s3err.ErrNoSuchKey
	}

	_, content, err := h.Store.GetObject(ctx, srcBucket, srcKey, true)
	if isNotFound(err) {
		return nil, s3err.ErrNoSuchKey
	}
	return content, err
}

// GetObject handles GET /{bucket}/{key}, with or without a Range header.
// Only the first range segment is honored; an unsatisfiable range answers
// 416.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		writeStoreError(w, r, "GetObject", err)
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	if !list.IsExist(key) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	obj, _, err := h.Store.GetObject(ctx, bucket, key, false)
	if isNotFound(err) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	if err != nil {
		writeStoreError(w, r, "GetObject", err)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, perr := parseRange(rangeHeader, obj.Size)
		if perr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		_, content, err := h.Store.GetPartialObject(ctx, bucket, key, start, end)
		if err != nil {
			writeStoreError(w, r, "GetObject", err)
			return
		}
		h.setObjectHeaders(w, obj)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, obj.Size))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content)
		h.Monitor.AddBucketTraffic(bucket, uint64(len(content)))
		return
	}

	_, content, err := h.Store.GetObject(ctx, bucket, key, true)
	if err != nil {
		writeStoreError(w, r, "GetObject", err)
		return
	}
	h.setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
	h.Monitor.AddBucketTraffic(bucket, uint64(len(content)))
}

func (h *ObjectHandler) setObjectHeaders(w http.ResponseWriter, obj *store.Object) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.MTime))
	w.Header().Set("Accept-Ranges", "bytes")
}

// HeadObject handles HEAD /{bucket}/{key}: headers only, no body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)

	blist, err := h.Buckets.Ref(ctx, user.AccessKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	bucketOK := blist.IsExist(bucket)
	h.Buckets.Unref(ctx, user.AccessKey)
	if !bucketOK {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	if !list.IsExist(key) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	obj, _, err := h.Store.GetObject(ctx, bucket, key, false)
	if isNotFound(err) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatUint(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. Deleting an absent key is a
// success, matching S3.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	if err := h.deleteObject(ctx, bucket, key); err != nil {
		writeStoreError(w, r, "DeleteObject", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteObject removes one key behind its lock and settles the namelist and
// the bucket volume.
func (h *ObjectHandler) deleteObject(ctx context.Context, bucket, key string) error {
	h.Locks.Lock(lockKey(bucket, key))
	defer h.Locks.Unlock(lockKey(bucket, key))

	list, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		return err
	}
	defer h.Objects.Unref(ctx, bucket)

	if !list.IsExist(key) {
		return nil
	}

	var size uint64
	if obj, _, err := h.Store.GetObject(ctx, bucket, key, false); err == nil {
		size = obj.Size
	} else if !isNotFound(err) {
		return err
	}

	if err := h.Store.DelObject(ctx, bucket, key); err != nil {
		return err
	}
	list.Delete(key)
	if size > 0 {
		h.Monitor.DelBucketVol(bucket, size)
	}
	return nil
}

// DeleteObjects handles POST /{bucket}?delete, the multi-object delete. Quiet
// mode suppresses the per-key success entries.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	if !h.checkBucket(ctx, w, r, bucket) {
		return
	}

	req, err := parseDeleteRequest(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}
	for _, o := range req.Objects {
		if strings.HasPrefix(o.Key, store.InternalPrefix) {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     o.Key,
				Code:    s3err.ErrAccessDenied.Code,
				Message: s3err.ErrAccessDenied.Message,
			})
			continue
		}
		if err := h.deleteObject(ctx, bucket, o.Key); err != nil {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     o.Key,
				Code:    s3err.ErrInternalError.Code,
				Message: err.Error(),
			})
			continue
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: o.Key})
		}
	}
	xmlutil.RenderDeleteResult(w, result)
}
