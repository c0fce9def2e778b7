package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shoalstore/shoalstore/internal/auth"
	s3err "github.com/shoalstore/shoalstore/internal/errors"
	"github.com/shoalstore/shoalstore/internal/store"
	"github.com/shoalstore/shoalstore/internal/xmlutil"
)

// BucketHandler serves the bucket-level operations.
type BucketHandler struct {
	*Deps
}

func NewBucketHandler(deps *Deps) *BucketHandler {
	return &BucketHandler{Deps: deps}
}

// ListBuckets handles GET / and returns the buckets owned by the
// authenticated sender. The set comes from the user's bucket namelist;
// bucket records resolve the creation times.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)

	list, err := h.Buckets.Ref(ctx, user.AccessKey)
	if err != nil {
		writeStoreError(w, r, "ListBuckets", err)
		return
	}
	defer h.Buckets.Unref(ctx, user.AccessKey)

	buckets, err := h.Store.ListBuckets(ctx, list.Names())
	if err != nil {
		writeStoreError(w, r, "ListBuckets", err)
		return
	}

	var xmlBuckets []xmlutil.Bucket
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}

	xmlutil.RenderListBuckets(w, &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          user.AccessKey,
			DisplayName: user.Name,
		},
		Buckets: xmlBuckets,
	})
}

// CreateBucket handles PUT /{bucket}. Bucket names are unique across every
// user: owning the name already is BucketAlreadyOwnedByYou, someone else
// owning it is BucketAlreadyExists.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)

	if !validBucketName(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	// Serialize creates of the same name so two requests cannot both pass the
	// uniqueness scan.
	h.Locks.Lock(lockKey(bucket, ""))
	defer h.Locks.Unlock(lockKey(bucket, ""))

	list, err := h.Buckets.Ref(ctx, user.AccessKey)
	if err != nil {
		writeStoreError(w, r, "CreateBucket", err)
		return
	}
	defer h.Buckets.Unref(ctx, user.AccessKey)

	if list.IsExist(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyOwnedByYou)
		return
	}
	taken, err := h.bucketNameTaken(ctx, bucket, user.AccessKey)
	if err != nil {
		writeStoreError(w, r, "CreateBucket", err)
		return
	}
	if taken {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
		return
	}

	record := &store.Bucket{
		Name: bucket,
		Owner: store.Owner{
			ID:          user.AccessKey,
			DisplayName: user.Name,
		},
		CreatedAt: time.Now(),
	}
	if err := h.Store.AddBucket(ctx, record); err != nil {
		writeStoreError(w, r, "CreateBucket", err)
		return
	}
	list.Insert(bucket)

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// bucketNameTaken scans every other user's bucket namelist for the name. The
// scan goes through the cache so that dirty, still-referenced lists are
// visible too. Buckets are few per deployment; the scan is a handful of meta
// reads.
func (h *BucketHandler) bucketNameTaken(ctx context.Context, bucket, selfAccessKey string) (bool, error) {
	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.AccessKey == selfAccessKey {
			continue
		}
		list, err := h.Buckets.Ref(ctx, u.AccessKey)
		if err != nil {
			return false, err
		}
		taken := list.IsExist(bucket)
		if err := h.Buckets.Unref(ctx, u.AccessKey); err != nil {
			return false, err
		}
		if taken {
			return true, nil
		}
	}
	return false, nil
}

// DeleteBucket handles DELETE /{bucket}. Dangling multipart ghosts do not
// count as content and are aborted along the way; any ordinary object makes
// the bucket non-empty.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)

	list, err := h.Buckets.Ref(ctx, user.AccessKey)
	if err != nil {
		writeStoreError(w, r, "DeleteBucket", err)
		return
	}
	defer h.Buckets.Unref(ctx, user.AccessKey)

	if !list.IsExist(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	record, err := h.Store.GetBucket(ctx, bucket)
	if err != nil && !isNotFound(err) {
		writeStoreError(w, r, "DeleteBucket", err)
		return
	}
	if record != nil && record.Owner.ID != user.AccessKey {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	objects, err := h.Objects.Ref(ctx, bucket)
	if err != nil {
		writeStoreError(w, r, "DeleteBucket", err)
		return
	}
	defer h.Objects.Unref(ctx, bucket)

	var ghosts []string
	for _, name := range objects.Names() {
		if _, _, ok := splitGhostName(name); ok {
			ghosts = append(ghosts, name)
			continue
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
		return
	}
	for _, ghost := range ghosts {
		if err := h.Store.DelMultipart(ctx, bucket, ghost); err != nil {
			writeStoreError(w, r, "DeleteBucket", err)
			return
		}
		objects.Delete(ghost)
		slog.Info("aborted dangling multipart upload", "bucket", bucket, "ghost", ghost)
	}

	if err := h.Store.DelBucket(ctx, bucket); err != nil {
		writeStoreError(w, r, "DeleteBucket", err)
		return
	}
	list.Delete(bucket)

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}: status code only, no body.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)

	list, err := h.Buckets.Ref(ctx, user.AccessKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer h.Buckets.Unref(ctx, user.AccessKey)

	if !list.IsExist(bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("x-amz-bucket-region", h.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location and reports the configured
// region constraint. us-east-1 reports an empty constraint, matching AWS.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)

	list, err := h.Buckets.Ref(ctx, user.AccessKey)
	if err != nil {
		writeStoreError(w, r, "GetBucketLocation", err)
		return
	}
	defer h.Buckets.Unref(ctx, user.AccessKey)

	if !list.IsExist(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	location := h.Region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.RenderLocationConstraint(w, location)
}
