package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/CK-Technology/ghostbay/internal/catalog"
	s3err "github.com/CK-Technology/ghostbay/internal/errors"
	"github.com/CK-Technology/ghostbay/internal/xmlutil"
)

// BucketHandler contains handlers for bucket-level operations.
type BucketHandler struct {
	cat    *catalog.Store
	region string
}

// NewBucketHandler creates a BucketHandler backed by the given catalog.
func NewBucketHandler(cat *catalog.Store, region string) *BucketHandler {
	return &BucketHandler{cat: cat, region: region}
}

// ListBuckets handles GET / and returns all buckets.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	buckets, err := h.cat.ListBuckets(ctx)
	if err != nil {
		slog.Error("ListBuckets failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var xmlBuckets []xmlutil.Bucket
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          "ghostbay",
			DisplayName: "ghostbay",
		},
		Buckets: xmlBuckets,
	}
	xmlutil.WriteXML(w, http.StatusOK, result)
}

// CreateBucket handles PUT /{bucket}. A second create of the same name
// fails with BucketAlreadyExists; there is no owned-by-you shortcut.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, _ := parsePath(r.URL.Path)

	if !validBucketName(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	// The storage engine creates the bucket directory lazily on first
	// write; only the catalog row is created here.
	if _, err := h.cat.CreateBucket(ctx, bucketName, h.region); err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
			return
		}
		slog.Error("CreateBucket failed", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// HeadBucket handles HEAD /{bucket}: status code only, no body.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, _ := parsePath(r.URL.Path)

	bucket, err := h.cat.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("HeadBucket failed", "bucket", bucketName, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", bucket.Region)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. Deletion of a bucket that
// still holds objects is refused, so the foreign-key cascade can never
// strand blob files.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, _ := parsePath(r.URL.Path)

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	count, err := h.cat.ObjectCount(ctx, bucket.ID)
	if err != nil {
		slog.Error("DeleteBucket count failed", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if count > 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
		return
	}

	deleted, err := h.cat.DeleteBucket(ctx, bucketName)
	if err != nil {
		slog.Error("DeleteBucket failed", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !deleted {
		// Raced with another delete.
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
