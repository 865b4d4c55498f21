package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/CK-Technology/ghostbay/internal/catalog"
	s3err "github.com/CK-Technology/ghostbay/internal/errors"
	"github.com/CK-Technology/ghostbay/internal/metrics"
	"github.com/CK-Technology/ghostbay/internal/storage"
	"github.com/CK-Technology/ghostbay/internal/xmlutil"
)

// ObjectHandler contains handlers for object-level operations.
type ObjectHandler struct {
	cat           *catalog.Store
	engine        *storage.Engine
	maxObjectSize int64
}

// NewObjectHandler creates an ObjectHandler with the given dependencies.
func NewObjectHandler(cat *catalog.Store, engine *storage.Engine, maxObjectSize int64) *ObjectHandler {
	return &ObjectHandler{cat: cat, engine: engine, maxObjectSize: maxObjectSize}
}

// PutObject handles PUT /{bucket}/{key...}. Storage-first: the bytes
// land on disk before the catalog row is written, so a crash in
// between leaves an orphan blob for the sweeper, never a catalog row
// pointing at missing bytes.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key := parsePath(r.URL.Path)

	if !validObjectKey(key) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidObjectKey)
		return
	}

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	etag, size, err := h.engine.PutObject(ctx, bucketName, key, limitBody(r.Body, h.maxObjectSize))
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			// Oversized body with no Content-Length. The write aborted in
			// the scratch file; any previous object is intact.
			xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
			return
		}
		slog.Error("PutObject storage failed", "bucket", bucketName, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrStorageFailure)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = storage.GuessContentType(key)
	}

	obj := &catalog.Object{
		BucketID:    bucket.ID,
		Key:         key,
		ETag:        etag,
		Size:        size,
		ContentType: contentType,
		StoragePath: storage.StoragePath(bucketName, key),
		Metadata:    metadataToJSON(extractUserMetadata(r)),
	}
	if _, err := h.cat.UpsertObject(ctx, obj); err != nil {
		slog.Error("PutObject catalog failed", "bucket", bucketName, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	metrics.BytesReceivedTotal.Add(float64(size))
	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{key...}, honoring a single Range
// header. Catalog first, then storage; a catalog row whose blob is
// missing reports NoSuchKey rather than masking the skew.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key := parsePath(r.URL.Path)

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	obj, err := h.cat.GetObject(ctx, bucket.ID, key)
	if err != nil {
		slog.Error("GetObject catalog failed", "bucket", bucketName, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	var rng *storage.ByteRange
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, rngErr := parseRange(rangeHeader, obj.Size)
		if rngErr != nil {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(obj.Size, 10))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		rng = &storage.ByteRange{Start: start, End: end}
	}

	info, reader, err := h.engine.GetObject(ctx, bucketName, key, rng)
	if err != nil {
		if errors.Is(err, storage.ErrBadRange) {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(obj.Size, 10))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		slog.Error("GetObject storage failed", "bucket", bucketName, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrStorageFailure)
		return
	}
	if info == nil {
		slog.Warn("catalog row has no blob", "bucket", bucketName, "key", key)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	defer reader.Close()

	setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(info.ContentLength, 10))

	status := http.StatusOK
	if rng != nil {
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(info.RangeStart, 10)+"-"+
				strconv.FormatInt(info.RangeEnd, 10)+"/"+
				strconv.FormatInt(info.Size, 10))
		status = http.StatusPartialContent
	}

	w.WriteHeader(status)
	if n, copyErr := io.Copy(w, reader); copyErr == nil {
		metrics.BytesSentTotal.Add(float64(n))
	}
}

// HeadObject handles HEAD /{bucket}/{key...}: headers only, no body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key := parsePath(r.URL.Path)

	bucket, err := h.cat.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("HeadObject bucket lookup failed", "bucket", bucketName, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	obj, err := h.cat.GetObject(ctx, bucket.ID, key)
	if err != nil {
		slog.Error("HeadObject catalog failed", "bucket", bucketName, "key", key, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := h.engine.HeadObject(ctx, bucketName, key)
	if err != nil {
		slog.Error("HeadObject storage failed", "bucket", bucketName, "key", key, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if info == nil {
		slog.Warn("catalog row has no blob", "bucket", bucketName, "key", key)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	setObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key...}. Catalog-first: the
// row goes before the blob, so a crash in between leaves an invisible
// orphan, never a visible-but-unreadable object. Deleting an absent
// key still returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key := parsePath(r.URL.Path)

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	if _, err := h.cat.DeleteObject(ctx, bucket.ID, key); err != nil {
		slog.Error("DeleteObject catalog failed", "bucket", bucketName, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if _, err := h.engine.DeleteObject(ctx, bucketName, key); err != nil {
		// The row is already gone; the stray blob is sweeper territory.
		slog.Error("DeleteObject blob removal failed", "bucket", bucketName, "key", key, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// CopyObject handles PUT /{bucket}/{key...} with X-Amz-Copy-Source.
// The destination inherits the source's content type and metadata.
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dstBucketName, dstKey := parsePath(r.URL.Path)

	if !validObjectKey(dstKey) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidObjectKey)
		return
	}

	srcBucketName, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest.WithMessage("invalid X-Amz-Copy-Source"))
		return
	}

	dstBucket := resolveBucket(ctx, w, r, h.cat, dstBucketName)
	if dstBucket == nil {
		return
	}
	srcBucket, err := h.cat.GetBucket(ctx, srcBucketName)
	if err != nil {
		slog.Error("CopyObject source bucket lookup failed", "bucket", srcBucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcBucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcObj, err := h.cat.GetObject(ctx, srcBucket.ID, srcKey)
	if err != nil {
		slog.Error("CopyObject source lookup failed", "bucket", srcBucketName, "key", srcKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcObj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	etag, size, err := h.engine.CopyObject(ctx, srcBucketName, srcKey, dstBucketName, dstKey)
	if err != nil {
		slog.Error("CopyObject storage failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrStorageFailure)
		return
	}

	obj := &catalog.Object{
		BucketID:    dstBucket.ID,
		Key:         dstKey,
		ETag:        etag,
		Size:        size,
		ContentType: srcObj.ContentType,
		StoragePath: storage.StoragePath(dstBucketName, dstKey),
		Metadata:    srcObj.Metadata,
	}
	if _, err := h.cat.UpsertObject(ctx, obj); err != nil {
		slog.Error("CopyObject catalog failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(obj.UpdatedAt),
		ETag:         quoteETag(etag),
	}
	xmlutil.WriteXML(w, http.StatusOK, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 with prefix,
// delimiter, max-keys, start-after, and continuation-token parameters.
// The continuation token is the last key of the previous page.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, _ := parsePath(r.URL.Path)

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	q := r.URL.Query()
	opts := catalog.ListObjectsOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
	}

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		n, convErr := strconv.Atoi(mk)
		if convErr != nil || n < 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("invalid max-keys value %q", mk))
			return
		}
		maxKeys = n
	}
	opts.MaxKeys = maxKeys

	opts.StartAfter = q.Get("start-after")
	if token := q.Get("continuation-token"); token != "" {
		opts.StartAfter = token
	}

	listing, err := h.cat.ListObjects(ctx, bucket.ID, opts)
	if err != nil {
		slog.Error("ListObjectsV2 failed", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name:                  bucketName,
		Prefix:                opts.Prefix,
		StartAfter:            q.Get("start-after"),
		ContinuationToken:     q.Get("continuation-token"),
		NextContinuationToken: listing.NextContinuationToken,
		KeyCount:              len(listing.Objects) + len(listing.CommonPrefixes),
		MaxKeys:               maxKeys,
		Delimiter:             opts.Delimiter,
		IsTruncated:           listing.IsTruncated,
	}
	for _, obj := range listing.Objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          obj.Key,
			LastModified: xmlutil.FormatTimeS3(obj.UpdatedAt),
			ETag:         quoteETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, p := range listing.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: p})
	}

	xmlutil.WriteXML(w, http.StatusOK, result)
}

// parseCopySource parses the X-Amz-Copy-Source header value into the
// source bucket and key. Accepts "/bucket/key" and "bucket/key".
func parseCopySource(header string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	idx := strings.IndexByte(decoded, '/')
	if idx <= 0 || idx == len(decoded)-1 {
		return "", "", false
	}
	return decoded[:idx], decoded[idx+1:], true
}
