package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CK-Technology/ghostbay/internal/catalog"
	s3err "github.com/CK-Technology/ghostbay/internal/errors"
	"github.com/CK-Technology/ghostbay/internal/storage"
	"github.com/CK-Technology/ghostbay/internal/xmlutil"
)

const (
	minPartNumber = 1
	maxPartNumber = 10000
)

// MultipartHandler contains handlers for multipart upload operations.
type MultipartHandler struct {
	cat           *catalog.Store
	engine        *storage.Engine
	maxObjectSize int64
	uploadTTL     time.Duration
}

// NewMultipartHandler creates a MultipartHandler. uploadTTL bounds an
// upload's lifetime; the expiration sweeper reclaims older uploads.
func NewMultipartHandler(cat *catalog.Store, engine *storage.Engine, maxObjectSize int64, uploadTTL time.Duration) *MultipartHandler {
	return &MultipartHandler{
		cat:           cat,
		engine:        engine,
		maxObjectSize: maxObjectSize,
		uploadTTL:     uploadTTL,
	}
}

// CreateMultipartUpload handles POST /{bucket}/{key...}?uploads. The
// content type and x-amz-meta-* headers are captured into the upload's
// sidecar so completion can carry them onto the final object row.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
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

	contentType := r.Header.Get("Content-Type")
	uploadID, err := h.engine.CreateMultipart(ctx, bucketName, key, contentType, extractUserMetadata(r))
	if err != nil {
		slog.Error("CreateMultipartUpload storage failed", "bucket", bucketName, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrStorageFailure)
		return
	}

	expiresAt := time.Now().UTC().Add(h.uploadTTL)
	if _, err := h.cat.CreateUpload(ctx, bucket.ID, key, uploadID, expiresAt); err != nil {
		slog.Error("CreateMultipartUpload catalog failed", "bucket", bucketName, "key", key, "error", err)
		h.engine.AbortMultipart(ctx, uploadID)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	}
	xmlutil.WriteXML(w, http.StatusOK, result)
}

// UploadPart handles PUT /{bucket}/{key...}?partNumber=N&uploadId=ID.
// Part numbers must be in [1,10000]. Re-uploading a part number
// replaces the previous bytes and catalog row.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < minPartNumber || partNumber > maxPartNumber {
		xmlutil.WriteErrorResponse(w, r,
			s3err.ErrInvalidRequest.WithMessage("part number must be an integer between %d and %d", minPartNumber, maxPartNumber))
		return
	}
	uploadID := q.Get("uploadId")

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	upload, err := h.cat.GetUpload(ctx, uploadID)
	if err != nil {
		slog.Error("UploadPart lookup failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil || upload.BucketID != bucket.ID || upload.ObjectKey != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	etag, size, err := h.engine.WritePart(ctx, uploadID, partNumber, limitBody(r.Body, h.maxObjectSize))
	if err != nil {
		if errors.Is(err, storage.ErrUploadInvalid) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		if errors.Is(err, errBodyTooLarge) {
			// The part write aborted in the scratch file; no part file
			// was replaced and no row is recorded.
			xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
			return
		}
		slog.Error("UploadPart storage failed", "uploadId", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrStorageFailure)
		return
	}

	part := &catalog.MultipartPart{
		UploadID:    uploadID,
		PartNumber:  partNumber,
		ETag:        etag,
		Size:        size,
		StoragePath: storage.PartStoragePath(uploadID, partNumber),
	}
	if err := h.cat.UpsertPart(ctx, part); err != nil {
		slog.Error("UploadPart catalog failed", "uploadId", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{key...}?uploadId=ID.
// Ordering: resolve and verify the upload, assemble in storage, insert
// the final object row, then delete the upload rows. A crash between
// assembly and the row insert leaves an orphan blob; between insert
// and row cleanup, stale upload rows for the expiration sweeper.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key := parsePath(r.URL.Path)
	uploadID := r.URL.Query().Get("uploadId")

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	upload, err := h.cat.GetUpload(ctx, uploadID)
	if err != nil {
		slog.Error("CompleteMultipartUpload lookup failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}
	if upload.BucketID != bucket.ID || upload.ObjectKey != key {
		xmlutil.WriteErrorResponse(w, r,
			s3err.ErrInvalidRequest.WithMessage("upload %s does not belong to %s/%s", uploadID, bucketName, key))
		return
	}

	req, err := xmlutil.ParseCompleteMultipartUpload(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(req.Parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest.WithMessage("completion requires at least one part"))
		return
	}

	partNumbers := make([]int, 0, len(req.Parts))
	for i, p := range req.Parts {
		if p.PartNumber < minPartNumber || p.PartNumber > maxPartNumber {
			xmlutil.WriteErrorResponse(w, r,
				s3err.ErrInvalidRequest.WithMessage("part number %d out of range", p.PartNumber))
			return
		}
		if i > 0 && p.PartNumber <= req.Parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
		partNumbers = append(partNumbers, p.PartNumber)
	}

	recorded, err := h.cat.GetParts(ctx, uploadID, partNumbers)
	if err != nil {
		slog.Error("CompleteMultipartUpload parts lookup failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if len(recorded) != len(req.Parts) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
		return
	}
	for i, p := range req.Parts {
		if strings.Trim(p.ETag, `"`) != recorded[i].ETag {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
	}

	completed := make([]storage.CompletedPart, len(recorded))
	var totalSize int64
	for i, p := range recorded {
		completed[i] = storage.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
		totalSize += p.Size
	}

	etag, _, sidecar, err := h.engine.CompleteMultipart(ctx, bucketName, key, uploadID, completed)
	if err != nil {
		if errors.Is(err, storage.ErrUploadInvalid) {
			xmlutil.WriteErrorResponse(w, r,
				s3err.ErrInvalidRequest.WithMessage("upload %s cannot be completed", uploadID))
			return
		}
		slog.Error("CompleteMultipartUpload assembly failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrStorageFailure)
		return
	}

	obj := &catalog.Object{
		BucketID:    bucket.ID,
		Key:         key,
		ETag:        etag,
		Size:        totalSize,
		ContentType: sidecar.ContentType,
		StoragePath: storage.StoragePath(bucketName, key),
		Metadata:    metadataToJSON(sidecar.Metadata),
	}
	if _, err := h.cat.CompleteUpload(ctx, uploadID, obj); err != nil {
		slog.Error("CompleteMultipartUpload catalog failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucketName + "/" + key,
		Bucket:   bucketName,
		Key:      key,
		ETag:     quoteETag(etag),
	}
	xmlutil.WriteXML(w, http.StatusOK, result)
}

// AbortMultipartUpload handles DELETE /{bucket}/{key...}?uploadId=ID.
// Storage first, then catalog; idempotent when nothing is left.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, _ := parsePath(r.URL.Path)
	uploadID := r.URL.Query().Get("uploadId")

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	if err := h.engine.AbortMultipart(ctx, uploadID); err != nil {
		slog.Error("AbortMultipartUpload storage failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrStorageFailure)
		return
	}
	if _, err := h.cat.AbortUpload(ctx, uploadID); err != nil {
		slog.Error("AbortMultipartUpload catalog failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{key...}?uploadId=ID and returns the
// parts recorded so far for the upload.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName, key := parsePath(r.URL.Path)
	uploadID := r.URL.Query().Get("uploadId")

	bucket := resolveBucket(ctx, w, r, h.cat, bucketName)
	if bucket == nil {
		return
	}

	upload, err := h.cat.GetUpload(ctx, uploadID)
	if err != nil {
		slog.Error("ListParts lookup failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil || upload.BucketID != bucket.ID || upload.ObjectKey != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	parts, err := h.cat.ListParts(ctx, uploadID)
	if err != nil {
		slog.Error("ListParts failed", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
		MaxParts: maxPartNumber,
	}
	for _, p := range parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.CreatedAt),
			ETag:         quoteETag(p.ETag),
			Size:         p.Size,
		})
	}
	xmlutil.WriteXML(w, http.StatusOK, result)
}
