package storage

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrUploadInvalid is returned when completion preconditions fail: the
// upload directory is gone, the sidecar bucket/key does not match the
// request, or a referenced part file is missing. The upload is left
// intact (when it still exists) so the client can retry or abort.
var ErrUploadInvalid = errors.New("invalid multipart upload")

// UploadSidecar is the metadata.json written into each upload's temp
// directory at creation. It captures what the final object row needs:
// content type and user metadata are carried onto the object at
// completion.
type UploadSidecar struct {
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	UploadID    string            `json:"upload_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CompletedPart names one part in a completion request.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// uploadDir returns the temp directory for an upload id.
func (e *Engine) uploadDir(uploadID string) string {
	return filepath.Join(e.TempDir, uploadID)
}

// partPath returns the zero-padded part file path within an upload dir.
func (e *Engine) partPath(uploadID string, partNumber int) string {
	return filepath.Join(e.uploadDir(uploadID), fmt.Sprintf("part_%05d", partNumber))
}

// PartStoragePath returns the catalog-recorded path for a part file,
// relative to the temp root.
func PartStoragePath(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s/part_%05d", uploadID, partNumber)
}

// CreateMultipart opens a new upload: mints the mpu_{uuid} upload id,
// creates its temp directory, and writes the metadata.json sidecar.
func (e *Engine) CreateMultipart(ctx context.Context, bucket, key, contentType string, userMeta map[string]string) (string, error) {
	uploadID := "mpu_" + uuid.NewString()
	dir := e.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}

	if contentType == "" {
		contentType = defaultContentType
	}
	sidecar := UploadSidecar{
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		UploadID:    uploadID,
		Metadata:    userMeta,
	}
	data, err := json.Marshal(&sidecar)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("marshaling upload sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("writing upload sidecar: %w", err)
	}
	return uploadID, nil
}

// readSidecar loads an upload's metadata.json. Returns ErrUploadInvalid
// when the upload directory or sidecar is gone.
func (e *Engine) readSidecar(uploadID string) (*UploadSidecar, error) {
	data, err := os.ReadFile(filepath.Join(e.uploadDir(uploadID), "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: upload %s has no state on disk", ErrUploadInvalid, uploadID)
		}
		return nil, fmt.Errorf("reading upload sidecar: %w", err)
	}
	var sc UploadSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing upload sidecar: %w", err)
	}
	return &sc, nil
}

// WritePart streams one part's bytes into the upload directory via a
// scratch file and rename, so a re-upload of the same part number
// replaces the previous content atomically. Returns the part's MD5
// ETag (unquoted hex) and size.
func (e *Engine) WritePart(ctx context.Context, uploadID string, partNumber int, body io.Reader) (string, int64, error) {
	if _, err := os.Stat(e.uploadDir(uploadID)); err != nil {
		if os.IsNotExist(err) {
			return "", 0, fmt.Errorf("%w: upload %s has no state on disk", ErrUploadInvalid, uploadID)
		}
		return "", 0, fmt.Errorf("stat upload directory: %w", err)
	}

	tmpPath := e.scratchPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("creating part scratch file: %w", err)
	}

	h := md5.New()
	written, err := io.Copy(tmpFile, io.TeeReader(body, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("writing part data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("syncing part file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("closing part scratch file: %w", err)
	}

	if err := os.Rename(tmpPath, e.partPath(uploadID, partNumber)); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("renaming part file: %w", err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), written, nil
}

// CompleteMultipart assembles the named parts, sorted by the caller
// into ascending part-number order, into the final object path. It
// verifies the sidecar's bucket and key match the request and that
// every referenced part file exists before writing anything; a failed
// precondition returns ErrUploadInvalid and leaves the upload intact.
//
// The composite ETag is the hex MD5 of the concatenated part ETag
// strings (the hex strings themselves, not their decoded bytes),
// followed by "-" and the part count. On success the upload's temp
// directory is removed. Returns the ETag, total size, and the sidecar
// so the coordinator can carry content type and user metadata onto the
// final object row.
func (e *Engine) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, int64, *UploadSidecar, error) {
	sidecar, err := e.readSidecar(uploadID)
	if err != nil {
		return "", 0, nil, err
	}
	if sidecar.Bucket != bucket || sidecar.Key != key {
		return "", 0, nil, fmt.Errorf("%w: upload %s belongs to %s/%s", ErrUploadInvalid, uploadID, sidecar.Bucket, sidecar.Key)
	}

	// Verify every part file exists before committing to anything.
	for _, p := range parts {
		if _, err := os.Stat(e.partPath(uploadID, p.PartNumber)); err != nil {
			if os.IsNotExist(err) {
				return "", 0, nil, fmt.Errorf("%w: part %d missing on disk", ErrUploadInvalid, p.PartNumber)
			}
			return "", 0, nil, fmt.Errorf("stat part %d: %w", p.PartNumber, err)
		}
	}

	objPath := e.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", 0, nil, fmt.Errorf("creating parent directories: %w", err)
	}

	tmpPath := e.scratchPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, nil, fmt.Errorf("creating assembly scratch file: %w", err)
	}

	etagHash := md5.New()
	var total int64
	for _, p := range parts {
		partFile, err := os.Open(e.partPath(uploadID, p.PartNumber))
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", 0, nil, fmt.Errorf("opening part %d: %w", p.PartNumber, err)
		}
		n, err := io.Copy(tmpFile, partFile)
		partFile.Close()
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", 0, nil, fmt.Errorf("copying part %d: %w", p.PartNumber, err)
		}
		total += n
		// The composite digest runs over the raw ETag strings.
		etagHash.Write([]byte(p.ETag))
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, nil, fmt.Errorf("syncing assembled file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, nil, fmt.Errorf("closing assembled scratch file: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, nil, fmt.Errorf("renaming assembled file: %w", err)
	}

	os.RemoveAll(e.uploadDir(uploadID))

	etag := fmt.Sprintf("%x-%d", etagHash.Sum(nil), len(parts))
	return etag, total, sidecar, nil
}

// AbortMultipart removes the upload's temp directory. Idempotent:
// missing state is not an error.
func (e *Engine) AbortMultipart(ctx context.Context, uploadID string) error {
	if err := os.RemoveAll(e.uploadDir(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing upload directory %q: %w", uploadID, err)
	}
	return nil
}
