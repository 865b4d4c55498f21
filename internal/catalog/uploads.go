package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateUpload inserts a multipart upload row. uploadID is the opaque
// identifier the storage engine minted for the client; expiresAt bounds
// the upload's lifetime for the expiration sweeper.
func (s *Store) CreateUpload(ctx context.Context, bucketID, objectKey, uploadID string, expiresAt time.Time) (*MultipartUpload, error) {
	now := time.Now().UTC()
	u := &MultipartUpload{
		ID:        uuid.NewString(),
		BucketID:  bucketID,
		ObjectKey: objectKey,
		UploadID:  uploadID,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (id, bucket_id, object_key, upload_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.BucketID, u.ObjectKey, u.UploadID,
		formatTime(u.CreatedAt), nullTime(u.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: upload %q already exists", ErrConflict, uploadID)
		}
		return nil, fmt.Errorf("creating multipart upload: %w", err)
	}
	return u, nil
}

// GetUpload retrieves a multipart upload by its opaque upload id.
// Returns (nil, nil) when absent.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (*MultipartUpload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bucket_id, object_key, upload_id, created_at, expires_at
		 FROM multipart_uploads WHERE upload_id = ?`,
		uploadID,
	)

	u, err := scanUpload(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload %q: %w", uploadID, err)
	}
	return u, nil
}

// ListExpiredUploads returns uploads whose expires_at is before now.
// This is the hook the expiration sweeper calls on its cadence.
func (s *Store) ListExpiredUploads(ctx context.Context, now time.Time) ([]MultipartUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bucket_id, object_key, upload_id, created_at, expires_at
		 FROM multipart_uploads
		 WHERE expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired uploads: %w", err)
	}
	defer rows.Close()

	var uploads []MultipartUpload
	for rows.Next() {
		u, err := scanUpload(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		uploads = append(uploads, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}
	return uploads, nil
}

// UpsertPart records metadata for an uploaded part, replacing any
// previous row for the same (upload_id, part_number).
func (s *Store) UpsertPart(ctx context.Context, part *MultipartPart) error {
	if part.ID == "" {
		part.ID = uuid.NewString()
	}
	part.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_parts (id, upload_id, part_number, etag, size, created_at, storage_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (upload_id, part_number) DO UPDATE SET
			etag = excluded.etag,
			size = excluded.size,
			created_at = excluded.created_at,
			storage_path = excluded.storage_path`,
		part.ID, part.UploadID, part.PartNumber, part.ETag, part.Size,
		formatTime(part.CreatedAt), part.StoragePath,
	)
	if err != nil {
		return fmt.Errorf("upserting part %d for upload %q: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

// ListParts returns all recorded parts for the upload ordered by part number.
func (s *Store) ListParts(ctx context.Context, uploadID string) ([]MultipartPart, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, upload_id, part_number, etag, size, created_at, storage_path
		 FROM multipart_parts
		 WHERE upload_id = ?
		 ORDER BY part_number`,
		uploadID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing parts for upload %q: %w", uploadID, err)
	}
	defer rows.Close()

	var parts []MultipartPart
	for rows.Next() {
		var p MultipartPart
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UploadID, &p.PartNumber, &p.ETag, &p.Size, &createdAt, &p.StoragePath); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating part rows: %w", err)
	}
	return parts, nil
}

// GetParts retrieves part rows for the given part numbers, ordered by
// part number ascending.
func (s *Store) GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]MultipartPart, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(partNumbers))
	args := make([]any, 0, len(partNumbers)+1)
	args = append(args, uploadID)
	for i, pn := range partNumbers {
		placeholders[i] = "?"
		args = append(args, pn)
	}

	query := fmt.Sprintf(
		`SELECT id, upload_id, part_number, etag, size, created_at, storage_path
		 FROM multipart_parts
		 WHERE upload_id = ? AND part_number IN (%s)
		 ORDER BY part_number`,
		strings.Join(placeholders, ", "),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting parts for completion: %w", err)
	}
	defer rows.Close()

	var parts []MultipartPart
	for rows.Next() {
		var p MultipartPart
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UploadID, &p.PartNumber, &p.ETag, &p.Size, &createdAt, &p.StoragePath); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating part rows: %w", err)
	}
	return parts, nil
}

// CompleteUpload finalizes a multipart upload in one transaction:
// insert (or replace) the final object row, then delete the part rows
// and the upload row. A crash before the commit leaves the upload
// intact for a retry or the expiration sweeper.
func (s *Store) CompleteUpload(ctx context.Context, uploadID string, obj *Object) (*Object, error) {
	now := time.Now().UTC()
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	obj.CreatedAt = now
	obj.UpdatedAt = now

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "binary/octet-stream"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects
			(id, bucket_id, key, version_id, etag, size, content_type,
			 created_at, updated_at, storage_path, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket_id, key) DO UPDATE SET
			etag = excluded.etag,
			size = excluded.size,
			content_type = excluded.content_type,
			updated_at = excluded.updated_at,
			storage_path = excluded.storage_path,
			metadata = excluded.metadata`,
		obj.ID, obj.BucketID, obj.Key,
		nullString(obj.VersionID),
		obj.ETag, obj.Size, contentType,
		formatTime(obj.CreatedAt), formatTime(obj.UpdatedAt),
		obj.StoragePath, nullString(obj.Metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting object during completion: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID,
	); err != nil {
		return nil, fmt.Errorf("deleting parts: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID,
	); err != nil {
		return nil, fmt.Errorf("deleting upload record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	obj.ContentType = contentType
	return obj, nil
}

// AbortUpload deletes the part rows and the upload row in one
// transaction. Returns false when the upload did not exist; missing
// state is not an error so abort stays idempotent.
func (s *Store) AbortUpload(ctx context.Context, uploadID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID,
	); err != nil {
		return false, fmt.Errorf("deleting parts: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting upload record: %w", err)
	}
	n, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return n > 0, nil
}

// scanUpload scans a multipart upload row through the given Scan function.
func scanUpload(scan func(...any) error) (*MultipartUpload, error) {
	var u MultipartUpload
	var createdAt string
	var expiresAt sql.NullString

	err := scan(&u.ID, &u.BucketID, &u.ObjectKey, &u.UploadID, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		u.ExpiresAt = &t
	}
	return &u, nil
}
