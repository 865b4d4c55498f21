package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxListKeys is the hard cap on object listing page size.
const maxListKeys = 1000

// UpsertObject creates the object row for (bucketID, key), replacing
// any existing row so a repeated PUT atomically takes over the key.
// The returned record carries the row id actually in effect.
func (s *Store) UpsertObject(ctx context.Context, obj *Object) (*Object, error) {
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

	_, err := s.db.ExecContext(ctx,
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
		return nil, fmt.Errorf("upserting object %q: %w", obj.Key, err)
	}
	obj.ContentType = contentType
	return obj, nil
}

// GetObject retrieves an object row by bucket id and key. Returns
// (nil, nil) when absent.
func (s *Store) GetObject(ctx context.Context, bucketID, key string) (*Object, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bucket_id, key, version_id, etag, size, content_type,
				created_at, updated_at, storage_path, metadata
		 FROM objects WHERE bucket_id = ? AND key = ?`,
		bucketID, key,
	)

	obj, err := scanObject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}
	return obj, nil
}

// DeleteObject removes the object row. Returns false when no row matched.
func (s *Store) DeleteObject(ctx context.Context, bucketID, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket_id = ? AND key = ?`,
		bucketID, key,
	)
	if err != nil {
		return false, fmt.Errorf("deleting object %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// ListObjectsOptions controls an object listing.
type ListObjectsOptions struct {
	Prefix     string
	Delimiter  string
	StartAfter string // exclusive lower bound on key; continuation tokens resolve to this
	MaxKeys    int    // default and hard cap 1000
}

// ListObjectsResult is one page of an object listing.
type ListObjectsResult struct {
	Objects               []Object
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

// ListObjects lists objects in the bucket ordered by key ascending,
// with optional prefix filtering and delimiter grouping.
func (s *Store) ListObjects(ctx context.Context, bucketID string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 || maxKeys > maxListKeys {
		maxKeys = maxListKeys
	}

	if opts.Delimiter == "" {
		// Fetch one extra row to detect truncation.
		all, err := s.fetchObjectPage(ctx, bucketID, opts.Prefix, opts.StartAfter, maxKeys+1)
		if err != nil {
			return nil, err
		}
		isTruncated := len(all) > maxKeys
		if isTruncated {
			all = all[:maxKeys]
		}
		result := &ListObjectsResult{Objects: all, IsTruncated: isTruncated}
		if isTruncated && len(all) > 0 {
			result.NextContinuationToken = all[len(all)-1].Key
		}
		return result, nil
	}

	// With a delimiter, keys containing it past the prefix collapse into
	// common prefixes. A fetched page can shrink arbitrarily when many
	// keys share a prefix, so keep fetching until the grouped page holds
	// maxKeys entries plus one witness, or the keys run out. Rows arrive
	// in key order, so grouped entries arrive in order too.
	var objects []Object
	var commonPrefixes []string
	var lastPrefix string
	after := opts.StartAfter
	isTruncated := false

fill:
	for {
		batch, err := s.fetchObjectPage(ctx, bucketID, opts.Prefix, after, maxKeys+1)
		if err != nil {
			return nil, err
		}
		for _, obj := range batch {
			rest := strings.TrimPrefix(obj.Key, opts.Prefix)
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				p := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				if p == lastPrefix {
					continue
				}
				if len(objects)+len(commonPrefixes) == maxKeys {
					isTruncated = true
					break fill
				}
				commonPrefixes = append(commonPrefixes, p)
				lastPrefix = p
			} else {
				if len(objects)+len(commonPrefixes) == maxKeys {
					isTruncated = true
					break fill
				}
				objects = append(objects, obj)
			}
		}
		if len(batch) <= maxKeys {
			break
		}
		after = batch[len(batch)-1].Key
	}

	result := &ListObjectsResult{
		Objects:        objects,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    isTruncated,
	}
	if isTruncated {
		var lastKey string
		if len(objects) > 0 {
			lastKey = objects[len(objects)-1].Key
		}
		if len(commonPrefixes) > 0 && commonPrefixes[len(commonPrefixes)-1] > lastKey {
			lastKey = commonPrefixes[len(commonPrefixes)-1]
		}
		result.NextContinuationToken = lastKey
	}
	return result, nil
}

// fetchObjectPage returns up to limit object rows for the bucket in key
// order, filtered by prefix and an exclusive lower bound on key.
func (s *Store) fetchObjectPage(ctx context.Context, bucketID, prefix, after string, limit int) ([]Object, error) {
	var args []any
	query := `SELECT id, bucket_id, key, version_id, etag, size, content_type,
					 created_at, updated_at, storage_path, metadata
			  FROM objects WHERE bucket_id = ?`
	args = append(args, bucketID)

	if prefix != "" {
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLikePattern(prefix))
	}
	if after != "" {
		query += ` AND key > ?`
		args = append(args, after)
	}
	query += fmt.Sprintf(` ORDER BY key LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()

	var page []Object
	for rows.Next() {
		obj, err := scanObject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		page = append(page, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}
	return page, nil
}

// StoragePaths returns the set of storage paths referenced by any
// object or multipart part row. The orphan sweeper treats files absent
// from this set as reclaimable.
func (s *Store) StoragePaths(ctx context.Context) (map[string]bool, error) {
	paths := make(map[string]bool)

	for _, q := range []string{
		`SELECT storage_path FROM objects`,
		`SELECT storage_path FROM multipart_parts`,
	} {
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("querying storage paths: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning storage path: %w", err)
			}
			paths[p] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating storage paths: %w", err)
		}
		rows.Close()
	}
	return paths, nil
}

// scanObject scans an object row through the given Scan function, so
// it works for both *sql.Row and *sql.Rows.
func scanObject(scan func(...any) error) (*Object, error) {
	var obj Object
	var versionID, metadata sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&obj.ID, &obj.BucketID, &obj.Key, &versionID, &obj.ETag, &obj.Size,
		&obj.ContentType, &createdAt, &updatedAt, &obj.StoragePath, &metadata,
	)
	if err != nil {
		return nil, err
	}
	obj.VersionID = versionID.String
	obj.Metadata = metadata.String
	obj.CreatedAt = parseTime(createdAt)
	obj.UpdatedAt = parseTime(updatedAt)
	return &obj, nil
}
