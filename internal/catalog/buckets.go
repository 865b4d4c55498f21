package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateBucket inserts a new bucket row and returns it. Returns
// ErrConflict when the name is already taken.
func (s *Store) CreateBucket(ctx context.Context, name, region string) (*Bucket, error) {
	now := time.Now().UTC()
	b := &Bucket{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Region:    region,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (id, name, created_at, updated_at, versioning_enabled, region)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		b.ID, b.Name, formatTime(b.CreatedAt), formatTime(b.UpdatedAt), b.Region,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: bucket %q already exists", ErrConflict, name)
		}
		return nil, fmt.Errorf("creating bucket %q: %w", name, err)
	}
	return b, nil
}

// GetBucket retrieves a bucket by name. Returns (nil, nil) when absent.
func (s *Store) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at, versioning_enabled, region
		 FROM buckets WHERE name = ?`,
		name,
	)

	var b Bucket
	var createdAt, updatedAt string
	var versioning int
	err := row.Scan(&b.ID, &b.Name, &createdAt, &updatedAt, &versioning, &b.Region)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	b.VersioningEnabled = versioning != 0
	return &b, nil
}

// ListBuckets returns all buckets ordered by creation time.
func (s *Store) ListBuckets(ctx context.Context) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at, versioning_enabled, region
		 FROM buckets ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		var createdAt, updatedAt string
		var versioning int
		if err := rows.Scan(&b.ID, &b.Name, &createdAt, &updatedAt, &versioning, &b.Region); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updatedAt)
		b.VersioningEnabled = versioning != 0
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bucket rows: %w", err)
	}
	return buckets, nil
}

// DeleteBucket removes the named bucket. Returns false when no row
// matched. Object and upload rows go with it via the FK cascades; the
// caller is responsible for refusing non-empty buckets first.
func (s *Store) DeleteBucket(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM buckets WHERE name = ?`, name,
	)
	if err != nil {
		return false, fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// ObjectCount returns the number of object rows in the bucket.
func (s *Store) ObjectCount(ctx context.Context, bucketID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket_id = ?`, bucketID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting objects in bucket %s: %w", bucketID, err)
	}
	return n, nil
}
