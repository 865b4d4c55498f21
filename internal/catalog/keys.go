package catalog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	accessKeyIDPrefix  = "AKIA"
	accessKeyIDAlpha   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	accessKeyIDRandLen = 16

	secretKeyAlpha = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	secretKeyLen   = 40
)

// generateAccessKeyID mints a public key id: "AKIA" followed by 16
// random uppercase alphanumerics.
func generateAccessKeyID() (string, error) {
	suffix, err := randomString(accessKeyIDAlpha, accessKeyIDRandLen)
	if err != nil {
		return "", err
	}
	return accessKeyIDPrefix + suffix, nil
}

// generateSecretAccessKey mints a 40-character secret drawn from the
// base64 alphabet.
func generateSecretAccessKey() (string, error) {
	return randomString(secretKeyAlpha, secretKeyLen)
}

func randomString(alphabet string, n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b), nil
}

// CreateAccessKey mints and stores a new access key pair. expiresAt may
// be nil for a non-expiring key.
func (s *Store) CreateAccessKey(ctx context.Context, policies []string, description string, expiresAt *time.Time) (*AccessKey, error) {
	akid, err := generateAccessKeyID()
	if err != nil {
		return nil, err
	}
	secret, err := generateSecretAccessKey()
	if err != nil {
		return nil, err
	}

	if policies == nil {
		policies = []string{}
	}
	policiesJSON, err := json.Marshal(policies)
	if err != nil {
		return nil, fmt.Errorf("marshaling policies: %w", err)
	}

	key := &AccessKey{
		ID:              uuid.NewString(),
		AccessKeyID:     akid,
		SecretAccessKey: secret,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       expiresAt,
		IsActive:        true,
		Policies:        policies,
		Description:     description,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_keys
			(id, access_key_id, secret_access_key, created_at, expires_at, is_active, policies, description)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		key.ID, key.AccessKeyID, key.SecretAccessKey,
		formatTime(key.CreatedAt), nullTime(key.ExpiresAt),
		string(policiesJSON), nullString(key.Description),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: access key id collision", ErrConflict)
		}
		return nil, fmt.Errorf("creating access key: %w", err)
	}
	return key, nil
}

// SeedAccessKey inserts a key with a caller-chosen id and secret if no
// row with that id exists yet. Used for the bootstrap credential; the
// insert is idempotent across restarts.
func (s *Store) SeedAccessKey(ctx context.Context, accessKeyID, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO access_keys
			(id, access_key_id, secret_access_key, created_at, is_active, policies, description)
		 VALUES (?, ?, ?, ?, 1, '["admin"]', 'bootstrap credential')`,
		uuid.NewString(), accessKeyID, secret, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("seeding access key %q: %w", accessKeyID, err)
	}
	return nil
}

// GetAccessKey retrieves a key by its public id. Returns (nil, nil)
// when absent.
func (s *Store) GetAccessKey(ctx context.Context, accessKeyID string) (*AccessKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, access_key_id, secret_access_key, created_at, expires_at, is_active, policies, description
		 FROM access_keys WHERE access_key_id = ?`,
		accessKeyID,
	)

	key, err := scanAccessKey(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting access key %q: %w", accessKeyID, err)
	}
	return key, nil
}

// ListAccessKeys returns all keys, optionally including deactivated ones.
func (s *Store) ListAccessKeys(ctx context.Context, includeInactive bool) ([]AccessKey, error) {
	query := `SELECT id, access_key_id, secret_access_key, created_at, expires_at, is_active, policies, description
			  FROM access_keys`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing access keys: %w", err)
	}
	defer rows.Close()

	var keys []AccessKey
	for rows.Next() {
		key, err := scanAccessKey(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning access key row: %w", err)
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access key rows: %w", err)
	}
	return keys, nil
}

// RotateAccessKey regenerates the secret for the given key id, keeping
// the public id. Returns (nil, nil) when the key does not exist.
func (s *Store) RotateAccessKey(ctx context.Context, accessKeyID string) (*AccessKey, error) {
	secret, err := generateSecretAccessKey()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET secret_access_key = ?, created_at = ? WHERE access_key_id = ?`,
		secret, formatTime(now), accessKeyID,
	)
	if err != nil {
		return nil, fmt.Errorf("rotating access key %q: %w", accessKeyID, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, nil
	}
	return s.GetAccessKey(ctx, accessKeyID)
}

// DeactivateAccessKey flips is_active off. Returns false when absent.
func (s *Store) DeactivateAccessKey(ctx context.Context, accessKeyID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET is_active = 0 WHERE access_key_id = ?`,
		accessKeyID,
	)
	if err != nil {
		return false, fmt.Errorf("deactivating access key %q: %w", accessKeyID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteAccessKey removes the key row. Returns false when absent.
func (s *Store) DeleteAccessKey(ctx context.Context, accessKeyID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM access_keys WHERE access_key_id = ?`,
		accessKeyID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting access key %q: %w", accessKeyID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CleanupExpiredKeys deactivates keys whose expires_at has passed.
// Returns the number of keys deactivated. This is the expiration
// sweeper's hook.
func (s *Store) CleanupExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_keys SET is_active = 0
		 WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired keys: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// scanAccessKey scans an access key row through the given Scan function.
func scanAccessKey(scan func(...any) error) (*AccessKey, error) {
	var key AccessKey
	var createdAt string
	var expiresAt, description sql.NullString
	var active int
	var policiesJSON string

	err := scan(
		&key.ID, &key.AccessKeyID, &key.SecretAccessKey,
		&createdAt, &expiresAt, &active, &policiesJSON, &description,
	)
	if err != nil {
		return nil, err
	}
	key.CreatedAt = parseTime(createdAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		key.ExpiresAt = &t
	}
	key.IsActive = active != 0
	key.Description = description.String
	if err := json.Unmarshal([]byte(policiesJSON), &key.Policies); err != nil {
		key.Policies = nil
	}
	return &key, nil
}
