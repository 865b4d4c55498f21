package catalog

import "time"

// Bucket is a row in the buckets table.
type Bucket struct {
	ID                string
	Name              string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	VersioningEnabled bool
	Region            string
}

// Object is a row in the objects table. StoragePath is relative to the
// storage engine's data root. Metadata holds the JSON-encoded user
// metadata captured at write time, empty when none was supplied.
type Object struct {
	ID          string
	BucketID    string
	Key         string
	VersionID   string
	ETag        string
	Size        int64
	ContentType string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StoragePath string
	Metadata    string
}

// MultipartUpload is a row in the multipart_uploads table. UploadID is
// the opaque identifier returned to the client; ID is the internal row id.
type MultipartUpload struct {
	ID        string
	BucketID  string
	ObjectKey string
	UploadID  string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// MultipartPart is a row in the multipart_parts table, keyed by
// (upload_id, part_number). Re-uploading a part number replaces the row.
type MultipartPart struct {
	ID          string
	UploadID    string
	PartNumber  int
	ETag        string
	Size        int64
	CreatedAt   time.Time
	StoragePath string
}

// AccessKey is a row in the access_keys table. The secret never leaves
// the server after creation except through the admin CLI's create and
// rotate commands.
type AccessKey struct {
	ID              string
	AccessKeyID     string
	SecretAccessKey string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	IsActive        bool
	Policies        []string
	Description     string
}
