// Package handlers implements the HTTP handlers for the S3-compatible
// operations, coordinating the catalog and the storage engine per
// operation-specific orderings.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/CK-Technology/ghostbay/internal/catalog"
	s3err "github.com/CK-Technology/ghostbay/internal/errors"
	"github.com/CK-Technology/ghostbay/internal/xmlutil"
)

// validBucketName checks the bucket naming rule: 3 to 63 characters
// drawn from lowercase letters, digits, and hyphens.
func validBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

// validObjectKey checks the object key rules: 1 to 1024 bytes, no NUL,
// and no "." or ".." path segments (keys map onto filesystem paths).
func validObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}
	if strings.ContainsRune(key, 0) {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// quoteETag wraps an ETag value in double quotes for the wire.
func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// errBodyTooLarge aborts a streaming write whose body exceeds the
// configured maximum. It surfaces inside the engine's copy, before any
// rename, so the scratch file is discarded and existing data is
// untouched.
var errBodyTooLarge = errors.New("request body exceeds maximum object size")

// limitBody wraps a request body so reading past max bytes fails with
// errBodyTooLarge. max <= 0 means unlimited.
func limitBody(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return &limitedBody{r: r, remaining: max}
}

type limitedBody struct {
	r         io.Reader
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errBodyTooLarge
	}
	return n, err
}

// extractUserMetadata scans request headers for x-amz-meta-* prefixed
// headers and returns them as a map. The prefix is stripped and the
// key is lowercased. Returns nil when no such headers are present.
func extractUserMetadata(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-amz-meta-") {
			metaKey := lower[len("x-amz-meta-"):]
			if len(values) > 0 && metaKey != "" {
				meta[metaKey] = values[0]
			}
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// metadataToJSON serializes a user metadata map for the catalog's
// metadata column. Empty maps serialize to "" (stored as NULL).
func metadataToJSON(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

// metadataFromJSON parses the catalog's metadata column back into a
// map. Returns nil for empty or unparseable values.
func metadataFromJSON(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

// parseRange parses an HTTP Range header value and returns the byte
// range [start, end] inclusive. Supports:
//   - bytes=0-4   (first 5 bytes)
//   - bytes=5-    (from byte 5 to end)
//   - bytes=-10   (last 10 bytes)
//
// Returns an error for unsatisfiable ranges or invalid syntax.
func parseRange(rangeHeader string, objectSize int64) (start, end int64, err error) {
	if objectSize == 0 {
		return 0, 0, fmt.Errorf("empty object")
	}

	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}
	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")

	// Single range only, no multi-range.
	if strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}

	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range spec: %q", rangeSpec)
	}
	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr == "" && endStr == "" {
		return 0, 0, fmt.Errorf("invalid range: both start and end are empty")
	}

	if startStr == "" {
		// Suffix range: bytes=-N (last N bytes).
		suffixLen, parseErr := strconv.ParseInt(endStr, 10, 64)
		if parseErr != nil || suffixLen <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		if suffixLen >= objectSize {
			return 0, objectSize - 1, nil
		}
		return objectSize - suffixLen, objectSize - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= objectSize {
		return 0, 0, fmt.Errorf("range start %d beyond object size %d", start, objectSize)
	}

	if endStr == "" {
		// Open-ended range: bytes=N-.
		return start, objectSize - 1, nil
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
	}
	if end >= objectSize {
		end = objectSize - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("range start %d > end %d", start, end)
	}
	return start, end, nil
}

// setObjectHeaders writes the standard object response headers from
// the catalog row: Content-Type, quoted ETag, Last-Modified,
// Content-Length, Accept-Ranges, and x-amz-meta-* user metadata.
func setObjectHeaders(w http.ResponseWriter, obj *catalog.Object) {
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.UpdatedAt))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))

	for key, value := range metadataFromJSON(obj.Metadata) {
		w.Header().Set("x-amz-meta-"+strings.ToLower(key), value)
	}
}

// resolveBucket looks up the bucket and writes NoSuchBucket (or
// InternalError) when the lookup does not produce a row. Returns nil
// after writing a response in that case.
func resolveBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, cat *catalog.Store, name string) *catalog.Bucket {
	bucket, err := cat.GetBucket(ctx, name)
	if err != nil {
		slog.Error("bucket lookup failed", "bucket", name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return nil
	}
	return bucket
}
