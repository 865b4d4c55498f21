package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/CK-Technology/ghostbay/internal/catalog"
	"github.com/CK-Technology/ghostbay/internal/storage"
	"github.com/CK-Technology/ghostbay/internal/xmlutil"
)

// testEnv bundles the handlers with their shared catalog and engine,
// wired the same way the server wires them.
type testEnv struct {
	cat    *catalog.Store
	engine *storage.Engine
	bucket *BucketHandler
	object *ObjectHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithMaxSize(t, 0)
}

func newTestEnvWithMaxSize(t *testing.T, maxObjectSize int64) *testEnv {
	t.Helper()
	cat := newTestCatalog(t)

	engine, err := storage.NewEngine(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewEngine: %v", err)
	}

	return &testEnv{
		cat:    cat,
		engine: engine,
		bucket: NewBucketHandler(cat, "us-east-1"),
		object: NewObjectHandler(cat, engine, maxObjectSize),
	}
}

func (e *testEnv) createBucket(t *testing.T, name string) {
	t.Helper()
	req := httptest.NewRequest("PUT", "/"+name, nil)
	rec := httptest.NewRecorder()
	e.bucket.CreateBucket(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket(%q) status = %d; body: %s", name, rec.Code, rec.Body.String())
	}
}

func (e *testEnv) putObject(t *testing.T, bucket, key, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("PUT", "/"+bucket+"/"+key, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.object.PutObject(rec, req)
	return rec
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestPutObjectAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	body := "hello world"
	rec := env.putObject(t, "test-bucket", "greeting.txt", body, map[string]string{
		"Content-Type": "text/plain",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d; body: %s", rec.Code, rec.Body.String())
	}

	wantETag := `"` + md5hex(body) + `"`
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Errorf("PutObject ETag = %q, want %q", got, wantETag)
	}

	req := httptest.NewRequest("GET", "/test-bucket/greeting.txt", nil)
	rec = httptest.NewRecorder()
	env.object.GetObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != body {
		t.Errorf("GetObject body = %q, want %q", got, body)
	}
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Errorf("GetObject ETag = %q, want %q", got, wantETag)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, want %d", got, len(body))
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("Last-Modified header missing")
	}
}

func TestPutObjectOverwrite(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	env.putObject(t, "test-bucket", "key", "first version", nil)
	rec := env.putObject(t, "test-bucket", "key", "second version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("overwrite PutObject status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/test-bucket/key", nil)
	rec = httptest.NewRecorder()
	env.object.GetObject(rec, req)

	if got := rec.Body.String(); got != "second version" {
		t.Errorf("GetObject after overwrite = %q, want %q", got, "second version")
	}
	wantETag := `"` + md5hex("second version") + `"`
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Errorf("ETag = %q, want %q", got, wantETag)
	}
}

func TestPutObjectGuessesContentType(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	tests := []struct {
		key  string
		want string
	}{
		{"data.json", "application/json"},
		{"page.html", "text/html"},
		{"blob.unknownext", "binary/octet-stream"},
		{"no-extension", "binary/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			env.putObject(t, "test-bucket", tt.key, "content", nil)

			req := httptest.NewRequest("GET", "/test-bucket/"+tt.key, nil)
			rec := httptest.NewRecorder()
			env.object.GetObject(rec, req)

			if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, tt.want) {
				t.Errorf("Content-Type = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestPutObjectUserMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	env.putObject(t, "test-bucket", "key", "data", map[string]string{
		"x-amz-meta-color": "blue",
		"X-Amz-Meta-Owner": "alice",
	})

	req := httptest.NewRequest("GET", "/test-bucket/key", nil)
	rec := httptest.NewRecorder()
	env.object.GetObject(rec, req)

	if got := rec.Header().Get("x-amz-meta-color"); got != "blue" {
		t.Errorf("x-amz-meta-color = %q, want blue", got)
	}
	// Metadata keys are lowercased on the way in.
	if got := rec.Header().Get("x-amz-meta-owner"); got != "alice" {
		t.Errorf("x-amz-meta-owner = %q, want alice", got)
	}
}

func TestPutObjectInvalidKey(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	for _, key := range []string{"..", "a/../b", "./a", strings.Repeat("k", 1025)} {
		rec := env.putObject(t, "test-bucket", key, "data", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("PutObject(%q) status = %d, want 400", key, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "InvalidObjectKey") {
			t.Errorf("PutObject(%q) expected InvalidObjectKey, got: %s", key, rec.Body.String())
		}
	}
}

func TestPutObjectNoSuchBucket(t *testing.T) {
	env := newTestEnv(t)

	rec := env.putObject(t, "missing-bucket", "key", "data", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("PutObject status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchBucket") {
		t.Errorf("expected NoSuchBucket, got: %s", rec.Body.String())
	}
}

func TestPutObjectTooLarge(t *testing.T) {
	env := newTestEnvWithMaxSize(t, 10)
	env.createBucket(t, "test-bucket")

	rec := env.putObject(t, "test-bucket", "big", strings.Repeat("x", 11), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("PutObject status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "EntityTooLarge") {
		t.Errorf("expected EntityTooLarge, got: %s", rec.Body.String())
	}

	// Exactly at the limit is accepted.
	rec = env.putObject(t, "test-bucket", "ok", strings.Repeat("x", 10), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("PutObject at limit status = %d, want 200", rec.Code)
	}
}

func TestPutObjectTooLargeStreaming(t *testing.T) {
	env := newTestEnvWithMaxSize(t, 8)
	env.createBucket(t, "test-bucket")

	rec := env.putObject(t, "test-bucket", "key", "original", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d; body: %s", rec.Code, rec.Body.String())
	}

	// A body with no declared length is limited inside the streaming
	// write, before the scratch file can replace anything.
	req := httptest.NewRequest("PUT", "/test-bucket/key",
		io.MultiReader(strings.NewReader(strings.Repeat("x", 16))))
	if req.ContentLength >= 0 {
		t.Fatalf("ContentLength = %d, want unknown", req.ContentLength)
	}
	rec = httptest.NewRecorder()
	env.object.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized PutObject status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "EntityTooLarge") {
		t.Errorf("expected EntityTooLarge, got: %s", rec.Body.String())
	}

	// The previously stored object survives the failed overwrite.
	req = httptest.NewRequest("GET", "/test-bucket/key", nil)
	getRec := httptest.NewRecorder()
	env.object.GetObject(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GetObject after failed overwrite status = %d; body: %s", getRec.Code, getRec.Body.String())
	}
	if getRec.Body.String() != "original" {
		t.Errorf("body = %q, want original", getRec.Body.String())
	}
}

func TestGetObjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	req := httptest.NewRequest("GET", "/test-bucket/missing", nil)
	rec := httptest.NewRecorder()
	env.object.GetObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("GetObject status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("expected NoSuchKey, got: %s", rec.Body.String())
	}
}

func TestGetObjectRange(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")
	env.putObject(t, "test-bucket", "digits", "0123456789", nil)

	tests := []struct {
		name        string
		rangeHeader string
		wantBody    string
		wantRange   string
		wantLength  string
	}{
		{"middle", "bytes=2-5", "2345", "bytes 2-5/10", "4"},
		{"open ended", "bytes=4-", "456789", "bytes 4-9/10", "6"},
		{"suffix", "bytes=-3", "789", "bytes 7-9/10", "3"},
		{"end clamped", "bytes=5-100", "56789", "bytes 5-9/10", "5"},
		{"full range", "bytes=0-9", "0123456789", "bytes 0-9/10", "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test-bucket/digits", nil)
			req.Header.Set("Range", tt.rangeHeader)
			rec := httptest.NewRecorder()
			env.object.GetObject(rec, req)

			if rec.Code != http.StatusPartialContent {
				t.Fatalf("status = %d, want 206; body: %s", rec.Code, rec.Body.String())
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if got := rec.Header().Get("Content-Range"); got != tt.wantRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.wantRange)
			}
			if got := rec.Header().Get("Content-Length"); got != tt.wantLength {
				t.Errorf("Content-Length = %q, want %q", got, tt.wantLength)
			}
		})
	}
}

func TestGetObjectRangeUnsatisfiable(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")
	env.putObject(t, "test-bucket", "digits", "0123456789", nil)

	for _, rangeHeader := range []string{"bytes=10-", "bytes=10-20", "bytes=5-2"} {
		t.Run(rangeHeader, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test-bucket/digits", nil)
			req.Header.Set("Range", rangeHeader)
			rec := httptest.NewRecorder()
			env.object.GetObject(rec, req)

			if rec.Code != http.StatusRequestedRangeNotSatisfiable {
				t.Errorf("status = %d, want 416", rec.Code)
			}
			if got := rec.Header().Get("Content-Range"); got != "bytes */10" {
				t.Errorf("Content-Range = %q, want bytes */10", got)
			}
			if !strings.Contains(rec.Body.String(), "InvalidRange") {
				t.Errorf("expected InvalidRange, got: %s", rec.Body.String())
			}
		})
	}
}

func TestHeadObject(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")
	env.putObject(t, "test-bucket", "key", "hello", map[string]string{"Content-Type": "text/plain"})

	req := httptest.NewRequest("HEAD", "/test-bucket/key", nil)
	rec := httptest.NewRecorder()
	env.object.HeadObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("HeadObject status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q, want 5", got)
	}
	if got := rec.Header().Get("ETag"); got != `"`+md5hex("hello")+`"` {
		t.Errorf("ETag = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response has body: %q", rec.Body.String())
	}
}

func TestHeadObjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	req := httptest.NewRequest("HEAD", "/test-bucket/missing", nil)
	rec := httptest.NewRecorder()
	env.object.HeadObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("HeadObject status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD error response has body: %q", rec.Body.String())
	}
}

func TestDeleteObjectIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")
	env.putObject(t, "test-bucket", "key", "data", nil)

	req := httptest.NewRequest("DELETE", "/test-bucket/key", nil)
	rec := httptest.NewRecorder()
	env.object.DeleteObject(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DeleteObject status = %d, want 204", rec.Code)
	}

	// Deleting an absent key still succeeds.
	req = httptest.NewRequest("DELETE", "/test-bucket/key", nil)
	rec = httptest.NewRecorder()
	env.object.DeleteObject(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("second DeleteObject status = %d, want 204", rec.Code)
	}

	req = httptest.NewRequest("GET", "/test-bucket/key", nil)
	rec = httptest.NewRecorder()
	env.object.GetObject(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GetObject after delete status = %d, want 404", rec.Code)
	}
}

func TestCopyObject(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "src-bucket")
	env.createBucket(t, "dst-bucket")
	env.putObject(t, "src-bucket", "original", "copy me", map[string]string{
		"Content-Type":     "text/plain",
		"x-amz-meta-color": "green",
	})

	req := httptest.NewRequest("PUT", "/dst-bucket/duplicate", nil)
	req.Header.Set("X-Amz-Copy-Source", "/src-bucket/original")
	rec := httptest.NewRecorder()
	env.object.CopyObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("CopyObject status = %d; body: %s", rec.Code, rec.Body.String())
	}

	var result xmlutil.CopyObjectResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("parsing CopyObjectResult: %v", err)
	}
	if result.ETag != `"`+md5hex("copy me")+`"` {
		t.Errorf("CopyObjectResult.ETag = %q", result.ETag)
	}
	if result.LastModified == "" {
		t.Error("CopyObjectResult.LastModified is empty")
	}

	// The destination carries the source's content type and metadata.
	req = httptest.NewRequest("GET", "/dst-bucket/duplicate", nil)
	rec = httptest.NewRecorder()
	env.object.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "copy me" {
		t.Errorf("copied body = %q, want %q", got, "copy me")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("copied Content-Type = %q, want text/plain", got)
	}
	if got := rec.Header().Get("x-amz-meta-color"); got != "green" {
		t.Errorf("copied x-amz-meta-color = %q, want green", got)
	}

	// The source is untouched.
	req = httptest.NewRequest("GET", "/src-bucket/original", nil)
	rec = httptest.NewRecorder()
	env.object.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("source GetObject status = %d", rec.Code)
	}
}

func TestCopyObjectSourceMissing(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "src-bucket")
	env.createBucket(t, "dst-bucket")

	req := httptest.NewRequest("PUT", "/dst-bucket/duplicate", nil)
	req.Header.Set("X-Amz-Copy-Source", "/src-bucket/missing")
	rec := httptest.NewRecorder()
	env.object.CopyObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("CopyObject status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("expected NoSuchKey, got: %s", rec.Body.String())
	}
}

func TestParseCopySource(t *testing.T) {
	tests := []struct {
		header string
		bucket string
		key    string
		ok     bool
	}{
		{"/src-bucket/some/key", "src-bucket", "some/key", true},
		{"src-bucket/some/key", "src-bucket", "some/key", true},
		{"/src-bucket/key%20with%20space", "src-bucket", "key with space", true},
		{"", "", "", false},
		{"/just-a-bucket", "", "", false},
		{"/bucket/", "", "", false},
	}

	for _, tt := range tests {
		bucket, key, ok := parseCopySource(tt.header)
		if ok != tt.ok || bucket != tt.bucket || key != tt.key {
			t.Errorf("parseCopySource(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.header, bucket, key, ok, tt.bucket, tt.key, tt.ok)
		}
	}
}

func TestListObjectsV2(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "test-bucket")

	keys := []string{"docs/a.txt", "docs/b.txt", "photos/cat.jpg", "photos/dog.jpg", "readme.md"}
	for _, k := range keys {
		env.putObject(t, "test-bucket", k, "content of "+k, nil)
	}

	list := func(t *testing.T, query string) *xmlutil.ListBucketV2Result {
		t.Helper()
		req := httptest.NewRequest("GET", "/test-bucket?list-type=2"+query, nil)
		rec := httptest.NewRecorder()
		env.object.ListObjectsV2(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("ListObjectsV2(%q) status = %d; body: %s", query, rec.Code, rec.Body.String())
		}
		var result xmlutil.ListBucketV2Result
		if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
			t.Fatalf("parsing XML: %v", err)
		}
		return &result
	}

	t.Run("all keys", func(t *testing.T) {
		result := list(t, "")
		if len(result.Contents) != 5 {
			t.Fatalf("len(Contents) = %d, want 5", len(result.Contents))
		}
		if result.KeyCount != 5 {
			t.Errorf("KeyCount = %d, want 5", result.KeyCount)
		}
		// Ascending key order.
		if result.Contents[0].Key != "docs/a.txt" || result.Contents[4].Key != "readme.md" {
			t.Errorf("unexpected key order: %+v", result.Contents)
		}
		if result.Contents[0].StorageClass != "STANDARD" {
			t.Errorf("StorageClass = %q, want STANDARD", result.Contents[0].StorageClass)
		}
		if result.IsTruncated {
			t.Error("IsTruncated = true, want false")
		}
	})

	t.Run("prefix", func(t *testing.T) {
		result := list(t, "&prefix=docs/")
		if len(result.Contents) != 2 {
			t.Fatalf("len(Contents) = %d, want 2", len(result.Contents))
		}
		if result.Prefix != "docs/" {
			t.Errorf("Prefix = %q, want docs/", result.Prefix)
		}
	})

	t.Run("delimiter", func(t *testing.T) {
		result := list(t, "&delimiter=/")
		if len(result.Contents) != 1 || result.Contents[0].Key != "readme.md" {
			t.Errorf("Contents = %+v, want only readme.md", result.Contents)
		}
		var prefixes []string
		for _, p := range result.CommonPrefixes {
			prefixes = append(prefixes, p.Prefix)
		}
		if len(prefixes) != 2 || prefixes[0] != "docs/" || prefixes[1] != "photos/" {
			t.Errorf("CommonPrefixes = %v, want [docs/ photos/]", prefixes)
		}
		if result.KeyCount != 3 {
			t.Errorf("KeyCount = %d, want 3", result.KeyCount)
		}
	})

	t.Run("start-after", func(t *testing.T) {
		result := list(t, "&start-after="+url.QueryEscape("docs/b.txt"))
		if len(result.Contents) != 3 {
			t.Fatalf("len(Contents) = %d, want 3", len(result.Contents))
		}
		if result.Contents[0].Key != "photos/cat.jpg" {
			t.Errorf("Contents[0].Key = %q, want photos/cat.jpg", result.Contents[0].Key)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		page1 := list(t, "&max-keys=2")
		if len(page1.Contents) != 2 {
			t.Fatalf("page 1 len(Contents) = %d, want 2", len(page1.Contents))
		}
		if !page1.IsTruncated {
			t.Fatal("page 1 IsTruncated = false, want true")
		}
		if page1.NextContinuationToken != "docs/b.txt" {
			t.Fatalf("NextContinuationToken = %q, want docs/b.txt", page1.NextContinuationToken)
		}

		page2 := list(t, "&max-keys=2&continuation-token="+url.QueryEscape(page1.NextContinuationToken))
		if len(page2.Contents) != 2 {
			t.Fatalf("page 2 len(Contents) = %d, want 2", len(page2.Contents))
		}
		if page2.Contents[0].Key != "photos/cat.jpg" {
			t.Errorf("page 2 Contents[0].Key = %q, want photos/cat.jpg", page2.Contents[0].Key)
		}

		page3 := list(t, "&max-keys=2&continuation-token="+url.QueryEscape(page2.NextContinuationToken))
		if len(page3.Contents) != 1 || page3.Contents[0].Key != "readme.md" {
			t.Errorf("page 3 Contents = %+v, want only readme.md", page3.Contents)
		}
		if page3.IsTruncated {
			t.Error("page 3 IsTruncated = true, want false")
		}
	})

	t.Run("invalid max-keys", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test-bucket?list-type=2&max-keys=abc", nil)
		rec := httptest.NewRecorder()
		env.object.ListObjectsV2(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "InvalidArgument") {
			t.Errorf("expected InvalidArgument, got: %s", rec.Body.String())
		}
	})
}

func TestListObjectsV2EmptyBucket(t *testing.T) {
	env := newTestEnv(t)
	env.createBucket(t, "empty-bucket")

	req := httptest.NewRequest("GET", "/empty-bucket?list-type=2", nil)
	rec := httptest.NewRecorder()
	env.object.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("parsing XML: %v", err)
	}
	if len(result.Contents) != 0 || result.KeyCount != 0 {
		t.Errorf("Contents = %+v, KeyCount = %d; want empty", result.Contents, result.KeyCount)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantErr   bool
	}{
		{"bytes=0-4", 10, 0, 4, false},
		{"bytes=2-", 10, 2, 9, false},
		{"bytes=-3", 10, 7, 9, false},
		{"bytes=-100", 10, 0, 9, false},
		{"bytes=0-100", 10, 0, 9, false},
		{"bytes=10-", 10, 0, 0, true},
		{"bytes=5-2", 10, 0, 0, true},
		{"bytes=-0", 10, 0, 0, true},
		{"bytes=a-b", 10, 0, 0, true},
		{"chunks=0-4", 10, 0, 0, true},
		{"bytes=0-4,6-8", 10, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := parseRange(tt.header, tt.size)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseRange(%q, %d): expected error", tt.header, tt.size)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRange(%q, %d): %v", tt.header, tt.size, err)
			}
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("parseRange(%q, %d) = (%d, %d), want (%d, %d)",
					tt.header, tt.size, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestValidObjectKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"simple.txt", true},
		{"path/to/object", true},
		{"key with spaces", true},
		{"...three-dots", true},
		{strings.Repeat("k", 1024), true},
		{"", false},
		{strings.Repeat("k", 1025), false},
		{"..", false},
		{"a/../b", false},
		{"./a", false},
		{"nul\x00byte", false},
	}

	for _, tt := range tests {
		if got := validObjectKey(tt.key); got != tt.valid {
			t.Errorf("validObjectKey(%q) = %v, want %v", tt.key, got, tt.valid)
		}
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path   string
		bucket string
		key    string
	}{
		{"/", "", ""},
		{"/my-bucket", "my-bucket", ""},
		{"/my-bucket/key", "my-bucket", "key"},
		{"/my-bucket/deep/nested/key", "my-bucket", "deep/nested/key"},
	}

	for _, tt := range tests {
		bucket, key := parsePath(tt.path)
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("parsePath(%q) = (%q, %q), want (%q, %q)", tt.path, bucket, key, tt.bucket, tt.key)
		}
	}
}
