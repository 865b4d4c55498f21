package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/catalog.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateBucket(t *testing.T, s *Store, name string) *Bucket {
	t.Helper()
	b, err := s.CreateBucket(context.Background(), name, "us-east-1")
	if err != nil {
		t.Fatalf("CreateBucket(%q): %v", name, err)
	}
	return b
}

func mustUpsertObject(t *testing.T, s *Store, bucketID, key string) *Object {
	t.Helper()
	obj, err := s.UpsertObject(context.Background(), &Object{
		BucketID:    bucketID,
		Key:         key,
		ETag:        "d41d8cd98f00b204e9800998ecf8427e",
		Size:        int64(len(key)),
		ContentType: "application/octet-stream",
		StoragePath: "bucket/" + key,
	})
	if err != nil {
		t.Fatalf("UpsertObject(%q): %v", key, err)
	}
	return obj
}

func TestBucketLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b := mustCreateBucket(t, s, "my-bucket")
	if b.ID == "" {
		t.Fatal("bucket id is empty")
	}
	if b.Region != "us-east-1" {
		t.Errorf("Region = %q, want us-east-1", b.Region)
	}

	got, err := s.GetBucket(ctx, "my-bucket")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if got == nil || got.ID != b.ID {
		t.Fatalf("GetBucket = %+v, want id %s", got, b.ID)
	}
	if got.VersioningEnabled {
		t.Error("VersioningEnabled = true, want false")
	}

	missing, err := s.GetBucket(ctx, "no-such-bucket")
	if err != nil || missing != nil {
		t.Errorf("GetBucket(absent) = (%+v, %v), want (nil, nil)", missing, err)
	}

	deleted, err := s.DeleteBucket(ctx, "my-bucket")
	if err != nil || !deleted {
		t.Fatalf("DeleteBucket = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = s.DeleteBucket(ctx, "my-bucket")
	if err != nil || deleted {
		t.Errorf("second DeleteBucket = (%v, %v), want (false, nil)", deleted, err)
	}
}

func TestCreateBucketConflict(t *testing.T) {
	s := newStore(t)

	mustCreateBucket(t, s, "taken")
	_, err := s.CreateBucket(context.Background(), "taken", "us-east-1")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateBucket error = %v, want ErrConflict", err)
	}
}

func TestListBuckets(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mustCreateBucket(t, s, "first")
	mustCreateBucket(t, s, "second")

	buckets, err := s.ListBuckets(ctx)
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("len(buckets) = %d, want 2", len(buckets))
	}
}

func TestObjectCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "counting")

	n, err := s.ObjectCount(ctx, b.ID)
	if err != nil || n != 0 {
		t.Errorf("ObjectCount = (%d, %v), want (0, nil)", n, err)
	}

	mustUpsertObject(t, s, b.ID, "a")
	mustUpsertObject(t, s, b.ID, "b")

	n, err = s.ObjectCount(ctx, b.ID)
	if err != nil || n != 2 {
		t.Errorf("ObjectCount = (%d, %v), want (2, nil)", n, err)
	}
}

func TestUpsertObjectReplacesRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")

	first := mustUpsertObject(t, s, b.ID, "key")

	second, err := s.UpsertObject(ctx, &Object{
		BucketID:    b.ID,
		Key:         "key",
		ETag:        "5eb63bbbe01eeed093cb22bb8f5acdc3",
		Size:        11,
		ContentType: "text/plain",
		StoragePath: "bucket/key",
	})
	if err != nil {
		t.Fatalf("second UpsertObject: %v", err)
	}
	_ = second

	got, err := s.GetObject(ctx, b.ID, "key")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got.ETag != "5eb63bbbe01eeed093cb22bb8f5acdc3" || got.Size != 11 {
		t.Errorf("object after overwrite = %+v", got)
	}
	// The original row id survives the conflict update.
	if got.ID != first.ID {
		t.Errorf("row id changed on overwrite: %s -> %s", first.ID, got.ID)
	}

	n, _ := s.ObjectCount(ctx, b.ID)
	if n != 1 {
		t.Errorf("ObjectCount after overwrite = %d, want 1", n)
	}
}

func TestDeleteObject(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")
	mustUpsertObject(t, s, b.ID, "key")

	deleted, err := s.DeleteObject(ctx, b.ID, "key")
	if err != nil || !deleted {
		t.Fatalf("DeleteObject = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = s.DeleteObject(ctx, b.ID, "key")
	if err != nil || deleted {
		t.Errorf("second DeleteObject = (%v, %v), want (false, nil)", deleted, err)
	}

	obj, err := s.GetObject(ctx, b.ID, "key")
	if err != nil || obj != nil {
		t.Errorf("GetObject after delete = (%+v, %v), want (nil, nil)", obj, err)
	}
}

func TestListObjects(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")

	keys := []string{"docs/a", "docs/b", "logs/x", "readme"}
	for _, k := range keys {
		mustUpsertObject(t, s, b.ID, k)
	}

	t.Run("all", func(t *testing.T) {
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(res.Objects) != 4 || res.IsTruncated {
			t.Errorf("got %d objects, truncated=%v", len(res.Objects), res.IsTruncated)
		}
		if res.Objects[0].Key != "docs/a" || res.Objects[3].Key != "readme" {
			t.Errorf("unexpected order: %+v", res.Objects)
		}
	})

	t.Run("prefix", func(t *testing.T) {
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{Prefix: "docs/"})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(res.Objects) != 2 {
			t.Errorf("got %d objects, want 2", len(res.Objects))
		}
	})

	t.Run("delimiter", func(t *testing.T) {
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{Delimiter: "/"})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(res.Objects) != 1 || res.Objects[0].Key != "readme" {
			t.Errorf("Objects = %+v, want [readme]", res.Objects)
		}
		want := []string{"docs/", "logs/"}
		if len(res.CommonPrefixes) != 2 || res.CommonPrefixes[0] != want[0] || res.CommonPrefixes[1] != want[1] {
			t.Errorf("CommonPrefixes = %v, want %v", res.CommonPrefixes, want)
		}
	})

	t.Run("truncation", func(t *testing.T) {
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{MaxKeys: 2})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(res.Objects) != 2 || !res.IsTruncated {
			t.Fatalf("got %d objects, truncated=%v", len(res.Objects), res.IsTruncated)
		}
		if res.NextContinuationToken != "docs/b" {
			t.Errorf("NextContinuationToken = %q, want docs/b", res.NextContinuationToken)
		}

		res, err = s.ListObjects(ctx, b.ID, ListObjectsOptions{MaxKeys: 2, StartAfter: res.NextContinuationToken})
		if err != nil {
			t.Fatalf("ListObjects page 2: %v", err)
		}
		if len(res.Objects) != 2 || res.IsTruncated {
			t.Errorf("page 2: got %d objects, truncated=%v", len(res.Objects), res.IsTruncated)
		}
		if res.Objects[0].Key != "logs/x" {
			t.Errorf("page 2 first key = %q, want logs/x", res.Objects[0].Key)
		}
	})

	t.Run("prefix with underscore literal", func(t *testing.T) {
		mustUpsertObject(t, s, b.ID, "под_data")
		mustUpsertObject(t, s, b.ID, "подXdata")
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{Prefix: "под_"})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		// LIKE wildcards in the prefix are escaped, so "_" matches literally.
		if len(res.Objects) != 1 || res.Objects[0].Key != "под_data" {
			t.Errorf("Objects = %+v, want only под_data", res.Objects)
		}
	})
}

func TestListObjectsDelimiterPagination(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")

	keys := []string{"docs/a", "docs/b", "logs/x", "pics/y", "readme"}
	for _, k := range keys {
		mustUpsertObject(t, s, b.ID, k)
	}

	t.Run("grouped page reports truncation", func(t *testing.T) {
		// Five keys collapse into three prefixes plus one key. A page of
		// two grouped entries must keep fetching rows until it can tell
		// whether more entries follow.
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{Delimiter: "/", MaxKeys: 2})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		want := []string{"docs/", "logs/"}
		if len(res.Objects) != 0 || len(res.CommonPrefixes) != 2 ||
			res.CommonPrefixes[0] != want[0] || res.CommonPrefixes[1] != want[1] {
			t.Fatalf("Objects = %+v, CommonPrefixes = %v, want no objects and %v",
				res.Objects, res.CommonPrefixes, want)
		}
		if !res.IsTruncated {
			t.Error("IsTruncated = false, want true")
		}
		if res.NextContinuationToken != "logs/" {
			t.Errorf("NextContinuationToken = %q, want logs/", res.NextContinuationToken)
		}
	})

	t.Run("grouped page never exceeds max keys", func(t *testing.T) {
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{Delimiter: "/", MaxKeys: 3})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if got := len(res.Objects) + len(res.CommonPrefixes); got != 3 {
			t.Errorf("page holds %d entries, want 3", got)
		}
		if !res.IsTruncated {
			t.Error("IsTruncated = false, want true")
		}
	})

	t.Run("many keys under one prefix", func(t *testing.T) {
		for _, k := range []string{"docs/c", "docs/d", "docs/e"} {
			mustUpsertObject(t, s, b.ID, k)
		}
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{Delimiter: "/", MaxKeys: 1})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(res.CommonPrefixes) != 1 || res.CommonPrefixes[0] != "docs/" {
			t.Fatalf("CommonPrefixes = %v, want [docs/]", res.CommonPrefixes)
		}
		if !res.IsTruncated {
			t.Error("IsTruncated = false, want true")
		}
	})

	t.Run("final page is exact", func(t *testing.T) {
		res, err := s.ListObjects(ctx, b.ID, ListObjectsOptions{Delimiter: "/", MaxKeys: 4})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if res.IsTruncated {
			t.Error("IsTruncated = true, want false")
		}
		if len(res.Objects) != 1 || res.Objects[0].Key != "readme" {
			t.Errorf("Objects = %+v, want [readme]", res.Objects)
		}
		if len(res.CommonPrefixes) != 3 {
			t.Errorf("CommonPrefixes = %v, want 3 prefixes", res.CommonPrefixes)
		}
	})
}

func TestFormatTimeSortable(t *testing.T) {
	early := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	late := early.Add(500 * time.Millisecond)

	// Timestamps are compared as strings in SQL, so formatting must
	// preserve ordering even across fractional-second boundaries.
	if formatTime(early) >= formatTime(late) {
		t.Errorf("formatTime(%v) = %q not before formatTime(%v) = %q",
			early, formatTime(early), late, formatTime(late))
	}
	if got := parseTime(formatTime(late)); !got.Equal(late) {
		t.Errorf("round trip = %v, want %v", got, late)
	}
}

func TestAccessKeyLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	key, err := s.CreateAccessKey(ctx, []string{"admin"}, "test key", nil)
	if err != nil {
		t.Fatalf("CreateAccessKey: %v", err)
	}
	if !strings.HasPrefix(key.AccessKeyID, "AKIA") || len(key.AccessKeyID) != 20 {
		t.Errorf("AccessKeyID = %q, want AKIA + 16 chars", key.AccessKeyID)
	}
	if len(key.SecretAccessKey) != 40 {
		t.Errorf("len(SecretAccessKey) = %d, want 40", len(key.SecretAccessKey))
	}

	got, err := s.GetAccessKey(ctx, key.AccessKeyID)
	if err != nil {
		t.Fatalf("GetAccessKey: %v", err)
	}
	if got == nil || got.SecretAccessKey != key.SecretAccessKey {
		t.Fatalf("GetAccessKey = %+v", got)
	}
	if !got.IsActive {
		t.Error("IsActive = false, want true")
	}
	if len(got.Policies) != 1 || got.Policies[0] != "admin" {
		t.Errorf("Policies = %v, want [admin]", got.Policies)
	}
	if got.Description != "test key" {
		t.Errorf("Description = %q", got.Description)
	}

	rotated, err := s.RotateAccessKey(ctx, key.AccessKeyID)
	if err != nil {
		t.Fatalf("RotateAccessKey: %v", err)
	}
	if rotated == nil || rotated.SecretAccessKey == key.SecretAccessKey {
		t.Error("rotation did not change the secret")
	}

	ok, err := s.DeactivateAccessKey(ctx, key.AccessKeyID)
	if err != nil || !ok {
		t.Fatalf("DeactivateAccessKey = (%v, %v)", ok, err)
	}
	got, _ = s.GetAccessKey(ctx, key.AccessKeyID)
	if got.IsActive {
		t.Error("key still active after deactivation")
	}

	ok, err = s.DeleteAccessKey(ctx, key.AccessKeyID)
	if err != nil || !ok {
		t.Fatalf("DeleteAccessKey = (%v, %v)", ok, err)
	}
	got, err = s.GetAccessKey(ctx, key.AccessKeyID)
	if err != nil || got != nil {
		t.Errorf("GetAccessKey after delete = (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestSeedAccessKeyIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SeedAccessKey(ctx, "bootstrap", "secret-one"); err != nil {
		t.Fatalf("SeedAccessKey: %v", err)
	}
	// Seeding again does not replace the existing secret.
	if err := s.SeedAccessKey(ctx, "bootstrap", "secret-two"); err != nil {
		t.Fatalf("second SeedAccessKey: %v", err)
	}

	key, err := s.GetAccessKey(ctx, "bootstrap")
	if err != nil || key == nil {
		t.Fatalf("GetAccessKey = (%+v, %v)", key, err)
	}
	if key.SecretAccessKey != "secret-one" {
		t.Errorf("secret = %q, want the original secret-one", key.SecretAccessKey)
	}
}

func TestCleanupExpiredKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	expired, err := s.CreateAccessKey(ctx, nil, "expired", &past)
	if err != nil {
		t.Fatalf("CreateAccessKey: %v", err)
	}
	fresh, err := s.CreateAccessKey(ctx, nil, "fresh", &future)
	if err != nil {
		t.Fatalf("CreateAccessKey: %v", err)
	}

	n, err := s.CleanupExpiredKeys(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("CleanupExpiredKeys: %v", err)
	}
	if n != 1 {
		t.Errorf("deactivated %d keys, want 1", n)
	}

	got, _ := s.GetAccessKey(ctx, expired.AccessKeyID)
	if got.IsActive {
		t.Error("expired key still active")
	}
	got, _ = s.GetAccessKey(ctx, fresh.AccessKeyID)
	if !got.IsActive {
		t.Error("fresh key was deactivated")
	}
}

func TestUploadLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")

	expires := time.Now().UTC().Add(time.Hour)
	u, err := s.CreateUpload(ctx, b.ID, "large.bin", "mpu_abc", expires)
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if u.UploadID != "mpu_abc" {
		t.Errorf("UploadID = %q", u.UploadID)
	}

	got, err := s.GetUpload(ctx, "mpu_abc")
	if err != nil || got == nil {
		t.Fatalf("GetUpload = (%+v, %v)", got, err)
	}
	if got.BucketID != b.ID || got.ObjectKey != "large.bin" {
		t.Errorf("GetUpload = %+v", got)
	}

	for _, pn := range []int{2, 1} {
		if err := s.UpsertPart(ctx, &MultipartPart{
			UploadID:    "mpu_abc",
			PartNumber:  pn,
			ETag:        "etag",
			Size:        100,
			StoragePath: "mpu_abc/part",
		}); err != nil {
			t.Fatalf("UpsertPart(%d): %v", pn, err)
		}
	}

	parts, err := s.ListParts(ctx, "mpu_abc")
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 2 || parts[0].PartNumber != 1 || parts[1].PartNumber != 2 {
		t.Errorf("ListParts = %+v, want parts 1 and 2 in order", parts)
	}

	subset, err := s.GetParts(ctx, "mpu_abc", []int{2})
	if err != nil {
		t.Fatalf("GetParts: %v", err)
	}
	if len(subset) != 1 || subset[0].PartNumber != 2 {
		t.Errorf("GetParts = %+v", subset)
	}

	obj, err := s.CompleteUpload(ctx, "mpu_abc", &Object{
		BucketID:    b.ID,
		Key:         "large.bin",
		ETag:        "composite-2",
		Size:        200,
		ContentType: "application/octet-stream",
		StoragePath: "bucket/large.bin",
	})
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if obj.ID == "" {
		t.Error("completed object has no id")
	}

	// Completion consumed the upload and its parts.
	gone, err := s.GetUpload(ctx, "mpu_abc")
	if err != nil || gone != nil {
		t.Errorf("GetUpload after completion = (%+v, %v), want (nil, nil)", gone, err)
	}
	parts, _ = s.ListParts(ctx, "mpu_abc")
	if len(parts) != 0 {
		t.Errorf("parts remain after completion: %+v", parts)
	}

	final, err := s.GetObject(ctx, b.ID, "large.bin")
	if err != nil || final == nil {
		t.Fatalf("GetObject = (%+v, %v)", final, err)
	}
	if final.ETag != "composite-2" || final.Size != 200 {
		t.Errorf("final object = %+v", final)
	}
}

func TestAbortUpload(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")

	if _, err := s.CreateUpload(ctx, b.ID, "doomed", "mpu_doomed", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if err := s.UpsertPart(ctx, &MultipartPart{
		UploadID: "mpu_doomed", PartNumber: 1, ETag: "etag", Size: 1, StoragePath: "p",
	}); err != nil {
		t.Fatalf("UpsertPart: %v", err)
	}

	ok, err := s.AbortUpload(ctx, "mpu_doomed")
	if err != nil || !ok {
		t.Fatalf("AbortUpload = (%v, %v)", ok, err)
	}
	// Aborting again reports no match but no error.
	ok, err = s.AbortUpload(ctx, "mpu_doomed")
	if err != nil || ok {
		t.Errorf("second AbortUpload = (%v, %v), want (false, nil)", ok, err)
	}

	parts, _ := s.ListParts(ctx, "mpu_doomed")
	if len(parts) != 0 {
		t.Errorf("parts remain after abort: %+v", parts)
	}
}

func TestListExpiredUploads(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")

	if _, err := s.CreateUpload(ctx, b.ID, "old", "mpu_old", time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if _, err := s.CreateUpload(ctx, b.ID, "new", "mpu_new", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	expired, err := s.ListExpiredUploads(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListExpiredUploads: %v", err)
	}
	if len(expired) != 1 || expired[0].UploadID != "mpu_old" {
		t.Errorf("expired = %+v, want only mpu_old", expired)
	}
}

func TestStoragePaths(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "bucket")

	mustUpsertObject(t, s, b.ID, "kept")
	if _, err := s.CreateUpload(ctx, b.ID, "wip", "mpu_wip", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	if err := s.UpsertPart(ctx, &MultipartPart{
		UploadID: "mpu_wip", PartNumber: 1, ETag: "etag", Size: 1, StoragePath: "mpu_wip/part_00001",
	}); err != nil {
		t.Fatalf("UpsertPart: %v", err)
	}

	paths, err := s.StoragePaths(ctx)
	if err != nil {
		t.Fatalf("StoragePaths: %v", err)
	}
	if !paths["bucket/kept"] {
		t.Error("object storage path missing")
	}
	if !paths["mpu_wip/part_00001"] {
		t.Error("part storage path missing")
	}
}

func TestDeleteBucketCascades(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := mustCreateBucket(t, s, "cascade")
	mustUpsertObject(t, s, b.ID, "orphan-to-be")

	if _, err := s.DeleteBucket(ctx, "cascade"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}

	obj, err := s.GetObject(ctx, b.ID, "orphan-to-be")
	if err != nil || obj != nil {
		t.Errorf("object survived bucket deletion: (%+v, %v)", obj, err)
	}
}
