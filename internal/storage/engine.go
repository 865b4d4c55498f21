// Package storage is the filesystem-backed blob engine: atomic single
// PUT via write-to-temp-then-rename, ranged GET, and the multipart
// upload state machine. Two roots: the data dir holds durable object
// files, the temp dir holds in-progress writes and multipart parts.
// No other component touches paths inside the temp dir.
package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrBadRange is returned when a requested byte range cannot be
// satisfied against the object's length.
var ErrBadRange = errors.New("bad range")

// defaultContentType is used when the key extension is unknown.
const defaultContentType = "binary/octet-stream"

// Engine stores object bytes under DataDir and in-progress state under
// TempDir. Safe for concurrent use; renames provide the atomicity.
type Engine struct {
	DataDir string
	TempDir string
}

// NewEngine creates an Engine rooted at the given directories, creating
// them if absent.
func NewEngine(dataDir, tempDir string) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %q: %w", dataDir, err)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tempDir, err)
	}
	return &Engine{DataDir: dataDir, TempDir: tempDir}, nil
}

// CleanScratchFiles removes tmp_* scratch files left by interrupted
// single PUTs. Runs on every startup as a crash-only recovery step.
// Multipart directories (mpu_*) are left alone; the expiration sweeper
// owns their lifecycle.
func (e *Engine) CleanScratchFiles() error {
	entries, err := os.ReadDir(e.TempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "tmp_") {
			os.Remove(filepath.Join(e.TempDir, entry.Name()))
		}
	}
	return nil
}

// objectPath returns the absolute filesystem path for an object.
func (e *Engine) objectPath(bucket, key string) string {
	return filepath.Join(e.DataDir, bucket, key)
}

// StoragePath returns the catalog-recorded path for an object, relative
// to the data root.
func StoragePath(bucket, key string) string {
	return bucket + "/" + key
}

// scratchPath returns a fresh tmp_{uuid} path under the temp dir.
func (e *Engine) scratchPath() string {
	return filepath.Join(e.TempDir, "tmp_"+uuid.NewString())
}

// PutObject streams the body into a scratch file, computing a running
// MD5, then fsyncs and renames it over the target path. A reader of the
// target never observes a partial object; a crash before the rename
// leaves only a stray scratch file for CleanScratchFiles. Returns the
// lowercase hex MD5 ETag (unquoted) and the byte count.
func (e *Engine) PutObject(ctx context.Context, bucket, key string, body io.Reader) (string, int64, error) {
	objPath := e.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating parent directories for %s/%s: %w", bucket, key, err)
	}

	tmpPath := e.scratchPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("creating scratch file: %w", err)
	}

	h := md5.New()
	written, err := io.Copy(tmpFile, io.TeeReader(body, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("writing object data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("syncing scratch file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("closing scratch file: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("renaming scratch file to final path: %w", err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), written, nil
}

// ByteRange is an inclusive byte range. End < 0 means read to EOF.
type ByteRange struct {
	Start int64
	End   int64
}

// ObjectInfo is the file-level metadata returned by GetObject and HeadObject.
type ObjectInfo struct {
	Size          int64 // full object size
	ContentLength int64 // bytes the returned stream will yield
	ContentType   string
	LastModified  time.Time
	RangeStart    int64
	RangeEnd      int64 // inclusive; only meaningful when a range was requested
}

// GetObject opens the object file, optionally restricted to a byte
// range. Returns (nil, nil, nil) when the path does not exist and
// ErrBadRange when the range cannot be satisfied. The caller owns the
// returned ReadCloser.
func (e *Engine) GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (*ObjectInfo, io.ReadCloser, error) {
	objPath := e.objectPath(bucket, key)

	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("opening object file %s/%s: %w", bucket, key, err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("stat object file %s/%s: %w", bucket, key, err)
	}
	size := fi.Size()

	info := &ObjectInfo{
		Size:          size,
		ContentLength: size,
		ContentType:   GuessContentType(key),
		LastModified:  fi.ModTime().UTC(),
	}

	if rng == nil {
		return info, file, nil
	}

	start, end := rng.Start, rng.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if start > end || start >= size {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %d-%d against %d bytes", ErrBadRange, rng.Start, rng.End, size)
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("seeking to range start: %w", err)
	}

	info.ContentLength = end - start + 1
	info.RangeStart = start
	info.RangeEnd = end
	return info, &limitedReadCloser{r: io.LimitReader(file, info.ContentLength), c: file}, nil
}

// HeadObject stats the object file and returns its metadata without a
// body stream. Returns (nil, nil) when absent.
func (e *Engine) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	fi, err := os.Stat(e.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat object file %s/%s: %w", bucket, key, err)
	}
	return &ObjectInfo{
		Size:          fi.Size(),
		ContentLength: fi.Size(),
		ContentType:   GuessContentType(key),
		LastModified:  fi.ModTime().UTC(),
	}, nil
}

// DeleteObject removes the object file. Returns whether a file was
// removed; a missing file is not an error. Empty parent directories
// are pruned up to the bucket root.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key string) (bool, error) {
	objPath := e.objectPath(bucket, key)

	err := os.Remove(objPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("removing object file %s/%s: %w", bucket, key, err)
	}

	cleanEmptyParents(filepath.Dir(objPath), filepath.Join(e.DataDir, bucket))
	return true, nil
}

// CopyObject copies the source file onto the destination path using the
// atomic write pattern and returns the destination's MD5 ETag and size.
func (e *Engine) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, int64, error) {
	src, err := os.Open(e.objectPath(srcBucket, srcKey))
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return "", 0, fmt.Errorf("opening source object: %w", err)
	}
	defer src.Close()

	return e.PutObject(ctx, dstBucket, dstKey, src)
}

// RemoveBlob removes a file by its catalog-recorded relative path. Used
// by the orphan sweeper. Idempotent.
func (e *Engine) RemoveBlob(relPath string) error {
	err := os.Remove(filepath.Join(e.DataDir, filepath.FromSlash(relPath)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %q: %w", relPath, err)
	}
	return nil
}

// WalkBlobs calls fn for every regular file under the data root with
// its path relative to the root (slash-separated) and its mtime.
func (e *Engine) WalkBlobs(fn func(relPath string, modTime time.Time) error) error {
	return filepath.Walk(e.DataDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.DataDir, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), fi.ModTime())
	})
}

// GuessContentType infers a content type from the key's extension,
// falling back to binary/octet-stream.
func GuessContentType(key string) string {
	ext := filepath.Ext(key)
	if ext == "" {
		return defaultContentType
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}

// limitedReadCloser wires a LimitReader to the underlying file's Close.
type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// cleanEmptyParents removes empty directories starting from dir up to
// (but not including) stopAt. Keys containing "/" create
// subdirectories that would otherwise accumulate after deletes.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
