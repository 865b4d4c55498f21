// Package sweeper runs the background reclamation loops implied by the
// coordinator's crash orderings: orphan blobs (files with no catalog
// row), expired multipart uploads, and expired access keys.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/CK-Technology/ghostbay/internal/catalog"
	"github.com/CK-Technology/ghostbay/internal/metrics"
	"github.com/CK-Technology/ghostbay/internal/storage"
)

// Sweeper owns the reclamation loops. One Sweeper per process.
type Sweeper struct {
	cat         *catalog.Store
	engine      *storage.Engine
	interval    time.Duration
	orphanGrace time.Duration
}

// New creates a Sweeper. orphanGrace is the minimum age of an
// unreferenced blob before it is removed; files younger than that may
// belong to an in-flight PUT whose catalog row has not landed yet.
func New(cat *catalog.Store, engine *storage.Engine, interval, orphanGrace time.Duration) *Sweeper {
	return &Sweeper{
		cat:         cat,
		engine:      engine,
		interval:    interval,
		orphanGrace: orphanGrace,
	}
}

// Run executes one pass immediately and then on every tick until the
// context is canceled. Intended to be started in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs all three reclamation passes once.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepOrphanBlobs(ctx)
	s.sweepExpiredUploads(ctx)
	s.sweepExpiredKeys(ctx)
}

// sweepOrphanBlobs removes files under the data root that no catalog
// row references and that are older than the grace window.
func (s *Sweeper) sweepOrphanBlobs(ctx context.Context) {
	referenced, err := s.cat.StoragePaths(ctx)
	if err != nil {
		slog.Error("orphan sweep: listing storage paths failed", "error", err)
		metrics.SweeperRunsTotal.WithLabelValues("orphan_blobs", "error").Inc()
		return
	}

	cutoff := time.Now().Add(-s.orphanGrace)
	var removed int64

	err = s.engine.WalkBlobs(func(relPath string, modTime time.Time) error {
		if referenced[relPath] || modTime.After(cutoff) {
			return nil
		}
		if rmErr := s.engine.RemoveBlob(relPath); rmErr != nil {
			slog.Error("orphan sweep: removing blob failed", "path", relPath, "error", rmErr)
			return nil
		}
		slog.Info("orphan sweep: reclaimed blob", "path", relPath)
		removed++
		return nil
	})
	if err != nil {
		slog.Error("orphan sweep: walking data directory failed", "error", err)
		metrics.SweeperRunsTotal.WithLabelValues("orphan_blobs", "error").Inc()
		return
	}

	metrics.SweeperRunsTotal.WithLabelValues("orphan_blobs", "ok").Inc()
	metrics.SweeperReclaimedTotal.WithLabelValues("orphan_blobs").Add(float64(removed))
}

// sweepExpiredUploads aborts multipart uploads whose expires_at has
// passed: temp state first, then the catalog rows, mirroring the
// abort operation's ordering.
func (s *Sweeper) sweepExpiredUploads(ctx context.Context) {
	expired, err := s.cat.ListExpiredUploads(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("upload sweep: listing expired uploads failed", "error", err)
		metrics.SweeperRunsTotal.WithLabelValues("expired_uploads", "error").Inc()
		return
	}

	var reclaimed int64
	for _, u := range expired {
		if err := s.engine.AbortMultipart(ctx, u.UploadID); err != nil {
			slog.Error("upload sweep: removing upload state failed", "uploadId", u.UploadID, "error", err)
			continue
		}
		if _, err := s.cat.AbortUpload(ctx, u.UploadID); err != nil {
			slog.Error("upload sweep: deleting upload rows failed", "uploadId", u.UploadID, "error", err)
			continue
		}
		slog.Info("upload sweep: reclaimed expired upload",
			"uploadId", u.UploadID, "key", u.ObjectKey, "created", u.CreatedAt)
		reclaimed++
	}

	metrics.SweeperRunsTotal.WithLabelValues("expired_uploads", "ok").Inc()
	metrics.SweeperReclaimedTotal.WithLabelValues("expired_uploads").Add(float64(reclaimed))
}

// sweepExpiredKeys deactivates access keys whose expires_at has passed.
func (s *Sweeper) sweepExpiredKeys(ctx context.Context) {
	n, err := s.cat.CleanupExpiredKeys(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("key sweep: deactivating expired keys failed", "error", err)
		metrics.SweeperRunsTotal.WithLabelValues("expired_keys", "error").Inc()
		return
	}
	if n > 0 {
		slog.Info("key sweep: deactivated expired keys", "count", n)
	}

	metrics.SweeperRunsTotal.WithLabelValues("expired_keys", "ok").Inc()
	metrics.SweeperReclaimedTotal.WithLabelValues("expired_keys").Add(float64(n))
}
