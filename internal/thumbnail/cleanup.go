package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
)

// Cleanup recovers clips abandoned in processing by a crashed worker and
// removes leftover work files.
type Cleanup struct {
	store   Store
	queue   queue.Enqueuer
	workDir string
	now     func() time.Time
}

func NewCleanup(store Store, q queue.Enqueuer, workDir string) *Cleanup {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Cleanup{store: store, queue: q, workDir: workDir, now: time.Now}
}

func (c *Cleanup) Handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(jobs.ThumbnailCleanup)
	if !ok {
		return failure.Permanentf("thumbnail cleanup: unexpected payload %T", job.Payload)
	}

	refs, err := c.store.ListStuckThumbnails(ctx, job.TenantID, payload.Timeout)
	if err != nil {
		return fmt.Errorf("list stuck thumbnails: %w", err)
	}
	// Clips stay in processing until their job is queued, so a failed
	// enqueue leaves them for the next cleanup run.
	queued, err := enqueueAll(ctx, c.queue, refs)
	var reset int64
	if len(queued) > 0 {
		var rerr error
		if reset, rerr = c.store.ResetStuckThumbnails(ctx, queued, payload.Timeout); rerr != nil {
			err = errors.Join(err, fmt.Errorf("reset stuck thumbnails: %w", rerr))
		}
	}
	if err != nil {
		return err
	}

	removed, err := c.removeStale(payload.Timeout)
	if err != nil {
		slog.Warn("failed to remove stale work files", "dir", c.workDir, "error", err)
	}
	slog.Info("thumbnail cleanup finished",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"stuck", len(refs),
		"reset", reset,
		"removed_files", removed,
	)
	return nil
}

// removeStale deletes download and render leftovers older than age.
func (c *Cleanup) removeStale(age time.Duration) (int, error) {
	entries, err := os.ReadDir(c.workDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := c.now().Add(-age)
	removed := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "dl-") && !strings.HasPrefix(name, "thumb-") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.workDir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
