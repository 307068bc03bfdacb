package wrapper

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	digest "github.com/opencontainers/go-digest"

	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iohashing"
)

// download materializes every present=true cached output file for
// record, bounded by ConcurrentDownloadMax concurrent transfers and
// the Download timeout. It returns ok=false (without an error, per
// SPEC_FULL.md §4.4's "download failure ignores the hit" disqualifier)
// whenever any single file fails, and the caller falls through to
// ExecAndPublish.
func (e *Engine) download(ctx context.Context, cfg *config.Config, inputs iohashing.InputHashBundle, record iohashing.InputOutputBundle) (Result, bool) {
	downloadCtx, cancel := context.WithTimeout(ctx, e.pickOr(e.Timeouts.Download, DefaultTimeouts().Download))
	defer cancel()

	sem := semaphore.NewWeighted(e.downloadMax())
	group, groupCtx := errgroup.WithContext(downloadCtx)

	for _, item := range record.Outputs.Items {
		item := item
		if item.Output.Kind != iohashing.OutputFile || !item.Output.Present {
			continue
		}
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return e.downloadOne(groupCtx, cfg, item)
		})
	}

	if err := group.Wait(); err != nil {
		e.logger().Debug("cache download failed for capsule %q: %v", cfg.CapsuleID, err)
		return Result{}, false
	}

	e.replayCapturedStreams(record.Outputs)

	code, _ := cachedExitCode(&record)
	e.emitCacheHitEvent(ctx, inputs, record.Outputs)

	return Result{ExitCode: code, ProgramRan: false, CacheHit: true}, true
}

// downloadOne atomically materializes a single cached output file:
// stream to a sibling temp file, verify its content hash, then
// rename into place and apply the recorded mode. This prevents a
// partially-written file from ever being observed at the final path.
func (e *Engine) downloadOne(ctx context.Context, cfg *config.Config, item iohashing.OutputHashItem) error {
	path, err := resolveOutputPath(cfg, item.Output.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating parent directory for %q: %v", ErrDownload, path, err)
	}

	rc, err := e.Backend.Download(ctx, item.ContentDigest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".capsule-tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file for %q: %v", ErrDownload, path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), rc); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %q: %v", ErrDownload, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: flushing %q: %v", ErrDownload, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %q: %v", ErrDownload, path, err)
	}

	got := digest.NewDigest(digest.SHA256, h)
	if got != item.ContentDigest {
		return fmt.Errorf("%w: %q: expected %s, got %s", ErrHashMismatch, path, item.ContentDigest, got)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: renaming into place %q: %v", ErrDownload, path, err)
	}
	mode := item.Output.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return fmt.Errorf("%w: setting mode on %q: %v", ErrDownload, path, err)
	}
	return nil
}

// replayCapturedStreams writes any captured stdout/stderr bytes in a
// cached record to the wrapper's own output streams, so a cache hit
// looks the same to the caller as the live execution that produced
// it (SPEC_FULL.md §3).
func (e *Engine) replayCapturedStreams(outputs iohashing.OutputHashBundle) {
	for _, item := range outputs.Items {
		switch item.Output.Kind {
		case iohashing.OutputStdout:
			if len(item.Output.Bytes) > 0 {
				_, _ = e.stdout().Write(item.Output.Bytes)
			}
		case iohashing.OutputStderr:
			if len(item.Output.Bytes) > 0 {
				_, _ = e.stderr().Write(item.Output.Bytes)
			}
		}
	}
}

func (e *Engine) pickOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
