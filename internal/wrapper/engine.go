// Package wrapper implements the per-invocation state machine at the
// core of capsule: read declared inputs, fingerprint them, consult
// the cache, and either materialize a prior result or execute the
// command and publish what it produced.
package wrapper

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/valeryz/capsules/internal/caching"
	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iohashing"
	"github.com/valeryz/capsules/internal/iostream"
	"github.com/valeryz/capsules/internal/logger"
	"github.com/valeryz/capsules/internal/observability"
	"github.com/valeryz/capsules/internal/wpath"
)

// Timeouts names every independently-guarded operation. Lookup is
// fatal on expiry; the rest are non-fatal on expiry. Download guards
// materializing a cache hit (expiry falls through to execution);
// Upload, CacheWrite and Logging guard the ExecAndPublish side effects
// (expiry is logged and ignored), and Logging also guards the
// cache-hit event.
type Timeouts struct {
	Lookup     time.Duration
	Download   time.Duration
	Upload     time.Duration
	CacheWrite time.Duration
	Logging    time.Duration
}

// DefaultTimeouts matches the reference implementation's defaults:
// generous enough for typical object-store latency without letting a
// hung backend block a build indefinitely.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Lookup:     10 * time.Second,
		Download:   30 * time.Second,
		Upload:     30 * time.Second,
		CacheWrite: 10 * time.Second,
		Logging:    5 * time.Second,
	}
}

// Engine runs one capsule invocation. Its three capabilities —
// backend, observability sink, and debug logger — are supplied once
// at construction, behind interfaces, so the same Engine logic runs
// unchanged against a dummy, in-memory test, or remote S3-backed
// configuration.
type Engine struct {
	Backend  caching.Backend
	Sink     observability.Sink
	Log      logger.Logger
	Timeouts Timeouts

	// ConcurrentDownloadMax / ConcurrentUploadMax bound how many
	// blob transfers run simultaneously; zero means the package
	// default of 3.
	ConcurrentDownloadMax int64
	ConcurrentUploadMax   int64

	IO iostream.IOStream
}

// Result is what one Run produced, exposed beyond the exit code so
// callers (and tests) can assert on the state machine's path.
type Result struct {
	ExitCode       int
	ProgramRan     bool
	CacheHit       bool
	NonDeterminism bool
}

func (e *Engine) logger() logger.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logger.Noop{}
}

func (e *Engine) downloadMax() int64 {
	if e.ConcurrentDownloadMax > 0 {
		return e.ConcurrentDownloadMax
	}
	return 3
}

func (e *Engine) stdout() io.Writer {
	if e.IO.Stdout != nil {
		return e.IO.Stdout
	}
	return os.Stdout
}

func (e *Engine) stderr() io.Writer {
	if e.IO.Stderr != nil {
		return e.IO.Stderr
	}
	return os.Stderr
}

func (e *Engine) uploadMax() int64 {
	if e.ConcurrentUploadMax > 0 {
		return e.ConcurrentUploadMax
	}
	return 3
}

// Run executes the full state machine for cfg: ReadInputs, then
// either PrintHash, Passive, or Lookup→Validate→(Download|ExecAndPublish).
func (e *Engine) Run(ctx context.Context, cfg *config.Config, printHashOnly bool) (Result, error) {
	inputs, err := e.readInputs(cfg)
	if err != nil {
		return Result{}, err
	}

	inputsHash := string(inputs.Hash)

	if printHashOnly {
		fmt.Fprintln(e.stdout(), inputsHash)
		return Result{ExitCode: 0}, nil
	}

	if cfg.Passive {
		return e.execPassive(ctx, cfg, inputs)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.pickOr(e.Timeouts.Lookup, DefaultTimeouts().Lookup))
	defer cancel()

	record, err := e.Backend.Lookup(lookupCtx, cfg.CapsuleID, inputs)
	if err != nil {
		if lookupCtx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrLookup, lookupCtx.Err())
		}
		return Result{}, fmt.Errorf("%w: %v", ErrLookup, err)
	}

	if record != nil && e.validate(cfg, record) {
		if result, ok := e.download(ctx, cfg, inputs, *record); ok {
			return result, nil
		}
		e.logger().Debug("cache hit for capsule %q disqualified or download failed, falling back to execution", cfg.CapsuleID)
	}

	return e.execAndPublish(ctx, cfg, inputs, record)
}

// readInputs expands every declared glob and tool tag into an
// InputSet, per SPEC_FULL.md §4.4: each input glob must match at
// least one file, and non-file matches are skipped.
func (e *Engine) readInputs(cfg *config.Config) (iohashing.InputHashBundle, error) {
	var set iohashing.InputSet
	for _, tag := range cfg.ToolTags {
		set.Add(iohashing.ToolTag(tag))
	}

	for _, pattern := range cfg.InputFiles {
		matches, err := wpath.ExpandGlob(pattern, cfg.WorkspaceRoot)
		if err != nil {
			return iohashing.InputHashBundle{}, fmt.Errorf("%w: expanding %q: %v", ErrInputDiscovery, pattern, err)
		}

		count := 0
		for _, m := range matches {
			resolved, err := wpath.New(m).Resolve(cfg.WorkspaceRoot)
			if err != nil {
				return iohashing.InputHashBundle{}, fmt.Errorf("%w: %v", ErrInputDiscovery, err)
			}
			info, err := os.Stat(resolved)
			if err != nil || info.IsDir() {
				continue // non-file matches are skipped, not errors
			}
			set.Add(iohashing.File(resolved))
			count++
		}
		if count == 0 {
			return iohashing.InputHashBundle{}, fmt.Errorf("%w: input glob %q matched no files", ErrInputDiscovery, pattern)
		}
	}

	return set.HashBundle()
}
