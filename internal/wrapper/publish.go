package wrapper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iohashing"
	"github.com/valeryz/capsules/internal/observability"
	"github.com/valeryz/capsules/internal/runner"
	"github.com/valeryz/capsules/internal/wpath"
)

// resolveOutputPath turns a declared output pattern (or a cached
// record's stored path) into an absolute filesystem path.
func resolveOutputPath(cfg *config.Config, raw string) (string, error) {
	return wpath.New(raw).Resolve(cfg.WorkspaceRoot)
}

// execPassive implements Passive mode: run the command verbatim,
// exporting the input fingerprint, with no lookup or publish.
func (e *Engine) execPassive(ctx context.Context, cfg *config.Config, inputs iohashing.InputHashBundle) (Result, error) {
	result, err := runner.Run(ctx, cfg.CommandToRun, runner.Options{
		InputsHash:       string(inputs.Hash),
		InputsHashEnvVar: cfg.InputsHashEnvVar(),
		CaptureStdout:    cfg.CaptureStdout,
		CaptureStderr:    cfg.CaptureStderr,
		Stdout:           e.IO.Stdout,
		Stderr:           e.IO.Stderr,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExec, err)
	}
	return Result{ExitCode: result.ExitCode, ProgramRan: true}, nil
}

// execAndPublish implements the miss/disqualified-hit path: spawn the
// command, fingerprint what it produced, and concurrently publish the
// index entry, blob uploads and an observability event. Publish
// failures are logged and discarded; the live exit code always wins.
func (e *Engine) execAndPublish(ctx context.Context, cfg *config.Config, inputs iohashing.InputHashBundle, prior *iohashing.InputOutputBundle) (Result, error) {
	programRan := false
	runResult, err := runner.Run(ctx, cfg.CommandToRun, runner.Options{
		InputsHash:       string(inputs.Hash),
		InputsHashEnvVar: cfg.InputsHashEnvVar(),
		CaptureStdout:    cfg.CaptureStdout,
		CaptureStderr:    cfg.CaptureStderr,
		Stdout:           e.IO.Stdout,
		Stderr:           e.IO.Stderr,
		OnStart:          func() { programRan = true },
	})
	if err != nil {
		if !programRan {
			return Result{}, fmt.Errorf("%w: %v", ErrExec, err)
		}
		// The child was spawned but Wait failed in some unusual way;
		// still report it as having run, with the catch-all code.
		return Result{ExitCode: 1, ProgramRan: true}, nil
	}

	outputs, err := e.realizeOutputs(cfg, runResult)
	if err != nil {
		return Result{}, err
	}

	nonDeterminism := prior != nil && string(prior.Outputs.Hash) != string(outputs.Hash)
	if nonDeterminism {
		e.logger().Debug("non-determinism detected for capsule %q: output hash changed from %s to %s", cfg.CapsuleID, prior.Outputs.Hash, outputs.Hash)
	}

	e.publish(ctx, cfg, inputs, outputs, runResult.ExitCode, nonDeterminism)

	return Result{ExitCode: runResult.ExitCode, ProgramRan: true, NonDeterminism: nonDeterminism}, nil
}

// realizeOutputs expands each declared output pattern against the
// filesystem post-execution, recording mode and presence, plus the
// exit code and any requested captured stdout/stderr.
func (e *Engine) realizeOutputs(cfg *config.Config, runResult runner.Result) (iohashing.OutputHashBundle, error) {
	var set iohashing.OutputSet
	set.Add(iohashing.ExitCodeOutput(runResult.ExitCode))
	if cfg.CaptureStdout {
		set.Add(iohashing.StdoutOutput(runResult.Stdout))
	}
	if cfg.CaptureStderr {
		set.Add(iohashing.StderrOutput(runResult.Stderr))
	}

	for _, pattern := range cfg.OutputFiles {
		matches, err := wpath.ExpandGlob(pattern, cfg.WorkspaceRoot)
		if err != nil {
			// A declared output that doesn't exist yet (the command
			// hasn't run before) expands to nothing; that's a
			// present=false entry below, not an error.
			matches = nil
		}

		if len(matches) == 0 {
			set.Add(iohashing.FileOutput(wpath.New(pattern).String(), false, 0))
			continue
		}
		for _, m := range matches {
			resolved, err := wpath.New(m).Resolve(cfg.WorkspaceRoot)
			if err != nil {
				return iohashing.OutputHashBundle{}, fmt.Errorf("%w: %v", ErrInputDiscovery, err)
			}
			info, err := os.Stat(resolved)
			if err != nil {
				set.Add(iohashing.FileOutput(m, false, 0))
				continue
			}
			set.Add(iohashing.FileOutput(m, true, info.Mode()))
		}
	}

	return set.HashBundle()
}

// publish fans out the three post-execution side effects
// concurrently, each guarded by its own timeout, swallowing every
// failure: the wrapped command already ran, so nothing here may
// change the exit code.
func (e *Engine) publish(ctx context.Context, cfg *config.Config, inputs iohashing.InputHashBundle, outputs iohashing.OutputHashBundle, exitCode int, nonDeterminism bool) {
	group, _ := errgroup.WithContext(context.Background())

	group.Go(func() error {
		writeCtx, cancel := context.WithTimeout(ctx, e.pickOr(e.Timeouts.CacheWrite, DefaultTimeouts().CacheWrite))
		defer cancel()
		bundle := iohashing.InputOutputBundle{Inputs: inputs, Outputs: outputs, Source: cfg.Source()}
		if err := e.Backend.Write(writeCtx, cfg.CapsuleID, bundle); err != nil {
			e.logger().Debug("publish: index write failed for capsule %q: %v", cfg.CapsuleID, fmt.Errorf("%w: %v", ErrPublish, err))
		}
		return nil
	})

	group.Go(func() error {
		uploadCtx, cancel := context.WithTimeout(ctx, e.pickOr(e.Timeouts.Upload, DefaultTimeouts().Upload))
		defer cancel()
		if err := e.uploadBlobs(uploadCtx, cfg, outputs); err != nil {
			e.logger().Debug("publish: blob upload failed for capsule %q: %v", cfg.CapsuleID, fmt.Errorf("%w: %v", ErrPublish, err))
		}
		return nil
	})

	group.Go(func() error {
		logCtx, cancel := context.WithTimeout(ctx, e.pickOr(e.Timeouts.Logging, DefaultTimeouts().Logging))
		defer cancel()
		if e.Sink == nil {
			return nil
		}
		event := observability.BuildEvent(cfg.TraceID, cfg.CapsuleID, cfg.ParentID, inputs, outputs, false, nonDeterminism, cfg.ExtraKV)
		if err := e.Sink.Send(logCtx, event); err != nil {
			e.logger().Debug("publish: observability emit failed for capsule %q: %v", cfg.CapsuleID, fmt.Errorf("%w: %v", ErrPublish, err))
		}
		return nil
	})

	_ = group.Wait() // every branch swallows its own error; Wait never returns one
}

// uploadBlobs uploads each present output file's content, bounded by
// ConcurrentUploadMax, skipping any blob that already exists.
func (e *Engine) uploadBlobs(ctx context.Context, cfg *config.Config, outputs iohashing.OutputHashBundle) error {
	sem := semaphore.NewWeighted(e.uploadMax())
	group, groupCtx := errgroup.WithContext(ctx)

	for _, item := range outputs.Items {
		item := item
		if item.Output.Kind != iohashing.OutputFile || !item.Output.Present {
			continue
		}
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return e.uploadOne(groupCtx, cfg, item)
		})
	}
	return group.Wait()
}

func (e *Engine) uploadOne(ctx context.Context, cfg *config.Config, item iohashing.OutputHashItem) error {
	exists, err := e.Backend.BlobExists(ctx, item.ContentDigest)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	path, err := resolveOutputPath(cfg, item.Output.Path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	return e.Backend.Upload(ctx, item.ContentDigest, bytes.NewReader(data), int64(len(data)))
}

// emitCacheHitEvent logs a cache-hit observability event after a
// successful download; best-effort, the same as every other
// post-execution publish step.
func (e *Engine) emitCacheHitEvent(ctx context.Context, inputs iohashing.InputHashBundle, outputs iohashing.OutputHashBundle) {
	if e.Sink == nil {
		return
	}
	logCtx, cancel := context.WithTimeout(ctx, e.pickOr(e.Timeouts.Logging, DefaultTimeouts().Logging))
	defer cancel()
	event := observability.BuildEvent("", "", "", inputs, outputs, true, false, nil)
	if err := e.Sink.Send(logCtx, event); err != nil {
		e.logger().Debug("cache-hit observability emit failed: %v", err)
	}
}
