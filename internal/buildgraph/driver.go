package buildgraph

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/fatih/color"
	"github.com/juju/ansiterm/tabwriter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/valeryz/capsules/internal/iostream"
	"github.com/valeryz/capsules/internal/wrapper"
)

// Driver walks a UnitGraph wave by wave, running every unit in a wave
// concurrently (bounded by Concurrency) once its dependencies have
// all completed successfully, mirroring the "parallel execution by
// default" behaviour a multi-package build needs to stay fast.
type Driver struct {
	Engine      *wrapper.Engine
	Concurrency int
	IO          iostream.IOStream
}

func (d *Driver) concurrency() int64 {
	if d.Concurrency > 0 {
		return int64(d.Concurrency)
	}
	return 4
}

// Run executes every unit in ug, wave by wave, and returns one
// Outcome per unit in the order units were run. A unit is skipped
// (never invoked) once any of its transitive dependencies has failed.
func (d *Driver) Run(ctx context.Context, ug *UnitGraph) ([]Outcome, error) {
	waves, err := ug.waves()
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]bool)
		all    []Outcome
	)

	for _, wave := range waves {
		sem := semaphore.NewWeighted(d.concurrency())
		group, groupCtx := errgroup.WithContext(ctx)

		outcomes := make([]Outcome, len(wave))
		for i, unit := range wave {
			i, unit := i, unit
			group.Go(func() error {
				if dependencyFailed(unit, failed) {
					outcomes[i] = Outcome{Unit: unit.Name, Skipped: true}
					return nil
				}

				if err := sem.Acquire(groupCtx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				result, runErr := d.Engine.Run(groupCtx, unit.Config, false)
				outcomes[i] = Outcome{Unit: unit.Name, Result: result, Err: runErr}
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			return nil, fmt.Errorf("buildgraph: %w", err)
		}

		mu.Lock()
		for _, o := range outcomes {
			// A skipped unit counts as failed too, so the skip
			// propagates to its own dependents in later waves.
			if o.Skipped || o.Err != nil || o.Result.ExitCode != 0 {
				failed[o.Unit] = true
			}
		}
		all = append(all, outcomes...)
		mu.Unlock()
	}

	return all, nil
}

// dependencyFailed reports whether any of unit's direct dependencies
// is marked failed. Because waves run strictly in dependency order,
// a failure recorded in an earlier wave is visible to every later one.
func dependencyFailed(unit *Unit, failed map[string]bool) bool {
	for _, dep := range unit.Dependencies {
		if failed[dep] {
			return true
		}
	}
	return false
}

// Summarize prints a tabwriter-aligned, colorized report of outcomes
// to d.IO.Stdout (os.Stdout if unset): one line per unit, its status,
// and its exit code.
func (d *Driver) Summarize(outcomes []Outcome) error {
	writer := tabwriter.NewWriter(d.stdout(), 0, 8, 2, ' ', tabwriter.AlignRight)

	titleStyle := color.New(color.FgHiWhite, color.Bold)
	okStyle := color.New(color.FgGreen, color.Bold)
	hitStyle := color.New(color.FgCyan, color.Bold)
	skipStyle := color.New(color.FgYellow, color.Bold)
	failStyle := color.New(color.FgRed, color.Bold)

	titleStyle.Fprintln(writer, "Unit\tStatus\tExit")

	sorted := make([]Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Unit < sorted[j].Unit })

	for _, o := range sorted {
		var status *color.Color
		var statusText string
		switch {
		case o.Skipped:
			status, statusText = skipStyle, "skipped"
		case o.Err != nil:
			status, statusText = failStyle, "error"
		case o.Result.ExitCode != 0:
			status, statusText = failStyle, "failed"
		case o.Result.CacheHit:
			status, statusText = hitStyle, "cache hit"
		default:
			status, statusText = okStyle, "ran"
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\n", o.Unit, status.Sprint(statusText), o.Result.ExitCode)
	}

	return writer.Flush()
}

func (d *Driver) stdout() io.Writer {
	if d.IO.Stdout != nil {
		return d.IO.Stdout
	}
	return os.Stdout
}
