// Command capsule-test memoizes a multi-package "go test", invoking
// the capsule engine once per package so only packages whose sources
// or dependency versions actually changed get re-tested.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FollowTheProcess/msg"

	"github.com/valeryz/capsules/internal/buildgraph"
	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iostream"
	"github.com/valeryz/capsules/internal/wiring"
)

func main() {
	os.Exit(run())
}

func run() int {
	moduleDir := flag.String("dir", ".", "module root directory (where go.mod lives)")
	verbose := flag.Bool("v", false, "pass -v through to go test")
	flag.Parse()
	roots := flag.Args()
	if len(roots) == 0 {
		msg.Error("capsule-test: at least one package import path is required")
		return 1
	}

	modulePath, err := buildgraph.ReadModulePath(filepath.Join(*moduleDir, "go.mod"))
	if err != nil {
		msg.Error("%s", err)
		return 1
	}

	units, err := buildgraph.Discover(roots, buildgraph.DiscoverOptions{
		ModuleDir:     *moduleDir,
		ModulePath:    modulePath,
		CapsuleIDBase: "test",
		Kind:          buildgraph.KindTest,
		CommandFor: func(importPath string) []string {
			cmd := []string{"go", "test"}
			if *verbose {
				cmd = append(cmd, "-v")
			}
			return append(cmd, importPath)
		},
		PassthroughArgs: flag.Args(),
	})
	if err != nil {
		msg.Error("%s", err)
		return 1
	}

	// Capture each unit's stdout/stderr into its cached record so a
	// cache hit replays the test output instead of printing nothing.
	// (Test files themselves are already inputs: Discover adds them
	// for KindTest.)
	for i := range units {
		units[i].Config.CaptureStdout = true
		units[i].Config.CaptureStderr = true
	}

	ug, err := buildgraph.NewUnitGraph(units)
	if err != nil {
		msg.Error("%s", err)
		return 1
	}

	io := iostream.OS()
	cfg, err := config.LoadDefaults(config.Sources{})
	if err != nil {
		msg.Error("%s", err)
		return 1
	}
	engine, err := wiring.NewEngine(cfg, io)
	if err != nil {
		msg.Error("%s", err)
		return 1
	}

	driver := &buildgraph.Driver{Engine: engine, Concurrency: cfg.Concurrency, IO: io}
	outcomes, err := driver.Run(context.Background(), ug)
	if err != nil {
		msg.Error("%s", err)
		return 1
	}

	if err := driver.Summarize(outcomes); err != nil {
		fmt.Fprintln(io.Stderr, err)
	}

	for _, o := range outcomes {
		if o.Err != nil || o.Result.ExitCode != 0 {
			return 1
		}
	}
	return 0
}
