// Command capsule-build memoizes a multi-package "go build", invoking
// the capsule engine once per package so only packages whose sources
// or dependency versions actually changed get rebuilt.
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
	outDir := flag.String("o", "", "directory to write built binaries into (package main units only)")
	flag.Parse()
	roots := flag.Args()
	if len(roots) == 0 {
		msg.Error("capsule-build: at least one package import path is required")
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
		CapsuleIDBase: "build",
		Kind:          buildgraph.KindBinary,
		CommandFor: func(importPath string) []string {
			cmd := []string{"go", "build"}
			if *outDir != "" {
				cmd = append(cmd, "-o", filepath.Join(*outDir, filepath.Base(importPath)))
			}
			return append(cmd, importPath)
		},
		OutputFor: func(importPath string) string {
			if *outDir == "" {
				return ""
			}
			return filepath.Join(*outDir, filepath.Base(importPath))
		},
		PassthroughArgs: flag.Args(),
	})
	if err != nil {
		msg.Error("%s", err)
		return 1
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
