// Command capsule wraps a single build step: read its declared inputs,
// fingerprint them, consult the cache, and either materialize a prior
// result or run the command and publish what it produced.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/FollowTheProcess/msg"

	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iostream"
	"github.com/valeryz/capsules/internal/runner"
	"github.com/valeryz/capsules/internal/wiring"
	"github.com/valeryz/capsules/internal/wrapper"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:], config.Sources{})
	if err != nil {
		msg.Error("%s", err)
		return 1
	}

	io := iostream.OS()
	engine, err := wiring.NewEngine(cfg, io)
	if err != nil {
		msg.Error("%s", err)
		return 1
	}

	result, err := engine.Run(context.Background(), cfg, cfg.PrintHash)
	if err != nil {
		if errors.Is(err, wrapper.ErrExec) {
			msg.Error("%s: falling back to a bare, uncached exec of the command", err)
			if execErr := runner.Exec(cfg.CommandToRun); execErr != nil {
				fmt.Fprintln(io.Stderr, execErr)
				return 1
			}
			// runner.Exec only returns on failure; success replaces
			// this process image and never reaches here.
		}
		fmt.Fprintln(io.Stderr, err)
		return 1
	}

	return result.ExitCode
}
