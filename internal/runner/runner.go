// Package runner spawns the capsule's wrapped command. The command is
// already tokenized argv (split at the "--" separator by internal/config),
// so no shell interpretation happens here: this is a thin os/exec wrapper,
// not a shell.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// InputsHashEnvVar is the default name of the environment variable
// exported to the child process, carrying the input fingerprint so
// the wrapped command can itself make caching decisions.
const InputsHashEnvVar = "CAPSULE_INPUTS_HASH"

// Result is what a Run produced: the exit code and, if capture was
// requested, the bytes written to stdout/stderr.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Options configures a single Run.
type Options struct {
	// InputsHash is exported to the child under the name in the
	// InputsHashEnvVar option (or the InputsHashEnvVar constant if
	// that's empty).
	InputsHash        string
	InputsHashEnvVar  string
	CaptureStdout     bool
	CaptureStderr     bool
	// Stdout/Stderr receive a copy of the child's output as it
	// streams, in addition to any capture buffer; nil disables
	// streaming (the child still runs with capture-only behavior).
	Stdout io.Writer
	Stderr io.Writer

	// OnStart, if set, is invoked the instant the child process has
	// been spawned (cmd.Start succeeded), before Run waits for it to
	// exit. Callers use this to distinguish pre-exec from post-exec
	// failures.
	OnStart func()
}

// Run spawns argv[0] with argv[1:], waiting for it to complete. It
// reports the exit code even when the command runs and exits
// non-zero: only a failure to start the process at all (argv[0] not
// found, fork failure) is returned as an error, matching the spec's
// distinction between "program was run" and ExecError.
func Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("runner: no command to run")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", envVarName(opts), opts.InputsHash))

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = teeWriter(opts.Stdout, opts.CaptureStdout, &stdoutBuf)
	cmd.Stderr = teeWriter(opts.Stderr, opts.CaptureStderr, &stderrBuf)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("runner: starting %q: %w", argv[0], err)
	}
	if opts.OnStart != nil {
		opts.OnStart()
	}

	waitErr := cmd.Wait()
	result := Result{ExitCode: exitCode(cmd, waitErr)}
	if opts.CaptureStdout {
		result.Stdout = stdoutBuf.Bytes()
	}
	if opts.CaptureStderr {
		result.Stderr = stderrBuf.Bytes()
	}
	return result, nil
}

// Exec replaces the current process image with argv, the bare-exec
// fallback for when the wrapped command could not even be started
// through Run: no caching decision is possible at that point (the
// wrapper never got far enough to know what the child would have
// produced), so the last resort is to run it directly, uncached, in
// the wrapper's own place. It never returns on success; syscall.Exec
// is the standard library's execve, the same primitive the reference
// implementation's exec_program/execvp falls back to, and no pack
// example reaches for a third-party process-replacement library for
// this narrower job.
func Exec(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("runner: no command to run")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("runner: resolving %q: %w", argv[0], err)
	}
	return syscall.Exec(path, argv, os.Environ())
}

func envVarName(opts Options) string {
	if opts.InputsHashEnvVar != "" {
		return opts.InputsHashEnvVar
	}
	return InputsHashEnvVar
}

// teeWriter builds the writer to hand os/exec for one stream: a
// combination of the passthrough stream (if any) and the capture
// buffer (if requested), or io.Discard if neither applies.
func teeWriter(passthrough io.Writer, capture bool, buf *bytes.Buffer) io.Writer {
	var writers []io.Writer
	if passthrough != nil {
		writers = append(writers, passthrough)
	}
	if capture {
		writers = append(writers, buf)
	}
	switch len(writers) {
	case 0:
		return io.Discard
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}

// exitCode extracts the child's exit code from cmd/waitErr. waitErr
// is nil for a zero exit; an *exec.ExitError carrying the code for any
// other normal exit. A child with no exit code (killed by a signal) or
// any other wait failure is mapped to the catch-all code 1.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return 1
}
