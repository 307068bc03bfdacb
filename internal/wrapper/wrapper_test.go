package wrapper

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/valeryz/capsules/internal/caching"
	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iostream"
)

func newEngine(backend caching.Backend) *Engine {
	return &Engine{
		Backend: backend,
		IO:      iostream.Test(),
	}
}

func baseConfig(capsuleID string, inputs, outputs []string, command []string) *config.Config {
	return &config.Config{
		CapsuleID:    capsuleID,
		Milestone:    config.RedPill,
		InputFiles:   inputs,
		OutputFiles:  outputs,
		CommandToRun: command,
	}
}

func TestRun_CacheMissThenHit(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	if err := os.WriteFile(inputFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	outputFile := filepath.Join(dir, "out")

	backend := caching.NewTestBackend(caching.TestConfig{})
	engine := newEngine(backend)
	cfg := baseConfig("wtf", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo 123 > " + outputFile})

	result, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("first run returned error: %v", err)
	}
	if !result.ProgramRan {
		t.Error("expected program to run on first (miss) invocation")
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if _, err := os.Stat(outputFile); err != nil {
		t.Fatalf("expected output file to exist after first run: %v", err)
	}

	if err := os.Remove(outputFile); err != nil {
		t.Fatal(err)
	}

	result2, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if result2.ProgramRan {
		t.Error("expected program NOT to run on second (hit) invocation")
	}
	if !result2.CacheHit {
		t.Error("expected CacheHit true on second invocation")
	}
	if result2.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result2.ExitCode)
	}
	data, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("expected output file to be recreated from cache: %v", err)
	}
	if string(data) != "123\n" {
		t.Errorf("recreated file content = %q, want %q", data, "123\n")
	}
}

func TestRun_CapsuleIDIsolation(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)
	outputFile := filepath.Join(dir, "out")

	backend := caching.NewTestBackend(caching.TestConfig{})
	engine := newEngine(backend)
	cfg := baseConfig("wtf", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo 123 > " + outputFile})

	if _, err := engine.Run(context.Background(), cfg, false); err != nil {
		t.Fatal(err)
	}
	os.Remove(outputFile)

	cfg2 := baseConfig("wtf2", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo 123 > " + outputFile})
	result, err := engine.Run(context.Background(), cfg2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.ProgramRan {
		t.Error("expected a different capsule_id to miss even with identical inputs")
	}
}

func TestRun_CachedNonZeroExitIgnoredByDefault(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)
	outputFile := filepath.Join(dir, "out")

	backend := caching.NewTestBackend(caching.TestConfig{})
	engine := newEngine(backend)
	cfg := baseConfig("fail1", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo x > " + outputFile + "; exit 1"})

	result, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 1 || !result.ProgramRan {
		t.Fatalf("first run result = %+v, want exit 1 and ProgramRan", result)
	}

	result2, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result2.ProgramRan {
		t.Error("expected re-execution since cache_failure defaults to false")
	}

	cfg.AllowCachedFailure = true
	result3, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if result3.ProgramRan {
		t.Error("expected cached failure to be honored with AllowCachedFailure")
	}
	if result3.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result3.ExitCode)
	}
}

func TestRun_PermissionPreservation(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)
	outputFile := filepath.Join(dir, "out")

	backend := caching.NewTestBackend(caching.TestConfig{})
	engine := newEngine(backend)
	cfg := baseConfig("perm", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo x > " + outputFile + " && chmod 755 " + outputFile})

	if _, err := engine.Run(context.Background(), cfg, false); err != nil {
		t.Fatal(err)
	}
	os.Remove(outputFile)

	if _, err := engine.Run(context.Background(), cfg, false); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(outputFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("downloaded file mode = %o, want 0755", info.Mode().Perm())
	}
}

func TestRun_LookupFailureFatal(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)
	outputFile := filepath.Join(dir, "out")

	backend := caching.NewTestBackend(caching.TestConfig{FailingLookup: true})
	engine := newEngine(backend)
	engine.Timeouts.Lookup = 10 * time.Millisecond
	cfg := baseConfig("timeout1", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo should-not-run > " + outputFile})

	result, err := engine.Run(context.Background(), cfg, false)
	if err == nil {
		t.Fatal("expected lookup failure to be fatal")
	}
	if result.ProgramRan {
		t.Error("expected child to never spawn on a fatal lookup error")
	}
	if _, statErr := os.Stat(outputFile); statErr == nil {
		t.Error("expected output file to not be created when lookup fails fatally")
	}
}

func TestRun_PublishFailureNonFatal(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)
	outputFile := filepath.Join(dir, "out")

	backend := caching.NewTestBackend(caching.TestConfig{FailingWrite: true})
	engine := newEngine(backend)
	cfg := baseConfig("nopublish", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo 1 > " + outputFile})

	result, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("expected publish failure to be non-fatal, got error: %v", err)
	}
	if result.ExitCode != 0 || !result.ProgramRan {
		t.Fatalf("result = %+v, want exit 0 and ProgramRan on first run despite publish failure", result)
	}

	os.Remove(outputFile)
	result2, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result2.ProgramRan {
		t.Error("expected re-execution since nothing was actually cached")
	}
}

func TestRun_NonDeterminismNotice(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)
	outputFile := filepath.Join(dir, "out")

	backend := caching.NewTestBackend(caching.TestConfig{})
	engine := newEngine(backend)

	cfg := baseConfig("nondet", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo first > " + outputFile})
	if _, err := engine.Run(context.Background(), cfg, false); err != nil {
		t.Fatal(err)
	}

	// Force a miss on the second run by disqualifying the hit
	// (placebo), so the command actually re-executes and produces
	// different content than what's cached.
	cfg2 := baseConfig("nondet", []string{inputFile}, []string{outputFile},
		[]string{"/bin/sh", "-c", "echo second > " + outputFile})
	cfg2.Milestone = config.Placebo

	result, err := engine.Run(context.Background(), cfg2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.ProgramRan {
		t.Fatal("expected placebo milestone to force re-execution")
	}
	if !result.NonDeterminism {
		t.Error("expected non-determinism to be detected when output content changed")
	}
}

func TestRun_OutputPatternMismatchDisqualifiesHit(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)
	aOut := filepath.Join(dir, "a.out")

	backend := caching.NewTestBackend(caching.TestConfig{})
	engine := newEngine(backend)
	cfg := baseConfig("mismatch", []string{inputFile}, []string{aOut},
		[]string{"/bin/sh", "-c", "echo 1 > " + aOut})
	if _, err := engine.Run(context.Background(), cfg, false); err != nil {
		t.Fatal(err)
	}

	bOut := filepath.Join(dir, "b.out")
	cfg2 := baseConfig("mismatch", []string{inputFile}, []string{bOut},
		[]string{"/bin/sh", "-c", "echo 1 > " + bOut})
	result, err := engine.Run(context.Background(), cfg2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.ProgramRan {
		t.Error("expected output pattern mismatch to disqualify the cache hit and re-run")
	}
}

func TestRun_PassiveModeSkipsLookupAndPublish(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)

	backend := caching.NewTestBackend(caching.TestConfig{FailingLookup: true, FailingWrite: true})
	engine := newEngine(backend)
	cfg := baseConfig("passive1", []string{inputFile}, nil, []string{"/bin/sh", "-c", "exit 0"})
	cfg.Passive = true

	result, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("passive mode should never hit the (failing) backend: %v", err)
	}
	if !result.ProgramRan || result.ExitCode != 0 {
		t.Errorf("result = %+v, want exit 0 ProgramRan", result)
	}
}

func TestRun_PrintHashOnly(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)

	backend := caching.NewTestBackend(caching.TestConfig{FailingLookup: true})
	engine := newEngine(backend)
	cfg := baseConfig("hashonly", []string{inputFile}, nil, []string{"/bin/sh", "-c", "exit 0"})

	result, err := engine.Run(context.Background(), cfg, true)
	if err != nil {
		t.Fatalf("print-hash mode should never touch the backend: %v", err)
	}
	if result.ProgramRan {
		t.Error("expected print-hash mode to never run the program")
	}
}

func TestRun_CapturedStdoutReplayedOnCacheHit(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "in")
	os.WriteFile(inputFile, []byte("x"), 0o644)

	backend := caching.NewTestBackend(caching.TestConfig{})
	stdout := &bytes.Buffer{}
	engine := newEngine(backend)
	engine.IO = iostream.IOStream{Stdout: stdout, Stderr: &bytes.Buffer{}}

	cfg := baseConfig("stdoutcap", []string{inputFile}, nil, []string{"/bin/sh", "-c", "echo hello-world"})
	cfg.CaptureStdout = true

	if _, err := engine.Run(context.Background(), cfg, false); err != nil {
		t.Fatal(err)
	}
	first := stdout.String()
	if first == "" {
		t.Fatal("expected captured stdout to be written on first run")
	}

	stdout.Reset()
	result, err := engine.Run(context.Background(), cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.CacheHit {
		t.Fatal("expected second run to be a cache hit")
	}
	if stdout.String() != first {
		t.Errorf("replayed stdout = %q, want %q", stdout.String(), first)
	}
}

func TestRun_InputGlobMatchingNothingIsAnError(t *testing.T) {
	backend := caching.NewTestBackend(caching.TestConfig{})
	engine := newEngine(backend)
	cfg := baseConfig("noinputs", []string{"/nonexistent-capsule-glob-*"}, nil, []string{"/bin/sh", "-c", "exit 0"})

	if _, err := engine.Run(context.Background(), cfg, false); err == nil {
		t.Fatal("expected error when an input glob matches nothing")
	}
}
