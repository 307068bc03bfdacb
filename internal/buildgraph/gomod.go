package buildgraph

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/build"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/valeryz/capsules/internal/config"
)

// ReadModulePath reads the module directive from a go.mod file, the
// same "module <path>" line `go list` itself resolves against.
func ReadModulePath(goModPath string) (string, error) {
	f, err := os.Open(goModPath)
	if err != nil {
		return "", fmt.Errorf("buildgraph: reading %s: %w", goModPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "module ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "module")), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("buildgraph: scanning %s: %w", goModPath, err)
	}
	return "", fmt.Errorf("buildgraph: no module directive found in %s", goModPath)
}

// UnitKind names what a unit's underlying command actually does,
// mirroring the target kinds a build system's unit graph can label a
// package with.
type UnitKind string

const (
	KindLibrary UnitKind = "library"
	KindBinary  UnitKind = "binary"
	KindTest    UnitKind = "test"
)

// DiscoverOptions configures a Go-module-aware unit graph discovery
// pass: given a set of root import paths, walk their transitive
// dependency graph (via go/build, the standard library's own package
// importer — there is no ecosystem replacement for "parse this Go
// module's import graph" grounded anywhere in this corpus, so this is
// the one place the implementation reaches past it), partition deps
// into local (import path under ModulePath) and external (anything
// else, including the standard library), and build one Unit per local
// package.
type DiscoverOptions struct {
	// ModuleDir is the module root (where go.mod lives); import paths
	// are resolved relative to it.
	ModuleDir string
	// ModulePath is the module's import path prefix (the first line
	// of go.mod), used to recognize which imports are local.
	ModulePath string
	// CapsuleIDBase prefixes every unit's capsule_id, per
	// "<base>-<package>".
	CapsuleIDBase string
	// Kind is the kind of command being wrapped (library, binary, or
	// test). KindTest adds each package's _test.go files to its inputs
	// and its test imports to the dependency walk; the other kinds
	// are treated alike.
	Kind UnitKind
	// CommandFor builds the underlying build command scoped to one
	// package, given its import path.
	CommandFor func(importPath string) []string
	// OutputFor returns the expected output path for one package's
	// command, or "" if the command produces no file artifact (a
	// plain `go test` run, for instance).
	OutputFor func(importPath string) string
	// PassthroughArgs are the flags passed through to every
	// underlying command; their hash becomes a tool tag so changing
	// them invalidates every unit's cache entry.
	PassthroughArgs []string
}

// Discover walks roots' transitive import graph and returns one Unit
// per local package reached, wired into a dependency DAG matching the
// local import relationships between them.
func Discover(roots []string, opts DiscoverOptions) ([]Unit, error) {
	visited := make(map[string]*build.Package)
	var walk func(importPath string) error
	walk = func(importPath string) error {
		if _, ok := visited[importPath]; ok {
			return nil
		}
		pkg, err := build.Import(importPath, opts.ModuleDir, 0)
		if err != nil {
			return fmt.Errorf("buildgraph: resolving package %q: %w", importPath, err)
		}
		visited[importPath] = pkg
		deps := append([]string{}, pkg.Imports...)
		if opts.Kind == KindTest {
			deps = append(deps, pkg.TestImports...)
			deps = append(deps, pkg.XTestImports...)
		}
		for _, imp := range deps {
			if !isLocal(imp, opts.ModulePath) {
				continue
			}
			if err := walk(imp); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range roots {
		if err := walk(root); err != nil {
			return nil, err
		}
	}

	argsTag := "args:" + hashStrings(opts.PassthroughArgs)

	importPaths := make([]string, 0, len(visited))
	for importPath := range visited {
		importPaths = append(importPaths, importPath)
	}
	sort.Strings(importPaths)

	// goFilesOf/directLocal/directExternal hold each package's own,
	// non-transitive data; localDeps (used for Unit.Dependencies, the
	// graph edges) stays direct-only, but InputFiles/ToolTags below are
	// unioned across the full transitive local-dependency closure, so a
	// change anywhere upstream invalidates every downstream unit's
	// cache entry too.
	goFilesOf := make(map[string][]string, len(importPaths))
	directLocal := make(map[string][]string, len(importPaths))
	directExternal := make(map[string][]string, len(importPaths))

	for _, importPath := range importPaths {
		pkg := visited[importPath]

		goFiles := append([]string{}, pkg.GoFiles...)
		imports := append([]string{}, pkg.Imports...)
		if opts.Kind == KindTest {
			goFiles = append(goFiles, pkg.TestGoFiles...)
			goFiles = append(goFiles, pkg.XTestGoFiles...)
			imports = append(imports, pkg.TestImports...)
			imports = append(imports, pkg.XTestImports...)
		}
		absFiles := make([]string, 0, len(goFiles))
		for _, f := range goFiles {
			absFiles = append(absFiles, filepath.Join(pkg.Dir, f))
		}
		goFilesOf[importPath] = absFiles

		localSet := make(map[string]struct{})
		externalSet := make(map[string]struct{})
		for _, imp := range imports {
			if imp == importPath {
				continue
			}
			if isLocal(imp, opts.ModulePath) {
				localSet[imp] = struct{}{}
			} else {
				externalSet[externalTag(imp)] = struct{}{}
			}
		}
		localDeps := make([]string, 0, len(localSet))
		for dep := range localSet {
			localDeps = append(localDeps, dep)
		}
		externalTags := make([]string, 0, len(externalSet))
		for tag := range externalSet {
			externalTags = append(externalTags, tag)
		}
		sort.Strings(localDeps)
		sort.Strings(externalTags)
		directLocal[importPath] = localDeps
		directExternal[importPath] = externalTags
	}

	transitiveCache := make(map[string][]string, len(importPaths))

	units := make([]Unit, 0, len(importPaths))
	for _, importPath := range importPaths {
		pkg := visited[importPath]

		transitiveLocal := transitiveLocalDeps(importPath, directLocal, transitiveCache)

		inputSet := make(map[string]struct{})
		for _, f := range goFilesOf[importPath] {
			inputSet[f] = struct{}{}
		}
		externalSet := make(map[string]struct{})
		for _, tag := range directExternal[importPath] {
			externalSet[tag] = struct{}{}
		}
		for _, dep := range transitiveLocal {
			for _, f := range goFilesOf[dep] {
				inputSet[f] = struct{}{}
			}
			for _, tag := range directExternal[dep] {
				externalSet[tag] = struct{}{}
			}
		}

		inputs := make([]string, 0, len(inputSet))
		for f := range inputSet {
			inputs = append(inputs, f)
		}
		sort.Strings(inputs)

		externalTags := make([]string, 0, len(externalSet))
		for tag := range externalSet {
			externalTags = append(externalTags, tag)
		}
		sort.Strings(externalTags)

		capsuleID := fmt.Sprintf("%s-%s", opts.CapsuleIDBase, importPath)
		var outputs []string
		if opts.OutputFor != nil {
			if out := opts.OutputFor(importPath); out != "" {
				outputs = []string{out}
			}
		}

		units = append(units, Unit{
			Name:         importPath,
			Dir:          pkg.Dir,
			Dependencies: directLocal[importPath],
			ExternalDeps: externalTags,
			Config: &config.Config{
				CapsuleID:    capsuleID,
				Milestone:    config.RedPill,
				InputFiles:   inputs,
				ToolTags:     append(append([]string{}, externalTags...), argsTag),
				OutputFiles:  outputs,
				CommandToRun: opts.CommandFor(importPath),
			},
		})
	}

	return units, nil
}

// transitiveLocalDeps returns every local package importPath depends on,
// directly or indirectly. Each package's result is memoized in cache,
// since the same upstream package is typically shared by many
// downstream units; within one walk, the seen set lists each
// dependency once and stops the walk from revisiting it.
func transitiveLocalDeps(importPath string, direct map[string][]string, cache map[string][]string) []string {
	if cached, ok := cache[importPath]; ok {
		return cached
	}
	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(p string) {
		for _, dep := range direct[p] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			walk(dep)
		}
	}
	walk(importPath)

	result := make([]string, 0, len(seen))
	for dep := range seen {
		result = append(result, dep)
	}
	sort.Strings(result)
	cache[importPath] = result
	return result
}

// isLocal reports whether importPath belongs to the module being
// built, as opposed to a dependency (vendored, module cache, or
// standard library) whose content this build doesn't control and
// whose identity is therefore tracked by a tool tag, not by hashing
// its source.
func isLocal(importPath, modulePath string) bool {
	if modulePath == "" {
		return false
	}
	return importPath == modulePath || strings.HasPrefix(importPath, modulePath+"/")
}

// externalTag builds a stable tool tag for a non-local import. Go's
// standard library has no independent version (it's pinned to the
// toolchain itself); everything else is identified by import path,
// since go/build doesn't expose the resolved module version directly
// and go.sum parsing is out of scope for this discovery pass.
func externalTag(importPath string) string {
	if !strings.Contains(strings.SplitN(importPath, "/", 2)[0], ".") {
		return "stdlib:" + runtime.Version() + ":" + importPath
	}
	return "module:" + importPath
}

func hashStrings(args []string) string {
	h := sha256.New()
	for _, a := range args {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
