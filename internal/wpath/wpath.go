// Package wpath represents file paths that may be either absolute or
// workspace-relative, normalizing between the two on I/O.
//
// A workspace-relative path renders as "//<subpath>" and is portable
// across identical workspace checkouts at different absolute prefixes;
// persisted output records store paths in this form. Resolving one to
// an absolute path requires a configured workspace root.
package wpath

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Path is either workspace-relative or a verbatim non-workspace path.
type Path struct {
	workspace bool
	inner     string // subpath (no "//" prefix) if workspace, else verbatim
}

// New parses s, treating a leading "//" as marking a workspace-relative
// path and anything else as a verbatim non-workspace path.
func New(s string) Path {
	if rest, ok := strings.CutPrefix(s, "//"); ok {
		return Path{workspace: true, inner: rest}
	}
	return Path{inner: s}
}

// FromAbsolute builds a Path from an absolute filesystem path, rendering
// it workspace-relative if root is non-empty and the path sits under it.
func FromAbsolute(path string, root string) Path {
	if root == "" {
		return Path{inner: path}
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Path{inner: path}
	}
	return Path{workspace: true, inner: rel}
}

// IsWorkspace reports whether p is workspace-relative.
func (p Path) IsWorkspace() bool { return p.workspace }

// String renders p in its canonical form: "//<subpath>" if
// workspace-relative, the verbatim path otherwise.
func (p Path) String() string {
	if p.workspace {
		return "//" + p.inner
	}
	return p.inner
}

// Resolve returns the absolute filesystem path for p. A workspace-
// relative Path requires a non-empty root; its absence is an error.
func (p Path) Resolve(root string) (string, error) {
	if !p.workspace {
		return p.inner, nil
	}
	if root == "" {
		return "", fmt.Errorf("workspace-relative path %q used but no workspace root configured", p)
	}
	return filepath.Join(root, p.inner), nil
}

// ExpandGlob expands pattern (which may itself be workspace-relative,
// e.g. "//pkg/**/*.go") against root, returning matches re-encoded back
// to workspace form if the pattern was workspace-relative, or to
// absolute form otherwise. An empty pattern expansion is the caller's
// responsibility to reject (see internal/wrapper's ErrInputDiscovery).
func ExpandGlob(pattern string, root string) ([]string, error) {
	p := New(pattern)

	var fullPattern string
	if p.workspace {
		if root == "" {
			return nil, fmt.Errorf("workspace-relative glob %q used but no workspace root configured", pattern)
		}
		fullPattern = filepath.Join(root, p.inner)
	} else if filepath.IsAbs(p.inner) {
		fullPattern = p.inner
	} else {
		abs, err := filepath.Abs(p.inner)
		if err != nil {
			return nil, fmt.Errorf("resolving glob pattern %q: %w", pattern, err)
		}
		fullPattern = abs
	}

	matches, err := doublestar.FilepathGlob(fullPattern)
	if err != nil {
		return nil, fmt.Errorf("expanding glob pattern %q: %w", pattern, err)
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("resolving matched path %q: %w", m, err)
		}
		if p.workspace {
			out = append(out, FromAbsolute(abs, root).String())
		} else {
			out = append(out, abs)
		}
	}
	return out, nil
}
