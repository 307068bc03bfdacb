package wpath

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_WorkspaceRelative(t *testing.T) {
	p := New("//pkg/foo.go")
	if !p.IsWorkspace() {
		t.Fatal("expected workspace-relative path")
	}
	if got, want := p.String(), "//pkg/foo.go"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNew_NonWorkspace(t *testing.T) {
	p := New("/abs/foo.go")
	if p.IsWorkspace() {
		t.Fatal("expected non-workspace path")
	}
	if got, want := p.String(), "/abs/foo.go"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFromAbsolute_UnderRoot(t *testing.T) {
	root := "/home/user/ws"
	p := FromAbsolute("/home/user/ws/pkg/foo.go", root)
	if !p.IsWorkspace() {
		t.Fatal("expected path under root to become workspace-relative")
	}
	if got, want := p.String(), "//pkg/foo.go"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFromAbsolute_OutsideRoot(t *testing.T) {
	root := "/home/user/ws"
	p := FromAbsolute("/etc/passwd", root)
	if p.IsWorkspace() {
		t.Fatal("expected path outside root to stay non-workspace")
	}
	if got, want := p.String(), "/etc/passwd"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFromAbsolute_NoRoot(t *testing.T) {
	p := FromAbsolute("/home/user/ws/pkg/foo.go", "")
	if p.IsWorkspace() {
		t.Fatal("expected no-root FromAbsolute to stay non-workspace")
	}
}

func TestResolve_NonWorkspace(t *testing.T) {
	p := New("/abs/foo.go")
	got, err := p.Resolve("")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if want := "/abs/foo.go"; got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolve_WorkspaceNoRoot(t *testing.T) {
	p := New("//pkg/foo.go")
	if _, err := p.Resolve(""); err == nil {
		t.Fatal("expected error resolving workspace path without a root")
	}
}

func TestResolve_WorkspaceWithRoot(t *testing.T) {
	p := New("//pkg/foo.go")
	got, err := p.Resolve("/home/user/ws")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if want := filepath.Join("/home/user/ws", "pkg/foo.go"); got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestExpandGlob_Workspace(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.go", "b.go"} {
		if err := os.WriteFile(filepath.Join(root, "pkg", name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := ExpandGlob("//pkg/*.go", root)
	if err != nil {
		t.Fatalf("ExpandGlob returned error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %v", len(matches), matches)
	}
	for _, m := range matches {
		if !New(m).IsWorkspace() {
			t.Errorf("match %q was not re-encoded to workspace-relative form", m)
		}
	}
}

func TestExpandGlob_NonWorkspaceAbsolute(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	matches, err := ExpandGlob(filepath.Join(dir, "*.txt"), "")
	if err != nil {
		t.Fatalf("ExpandGlob returned error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1: %v", len(matches), matches)
	}
	if New(matches[0]).IsWorkspace() {
		t.Errorf("non-workspace glob match %q was encoded as workspace-relative", matches[0])
	}
}

func TestExpandGlob_WorkspaceNoRoot(t *testing.T) {
	if _, err := ExpandGlob("//pkg/*.go", ""); err == nil {
		t.Fatal("expected error expanding workspace glob without a root")
	}
}
