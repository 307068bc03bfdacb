package iohashing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestHashFile_Empty(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "empty", "")

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile returned error: %v", err)
	}
	want := "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if string(got) != want {
		t.Errorf("HashFile(empty) = %s, want %s", got, want)
	}
}

func TestHashFile_Nonexistent(t *testing.T) {
	if _, err := HashFile("/nonexistent-capsule-input"); err == nil {
		t.Fatal("expected error hashing nonexistent file, got nil")
	}
}

func TestInputSet_Empty(t *testing.T) {
	var set InputSet
	got, err := set.Hash()
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if got != EmptyDigest() {
		t.Errorf("empty InputSet hash = %s, want %s", got, EmptyDigest())
	}
}

func TestInputSet_OrderIndependent(t *testing.T) {
	var a, b InputSet
	a.Add(ToolTag("some tool_tag"))
	a.Add(ToolTag("another tool_tag"))

	b.Add(ToolTag("another tool_tag"))
	b.Add(ToolTag("some tool_tag"))

	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hash depends on insertion order: %s != %s", ha, hb)
	}
}

func TestInputSet_ToolTagsSortFirst(t *testing.T) {
	dir := t.TempDir()
	file := writeTemp(t, dir, "f.txt", "contents")

	var set InputSet
	set.Add(File(file))
	set.Add(ToolTag("zzz-tool"))

	bundle, err := set.HashBundle()
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Items[0].Input.Kind != InputToolTag {
		t.Errorf("expected tool tag first in sorted items, got %+v", bundle.Items[0])
	}
}

func TestInputSet_DifferentContentDifferentHash(t *testing.T) {
	dir := t.TempDir()
	f1 := writeTemp(t, dir, "file1", "file1")
	f2 := writeTemp(t, dir, "file2", "file2")

	var s1 InputSet
	s1.Add(File(f1))
	h1, err := s1.Hash()
	if err != nil {
		t.Fatal(err)
	}

	var s2 InputSet
	s2.Add(File(f2))
	h2, err := s2.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if h1 == h2 {
		t.Error("different file contents produced the same hash")
	}
}

func TestOutputSet_AbsentFileDiffersFromEmptyFile(t *testing.T) {
	dir := t.TempDir()
	present := writeTemp(t, dir, "present", "")

	var absent OutputSet
	absent.Add(FileOutput(filepath.Join(dir, "missing"), false, 0))

	var empty OutputSet
	empty.Add(FileOutput(present, true, 0o644))

	ha, err := absent.Hash()
	if err != nil {
		t.Fatal(err)
	}
	he, err := empty.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if ha == he {
		t.Error("absent output hashed the same as a present empty file")
	}
}

func TestOutputSet_SortedByDigestOnly(t *testing.T) {
	var set OutputSet
	set.Add(FileOutput(filepath.Join(t.TempDir(), "missing"), false, 0))
	set.Add(ExitCodeOutput(0))
	bundle, err := set.HashBundle()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(2, len(bundle.Items)); diff != "" {
		t.Fatalf("unexpected item count (-want +got):\n%s", diff)
	}
	for i := 1; i < len(bundle.Items); i++ {
		if bundle.Items[i-1].Digest > bundle.Items[i].Digest {
			t.Errorf("items not sorted by digest: %s before %s", bundle.Items[i-1].Digest, bundle.Items[i].Digest)
		}
	}
}

func TestBundleHash_Deterministic(t *testing.T) {
	dir := t.TempDir()
	f1 := writeTemp(t, dir, "a", "aaa")
	f2 := writeTemp(t, dir, "b", "bbb")

	build := func() Digest {
		var s InputSet
		s.Add(File(f1))
		s.Add(File(f2))
		s.Add(ToolTag("compiler-v1"))
		h, err := s.Hash()
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	if build() != build() {
		t.Error("hash not deterministic across repeated computation")
	}
}
