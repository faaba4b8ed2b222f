package locator

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestRelocateMove(t *testing.T) {
	dir := t.TempDir()
	src := writeTempFile(t, dir, "in.txt", "hello")
	dst := filepath.Join(dir, "out.txt")

	if err := Relocate(Move, src, dst); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("expected source removed after move")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "hello" {
		t.Errorf("expected destination to contain hello, got %q err=%v", data, err)
	}
}

func TestRelocateCopyLeavesSourceIntact(t *testing.T) {
	dir := t.TempDir()
	src := writeTempFile(t, dir, "in.txt", "hello")
	dst := filepath.Join(dir, "out.txt")

	if err := Relocate(Copy, src, dst); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("expected source to remain after copy, got %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("expected destination to exist, got %v", err)
	}
}

func TestRelocateOverwritesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src := writeTempFile(t, dir, "in.txt", "new")
	writeTempFile(t, dir, "out.txt", "stale")
	dst := filepath.Join(dir, "out.txt")

	if err := Relocate(Move, src, dst); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "new" {
		t.Errorf("expected destination overwritten with new content, got %q", data)
	}
}

func TestRelocateGlobMovesAllFiles(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	writeTempFile(t, srcDir, "a.log", "a")
	writeTempFile(t, srcDir, "b.log", "b")

	if err := RelocateGlob(Move, srcDir, dstDir); err != nil {
		t.Fatalf("RelocateGlob: %v", err)
	}
	for _, name := range []string{"a.log", "b.log"} {
		if _, err := os.Stat(filepath.Join(dstDir, name)); err != nil {
			t.Errorf("expected %s in dst: %v", name, err)
		}
	}
}

func TestRelocateGlobMissingSourceDirIsNotAnError(t *testing.T) {
	dstDir := t.TempDir()
	if err := RelocateGlob(Move, filepath.Join(dstDir, "does-not-exist"), dstDir); err != nil {
		t.Errorf("expected no error for missing source dir, got %v", err)
	}
}
