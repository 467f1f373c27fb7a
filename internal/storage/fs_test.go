package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lattice/internal/domain"
)

func TestAtomicWriteReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")
	if err := AtomicWrite(path, []byte("first")); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	if err := AtomicWrite(path, []byte("second")); err != nil {
		t.Fatalf("AtomicWrite overwrite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q, want %q", data, "second")
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := AtomicWrite(filepath.Join(dir, "a.json"), []byte("x")); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
}

func TestAtomicWriteMissingParent(t *testing.T) {
	dir := t.TempDir()
	err := AtomicWrite(filepath.Join(dir, "nope", "a.json"), []byte("x"))
	if err == nil {
		t.Fatal("expected error for missing parent directory")
	}
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Fatalf("code = %s, want %s", domain.CodeOf(err), domain.CodeNotFound)
	}
}

func TestAppendLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	if err := AppendLine(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	if err := AppendLine(path, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("AppendLine second: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := "{\"a\":1}\n{\"b\":2}\n"
	if string(data) != want {
		t.Fatalf("log content = %q, want %q", data, want)
	}
}

func TestCanonicalJSONSortsKeysAndKeepsNumbers(t *testing.T) {
	in := map[string]any{
		"zebra":  1,
		"alpha":  json.Number("2.50"),
		"nested": map[string]any{"b": 1, "a": 2},
	}
	out, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	s := string(out)
	if !strings.HasSuffix(s, "\n") {
		t.Fatal("canonical output must end with a newline")
	}
	if strings.Index(s, "alpha") > strings.Index(s, "zebra") {
		t.Fatalf("keys not sorted:\n%s", s)
	}
	if !strings.Contains(s, "2.50") {
		t.Fatalf("numeric literal not preserved:\n%s", s)
	}
	// Stability: the same value always serializes to the same bytes.
	again, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("CanonicalJSON again: %v", err)
	}
	if string(again) != s {
		t.Fatal("canonical serialization is not stable")
	}
}

func TestLocateWalksUp(t *testing.T) {
	base := t.TempDir()
	marker := filepath.Join(base, MarkerDir)
	nested := filepath.Join(base, "src", "deep")
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatalf("mkdir marker: %v", err)
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	root, err := Locate(nested)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if root.Dir != marker {
		t.Fatalf("root = %s, want %s", root.Dir, marker)
	}
}

func TestLocateNotFound(t *testing.T) {
	_, err := Locate(t.TempDir())
	if err == nil {
		t.Fatal("expected error when no marker directory exists")
	}
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Fatalf("code = %s, want %s", domain.CodeOf(err), domain.CodeNotFound)
	}
}

func TestEnsureDirsIdempotent(t *testing.T) {
	root := NewRoot(filepath.Join(t.TempDir(), MarkerDir))
	if err := root.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if err := root.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs second run: %v", err)
	}
	for _, dir := range []string{root.EventsDir(), root.TasksDir(), root.LocksDir(), root.ArchiveTasksDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("missing layout directory %s: %v", dir, err)
		}
	}
}

func TestMoveAcrossLayout(t *testing.T) {
	root := NewRoot(filepath.Join(t.TempDir(), MarkerDir))
	if err := root.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	src := root.SnapshotPath("task_x")
	dst := root.ArchiveSnapshotPath("task_x")
	if err := AtomicWrite(src, []byte("{}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Move(src, dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source still exists after move")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("destination missing after move: %v", err)
	}
}
