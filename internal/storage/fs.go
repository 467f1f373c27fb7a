// Package storage owns the filesystem substrate: the marker directory
// layout, atomic writes, JSONL appends, canonical JSON serialization, and
// the advisory lock manager. Nothing here knows what an event means.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lattice/internal/domain"
)

// MarkerDir is the root marker directory created by `lattice init`.
const MarkerDir = ".lattice"

// Root is one resolved marker directory. All core operations receive a
// Root explicitly rather than reading ambient globals, so multiple
// independent roots can coexist in one process.
type Root struct {
	Dir string
}

// NewRoot wraps an already-resolved marker directory path.
func NewRoot(dir string) Root { return Root{Dir: dir} }

func (r Root) EventsDir() string        { return filepath.Join(r.Dir, "events") }
func (r Root) TasksDir() string         { return filepath.Join(r.Dir, "tasks") }
func (r Root) NotesDir() string         { return filepath.Join(r.Dir, "notes") }
func (r Root) LocksDir() string         { return filepath.Join(r.Dir, "locks") }
func (r Root) ArchiveEventsDir() string { return filepath.Join(r.Dir, "archive", "events") }
func (r Root) ArchiveTasksDir() string  { return filepath.Join(r.Dir, "archive", "tasks") }
func (r Root) ArchiveNotesDir() string  { return filepath.Join(r.Dir, "archive", "notes") }

func (r Root) EventLogPath(taskID string) string {
	return filepath.Join(r.EventsDir(), taskID+".jsonl")
}

func (r Root) LifecyclePath() string {
	return filepath.Join(r.EventsDir(), "_lifecycle.jsonl")
}

func (r Root) SnapshotPath(taskID string) string {
	return filepath.Join(r.TasksDir(), taskID+".json")
}

func (r Root) NotePath(taskID string) string {
	return filepath.Join(r.NotesDir(), taskID+".md")
}

func (r Root) ArchiveEventLogPath(taskID string) string {
	return filepath.Join(r.ArchiveEventsDir(), taskID+".jsonl")
}

func (r Root) ArchiveSnapshotPath(taskID string) string {
	return filepath.Join(r.ArchiveTasksDir(), taskID+".json")
}

func (r Root) ArchiveNotePath(taskID string) string {
	return filepath.Join(r.ArchiveNotesDir(), taskID+".md")
}

func (r Root) ConfigPath() string  { return filepath.Join(r.Dir, "config.json") }
func (r Root) IDIndexPath() string { return filepath.Join(r.Dir, "ids.json") }
func (r Root) ContextPath() string { return filepath.Join(r.Dir, "context.md") }

// EnsureDirs provisions the full directory layout under the root.
func (r Root) EnsureDirs() error {
	dirs := []string{
		r.Dir,
		r.EventsDir(),
		r.TasksDir(),
		r.NotesDir(),
		r.LocksDir(),
		r.ArchiveEventsDir(),
		r.ArchiveTasksDir(),
		r.ArchiveNotesDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return domain.WrapIO(fmt.Sprintf("create %s", d), err)
		}
	}
	return nil
}

// Locate walks up from start looking for the marker directory.
func Locate(start string) (Root, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return Root{}, domain.WrapIO("resolve start path", err)
	}
	for {
		candidate := filepath.Join(dir, MarkerDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return Root{Dir: candidate}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Root{}, domain.Errf(domain.CodeNotFound,
				"no %s directory found in %s or any parent; run 'lattice init' first", MarkerDir, start)
		}
		dir = parent
	}
}

// AtomicWrite replaces the target with content via temp + fsync + rename.
// Either the target ends up with exactly this content or it is unchanged;
// readers never observe a partial write. The parent directory must exist.
func AtomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Errf(domain.CodeNotFound, "parent directory does not exist: %s", dir)
		}
		return domain.WrapIO(fmt.Sprintf("stat %s", dir), err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return domain.WrapIO("create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	// Loop on short writes; a single Write call is not guaranteed to
	// take the whole buffer on every filesystem.
	for buf := content; len(buf) > 0; {
		n, werr := tmp.Write(buf)
		if werr != nil {
			cleanup()
			return domain.WrapIO(fmt.Sprintf("write %s", path), werr)
		}
		buf = buf[n:]
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return domain.WrapIO(fmt.Sprintf("fsync %s", path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.WrapIO(fmt.Sprintf("close temp for %s", path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return domain.WrapIO(fmt.Sprintf("rename onto %s", path), err)
	}
	return nil
}

// AppendLine appends one line (newline added here) to a JSONL file,
// creating it if missing. Callers hold the covering lock.
func AppendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return domain.WrapIO(fmt.Sprintf("open %s for append", path), err)
	}
	defer f.Close()
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	for len(buf) > 0 {
		n, werr := f.Write(buf)
		if werr != nil {
			return domain.WrapIO(fmt.Sprintf("append to %s", path), werr)
		}
		buf = buf[n:]
	}
	if err := f.Sync(); err != nil {
		return domain.WrapIO(fmt.Sprintf("fsync %s", path), err)
	}
	return nil
}

// CanonicalJSON serializes v as sorted-key JSON with two-space indent and
// a single trailing newline. This exact formatting is part of the on-disk
// compatibility contract for snapshots and config files.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	// Round-trip through an untyped value: Go sorts map keys on marshal,
	// and json.Number preserves numeric literals exactly.
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal canonical: %w", err)
	}
	return append(out, '\n'), nil
}

// WriteCanonical atomic-writes v at path in the canonical JSON format.
func WriteCanonical(path string, v any) error {
	data, err := CanonicalJSON(v)
	if err != nil {
		return domain.WrapIO(fmt.Sprintf("serialize %s", path), err)
	}
	return AtomicWrite(path, data)
}

// Move relocates a file across the active/archive boundary.
func Move(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return domain.WrapIO(fmt.Sprintf("move %s to %s", src, dst), err)
	}
	return nil
}
