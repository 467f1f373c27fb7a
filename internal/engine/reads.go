package engine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lattice/internal/domain"
	"lattice/internal/storage"
)

// GetTask returns a task's snapshot from the active or archive layout.
// Reads are lock-free: the atomic-rename write path guarantees a reader
// sees fully-old or fully-new content, never a mix.
func (e Engine) GetTask(taskID string) (*domain.Snapshot, bool, error) {
	snap, err := ReadSnapshot(e.Root.SnapshotPath(taskID))
	if err != nil {
		return nil, false, err
	}
	if snap != nil {
		return snap, false, nil
	}
	snap, err = ReadSnapshot(e.Root.ArchiveSnapshotPath(taskID))
	if err != nil {
		return nil, false, err
	}
	if snap != nil {
		return snap, true, nil
	}
	return nil, false, domain.Errf(domain.CodeNotFound, "task %s not found", taskID)
}

// ListFilter narrows ListTasks output.
type ListFilter struct {
	Status   string
	Type     string
	Assignee string
	Tag      string
}

func (f ListFilter) match(s *domain.Snapshot) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.Assignee != "" && s.AssignedTo != f.Assignee {
		return false
	}
	if f.Tag != "" && !containsString(s.Tags, f.Tag) {
		return false
	}
	return true
}

// ListTasks loads every active snapshot, skipping corrupt files with a
// diagnostic, sorted by id (which is creation-time ordered).
func (e Engine) ListTasks(filter ListFilter) ([]*domain.Snapshot, error) {
	return e.listDir(e.Root.TasksDir(), filter)
}

// ListArchivedTasks is ListTasks over the archive layout.
func (e Engine) ListArchivedTasks(filter ListFilter) ([]*domain.Snapshot, error) {
	return e.listDir(e.Root.ArchiveTasksDir(), filter)
}

func (e Engine) listDir(dir string, filter ListFilter) ([]*domain.Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, domain.WrapIO("read tasks directory", err)
	}
	var out []*domain.Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		snap, err := ReadSnapshot(filepath.Join(dir, name))
		if err != nil || snap == nil {
			if err != nil {
				e.reportDiags([]string{err.Error()})
			}
			continue
		}
		if filter.match(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TaskEvents returns a task's full event sequence, active or archived.
func (e Engine) TaskEvents(taskID string) ([]domain.Event, error) {
	if !e.taskExists(taskID) {
		return nil, domain.Errf(domain.CodeNotFound, "task %s not found", taskID)
	}
	evs, diags, err := e.Log.ReadAny(taskID)
	if err != nil {
		return nil, err
	}
	e.reportDiags(diags)
	return evs, nil
}

// VerifyTask replays a task's event log from empty state and compares
// the canonical serialization with the snapshot on disk. This is the
// central correctness invariant: incremental application and full
// rebuild must agree byte for byte.
func (e Engine) VerifyTask(taskID string) (bool, error) {
	snap, archived, err := e.GetTask(taskID)
	if err != nil {
		return false, err
	}
	var evs []domain.Event
	var diags []string
	if archived {
		evs, diags, err = e.Log.ReadArchived(taskID)
	} else {
		evs, diags, err = e.Log.Read(taskID)
	}
	if err != nil {
		return false, err
	}
	e.reportDiags(diags)
	rebuilt, err := Replay(evs, e.diag())
	if err != nil {
		return false, err
	}
	want, err := storage.CanonicalJSON(snap)
	if err != nil {
		return false, err
	}
	got, err := storage.CanonicalJSON(rebuilt)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}

// RepairTask rewrites a task's snapshot from a full replay of its log.
// The event log is the system of record; this is the recovery path after
// a crash between the event append and the snapshot write.
func (e Engine) RepairTask(taskID string) (*domain.Snapshot, error) {
	_, archived, err := e.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	var evs []domain.Event
	var diags []string
	path := e.Root.SnapshotPath(taskID)
	if archived {
		evs, diags, err = e.Log.ReadArchived(taskID)
		path = e.Root.ArchiveSnapshotPath(taskID)
	} else {
		evs, diags, err = e.Log.Read(taskID)
	}
	if err != nil {
		return nil, err
	}
	e.reportDiags(diags)
	rebuilt, err := Replay(evs, e.diag())
	if err != nil {
		return nil, err
	}
	if rebuilt == nil {
		return nil, domain.Errf(domain.CodeInvalidState, "task %s has no events to replay", taskID)
	}

	locks, err := storage.Acquire(e.Root.LocksDir(), storage.TasksLockKey(taskID))
	if err != nil {
		return nil, err
	}
	defer locks.Release()
	if err := storage.WriteCanonical(path, rebuilt); err != nil {
		return nil, err
	}
	return rebuilt, nil
}
