package engine

import (
	"errors"
	"os"

	"lattice/internal/domain"
	"lattice/internal/ids"
	"lattice/internal/storage"
)

func (e Engine) archiveLockKeys(taskID string) []string {
	return []string{
		storage.EventsLockKey(taskID),
		storage.TasksLockKey(taskID),
		storage.LifecycleLockKey,
	}
}

// Archive records task_archived and relocates the task's files into the
// archive layout. The event is appended before anything moves, so a
// crash mid-relocation is repairable by re-deriving from the log.
func (e Engine) Archive(taskID string, meta Meta) (domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	snap, err := ReadSnapshot(e.Root.SnapshotPath(taskID))
	if err != nil {
		return domain.Event{}, err
	}
	if snap == nil {
		if _, statErr := os.Stat(e.Root.ArchiveSnapshotPath(taskID)); statErr == nil {
			return domain.Event{}, domain.Errf(domain.CodeConflict, "task %s is already archived", taskID)
		}
		return domain.Event{}, domain.Errf(domain.CodeNotFound, "task %s not found", taskID)
	}

	ev := e.newEvent(domain.TypeTaskArchived, taskID, domain.EventData{}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return domain.Event{}, err
	}

	locks, err := storage.Acquire(e.Root.LocksDir(), e.archiveLockKeys(taskID)...)
	if err != nil {
		return domain.Event{}, err
	}
	defer locks.Release()

	// 1. Append to the per-task log, then the lifecycle log.
	if err := e.Log.Append(ev); err != nil {
		return domain.Event{}, err
	}
	// 2. Write the updated snapshot, then relocate everything.
	if err := storage.WriteCanonical(e.Root.SnapshotPath(taskID), next); err != nil {
		return domain.Event{}, err
	}
	if err := storage.Move(e.Root.SnapshotPath(taskID), e.Root.ArchiveSnapshotPath(taskID)); err != nil {
		return domain.Event{}, err
	}
	if err := storage.Move(e.Root.EventLogPath(taskID), e.Root.ArchiveEventLogPath(taskID)); err != nil {
		return domain.Event{}, err
	}
	// 3. Notes travel with the task when they exist.
	if _, err := os.Stat(e.Root.NotePath(taskID)); err == nil {
		if err := storage.Move(e.Root.NotePath(taskID), e.Root.ArchiveNotePath(taskID)); err != nil {
			return domain.Event{}, err
		}
	}
	return ev, nil
}

// Unarchive restores an archived task to the active layout and records
// task_unarchived. The log moves back first so the unarchive event lands
// in the active per-task log.
func (e Engine) Unarchive(taskID string, meta Meta) (domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if _, err := os.Stat(e.Root.SnapshotPath(taskID)); err == nil {
		return domain.Event{}, domain.Errf(domain.CodeConflict, "task %s is not archived (already active)", taskID)
	}
	snap, err := ReadSnapshot(e.Root.ArchiveSnapshotPath(taskID))
	if err != nil {
		return domain.Event{}, err
	}
	if snap == nil {
		return domain.Event{}, domain.Errf(domain.CodeNotFound, "task %s not found in archive", taskID)
	}

	ev := e.newEvent(domain.TypeTaskUnarchived, taskID, domain.EventData{}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return domain.Event{}, err
	}

	locks, err := storage.Acquire(e.Root.LocksDir(), e.archiveLockKeys(taskID)...)
	if err != nil {
		return domain.Event{}, err
	}
	defer locks.Release()

	// 1. Move the event log back, then append the unarchive event to it
	// and to the lifecycle log.
	if _, err := os.Stat(e.Root.ArchiveEventLogPath(taskID)); err == nil {
		if err := storage.Move(e.Root.ArchiveEventLogPath(taskID), e.Root.EventLogPath(taskID)); err != nil {
			return domain.Event{}, err
		}
	}
	if err := e.Log.Append(ev); err != nil {
		return domain.Event{}, err
	}
	// 2. Write the snapshot to the active location and drop the
	// archived copy.
	if err := storage.WriteCanonical(e.Root.SnapshotPath(taskID), next); err != nil {
		return domain.Event{}, err
	}
	if err := os.Remove(e.Root.ArchiveSnapshotPath(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.Event{}, domain.WrapIO("remove archived snapshot", err)
	}
	// 3. Notes come back too.
	if _, err := os.Stat(e.Root.ArchiveNotePath(taskID)); err == nil {
		if err := storage.Move(e.Root.ArchiveNotePath(taskID), e.Root.NotePath(taskID)); err != nil {
			return domain.Event{}, err
		}
	}
	return ev, nil
}
