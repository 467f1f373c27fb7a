package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"lattice/internal/domain"
)

// Lock key constructors. A key names one serializable resource; the file
// backing it is created on first acquisition and never deleted.
func EventsLockKey(taskID string) string { return "events_" + taskID }
func TasksLockKey(taskID string) string  { return "tasks_" + taskID }

const LifecycleLockKey = "events__lifecycle"

// IDIndexLockKey serializes short-ID allocation.
const IDIndexLockKey = "ids"

// LockSet holds one or more acquired advisory locks. Release must run on
// every exit path; callers defer it immediately after Acquire succeeds.
type LockSet struct {
	files []*os.File
}

// Acquire takes exclusive flocks for every key, always in lexicographic
// order regardless of caller order. Canonical ordering is the sole
// deadlock-avoidance mechanism between processes whose key sets overlap,
// so caller-supplied order is never honored.
func Acquire(locksDir string, keys ...string) (*LockSet, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	set := &LockSet{}
	for _, key := range sorted {
		f, err := os.OpenFile(filepath.Join(locksDir, key), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			set.Release()
			return nil, domain.WrapIO(fmt.Sprintf("open lock file %s", key), err)
		}
		// Blocks until the current holder releases; there is no timeout
		// in the base design.
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
			f.Close()
			set.Release()
			return nil, domain.WrapIO(fmt.Sprintf("flock %s", key), err)
		}
		set.files = append(set.files, f)
	}
	return set, nil
}

// Release drops all held locks in reverse acquisition order. The lock
// files themselves stay on disk. Safe to call more than once.
func (s *LockSet) Release() {
	if s == nil {
		return
	}
	for i := len(s.files) - 1; i >= 0; i-- {
		f := s.files[i]
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}
	s.files = nil
}
