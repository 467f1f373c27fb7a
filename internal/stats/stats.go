// Package stats aggregates read-only views over snapshots and event
// logs for the CLI and the dashboard. Pure reads, no locks; corrupt
// files are skipped the same way replay skips corrupt lines.
package stats

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"lattice/internal/domain"
	"lattice/internal/engine"
	"lattice/internal/storage"
)

// Summary is the aggregate view of one root.
type Summary struct {
	ActiveTasks    int            `json:"active_tasks"`
	ArchivedTasks  int            `json:"archived_tasks"`
	ByStatus       map[string]int `json:"by_status"`
	ByPriority     map[string]int `json:"by_priority"`
	ByType         map[string]int `json:"by_type"`
	ByAssignee     map[string]int `json:"by_assignee"`
	TotalEvents    int            `json:"total_events"`
	ArchivedEvents int            `json:"archived_events"`
	EventsPerTask  map[string]int `json:"events_per_task"`
	RecentlyActive int            `json:"recently_active"`
}

// Collect builds a summary. Tasks whose updated_at falls within window
// of now count as recently active.
func Collect(root storage.Root, now time.Time, window time.Duration) (*Summary, error) {
	s := &Summary{
		ByStatus:      map[string]int{},
		ByPriority:    map[string]int{},
		ByType:        map[string]int{},
		ByAssignee:    map[string]int{},
		EventsPerTask: map[string]int{},
	}

	active, archived := loadSnapshots(root)
	s.ActiveTasks = len(active)
	s.ArchivedTasks = len(archived)
	for _, snap := range active {
		s.ByStatus[snap.Status]++
		if snap.Priority != "" {
			s.ByPriority[snap.Priority]++
		}
		if snap.Type != "" {
			s.ByType[snap.Type]++
		}
		if snap.AssignedTo != "" {
			s.ByAssignee[snap.AssignedTo]++
		}
		if withinWindow(snap.UpdatedAt, now, window) {
			s.RecentlyActive++
		}
	}

	total, perTask := countEvents(root.EventsDir())
	s.TotalEvents = total
	s.EventsPerTask = perTask
	archTotal, _ := countEvents(root.ArchiveEventsDir())
	s.ArchivedEvents = archTotal
	return s, nil
}

func loadSnapshots(root storage.Root) (active, archived []*domain.Snapshot) {
	return readSnapshotDir(root.TasksDir()), readSnapshotDir(root.ArchiveTasksDir())
}

func readSnapshotDir(dir string) []*domain.Snapshot {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []*domain.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		snap, err := engine.ReadSnapshot(filepath.Join(dir, entry.Name()))
		if err != nil || snap == nil {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// countEvents tallies non-blank lines per task log. The lifecycle log
// (and anything else underscore-prefixed) is excluded.
func countEvents(dir string) (int, map[string]int) {
	perTask := map[string]int{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, perTask
	}
	total := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		count := 0
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) != "" {
				count++
			}
		}
		taskID := strings.TrimSuffix(name, ".jsonl")
		perTask[taskID] = count
		total += count
	}
	return total, perTask
}

func withinWindow(ts string, now time.Time, window time.Duration) bool {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false
	}
	return now.Sub(t) <= window
}
