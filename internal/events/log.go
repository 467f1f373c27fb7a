// Package events implements the append-only event log: per-task JSONL
// files plus the global lifecycle log. Append is the only mutation.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"lattice/internal/domain"
	"lattice/internal/storage"
)

// Log reads and appends event records under one resolved root.
type Log struct {
	Root storage.Root
}

// LifecycleWorthy reports whether an event type is mirrored into the
// global lifecycle log in addition to the per-task log.
func LifecycleWorthy(eventType string) bool {
	switch eventType {
	case domain.TypeTaskCreated, domain.TypeTaskArchived, domain.TypeTaskUnarchived:
		return true
	}
	return false
}

// Serialize renders one event as a compact JSON line (no trailing newline;
// the append layer adds it).
func Serialize(ev domain.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("serialize event %s: %w", ev.ID, err)
	}
	return b, nil
}

// Append writes one event to the per-task log and, for lifecycle-worthy
// types, to the lifecycle log. The caller must already hold the lock set
// covering both files; both appends belong to one logical event.
func (l Log) Append(ev domain.Event) error {
	line, err := Serialize(ev)
	if err != nil {
		return err
	}
	if err := storage.AppendLine(l.Root.EventLogPath(ev.TaskID), line); err != nil {
		return err
	}
	if LifecycleWorthy(ev.Type) {
		if err := storage.AppendLine(l.Root.LifecyclePath(), line); err != nil {
			return err
		}
	}
	return nil
}

// AppendLifecycleOnly writes one event to the lifecycle log alone. Used
// by archival paths that manage the per-task file placement themselves.
func (l Log) AppendLifecycleOnly(ev domain.Event) error {
	line, err := Serialize(ev)
	if err != nil {
		return err
	}
	return storage.AppendLine(l.Root.LifecyclePath(), line)
}

// AppendToPath writes one event to an explicit log path. Archival paths
// use this when the per-task log lives outside the active layout.
func (l Log) AppendToPath(path string, ev domain.Event) error {
	line, err := Serialize(ev)
	if err != nil {
		return err
	}
	return storage.AppendLine(path, line)
}

// Read returns a task's active event sequence in append order. A missing
// file yields an empty sequence. Blank and malformed lines are skipped
// with a diagnostic rather than failing the whole read.
func (l Log) Read(taskID string) ([]domain.Event, []string, error) {
	return ReadFile(l.Root.EventLogPath(taskID))
}

// ReadArchived reads a task's event log from the archive layout.
func (l Log) ReadArchived(taskID string) ([]domain.Event, []string, error) {
	return ReadFile(l.Root.ArchiveEventLogPath(taskID))
}

// ReadAny reads the active log and falls back to the archive when the
// active log is absent.
func (l Log) ReadAny(taskID string) ([]domain.Event, []string, error) {
	evs, diags, err := l.Read(taskID)
	if err != nil || len(evs) > 0 {
		return evs, diags, err
	}
	return l.ReadArchived(taskID)
}

// ReadLifecycle returns the global lifecycle log in append order.
func (l Log) ReadLifecycle() ([]domain.Event, []string, error) {
	return ReadFile(l.Root.LifecyclePath())
}

// ReadAll aggregates every active per-task log, ordered by event ts then
// id. Cross-file order is approximate by design: concurrent writers on
// different tasks interleave by wall time, not a global sequence.
func (l Log) ReadAll() ([]domain.Event, []string, error) {
	entries, err := os.ReadDir(l.Root.EventsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, domain.WrapIO("read events directory", err)
	}
	var all []domain.Event
	var diags []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name[0] == '_' || len(name) < 7 || name[len(name)-6:] != ".jsonl" {
			continue
		}
		evs, d, err := ReadFile(l.Root.EventLogPath(name[:len(name)-6]))
		if err != nil {
			return nil, nil, err
		}
		all = append(all, evs...)
		diags = append(diags, d...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].TS != all[j].TS {
			return all[i].TS < all[j].TS
		}
		return all[i].ID < all[j].ID
	})
	return all, diags, nil
}

// ReadFile parses one JSONL event file line by line. Corruption tolerance
// is deliberate: one bad line must never make the whole log unreadable.
func ReadFile(path string) ([]domain.Event, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, domain.WrapIO(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	var evs []domain.Event
	var diags []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			diags = append(diags, fmt.Sprintf("%s:%d: skipping malformed line: %v", path, lineNo, err))
			continue
		}
		evs = append(evs, ev)
	}
	if err := scanner.Err(); err != nil {
		return evs, diags, domain.WrapIO(fmt.Sprintf("read %s", path), err)
	}
	return evs, diags, nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}
