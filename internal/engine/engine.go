// Package engine implements the event-sourced task operations: every
// mutation validates against current materialized state, builds one
// event, then appends and re-materializes under the covering lock set.
// No event is ever written for a rejected operation.
package engine

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"lattice/internal/config"
	"lattice/internal/domain"
	"lattice/internal/events"
	"lattice/internal/ids"
	"lattice/internal/storage"
)

// Meta carries the identity and provenance recorded on every event.
type Meta struct {
	Actor   string
	Model   string
	Session string
}

// Engine runs task operations against one resolved root. The clock and
// ID generators are injectable for deterministic tests.
type Engine struct {
	Root   storage.Root
	Log    events.Log
	Config *config.Config
	Now    func() time.Time
	Diag   io.Writer

	NewEventID    func() string
	NewTaskID     func() string
	NewArtifactID func() string
}

// New wires an engine with production defaults.
func New(root storage.Root, cfg *config.Config) Engine {
	return Engine{
		Root:          root,
		Log:           events.Log{Root: root},
		Config:        cfg,
		Now:           time.Now,
		Diag:          os.Stderr,
		NewEventID:    ids.NewEventID,
		NewTaskID:     ids.NewTaskID,
		NewArtifactID: ids.NewArtifactID,
	}
}

func (e Engine) ts() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (e Engine) diag() io.Writer {
	if e.Diag != nil {
		return e.Diag
	}
	return io.Discard
}

func (e Engine) newEvent(eventType, taskID string, data domain.EventData, meta Meta) domain.Event {
	return domain.Event{
		ID:      e.NewEventID(),
		Type:    eventType,
		TaskID:  taskID,
		Actor:   meta.Actor,
		TS:      e.ts(),
		Data:    data,
		Model:   meta.Model,
		Session: meta.Session,
	}
}

// commit performs the standard write sequence: acquire the sorted lock
// set covering every file touched, append the event (per-task log plus
// lifecycle when worthy), then atomic-write the snapshot. Event-log
// writes precede snapshot writes so a crash in between is recoverable by
// replaying the log.
func (e Engine) commit(ev domain.Event, snap *domain.Snapshot) error {
	keys := []string{storage.EventsLockKey(ev.TaskID), storage.TasksLockKey(ev.TaskID)}
	if events.LifecycleWorthy(ev.Type) {
		keys = append(keys, storage.LifecycleLockKey)
	}
	locks, err := storage.Acquire(e.Root.LocksDir(), keys...)
	if err != nil {
		return err
	}
	defer locks.Release()

	if err := e.Log.Append(ev); err != nil {
		return err
	}
	return storage.WriteCanonical(e.Root.SnapshotPath(ev.TaskID), snap)
}

// loadActive returns the active snapshot for a mutation target. Archived
// tasks report Conflict, unknown ids NotFound.
func (e Engine) loadActive(taskID string) (*domain.Snapshot, error) {
	snap, err := ReadSnapshot(e.Root.SnapshotPath(taskID))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		if _, statErr := os.Stat(e.Root.ArchiveSnapshotPath(taskID)); statErr == nil {
			return nil, domain.Errf(domain.CodeConflict, "task %s is archived; unarchive it first", taskID)
		}
		return nil, domain.Errf(domain.CodeNotFound, "task %s not found", taskID)
	}
	return snap, nil
}

// CreateOptions are the caller-supplied fields for a new task.
type CreateOptions struct {
	Title        string
	Type         string
	Priority     string
	Urgency      string
	Description  string
	Tags         []string
	AssignedTo   string
	CustomFields map[string]any
}

// CreateTask validates the options, mints a task id, and writes the
// task_created event plus the initial snapshot.
func (e Engine) CreateTask(opts CreateOptions, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "title is required")
	}
	if opts.Type == "" {
		opts.Type = "task"
	}
	if !containsString(e.Config.TaskTypes, opts.Type) {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation,
			"unknown task type %q; configured types: %s", opts.Type, strings.Join(e.Config.TaskTypes, ", "))
	}
	if opts.Priority == "" {
		opts.Priority = e.Config.DefaultPriority
	}
	if opts.AssignedTo != "" && !ids.ValidActor(opts.AssignedTo) {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation,
			"invalid assignee %q: expected kind:name", opts.AssignedTo)
	}

	taskID := e.NewTaskID()
	if _, err := os.Stat(e.Root.SnapshotPath(taskID)); err == nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeConflict, "task %s already exists", taskID)
	}

	ev := e.newEvent(domain.TypeTaskCreated, taskID, domain.EventData{
		Title:        opts.Title,
		Status:       e.Config.DefaultStatus,
		Priority:     opts.Priority,
		Urgency:      opts.Urgency,
		Type:         opts.Type,
		Description:  opts.Description,
		Tags:         opts.Tags,
		AssignedTo:   opts.AssignedTo,
		CustomFields: opts.CustomFields,
	}, meta)

	snap, err := Apply(nil, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, snap); err != nil {
		return nil, domain.Event{}, err
	}
	return snap, ev, nil
}

// SetStatus moves a task through the workflow graph, honoring universal
// targets, completion policies, and the force-override audit lane.
func (e Engine) SetStatus(taskID, to string, force bool, reason string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	evs, diags, err := e.Log.Read(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	e.reportDiags(diags)
	if err := ValidateTransition(e.Config, snap, evs, to, force, reason); err != nil {
		return nil, domain.Event{}, err
	}

	data := domain.EventData{From: snap.Status, To: to}
	if force {
		data.Override = true
		data.Reason = reason
	}
	ev := e.newEvent(domain.TypeStatusChanged, taskID, data, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// Assign changes the assignee; an empty target unassigns.
func (e Engine) Assign(taskID, to string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if to != "" && !ids.ValidActor(to) {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation,
			"invalid assignee %q: expected kind:name", to)
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	ev := e.newEvent(domain.TypeAssignmentChanged, taskID, domain.EventData{
		From: snap.AssignedTo,
		To:   to,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// SetField updates one settable snapshot field or, with the
// custom_fields. prefix, one key in the open extension map.
func (e Engine) SetField(taskID, field string, value any, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	isCustom := strings.HasPrefix(field, customFieldPrefix)
	if !isCustom && !settableFields[field] {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation,
			"field %q cannot be set directly; use a dedicated command or the custom_fields. prefix", field)
	}
	if isCustom && field == customFieldPrefix {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "custom field name is required")
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}

	var from any
	if isCustom {
		from = snap.CustomFields[field[len(customFieldPrefix):]]
	} else {
		switch field {
		case "title":
			from = snap.Title
		case "description":
			from = snap.Description
		case "priority":
			from = snap.Priority
		case "urgency":
			from = snap.Urgency
		case "type":
			from = snap.Type
		case "tags":
			from = snap.Tags
		}
	}

	ev := e.newEvent(domain.TypeFieldUpdated, taskID, domain.EventData{
		Field: field,
		From:  from,
		To:    value,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// AddTag and RemoveTag are conveniences over field_updated on tags.
func (e Engine) AddTag(taskID, tag string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if strings.TrimSpace(tag) == "" {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "tag is required")
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	if containsString(snap.Tags, tag) {
		return nil, domain.Event{}, domain.Errf(domain.CodeConflict, "task %s already has tag %q", taskID, tag)
	}
	next := append(append([]string(nil), snap.Tags...), tag)
	return e.SetField(taskID, "tags", next, meta)
}

func (e Engine) RemoveTag(taskID, tag string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	if !containsString(snap.Tags, tag) {
		return nil, domain.Event{}, domain.Errf(domain.CodeNotFound, "task %s has no tag %q", taskID, tag)
	}
	kept := make([]string, 0, len(snap.Tags))
	for _, t := range snap.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	return e.SetField(taskID, "tags", kept, meta)
}

// AddRelationship appends a typed edge to another task. The target must
// exist (active or archived). Duplicate edges are permitted; removal
// clears every matching edge at once.
func (e Engine) AddRelationship(taskID, relType, targetID, note string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if relType == "" {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "relationship type is required")
	}
	if targetID == taskID {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "a task cannot relate to itself")
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	if !e.taskExists(targetID) {
		return nil, domain.Event{}, domain.Errf(domain.CodeNotFound, "target task %s not found", targetID)
	}
	ev := e.newEvent(domain.TypeRelationshipAdded, taskID, domain.EventData{
		Type:         relType,
		TargetTaskID: targetID,
		Note:         note,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// RemoveRelationship removes all edges matching (type, target) exactly.
func (e Engine) RemoveRelationship(taskID, relType, targetID string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	found := false
	for _, r := range snap.Relationships {
		if r.Type == relType && r.TargetTaskID == targetID {
			found = true
			break
		}
	}
	if !found {
		return nil, domain.Event{}, domain.Errf(domain.CodeNotFound,
			"task %s has no %s relationship to %s", taskID, relType, targetID)
	}
	ev := e.newEvent(domain.TypeRelationshipRemoved, taskID, domain.EventData{
		Type:         relType,
		TargetTaskID: targetID,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// AttachArtifact mints an artifact id and records the attachment. A
// non-empty role makes the artifact usable as completion evidence.
func (e Engine) AttachArtifact(taskID, name, role string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if strings.TrimSpace(name) == "" {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "artifact name is required")
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	ev := e.newEvent(domain.TypeArtifactAttached, taskID, domain.EventData{
		ArtifactID: e.NewArtifactID(),
		Name:       name,
		Role:       role,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// LinkBranch ties a VCS branch to a task. The same branch may be linked
// once per repo; an absent repo and an empty repo name are the same
// target, so an exact (branch, repo) duplicate is a conflict.
func (e Engine) LinkBranch(taskID, branch, repo string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	branch = strings.TrimSpace(branch)
	repo = strings.TrimSpace(repo)
	if branch == "" {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "branch name is required")
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	for _, bl := range snap.BranchLinks {
		if bl.Branch == branch && bl.Repo == repo {
			return nil, domain.Event{}, domain.Errf(domain.CodeConflict,
				"branch %q is already linked to task %s", branch, taskID)
		}
	}
	ev := e.newEvent(domain.TypeBranchLinked, taskID, domain.EventData{
		Branch: branch,
		Repo:   repo,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// UnlinkBranch removes an existing branch link.
func (e Engine) UnlinkBranch(taskID, branch, repo string, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	branch = strings.TrimSpace(branch)
	repo = strings.TrimSpace(repo)
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	found := false
	for _, bl := range snap.BranchLinks {
		if bl.Branch == branch && bl.Repo == repo {
			found = true
			break
		}
	}
	if !found {
		return nil, domain.Event{}, domain.Errf(domain.CodeNotFound,
			"task %s has no link for branch %q", taskID, branch)
	}
	ev := e.newEvent(domain.TypeBranchUnlinked, taskID, domain.EventData{
		Branch: branch,
		Repo:   repo,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// RecordGitEvent appends a git bookkeeping event with an open payload.
func (e Engine) RecordGitEvent(taskID string, payload map[string]any, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	ev := e.newEvent(domain.TypeGitEvent, taskID, domain.EventData{Extra: payload}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

// RecordCustomEvent appends an event in the x_ escape-hatch namespace.
func (e Engine) RecordCustomEvent(taskID, eventType string, payload map[string]any, meta Meta) (*domain.Snapshot, domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if !strings.HasPrefix(eventType, domain.CustomEventPrefix) {
		return nil, domain.Event{}, domain.Errf(domain.CodeValidation,
			"custom event types must use the %q prefix", domain.CustomEventPrefix)
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	ev := e.newEvent(eventType, taskID, domain.EventData{Extra: payload}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return nil, domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return nil, domain.Event{}, err
	}
	return next, ev, nil
}

func (e Engine) taskExists(taskID string) bool {
	if _, err := os.Stat(e.Root.SnapshotPath(taskID)); err == nil {
		return true
	}
	if _, err := os.Stat(e.Root.ArchiveSnapshotPath(taskID)); err == nil {
		return true
	}
	return false
}

func (e Engine) reportDiags(diags []string) {
	for _, d := range diags {
		io.WriteString(e.diag(), d+"\n")
	}
}

// ReadSnapshot loads one snapshot file; a missing file returns nil.
func ReadSnapshot(path string) (*domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapIO("read snapshot "+path, err)
	}
	snap := &domain.Snapshot{}
	if err := unmarshalSnapshot(data, snap); err != nil {
		return nil, domain.Errf(domain.CodeInvalidState, "snapshot %s is corrupt: %v", path, err)
	}
	return snap, nil
}

func unmarshalSnapshot(data []byte, snap *domain.Snapshot) error {
	// UseNumber keeps custom_fields numerics as literals so a
	// read-modify-write cycle reproduces the same canonical bytes.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(snap)
}
