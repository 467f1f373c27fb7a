// Package domain holds the persisted data model: events, snapshots,
// comment projections, and the error taxonomy shared by every layer.
package domain

import (
	"bytes"
	"encoding/json"
)

// Event type vocabulary. Anything outside this set must carry the
// CustomEventPrefix or it is ignored during replay.
const (
	TypeTaskCreated         = "task_created"
	TypeStatusChanged       = "status_changed"
	TypeAssignmentChanged   = "assignment_changed"
	TypeFieldUpdated        = "field_updated"
	TypeRelationshipAdded   = "relationship_added"
	TypeRelationshipRemoved = "relationship_removed"
	TypeArtifactAttached    = "artifact_attached"
	TypeBranchLinked        = "branch_linked"
	TypeBranchUnlinked      = "branch_unlinked"
	TypeCommentAdded        = "comment_added"
	TypeCommentEdited       = "comment_edited"
	TypeCommentDeleted      = "comment_deleted"
	TypeReactionAdded       = "reaction_added"
	TypeReactionRemoved     = "reaction_removed"
	TypeGitEvent            = "git_event"
	TypeTaskArchived        = "task_archived"
	TypeTaskUnarchived      = "task_unarchived"
)

// CustomEventPrefix namespaces event types not owned by this tool.
const CustomEventPrefix = "x_"

// SchemaVersion is written into every snapshot.
const SchemaVersion = 1

// Event is one immutable fact in a task's log. Events are never mutated
// or deleted after append; corrections are expressed as new events.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	TaskID  string    `json:"task_id"`
	Actor   string    `json:"actor"`
	TS      string    `json:"ts"`
	Data    EventData `json:"data"`
	Model   string    `json:"model,omitempty"`
	Session string    `json:"session,omitempty"`
}

// EventData is the type-specific payload. The fixed vocabulary uses the
// typed fields; custom event types and forward-compatible extensions ride
// in Extra, which is flattened into the same JSON object on the wire.
type EventData struct {
	// task_created
	Title        string         `json:"title,omitempty"`
	Status       string         `json:"status,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	Urgency      string         `json:"urgency,omitempty"`
	Type         string         `json:"type,omitempty"`
	Description  string         `json:"description,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`

	// status_changed, assignment_changed, field_updated
	Field string `json:"field,omitempty"`
	From  any    `json:"from,omitempty"`
	To    any    `json:"to,omitempty"`

	// relationship_added / relationship_removed (Type is shared above)
	TargetTaskID string `json:"target_task_id,omitempty"`
	Note         string `json:"note,omitempty"`

	// artifact_attached
	ArtifactID string `json:"artifact_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`

	// comment_* / reaction_*
	CommentID string `json:"comment_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	// branch_linked / branch_unlinked
	Branch string `json:"branch,omitempty"`
	Repo   string `json:"repo,omitempty"`

	// workflow override audit trail
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Extra carries payload keys outside the fixed vocabulary (custom
	// x_* events, newer fields written by newer tools).
	Extra map[string]any `json:"-"`
}

// knownDataKeys mirrors the json tags above; used to split Extra out on
// decode without swallowing typed fields.
var knownDataKeys = []string{
	"title", "status", "priority", "urgency", "type", "description",
	"tags", "assigned_to", "custom_fields",
	"field", "from", "to",
	"target_task_id", "note",
	"artifact_id", "name", "role",
	"comment_id", "parent_id", "body", "emoji",
	"branch", "repo",
	"override", "reason",
}

type eventDataAlias EventData

// MarshalJSON flattens Extra into the payload object. Map marshaling
// sorts keys, so the wire form is deterministic.
func (d EventData) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(eventDataAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}
	merged := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(base))
	dec.UseNumber()
	if err := dec.Decode(&merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes typed fields and routes unknown keys to Extra.
func (d *EventData) UnmarshalJSON(b []byte) error {
	var alias eventDataAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	raw := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	for _, k := range knownDataKeys {
		delete(raw, k)
	}
	*d = EventData(alias)
	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

// Relationship is one typed outgoing edge to another task.
type Relationship struct {
	Type         string `json:"type"`
	TargetTaskID string `json:"target_task_id"`
	CreatedAt    string `json:"created_at"`
	CreatedBy    string `json:"created_by"`
	Note         string `json:"note,omitempty"`
}

// BranchLink ties a task to a VCS branch, optionally scoped to a repo.
// An empty repo and an absent repo are the same link target.
type BranchLink struct {
	Branch   string `json:"branch"`
	Repo     string `json:"repo"`
	LinkedAt string `json:"linked_at"`
	LinkedBy string `json:"linked_by"`
}

// EvidenceRef records a role-tagged comment or artifact that can satisfy
// a completion policy. Kind is "comment" or "artifact"; Ref is the
// originating event id or artifact id.
type EvidenceRef struct {
	Kind    string `json:"kind"`
	Ref     string `json:"ref"`
	Role    string `json:"role"`
	AddedBy string `json:"added_by"`
	AddedAt string `json:"added_at"`
}

// Snapshot is the cached current state of one task, fully determined by
// replaying the task's event sequence from the start. The event log is
// the system of record; a snapshot is never authoritative on its own.
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	Priority      string         `json:"priority"`
	Urgency       string         `json:"urgency"`
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	Tags          []string       `json:"tags"`
	AssignedTo    string         `json:"assigned_to"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	Relationships []Relationship `json:"relationships_out"`
	ArtifactRefs  []string       `json:"artifact_refs"`
	BranchLinks   []BranchLink   `json:"branch_links"`
	EvidenceRefs  []EvidenceRef  `json:"evidence_refs"`
	CustomFields  map[string]any `json:"custom_fields"`
	LastEventID   string         `json:"last_event_id"`
}

// Clone returns a deep copy so the materializer can hand back a new
// snapshot while the caller's previous version stays intact.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	if s.Relationships != nil {
		out.Relationships = append([]Relationship(nil), s.Relationships...)
	}
	if s.ArtifactRefs != nil {
		out.ArtifactRefs = append([]string(nil), s.ArtifactRefs...)
	}
	if s.BranchLinks != nil {
		out.BranchLinks = append([]BranchLink(nil), s.BranchLinks...)
	}
	if s.EvidenceRefs != nil {
		out.EvidenceRefs = append([]EvidenceRef(nil), s.EvidenceRefs...)
	}
	if s.CustomFields != nil {
		cf := make(map[string]any, len(s.CustomFields))
		for k, v := range s.CustomFields {
			cf[k] = v
		}
		out.CustomFields = cf
	}
	return &out
}

// CommentRevision is one prior body pushed onto a comment's edit history.
type CommentRevision struct {
	Body     string `json:"body"`
	EditedAt string `json:"edited_at"`
	EditedBy string `json:"edited_by"`
}

// Comment is a read-side projection derived from the event stream. It is
// never persisted as its own snapshot. Deleted comments are retained with
// the tombstone fields set so thread structure survives.
type Comment struct {
	ID          string              `json:"id"`
	Body        string              `json:"body"`
	Author      string              `json:"author"`
	CreatedAt   string              `json:"created_at"`
	Edited      bool                `json:"edited"`
	EditedAt    string              `json:"edited_at,omitempty"`
	EditHistory []CommentRevision   `json:"edit_history"`
	Deleted     bool                `json:"deleted"`
	DeletedBy   string              `json:"deleted_by,omitempty"`
	DeletedAt   string              `json:"deleted_at,omitempty"`
	ParentID    string              `json:"parent_id,omitempty"`
	Role        string              `json:"role,omitempty"`
	Reactions   map[string][]string `json:"reactions"`
	Replies     []*Comment          `json:"replies,omitempty"`
}
