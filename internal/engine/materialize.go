package engine

import (
	"fmt"
	"io"
	"strings"

	"lattice/internal/domain"
)

// Apply folds one event into a snapshot. It is the single materialization
// path used by both incremental writes and full rebuild, so replaying a
// task's event sequence from nil must reproduce the snapshot on disk
// exactly. All timestamps come from the event, never from the clock of
// the materializing process.
//
// The input snapshot is borrowed: Apply returns a new snapshot and leaves
// the caller's value untouched, including nested slices and maps.
func Apply(snapshot *domain.Snapshot, ev domain.Event, diag io.Writer) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	if ev.Type == domain.TypeTaskCreated {
		if snapshot != nil {
			return nil, domain.Errf(domain.CodeInvalidState,
				"cannot apply task_created for %s: snapshot already exists", ev.TaskID)
		}
		snap = initSnapshot(ev)
	} else {
		if snapshot == nil {
			return nil, domain.Errf(domain.CodeInvalidState,
				"cannot apply event type %q without an existing snapshot (expected task_created first)", ev.Type)
		}
		snap = snapshot.Clone()
		applyMutation(snap, ev, diag)
	}

	// Bookkeeping is updated for every event type, including no-op ones,
	// so staleness detection is never fooled.
	snap.LastEventID = ev.ID
	snap.UpdatedAt = ev.TS
	return snap, nil
}

// Replay left-folds Apply over a full event sequence starting from nil.
func Replay(evs []domain.Event, diag io.Writer) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	for _, ev := range evs {
		next, err := Apply(snap, ev, diag)
		if err != nil {
			return nil, err
		}
		snap = next
	}
	return snap, nil
}

func initSnapshot(ev domain.Event) *domain.Snapshot {
	d := ev.Data
	cf := d.CustomFields
	if cf == nil {
		cf = map[string]any{}
	}
	return &domain.Snapshot{
		SchemaVersion: domain.SchemaVersion,
		ID:            ev.TaskID,
		Title:         d.Title,
		Status:        d.Status,
		Priority:      d.Priority,
		Urgency:       d.Urgency,
		Type:          d.Type,
		Description:   d.Description,
		Tags:          d.Tags,
		AssignedTo:    d.AssignedTo,
		CreatedBy:     ev.Actor,
		CreatedAt:     ev.TS,
		UpdatedAt:     ev.TS,
		Relationships: []domain.Relationship{},
		ArtifactRefs:  []string{},
		BranchLinks:   []domain.BranchLink{},
		EvidenceRefs:  []domain.EvidenceRef{},
		CustomFields:  cf,
		LastEventID:   ev.ID,
	}
}

// settableFields are the snapshot attributes field_updated may touch
// directly. Everything else must go through custom_fields dot notation.
var settableFields = map[string]bool{
	"title":       true,
	"description": true,
	"priority":    true,
	"urgency":     true,
	"type":        true,
	"tags":        true,
}

const customFieldPrefix = "custom_fields."

func applyMutation(snap *domain.Snapshot, ev domain.Event, diag io.Writer) {
	d := ev.Data

	switch ev.Type {
	case domain.TypeStatusChanged:
		snap.Status = asString(d.To)

	case domain.TypeAssignmentChanged:
		snap.AssignedTo = asString(d.To)

	case domain.TypeFieldUpdated:
		applyFieldUpdate(snap, d, diag)

	case domain.TypeRelationshipAdded:
		snap.Relationships = append(snap.Relationships, domain.Relationship{
			Type:         d.Type,
			TargetTaskID: d.TargetTaskID,
			CreatedAt:    ev.TS,
			CreatedBy:    ev.Actor,
			Note:         d.Note,
		})

	case domain.TypeRelationshipRemoved:
		kept := snap.Relationships[:0:0]
		for _, r := range snap.Relationships {
			if !(r.Type == d.Type && r.TargetTaskID == d.TargetTaskID) {
				kept = append(kept, r)
			}
		}
		snap.Relationships = kept

	case domain.TypeArtifactAttached:
		snap.ArtifactRefs = append(snap.ArtifactRefs, d.ArtifactID)
		if d.Role != "" {
			snap.EvidenceRefs = append(snap.EvidenceRefs, domain.EvidenceRef{
				Kind:    "artifact",
				Ref:     d.ArtifactID,
				Role:    d.Role,
				AddedBy: ev.Actor,
				AddedAt: ev.TS,
			})
		}

	case domain.TypeBranchLinked:
		snap.BranchLinks = append(snap.BranchLinks, domain.BranchLink{
			Branch:   d.Branch,
			Repo:     d.Repo,
			LinkedAt: ev.TS,
			LinkedBy: ev.Actor,
		})

	case domain.TypeBranchUnlinked:
		kept := snap.BranchLinks[:0:0]
		for _, bl := range snap.BranchLinks {
			if !(bl.Branch == d.Branch && bl.Repo == d.Repo) {
				kept = append(kept, bl)
			}
		}
		snap.BranchLinks = kept

	case domain.TypeCommentAdded:
		// Comments live in their own projection; the only snapshot-side
		// effect is an evidence reference when the comment carries a role.
		if d.Role != "" {
			snap.EvidenceRefs = append(snap.EvidenceRefs, domain.EvidenceRef{
				Kind:    "comment",
				Ref:     ev.ID,
				Role:    d.Role,
				AddedBy: ev.Actor,
				AddedAt: ev.TS,
			})
		}

	case domain.TypeCommentEdited, domain.TypeCommentDeleted,
		domain.TypeReactionAdded, domain.TypeReactionRemoved,
		domain.TypeGitEvent, domain.TypeTaskArchived, domain.TypeTaskUnarchived:
		// Bookkeeping only.

	default:
		if strings.HasPrefix(ev.Type, domain.CustomEventPrefix) {
			return
		}
		// Unknown built-in types: warn for discoverability but never
		// fail, so old binaries survive logs written by newer ones.
		if diag != nil {
			fmt.Fprintf(diag, "warning: unknown event type %q ignored during snapshot materialization\n", ev.Type)
		}
	}
}

func applyFieldUpdate(snap *domain.Snapshot, d domain.EventData, diag io.Writer) {
	if strings.HasPrefix(d.Field, customFieldPrefix) {
		key := d.Field[len(customFieldPrefix):]
		if snap.CustomFields == nil {
			snap.CustomFields = map[string]any{}
		}
		snap.CustomFields[key] = d.To
		return
	}
	switch d.Field {
	case "title":
		snap.Title = asString(d.To)
	case "description":
		snap.Description = asString(d.To)
	case "priority":
		snap.Priority = asString(d.To)
	case "urgency":
		snap.Urgency = asString(d.To)
	case "type":
		snap.Type = asString(d.To)
	case "tags":
		snap.Tags = asStringSlice(d.To)
	default:
		if diag != nil {
			fmt.Fprintf(diag, "warning: field_updated for unknown field %q ignored\n", d.Field)
		}
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			out = append(out, asString(item))
		}
		return out
	case nil:
		return nil
	}
	return nil
}
