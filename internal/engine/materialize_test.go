package engine

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"lattice/internal/domain"
	"lattice/internal/storage"
)

func mkEvent(seq int, taskID, eventType string, data domain.EventData) domain.Event {
	return domain.Event{
		ID:     fmt.Sprintf("ev_%04d", seq),
		Type:   eventType,
		TaskID: taskID,
		Actor:  "human:alice",
		TS:     fmt.Sprintf("2026-01-01T00:00:%02dZ", seq),
		Data:   data,
	}
}

func createdEvent(seq int, taskID string) domain.Event {
	return mkEvent(seq, taskID, domain.TypeTaskCreated, domain.EventData{
		Title:    "Test task",
		Status:   "backlog",
		Priority: "medium",
		Type:     "task",
	})
}

func TestApplyCreateInitializesSnapshot(t *testing.T) {
	snap, err := Apply(nil, createdEvent(1, "task_1"), io.Discard)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if snap.ID != "task_1" || snap.Title != "Test task" || snap.Status != "backlog" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.SchemaVersion != domain.SchemaVersion {
		t.Fatalf("schema_version = %d", snap.SchemaVersion)
	}
	if snap.CreatedBy != "human:alice" || snap.CreatedAt != "2026-01-01T00:00:01Z" {
		t.Fatalf("provenance wrong: %+v", snap)
	}
	if snap.LastEventID != "ev_0001" {
		t.Fatalf("last_event_id = %s", snap.LastEventID)
	}
}

func TestApplyCreateOnExistingSnapshot(t *testing.T) {
	snap, _ := Apply(nil, createdEvent(1, "task_1"), io.Discard)
	_, err := Apply(snap, createdEvent(2, "task_1"), io.Discard)
	if err == nil {
		t.Fatal("expected error applying task_created to a live snapshot")
	}
	if domain.CodeOf(err) != domain.CodeInvalidState {
		t.Fatalf("code = %s, want %s", domain.CodeOf(err), domain.CodeInvalidState)
	}
}

func TestApplyNonCreateWithoutSnapshot(t *testing.T) {
	_, err := Apply(nil, mkEvent(1, "task_1", domain.TypeStatusChanged, domain.EventData{To: "ready"}), io.Discard)
	if err == nil {
		t.Fatal("expected error applying a mutation with no snapshot")
	}
	if domain.CodeOf(err) != domain.CodeInvalidState {
		t.Fatalf("code = %s, want %s", domain.CodeOf(err), domain.CodeInvalidState)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base, _ := Apply(nil, createdEvent(1, "task_1"), io.Discard)
	next, err := Apply(base, mkEvent(2, "task_1", domain.TypeStatusChanged, domain.EventData{From: "backlog", To: "ready"}), io.Discard)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if base.Status != "backlog" {
		t.Fatal("input snapshot was mutated")
	}
	if next.Status != "ready" {
		t.Fatalf("next.Status = %s", next.Status)
	}
}

// The core invariant: incrementally applied state and a full replay of
// the same events serialize to identical canonical bytes.
func TestReplayMatchesIncrementalApplication(t *testing.T) {
	evs := []domain.Event{
		createdEvent(1, "task_1"),
		mkEvent(2, "task_1", domain.TypeStatusChanged, domain.EventData{From: "backlog", To: "ready"}),
		mkEvent(3, "task_1", domain.TypeAssignmentChanged, domain.EventData{To: "agent:claude"}),
		mkEvent(4, "task_1", domain.TypeFieldUpdated, domain.EventData{Field: "custom_fields.team", To: "core"}),
		mkEvent(5, "task_1", domain.TypeCommentAdded, domain.EventData{Body: "looks good", Role: "reviewer"}),
		mkEvent(6, "task_1", domain.TypeBranchLinked, domain.EventData{Branch: "fix/login", Repo: "app"}),
		mkEvent(7, "task_1", domain.TypeArtifactAttached, domain.EventData{ArtifactID: "art_1", Name: "report.html", Role: "qa"}),
	}

	var incremental *domain.Snapshot
	var err error
	for _, ev := range evs {
		incremental, err = Apply(incremental, ev, io.Discard)
		if err != nil {
			t.Fatalf("Apply %s: %v", ev.Type, err)
		}
	}
	replayed, err := Replay(evs, io.Discard)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	a, err := storage.CanonicalJSON(incremental)
	if err != nil {
		t.Fatalf("canonical incremental: %v", err)
	}
	b, err := storage.CanonicalJSON(replayed)
	if err != nil {
		t.Fatalf("canonical replayed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("replay diverged\nincremental:\n%s\nreplayed:\n%s", a, b)
	}
}

func TestUnknownEventTypeIsTolerated(t *testing.T) {
	var diag bytes.Buffer
	evs := []domain.Event{
		createdEvent(1, "task_1"),
		mkEvent(2, "task_1", "flux_capacitor_charged", domain.EventData{}),
		mkEvent(3, "task_1", domain.TypeStatusChanged, domain.EventData{To: "ready"}),
	}
	snap, err := Replay(evs, &diag)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap.Status != "ready" {
		t.Fatalf("later events not applied after unknown type: %s", snap.Status)
	}
	if snap.LastEventID != "ev_0003" {
		t.Fatalf("last_event_id = %s", snap.LastEventID)
	}
	if !strings.Contains(diag.String(), "flux_capacitor_charged") {
		t.Fatalf("unknown type not reported: %q", diag.String())
	}
}

func TestCustomEventAdvancesCursorSilently(t *testing.T) {
	var diag bytes.Buffer
	evs := []domain.Event{
		createdEvent(1, "task_1"),
		mkEvent(2, "task_1", "x_deploy_started", domain.EventData{Extra: map[string]any{"env": "prod"}}),
	}
	snap, err := Replay(evs, &diag)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap.LastEventID != "ev_0002" {
		t.Fatalf("custom event must advance last_event_id, got %s", snap.LastEventID)
	}
	if diag.Len() != 0 {
		t.Fatalf("x_ events should not produce diagnostics: %q", diag.String())
	}
	if snap.Status != "backlog" {
		t.Fatal("custom event must not change core fields")
	}
}

func TestFieldUpdateCustomFieldsIsolation(t *testing.T) {
	evs := []domain.Event{
		createdEvent(1, "task_1"),
		mkEvent(2, "task_1", domain.TypeFieldUpdated, domain.EventData{Field: "custom_fields.title", To: "sneaky"}),
	}
	snap, err := Replay(evs, io.Discard)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap.Title != "Test task" {
		t.Fatalf("core title clobbered by custom field: %s", snap.Title)
	}
	if snap.CustomFields["title"] != "sneaky" {
		t.Fatalf("custom field missing: %v", snap.CustomFields)
	}
}

func TestRelationshipAddRemove(t *testing.T) {
	evs := []domain.Event{
		createdEvent(1, "task_1"),
		mkEvent(2, "task_1", domain.TypeRelationshipAdded, domain.EventData{Type: "blocks", TargetTaskID: "task_2"}),
		mkEvent(3, "task_1", domain.TypeRelationshipAdded, domain.EventData{Type: "relates_to", TargetTaskID: "task_3"}),
		mkEvent(4, "task_1", domain.TypeRelationshipRemoved, domain.EventData{Type: "blocks", TargetTaskID: "task_2"}),
	}
	snap, err := Replay(evs, io.Discard)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(snap.Relationships) != 1 || snap.Relationships[0].TargetTaskID != "task_3" {
		t.Fatalf("relationships = %+v", snap.Relationships)
	}
}

func TestBranchLinkReplay(t *testing.T) {
	evs := []domain.Event{
		createdEvent(1, "task_1"),
		mkEvent(2, "task_1", domain.TypeBranchLinked, domain.EventData{Branch: "main", Repo: "app"}),
		mkEvent(3, "task_1", domain.TypeBranchLinked, domain.EventData{Branch: "main"}),
		mkEvent(4, "task_1", domain.TypeBranchUnlinked, domain.EventData{Branch: "main", Repo: "app"}),
	}
	snap, err := Replay(evs, io.Discard)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(snap.BranchLinks) != 1 || snap.BranchLinks[0].Repo != "" {
		t.Fatalf("branch links = %+v", snap.BranchLinks)
	}
}

func TestEvidenceRefsFromRoleTaggedEvents(t *testing.T) {
	evs := []domain.Event{
		createdEvent(1, "task_1"),
		mkEvent(2, "task_1", domain.TypeCommentAdded, domain.EventData{Body: "reviewed", Role: "reviewer"}),
		mkEvent(3, "task_1", domain.TypeCommentAdded, domain.EventData{Body: "no role here"}),
		mkEvent(4, "task_1", domain.TypeArtifactAttached, domain.EventData{ArtifactID: "art_1", Name: "run.log", Role: "qa"}),
	}
	snap, err := Replay(evs, io.Discard)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(snap.EvidenceRefs) != 2 {
		t.Fatalf("evidence refs = %+v, want 2", snap.EvidenceRefs)
	}
	roles := map[string]bool{}
	for _, ref := range snap.EvidenceRefs {
		roles[ref.Role] = true
	}
	if !roles["reviewer"] || !roles["qa"] {
		t.Fatalf("roles = %v", roles)
	}
}

func TestReplayEmptyLog(t *testing.T) {
	snap, err := Replay(nil, io.Discard)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if snap != nil {
		t.Fatalf("empty log should replay to nil, got %+v", snap)
	}
}
