package domain

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEventDataRoundTripKeepsUnknownKeys(t *testing.T) {
	in := []byte(`{"title":"Fix login","status":"backlog","vendor_hint":"keepme","score":42}`)
	var data EventData
	if err := json.Unmarshal(in, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.Title != "Fix login" || data.Status != "backlog" {
		t.Fatalf("known fields not decoded: %+v", data)
	}
	if data.Extra["vendor_hint"] != "keepme" {
		t.Fatalf("unknown key dropped: %+v", data.Extra)
	}

	out, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(out, &flat); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if flat["vendor_hint"] != "keepme" {
		t.Fatalf("unknown key not flattened back: %v", flat)
	}
	if _, ok := flat["extra"]; ok {
		t.Fatal("extra map leaked as a literal key")
	}
	if flat["title"] != "Fix login" {
		t.Fatalf("known key lost on marshal: %v", flat)
	}
}

func TestEventDataExtraNeverShadowsKnownKeys(t *testing.T) {
	data := EventData{
		Title: "real title",
		Extra: map[string]any{"title": "imposter", "custom": true},
	}
	out, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(out, &flat); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if flat["title"] != "real title" {
		t.Fatalf("typed field shadowed by extra: %v", flat)
	}
	if flat["custom"] != true {
		t.Fatalf("extra key missing: %v", flat)
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{
		ID:     "ev_01",
		Type:   TypeTaskCreated,
		TaskID: "task_01",
		Actor:  "human:alice",
		TS:     "2026-01-02T03:04:05Z",
		Data:   EventData{Title: "A", Status: "backlog", Priority: "medium", Type: "task"},
		Model:  "m1",
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != ev.ID || back.Type != ev.Type || back.Actor != ev.Actor || back.Model != ev.Model {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if back.Data.Title != "A" {
		t.Fatalf("data lost: %+v", back.Data)
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	orig := &Snapshot{
		SchemaVersion: SchemaVersion,
		ID:            "task_1",
		Title:         "t",
		Tags:          []string{"a"},
		Relationships: []Relationship{{Type: "blocks", TargetTaskID: "task_2"}},
		BranchLinks:   []BranchLink{{Branch: "main"}},
		CustomFields:  map[string]any{"team": "core"},
	}
	clone := orig.Clone()
	clone.Tags[0] = "changed"
	clone.Relationships[0].TargetTaskID = "task_9"
	clone.BranchLinks[0].Branch = "dev"
	clone.CustomFields["team"] = "other"

	if orig.Tags[0] != "a" {
		t.Fatal("tags are shared between clone and original")
	}
	if orig.Relationships[0].TargetTaskID != "task_2" {
		t.Fatal("relationships are shared")
	}
	if orig.BranchLinks[0].Branch != "main" {
		t.Fatal("branch links are shared")
	}
	if orig.CustomFields["team"] != "core" {
		t.Fatal("custom fields are shared")
	}
}

func TestCloneNil(t *testing.T) {
	var s *Snapshot
	if s.Clone() != nil {
		t.Fatal("nil clone should stay nil")
	}
}

func TestErrorCodes(t *testing.T) {
	err := Errf(CodeConflict, "task %s busy", "task_1")
	if CodeOf(err) != CodeConflict {
		t.Fatalf("CodeOf = %s, want %s", CodeOf(err), CodeConflict)
	}
	wrapped := WrapIO("write snapshot", err)
	if CodeOf(wrapped) != CodeIOFailure {
		t.Fatalf("CodeOf wrapped = %s, want %s", CodeOf(wrapped), CodeIOFailure)
	}
	if CodeOf(nil) != "" {
		t.Fatal("CodeOf(nil) should be empty")
	}
}

func TestEventDataOmitsEmptyFields(t *testing.T) {
	out, err := json.Marshal(EventData{Status: "done"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(out, &flat); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{"status": "done"}
	if !reflect.DeepEqual(flat, want) {
		t.Fatalf("payload = %v, want only status", flat)
	}
}
