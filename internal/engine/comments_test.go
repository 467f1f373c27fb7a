package engine

import (
	"fmt"
	"testing"

	"lattice/internal/domain"
)

func commentEvent(seq int, actor, eventType string, data domain.EventData) domain.Event {
	return domain.Event{
		ID:     fmt.Sprintf("ev_%04d", seq),
		Type:   eventType,
		TaskID: "task_1",
		Actor:  actor,
		TS:     fmt.Sprintf("2026-01-01T00:00:%02dZ", seq),
		Data:   data,
	}
}

func TestThreadedCommentView(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "first"}),
		commentEvent(2, "human:bob", domain.TypeCommentAdded, domain.EventData{Body: "reply", ParentID: "ev_0001"}),
		commentEvent(3, "human:carol", domain.TypeCommentAdded, domain.EventData{Body: "second"}),
	}
	view := MaterializeComments(evs)
	if len(view) != 2 {
		t.Fatalf("top level = %d, want 2", len(view))
	}
	if view[0].ID != "ev_0001" || view[1].ID != "ev_0003" {
		t.Fatalf("creation order violated: %s, %s", view[0].ID, view[1].ID)
	}
	if len(view[0].Replies) != 1 || view[0].Replies[0].Body != "reply" {
		t.Fatalf("reply not threaded: %+v", view[0].Replies)
	}
}

func TestEditPushesHistory(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "v1"}),
		commentEvent(2, "human:alice", domain.TypeCommentEdited, domain.EventData{CommentID: "ev_0001", Body: "v2"}),
		commentEvent(3, "human:alice", domain.TypeCommentEdited, domain.EventData{CommentID: "ev_0001", Body: "v3"}),
	}
	view := MaterializeComments(evs)
	c := view[0]
	if c.Body != "v3" || !c.Edited {
		t.Fatalf("comment = %+v", c)
	}
	if len(c.EditHistory) != 2 || c.EditHistory[0].Body != "v1" || c.EditHistory[1].Body != "v2" {
		t.Fatalf("history = %+v", c.EditHistory)
	}
}

func TestTombstoneRetainsThread(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "parent"}),
		commentEvent(2, "human:bob", domain.TypeCommentAdded, domain.EventData{Body: "child", ParentID: "ev_0001"}),
		commentEvent(3, "human:alice", domain.TypeCommentDeleted, domain.EventData{CommentID: "ev_0001"}),
	}
	view := MaterializeComments(evs)
	if len(view) != 1 {
		t.Fatalf("deleted parent should stay in the view, got %d top-level", len(view))
	}
	if !view[0].Deleted || view[0].DeletedBy != "human:alice" {
		t.Fatalf("tombstone fields: %+v", view[0])
	}
	if len(view[0].Replies) != 1 {
		t.Fatal("replies must survive parent deletion")
	}
}

func TestReactionIdempotence(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "hi"}),
		commentEvent(2, "human:bob", domain.TypeReactionAdded, domain.EventData{CommentID: "ev_0001", Emoji: "thumbsup"}),
		commentEvent(3, "human:bob", domain.TypeReactionAdded, domain.EventData{CommentID: "ev_0001", Emoji: "thumbsup"}),
		commentEvent(4, "human:carol", domain.TypeReactionAdded, domain.EventData{CommentID: "ev_0001", Emoji: "thumbsup"}),
	}
	view := MaterializeComments(evs)
	actors := view[0].Reactions["thumbsup"]
	if len(actors) != 2 {
		t.Fatalf("reactions = %v, duplicate add must be idempotent", actors)
	}
}

func TestReactionRemovalCleansEmptySet(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "hi"}),
		commentEvent(2, "human:bob", domain.TypeReactionAdded, domain.EventData{CommentID: "ev_0001", Emoji: "eyes"}),
		commentEvent(3, "human:bob", domain.TypeReactionRemoved, domain.EventData{CommentID: "ev_0001", Emoji: "eyes"}),
		commentEvent(4, "human:bob", domain.TypeReactionRemoved, domain.EventData{CommentID: "ev_0001", Emoji: "eyes"}),
	}
	view := MaterializeComments(evs)
	if _, ok := view[0].Reactions["eyes"]; ok {
		t.Fatalf("empty reaction set should be dropped: %v", view[0].Reactions)
	}
}

func TestReplayToleratesDanglingCommentOps(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "hi"}),
		commentEvent(2, "human:bob", domain.TypeCommentEdited, domain.EventData{CommentID: "ev_9999", Body: "ghost"}),
		commentEvent(3, "human:bob", domain.TypeReactionAdded, domain.EventData{CommentID: "ev_9999", Emoji: "ghost"}),
	}
	view := MaterializeComments(evs)
	if len(view) != 1 || view[0].Body != "hi" {
		t.Fatalf("dangling ops must be no-ops: %+v", view)
	}
}

func TestValidateReply(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "top"}),
		commentEvent(2, "human:bob", domain.TypeCommentAdded, domain.EventData{Body: "reply", ParentID: "ev_0001"}),
		commentEvent(3, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "doomed"}),
		commentEvent(4, "human:alice", domain.TypeCommentDeleted, domain.EventData{CommentID: "ev_0003"}),
	}
	if err := ValidateCommentForReply(evs, "ev_0001"); err != nil {
		t.Fatalf("reply to live top-level comment: %v", err)
	}
	if err := ValidateCommentForReply(evs, "ev_9999"); domain.CodeOf(err) != domain.CodeNotFound {
		t.Fatalf("missing parent: %v", err)
	}
	if err := ValidateCommentForReply(evs, "ev_0003"); domain.CodeOf(err) != domain.CodeConflict {
		t.Fatalf("deleted parent: %v", err)
	}
	if err := ValidateCommentForReply(evs, "ev_0002"); domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("reply-to-reply: %v", err)
	}
}

func TestValidateEditAndDelete(t *testing.T) {
	evs := []domain.Event{
		commentEvent(1, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "live"}),
		commentEvent(2, "human:alice", domain.TypeCommentAdded, domain.EventData{Body: "dead"}),
		commentEvent(3, "human:alice", domain.TypeCommentDeleted, domain.EventData{CommentID: "ev_0002"}),
	}
	body, err := ValidateCommentForEdit(evs, "ev_0001")
	if err != nil || body != "live" {
		t.Fatalf("edit check: body=%q err=%v", body, err)
	}
	if _, err := ValidateCommentForEdit(evs, "ev_0002"); domain.CodeOf(err) != domain.CodeConflict {
		t.Fatalf("edit deleted: %v", err)
	}
	if err := ValidateCommentForDelete(evs, "ev_0002"); domain.CodeOf(err) != domain.CodeConflict {
		t.Fatalf("double delete: %v", err)
	}
	if err := ValidateCommentForReact(evs, "ev_0002"); domain.CodeOf(err) != domain.CodeConflict {
		t.Fatalf("react to deleted: %v", err)
	}
}

func TestValidEmoji(t *testing.T) {
	for _, ok := range []string{"thumbsup", "party-parrot", "x", "A_1"} {
		if !ValidEmoji(ok) {
			t.Fatalf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"", "with space", "🎉", "a!b"} {
		if ValidEmoji(bad) {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}
