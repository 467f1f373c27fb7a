package engine

import (
	"strings"

	"lattice/internal/domain"
	"lattice/internal/ids"
)

// AddComment appends a comment_added event. The comment id is the event
// id. A non-empty parentID makes this a reply and must reference a live
// top-level comment; a non-empty role makes the comment usable as
// completion evidence.
func (e Engine) AddComment(taskID, body, parentID, role string, meta Meta) (domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if strings.TrimSpace(body) == "" {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "comment body is required")
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	evs, diags, err := e.Log.Read(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	e.reportDiags(diags)
	if parentID != "" {
		if err := ValidateCommentForReply(evs, parentID); err != nil {
			return domain.Event{}, err
		}
	}
	ev := e.newEvent(domain.TypeCommentAdded, taskID, domain.EventData{
		Body:     body,
		ParentID: parentID,
		Role:     role,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// EditComment replaces a comment's body; the previous body is preserved
// in the edit history by the projection.
func (e Engine) EditComment(taskID, commentID, body string, meta Meta) (domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if strings.TrimSpace(body) == "" {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "comment body is required")
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	evs, diags, err := e.Log.Read(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	e.reportDiags(diags)
	if _, err := ValidateCommentForEdit(evs, commentID); err != nil {
		return domain.Event{}, err
	}
	ev := e.newEvent(domain.TypeCommentEdited, taskID, domain.EventData{
		CommentID: commentID,
		Body:      body,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// DeleteComment writes a tombstone. The comment stays in the projection
// so thread structure and reply counts survive.
func (e Engine) DeleteComment(taskID, commentID string, meta Meta) (domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	evs, diags, err := e.Log.Read(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	e.reportDiags(diags)
	if err := ValidateCommentForDelete(evs, commentID); err != nil {
		return domain.Event{}, err
	}
	ev := e.newEvent(domain.TypeCommentDeleted, taskID, domain.EventData{
		CommentID: commentID,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// React adds one actor's reaction. Reacting twice with the same emoji is
// idempotent in the projection.
func (e Engine) React(taskID, commentID, emoji string, meta Meta) (domain.Event, error) {
	return e.reaction(domain.TypeReactionAdded, taskID, commentID, emoji, meta)
}

// Unreact removes one actor's reaction; removing an absent reaction is a
// projection no-op.
func (e Engine) Unreact(taskID, commentID, emoji string, meta Meta) (domain.Event, error) {
	return e.reaction(domain.TypeReactionRemoved, taskID, commentID, emoji, meta)
}

func (e Engine) reaction(eventType, taskID, commentID, emoji string, meta Meta) (domain.Event, error) {
	if err := ids.CheckActor(meta.Actor); err != nil {
		return domain.Event{}, domain.Errf(domain.CodeValidation, "%v", err)
	}
	if !ValidEmoji(emoji) {
		return domain.Event{}, domain.Errf(domain.CodeValidation,
			"invalid emoji %q: expected 1-50 chars of [a-zA-Z0-9_-]", emoji)
	}
	snap, err := e.loadActive(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	evs, diags, err := e.Log.Read(taskID)
	if err != nil {
		return domain.Event{}, err
	}
	e.reportDiags(diags)
	if err := ValidateCommentForReact(evs, commentID); err != nil {
		return domain.Event{}, err
	}
	ev := e.newEvent(eventType, taskID, domain.EventData{
		CommentID: commentID,
		Emoji:     emoji,
	}, meta)
	next, err := Apply(snap, ev, e.diag())
	if err != nil {
		return domain.Event{}, err
	}
	if err := e.commit(ev, next); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// Comments returns the threaded comment view for a task, active or
// archived.
func (e Engine) Comments(taskID string) ([]*domain.Comment, error) {
	if !e.taskExists(taskID) {
		return nil, domain.Errf(domain.CodeNotFound, "task %s not found", taskID)
	}
	evs, diags, err := e.Log.ReadAny(taskID)
	if err != nil {
		return nil, err
	}
	e.reportDiags(diags)
	return MaterializeComments(evs), nil
}
