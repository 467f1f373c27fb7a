package engine

import (
	"regexp"

	"lattice/internal/domain"
)

// Emoji reaction tokens: alphanumeric, underscores, hyphens, 1-50 chars.
var emojiRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// ValidEmoji reports whether emoji is an accepted reaction token.
func ValidEmoji(emoji string) bool { return emojiRe.MatchString(emoji) }

// flatComments is the single-pass fold over a task's event sequence that
// derives current comment state: bodies, edit history, tombstones, and
// per-emoji reaction sets. It never touches the snapshot materializer.
//
// Replay tolerance: edits and reactions aimed at missing or deleted
// comments are silent no-ops here. Command-level validation (the
// ValidateCommentFor* functions) rejects them before an event is ever
// written; the fold only has to survive what is already on disk.
func flatComments(evs []domain.Event) (map[string]*domain.Comment, []string) {
	byID := map[string]*domain.Comment{}
	var order []string

	for _, ev := range evs {
		d := ev.Data
		switch ev.Type {
		case domain.TypeCommentAdded:
			byID[ev.ID] = &domain.Comment{
				ID:          ev.ID,
				Body:        d.Body,
				Author:      ev.Actor,
				CreatedAt:   ev.TS,
				EditHistory: []domain.CommentRevision{},
				ParentID:    d.ParentID,
				Role:        d.Role,
				Reactions:   map[string][]string{},
			}
			order = append(order, ev.ID)

		case domain.TypeCommentEdited:
			c := byID[d.CommentID]
			if c == nil || c.Deleted {
				continue
			}
			c.EditHistory = append(c.EditHistory, domain.CommentRevision{
				Body:     c.Body,
				EditedAt: ev.TS,
				EditedBy: ev.Actor,
			})
			c.Body = d.Body
			c.Edited = true
			c.EditedAt = ev.TS

		case domain.TypeCommentDeleted:
			c := byID[d.CommentID]
			if c == nil || c.Deleted {
				continue
			}
			c.Deleted = true
			c.DeletedBy = ev.Actor
			c.DeletedAt = ev.TS

		case domain.TypeReactionAdded:
			c := byID[d.CommentID]
			if c == nil || c.Deleted {
				continue
			}
			actors := c.Reactions[d.Emoji]
			if !containsString(actors, ev.Actor) {
				c.Reactions[d.Emoji] = append(actors, ev.Actor)
			}

		case domain.TypeReactionRemoved:
			c := byID[d.CommentID]
			if c == nil {
				continue
			}
			actors := c.Reactions[d.Emoji]
			kept := actors[:0:0]
			for _, a := range actors {
				if a != ev.Actor {
					kept = append(kept, a)
				}
			}
			if len(kept) == 0 {
				delete(c.Reactions, d.Emoji)
			} else {
				c.Reactions[d.Emoji] = kept
			}
		}
	}
	return byID, order
}

// MaterializeComments derives the threaded comment view for one task.
// Top-level comments (no parent, or parent not found) come back in
// creation order with replies attached; the nesting is view construction
// only and is never persisted.
func MaterializeComments(evs []domain.Event) []*domain.Comment {
	byID, order := flatComments(evs)

	var topLevel []*domain.Comment
	for _, id := range order {
		c := byID[id]
		if c.ParentID != "" {
			if parent, ok := byID[c.ParentID]; ok {
				parent.Replies = append(parent.Replies, c)
				continue
			}
		}
		topLevel = append(topLevel, c)
	}
	return topLevel
}

// ValidateCommentForReply checks that parentID is a live, top-level
// comment. Exactly one level of nesting is permitted.
func ValidateCommentForReply(evs []domain.Event, parentID string) error {
	byID, _ := flatComments(evs)
	parent := byID[parentID]
	if parent == nil {
		return domain.Errf(domain.CodeNotFound, "comment %s not found", parentID)
	}
	if parent.Deleted {
		return domain.Errf(domain.CodeConflict, "cannot reply to deleted comment %s", parentID)
	}
	if parent.ParentID != "" {
		return domain.Errf(domain.CodeValidation,
			"cannot reply to a reply (%s); only top-level comments accept replies", parentID)
	}
	return nil
}

// ValidateCommentForEdit checks the target exists and is not deleted,
// returning the current body for the edit's audit trail.
func ValidateCommentForEdit(evs []domain.Event, commentID string) (string, error) {
	byID, _ := flatComments(evs)
	c := byID[commentID]
	if c == nil {
		return "", domain.Errf(domain.CodeNotFound, "comment %s not found", commentID)
	}
	if c.Deleted {
		return "", domain.Errf(domain.CodeConflict, "cannot edit deleted comment %s", commentID)
	}
	return c.Body, nil
}

// ValidateCommentForDelete checks the target exists and is not already
// deleted.
func ValidateCommentForDelete(evs []domain.Event, commentID string) error {
	byID, _ := flatComments(evs)
	c := byID[commentID]
	if c == nil {
		return domain.Errf(domain.CodeNotFound, "comment %s not found", commentID)
	}
	if c.Deleted {
		return domain.Errf(domain.CodeConflict, "comment %s is already deleted", commentID)
	}
	return nil
}

// ValidateCommentForReact checks the target can receive reactions.
func ValidateCommentForReact(evs []domain.Event, commentID string) error {
	byID, _ := flatComments(evs)
	c := byID[commentID]
	if c == nil {
		return domain.Errf(domain.CodeNotFound, "comment %s not found", commentID)
	}
	if c.Deleted {
		return domain.Errf(domain.CodeConflict, "cannot react to deleted comment %s", commentID)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
