// Package event defines the domain events raised by comment and reaction writes.
package event

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindCommentAdded  Kind = "comment_added"
	KindReplyAdded    Kind = "reply_added"
	KindReactionAdded Kind = "reaction_added"
	KindMentioned     Kind = "mention"
)

var ErrInvalid = errors.New("invalid event")

// Event is one of CommentAdded, ReplyAdded, ReactionAdded or Mentioned.
type Event interface {
	Kind() Kind
	Actor() Actor
	// SourceID identifies what caused the event; with the kind and a recipient it forms
	// the notification dedupe key.
	SourceID() string
	isEvent()
}

type Actor struct {
	ID   string
	Name string
}

// Ref points at the comment an event is about.
type Ref struct {
	CommentID string
	TaskID    string
	ProjectID string
	Link      string
	Excerpt   string
}

type CommentAdded struct {
	By      Actor
	Comment Ref
}

type ReplyAdded struct {
	By             Actor
	Reply          Ref
	RootCommentID  string
	ParentAuthorID string
}

type ReactionAdded struct {
	By              Actor
	Comment         Ref
	CommentAuthorID string
	Emoji           string
}

type Mentioned struct {
	By      Actor
	Comment Ref
	Targets []string
}

func NewCommentAdded(by Actor, comment Ref) (CommentAdded, error) {
	if err := validate(by, comment); err != nil {
		return CommentAdded{}, err
	}
	return CommentAdded{By: by, Comment: comment}, nil
}

func NewReplyAdded(by Actor, reply Ref, rootCommentID, parentAuthorID string) (ReplyAdded, error) {
	if err := validate(by, reply); err != nil {
		return ReplyAdded{}, err
	}
	if strings.TrimSpace(rootCommentID) == "" {
		return ReplyAdded{}, fmt.Errorf("%w: reply without root comment", ErrInvalid)
	}
	if strings.TrimSpace(parentAuthorID) == "" {
		return ReplyAdded{}, fmt.Errorf("%w: reply without parent author", ErrInvalid)
	}
	return ReplyAdded{By: by, Reply: reply, RootCommentID: rootCommentID, ParentAuthorID: parentAuthorID}, nil
}

func NewReactionAdded(by Actor, comment Ref, commentAuthorID, emoji string) (ReactionAdded, error) {
	if err := validate(by, comment); err != nil {
		return ReactionAdded{}, err
	}
	if strings.TrimSpace(commentAuthorID) == "" {
		return ReactionAdded{}, fmt.Errorf("%w: reaction without comment author", ErrInvalid)
	}
	if strings.TrimSpace(emoji) == "" {
		return ReactionAdded{}, fmt.Errorf("%w: reaction without emoji", ErrInvalid)
	}
	return ReactionAdded{By: by, Comment: comment, CommentAuthorID: commentAuthorID, Emoji: emoji}, nil
}

// NewMentioned drops blank and repeated targets. An event with no targets left is
// invalid.
func NewMentioned(by Actor, comment Ref, targets []string) (Mentioned, error) {
	if err := validate(by, comment); err != nil {
		return Mentioned{}, err
	}
	unique := make([]string, 0, len(targets))
	seen := map[string]bool{}
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		unique = append(unique, target)
	}
	if len(unique) == 0 {
		return Mentioned{}, fmt.Errorf("%w: mention without targets", ErrInvalid)
	}
	return Mentioned{By: by, Comment: comment, Targets: unique}, nil
}

func validate(by Actor, ref Ref) error {
	switch {
	case strings.TrimSpace(by.ID) == "":
		return fmt.Errorf("%w: missing actor", ErrInvalid)
	case strings.TrimSpace(ref.CommentID) == "":
		return fmt.Errorf("%w: missing comment id", ErrInvalid)
	case strings.TrimSpace(ref.Link) == "":
		return fmt.Errorf("%w: missing link", ErrInvalid)
	}
	return nil
}

func (e CommentAdded) Kind() Kind       { return KindCommentAdded }
func (e CommentAdded) Actor() Actor     { return e.By }
func (e CommentAdded) SourceID() string { return e.Comment.CommentID }
func (CommentAdded) isEvent()           {}

func (e ReplyAdded) Kind() Kind       { return KindReplyAdded }
func (e ReplyAdded) Actor() Actor     { return e.By }
func (e ReplyAdded) SourceID() string { return e.Reply.CommentID }
func (ReplyAdded) isEvent()           {}

func (e ReactionAdded) Kind() Kind   { return KindReactionAdded }
func (e ReactionAdded) Actor() Actor { return e.By }

// SourceID is stable across remove and re-add of the same reaction.
func (e ReactionAdded) SourceID() string {
	return e.Comment.CommentID + "/" + e.By.ID + "/" + e.Emoji
}
func (ReactionAdded) isEvent() {}

func (e Mentioned) Kind() Kind       { return KindMentioned }
func (e Mentioned) Actor() Actor     { return e.By }
func (e Mentioned) SourceID() string { return e.Comment.CommentID }
func (Mentioned) isEvent()           {}
