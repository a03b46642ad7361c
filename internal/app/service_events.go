package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"huddle/api/internal/access"
	"huddle/api/internal/activity"
	"huddle/api/internal/event"
	"huddle/api/internal/reaction"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

const (
	notificationListLimit = 100
	activityListLimit     = 50
)

// ToggleReaction adds who's emoji to a comment, or removes it when it is already there.
// Only an add notifies the comment's author.
func (s *Service) ToggleReaction(ctx context.Context, who Caller, commentID, emoji string) (ToggleResult, error) {
	if err := reaction.ValidateEmoji(emoji); err != nil {
		return ToggleResult{}, validationError("Emoji is malformed", map[string]any{"field": "emoji"})
	}
	if strings.TrimSpace(who.UserID) == "" {
		return ToggleResult{}, validationError("userId is required", map[string]any{"field": "userId"})
	}
	if s.degraded("toggle reaction", nil) {
		return ToggleResult{}, nil
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return ToggleResult{}, notFound("Comment not found")
	}
	if err != nil {
		if s.degraded("toggle reaction", err) {
			return ToggleResult{}, nil
		}
		return ToggleResult{}, fmt.Errorf("load comment: %w", err)
	}

	r, added, err := s.store.ToggleReaction(ctx, commentID, who.UserID, emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return ToggleResult{}, notFound("Comment not found")
	}
	if err != nil {
		if s.degraded("toggle reaction", err) {
			return ToggleResult{}, nil
		}
		return ToggleResult{}, fmt.Errorf("toggle reaction: %w", err)
	}

	s.publish(ctx, realtime.TaskTopic(comment.TaskID))
	if added {
		ref := event.Ref{
			CommentID: comment.ID,
			TaskID:    comment.TaskID,
			ProjectID: comment.ProjectID,
			Link:      s.TaskLink(comment.ProjectID, comment.TaskID, comment.ID),
			Excerpt:   activity.Excerpt(comment.Content),
		}
		s.dispatch(event.NewReactionAdded(who.actor(), ref, comment.AuthorID, emoji))
	}
	return ToggleResult{Reaction: r, Added: added, Persisted: true}, nil
}

// RemoveReaction deletes a reaction by id. Only the reacting user may do so unless the
// API runs without identities.
func (s *Service) RemoveReaction(ctx context.Context, who Caller, reactionID string) (bool, error) {
	if s.degraded("remove reaction", nil) {
		return false, nil
	}
	existing, err := s.store.GetReaction(ctx, reactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound("Reaction not found")
	}
	if err != nil {
		if s.degraded("remove reaction", err) {
			return false, nil
		}
		return false, fmt.Errorf("load reaction: %w", err)
	}
	if !access.Can(who.principal(), access.ActionRemoveReaction, existing.UserID) {
		return false, permissionDenied("Only the reacting user can remove this reaction")
	}
	if err := s.store.DeleteReaction(ctx, reactionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFound("Reaction not found")
		}
		if s.degraded("remove reaction", err) {
			return false, nil
		}
		return false, fmt.Errorf("delete reaction: %w", err)
	}

	comment, err := s.store.GetComment(ctx, existing.CommentID)
	if err != nil {
		s.logger.Warn("load comment for reaction signal", zap.String("comment_id", existing.CommentID), zap.Error(err))
		return true, nil
	}
	s.publish(ctx, realtime.TaskTopic(comment.TaskID))
	return true, nil
}

func requireRecipient(who Caller) error {
	if strings.TrimSpace(who.UserID) == "" {
		return validationError("userId is required", map[string]any{"field": "userId"})
	}
	return nil
}

// ListNotifications returns the caller's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, who Caller) ([]store.Notification, error) {
	if err := requireRecipient(who); err != nil {
		return nil, err
	}
	return s.loadNotifications(ctx, who.UserID)
}

func (s *Service) loadNotifications(ctx context.Context, userID string) ([]store.Notification, error) {
	if s.degraded("list notifications", nil) {
		return []store.Notification{}, nil
	}
	items, err := s.store.ListNotifications(ctx, userID, notificationListLimit)
	if err != nil {
		if s.degraded("list notifications", err) {
			return []store.Notification{}, nil
		}
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

func (s *Service) UnreadCount(ctx context.Context, who Caller) (int, error) {
	if err := requireRecipient(who); err != nil {
		return 0, err
	}
	if s.degraded("count unread", nil) {
		return 0, nil
	}
	count, err := s.store.CountUnread(ctx, who.UserID)
	if err != nil {
		if s.degraded("count unread", err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ownedNotification loads id and checks that who is its recipient.
func (s *Service) ownedNotification(ctx context.Context, who Caller, id string) (store.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Notification{}, notFound("Notification not found")
	}
	if err != nil {
		return store.Notification{}, err
	}
	if !access.Can(who.principal(), access.ActionMutateNotification, n.UserID) {
		return store.Notification{}, permissionDenied("Only the recipient can change this notification")
	}
	return n, nil
}

// MarkRead flags one notification as read. Marking an already read notification keeps
// its original read time.
func (s *Service) MarkRead(ctx context.Context, who Caller, id string) (store.Notification, bool, error) {
	if s.degraded("mark notification read", nil) {
		return store.Notification{}, false, nil
	}
	if _, err := s.ownedNotification(ctx, who, id); err != nil {
		if s.degraded("mark notification read", err) {
			return store.Notification{}, false, nil
		}
		return store.Notification{}, false, err
	}
	updated, err := s.store.MarkNotificationRead(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Notification{}, false, notFound("Notification not found")
		}
		if s.degraded("mark notification read", err) {
			return store.Notification{}, false, nil
		}
		return store.Notification{}, false, fmt.Errorf("mark notification read: %w", err)
	}
	s.publish(ctx, realtime.UserTopic(updated.UserID))
	return updated, true, nil
}

func (s *Service) MarkAllRead(ctx context.Context, who Caller) (int64, bool, error) {
	if err := requireRecipient(who); err != nil {
		return 0, false, err
	}
	if s.degraded("mark all notifications read", nil) {
		return 0, false, nil
	}
	changed, err := s.store.MarkAllNotificationsRead(ctx, who.UserID)
	if err != nil {
		if s.degraded("mark all notifications read", err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("mark all notifications read: %w", err)
	}
	if changed > 0 {
		s.publish(ctx, realtime.UserTopic(who.UserID))
	}
	return changed, true, nil
}

func (s *Service) DeleteNotification(ctx context.Context, who Caller, id string) (bool, error) {
	if s.degraded("delete notification", nil) {
		return false, nil
	}
	n, err := s.ownedNotification(ctx, who, id)
	if err != nil {
		if s.degraded("delete notification", err) {
			return false, nil
		}
		return false, err
	}
	if err := s.store.DeleteNotification(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFound("Notification not found")
		}
		if s.degraded("delete notification", err) {
			return false, nil
		}
		return false, fmt.Errorf("delete notification: %w", err)
	}
	s.publish(ctx, realtime.UserTopic(n.UserID))
	return true, nil
}

// ClearNotifications deletes every notification of the caller.
func (s *Service) ClearNotifications(ctx context.Context, who Caller) (int64, bool, error) {
	if err := requireRecipient(who); err != nil {
		return 0, false, err
	}
	if s.degraded("clear notifications", nil) {
		return 0, false, nil
	}
	removed, err := s.store.ClearNotifications(ctx, who.UserID)
	if err != nil {
		if s.degraded("clear notifications", err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("clear notifications: %w", err)
	}
	if removed > 0 {
		s.publish(ctx, realtime.UserTopic(who.UserID))
	}
	return removed, true, nil
}

// SubscribeNotifications delivers userID's notifications now and after every change.
func (s *Service) SubscribeNotifications(userID string, deliver func([]store.Notification)) func() {
	return realtime.Subscribe(s.hub, realtime.UserTopic(userID), func(ctx context.Context) ([]store.Notification, error) {
		return s.loadNotifications(ctx, userID)
	}, deliver)
}

type LogActivityInput struct {
	Type       store.ActivityType `json:"type" validate:"required"`
	ActorID    string             `json:"actorId"`
	ActorName  string             `json:"actorName"`
	TargetID   string             `json:"targetId" validate:"required"`
	TargetName string             `json:"targetName"`
	Details    string             `json:"details"`
}

// LogActivity appends a timeline entry for events raised outside the comment flow, such
// as task and project changes. An authenticated caller is always the actor.
func (s *Service) LogActivity(ctx context.Context, who Caller, projectID string, in LogActivityInput) (store.Activity, bool, error) {
	if !activity.ValidType(in.Type) {
		return store.Activity{}, false, validationError("Unknown activity type", map[string]any{"field": "type"})
	}
	if who.Authenticated || strings.TrimSpace(in.ActorID) == "" {
		in.ActorID = who.UserID
		in.ActorName = who.Name
	}
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(in.ActorID) == "" || strings.TrimSpace(in.TargetID) == "" {
		return store.Activity{}, false, validationError("projectId, actorId and targetId are required", nil)
	}
	if s.degraded("log activity", nil) {
		return store.Activity{}, false, nil
	}
	appended, err := s.activity.Log(ctx, activity.Entry{
		ProjectID:  projectID,
		Type:       in.Type,
		ActorID:    in.ActorID,
		ActorName:  in.ActorName,
		TargetID:   in.TargetID,
		TargetName: in.TargetName,
		Details:    in.Details,
	})
	if err != nil {
		if s.degraded("log activity", err) {
			return store.Activity{}, false, nil
		}
		return store.Activity{}, false, err
	}
	return appended, true, nil
}

// ListActivity returns a project's timeline, newest first.
func (s *Service) ListActivity(ctx context.Context, projectID string, limit int) ([]store.Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = activityListLimit
	}
	if s.degraded("list activity", nil) {
		return []store.Activity{}, nil
	}
	items, err := s.store.ListActivity(ctx, projectID, limit)
	if err != nil {
		if s.degraded("list activity", err) {
			return []store.Activity{}, nil
		}
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return items, nil
}

// SubscribeActivity delivers a project's timeline now and after every append.
func (s *Service) SubscribeActivity(projectID string, deliver func([]store.Activity)) func() {
	return realtime.Subscribe(s.hub, realtime.ProjectTopic(projectID), func(ctx context.Context) ([]store.Activity, error) {
		return s.ListActivity(ctx, projectID, activityListLimit)
	}, deliver)
}

func (s *Service) SearchComments(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// ReindexProject pushes every comment of a project to the search index.
func (s *Service) ReindexProject(ctx context.Context, projectID string) (int, error) {
	return s.search.Reindex(ctx, projectID)
}
