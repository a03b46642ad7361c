// Package activity appends entries to the per-project timeline. Entries are never updated
// or removed once written.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// ExcerptRunes is the number of characters kept from free-text details.
const ExcerptRunes = 50

var (
	ErrUnknownType   = errors.New("unknown activity type")
	ErrMissingFields = errors.New("activity requires project, actor and target")
)

var validTypes = map[store.ActivityType]bool{
	store.ActivityCommentAdded:    true,
	store.ActivityReplyAdded:      true,
	store.ActivityTaskCompleted:   true,
	store.ActivityTaskCreated:     true,
	store.ActivityTaskDeleted:     true,
	store.ActivityTaskUpdated:     true,
	store.ActivityMemberAdded:     true,
	store.ActivityProjectCreated:  true,
	store.ActivityProjectUpdated:  true,
	store.ActivityProjectArchived: true,
}

type activityStore interface {
	InsertActivity(ctx context.Context, a store.Activity) (store.Activity, error)
}

type Entry struct {
	ProjectID  string
	Type       store.ActivityType
	ActorID    string
	ActorName  string
	TargetID   string
	TargetName string
	Details    string
}

type Logger struct {
	store    activityStore
	logger   *zap.Logger
	onAppend func(ctx context.Context, a store.Activity)
}

func NewLogger(s activityStore, logger *zap.Logger, onAppend func(ctx context.Context, a store.Activity)) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{store: s, logger: logger, onAppend: onAppend}
}

// Log validates e and appends it to the project's timeline.
func (l *Logger) Log(ctx context.Context, e Entry) (store.Activity, error) {
	if !ValidType(e.Type) {
		return store.Activity{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if strings.TrimSpace(e.ProjectID) == "" || strings.TrimSpace(e.ActorID) == "" || strings.TrimSpace(e.TargetID) == "" {
		return store.Activity{}, ErrMissingFields
	}

	actorName := e.ActorName
	if strings.TrimSpace(actorName) == "" {
		actorName = e.ActorID
	}
	appended, err := l.store.InsertActivity(ctx, store.Activity{
		ID:         util.NewID("act"),
		ProjectID:  e.ProjectID,
		Type:       e.Type,
		ActorID:    e.ActorID,
		ActorName:  actorName,
		TargetID:   e.TargetID,
		TargetName: e.TargetName,
		Details:    Excerpt(e.Details),
	})
	if err != nil {
		return store.Activity{}, fmt.Errorf("append activity: %w", err)
	}
	l.logger.Debug("activity appended",
		zap.String("project_id", appended.ProjectID),
		zap.String("type", string(appended.Type)),
		zap.String("target_id", appended.TargetID),
	)
	if l.onAppend != nil {
		l.onAppend(ctx, appended)
	}
	return appended, nil
}

func ValidType(t store.ActivityType) bool {
	return validTypes[t]
}

// Excerpt keeps the first ExcerptRunes characters of text and marks the cut with "...".
func Excerpt(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= ExcerptRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:ExcerptRunes]) + "..."
}
