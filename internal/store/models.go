package store

import "time"

type Comment struct {
	ID                string     `db:"id" json:"id"`
	TaskID            string     `db:"task_id" json:"taskId"`
	ProjectID         string     `db:"project_id" json:"projectId"`
	AuthorID          string     `db:"author_id" json:"authorId"`
	AuthorDisplayName string     `db:"author_display_name" json:"authorName"`
	AuthorAvatarRef   string     `db:"author_avatar_ref" json:"authorAvatar,omitempty"`
	Content           string     `db:"content" json:"content"`
	ParentID          *string    `db:"parent_id" json:"parentId"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
	Reactions         []Reaction `db:"-" json:"reactions"`
}

// IsRoot reports whether the comment starts a thread.
func (c Comment) IsRoot() bool {
	return c.ParentID == nil
}

type Reaction struct {
	ID        string    `db:"id" json:"id"`
	CommentID string    `db:"comment_id" json:"commentId"`
	UserID    string    `db:"user_id" json:"userId"`
	Emoji     string    `db:"emoji" json:"emoji"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type NotificationType string

const (
	NotificationMention       NotificationType = "mention"
	NotificationReplyAdded    NotificationType = "reply_added"
	NotificationCommentAdded  NotificationType = "comment_added"
	NotificationReactionAdded NotificationType = "reaction_added"
)

type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"userId"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	Type      NotificationType `db:"type" json:"type"`
	Link      string           `db:"link" json:"link"`
	IsRead    bool             `db:"is_read" json:"isRead"`
	DedupeKey string           `db:"dedupe_key" json:"-"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
	ReadAt    *time.Time       `db:"read_at" json:"readAt,omitempty"`
}

type ActivityType string

const (
	ActivityCommentAdded    ActivityType = "comment_added"
	ActivityReplyAdded      ActivityType = "reply_added"
	ActivityTaskCompleted   ActivityType = "task_completed"
	ActivityTaskCreated     ActivityType = "task_created"
	ActivityTaskDeleted     ActivityType = "task_deleted"
	ActivityTaskUpdated     ActivityType = "task_updated"
	ActivityMemberAdded     ActivityType = "member_added"
	ActivityProjectCreated  ActivityType = "project_created"
	ActivityProjectUpdated  ActivityType = "project_updated"
	ActivityProjectArchived ActivityType = "project_archived"
)

type Activity struct {
	ID         string       `db:"id" json:"id"`
	ProjectID  string       `db:"project_id" json:"projectId"`
	Type       ActivityType `db:"type" json:"type"`
	ActorID    string       `db:"actor_id" json:"actorId"`
	ActorName  string       `db:"actor_name" json:"actorName"`
	TargetID   string       `db:"target_id" json:"targetId"`
	TargetName string       `db:"target_name" json:"targetName"`
	Details    string       `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"createdAt"`
}

// Member is a project roster row synced from the identity provider.
type Member struct {
	ProjectID   string `db:"project_id" json:"projectId"`
	UserID      string `db:"user_id" json:"userId"`
	DisplayName string `db:"display_name" json:"displayName"`
	Email       string `db:"email" json:"email"`
}
