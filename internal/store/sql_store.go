package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"huddle/api/internal/util"
)

const (
	commentColumns      = `id, task_id, project_id, author_id, author_display_name, author_avatar_ref, content, parent_id, created_at, updated_at`
	reactionColumns     = `id, comment_id, user_id, emoji, created_at`
	notificationColumns = `id, user_id, title, message, type, link, is_read, dedupe_key, created_at, read_at`
	activityColumns     = `id, project_id, type, actor_id, actor_name, target_id, target_name, details, created_at`
)

// SQLStore persists collaboration records in Postgres or SQLite. Queries are written
// with ? placeholders and rebound for the connection's driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time {
		return time.Now().UTC().Truncate(time.Microsecond)
	}}
}

func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) InsertComment(ctx context.Context, c Comment) (Comment, error) {
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO comments (id, task_id, project_id, author_id, author_display_name, author_avatar_ref, content, parent_id, created_at, updated_at)
		VALUES (:id, :task_id, :project_id, :author_id, :author_display_name, :author_avatar_ref, :content, :parent_id, :created_at, :updated_at)
	`, c)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	c.Reactions = make([]Reaction, 0)
	return c, nil
}

func (s *SQLStore) GetComment(ctx context.Context, id string) (Comment, error) {
	var c Comment
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`SELECT `+commentColumns+` FROM comments WHERE id=?`), id)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

// ListComments returns a task's comments in creation order with their reactions attached.
func (s *SQLStore) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	comments := make([]Comment, 0)
	err := s.db.SelectContext(ctx, &comments, s.db.Rebind(`
		SELECT `+commentColumns+`
		FROM comments
		WHERE task_id=?
		ORDER BY seq ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	reactions := make([]Reaction, 0)
	err = s.db.SelectContext(ctx, &reactions, s.db.Rebind(`
		SELECT r.id, r.comment_id, r.user_id, r.emoji, r.created_at
		FROM reactions r
		JOIN comments c ON c.id = r.comment_id
		WHERE c.task_id=?
		ORDER BY r.seq ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}

	byComment := make(map[string][]Reaction, len(comments))
	for _, r := range reactions {
		byComment[r.CommentID] = append(byComment[r.CommentID], r)
	}
	for i := range comments {
		comments[i].Reactions = byComment[comments[i].ID]
		if comments[i].Reactions == nil {
			comments[i].Reactions = make([]Reaction, 0)
		}
	}
	return comments, nil
}

// ListProjectComments returns every comment of a project in creation order. Used to
// rebuild the search index.
func (s *SQLStore) ListProjectComments(ctx context.Context, projectID string) ([]Comment, error) {
	comments := make([]Comment, 0)
	err := s.db.SelectContext(ctx, &comments, s.db.Rebind(`
		SELECT `+commentColumns+`
		FROM comments
		WHERE project_id=?
		ORDER BY seq ASC
	`), projectID)
	if err != nil {
		return nil, fmt.Errorf("list project comments: %w", err)
	}
	return comments, nil
}

// ListCommentProjects returns the ids of every project that has comments.
func (s *SQLStore) ListCommentProjects(ctx context.Context) ([]string, error) {
	projects := make([]string, 0)
	if err := s.db.SelectContext(ctx, &projects, `SELECT DISTINCT project_id FROM comments ORDER BY project_id`); err != nil {
		return nil, fmt.Errorf("list comment projects: %w", err)
	}
	return projects, nil
}

// DeleteComment removes one comment and its reactions. Replies are left in place.
func (s *SQLStore) DeleteComment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM comments WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return requireAffected(res)
}

// SearchComments is a case-insensitive substring match over a project's comments, newest
// first.
func (s *SQLStore) SearchComments(ctx context.Context, projectID, query string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	comments := make([]Comment, 0)
	err := s.db.SelectContext(ctx, &comments, s.db.Rebind(`
		SELECT `+commentColumns+`
		FROM comments
		WHERE project_id=? AND LOWER(content) LIKE ? ESCAPE '\'
		ORDER BY seq DESC
		LIMIT ?
	`), projectID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	return comments, nil
}

// ToggleReaction removes the user's reaction with this emoji if present, otherwise adds
// it. added reports which of the two happened. The pair runs in one transaction and the
// unique (comment_id, user_id, emoji) index keeps concurrent toggles from duplicating.
func (s *SQLStore) ToggleReaction(ctx context.Context, commentID, userID, emoji string) (Reaction, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Reaction{}, false, fmt.Errorf("begin reaction tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := findReaction(ctx, tx, commentID, userID, emoji)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM reactions WHERE id=?`), existing.ID); err != nil {
			return Reaction{}, false, fmt.Errorf("delete reaction: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Reaction{}, false, fmt.Errorf("commit reaction removal: %w", err)
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Reaction{}, false, fmt.Errorf("find reaction: %w", err)
	}

	var exists bool
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT EXISTS(SELECT 1 FROM comments WHERE id=?)`), commentID); err != nil {
		return Reaction{}, false, fmt.Errorf("check comment: %w", err)
	}
	if !exists {
		return Reaction{}, false, sql.ErrNoRows
	}

	added := Reaction{
		ID:        util.NewID("rct"),
		CommentID: commentID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: s.now(),
	}
	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO reactions (id, comment_id, user_id, emoji, created_at)
		VALUES (:id, :comment_id, :user_id, :emoji, :created_at)
		ON CONFLICT (comment_id, user_id, emoji) DO NOTHING
	`, added)
	if err != nil {
		return Reaction{}, false, fmt.Errorf("insert reaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Reaction{}, false, fmt.Errorf("insert reaction rows: %w", err)
	}
	if affected == 0 {
		// A concurrent toggle inserted the same reaction first.
		winner, err := findReaction(ctx, tx, commentID, userID, emoji)
		if err != nil {
			return Reaction{}, false, fmt.Errorf("load existing reaction: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Reaction{}, false, fmt.Errorf("commit reaction: %w", err)
		}
		return winner, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Reaction{}, false, fmt.Errorf("commit reaction: %w", err)
	}
	return added, true, nil
}

func findReaction(ctx context.Context, tx *sqlx.Tx, commentID, userID, emoji string) (Reaction, error) {
	var r Reaction
	err := tx.GetContext(ctx, &r, tx.Rebind(`
		SELECT `+reactionColumns+` FROM reactions WHERE comment_id=? AND user_id=? AND emoji=?
	`), commentID, userID, emoji)
	return r, err
}

func (s *SQLStore) GetReaction(ctx context.Context, id string) (Reaction, error) {
	var r Reaction
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+reactionColumns+` FROM reactions WHERE id=?`), id)
	if err != nil {
		return Reaction{}, err
	}
	return r, nil
}

func (s *SQLStore) DeleteReaction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM reactions WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return requireAffected(res)
}

// InsertNotification stores n unless a notification with the same dedupe key exists.
// inserted is false for the duplicate case.
func (s *SQLStore) InsertNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	n.CreatedAt = s.now()
	n.IsRead = false
	n.ReadAt = nil
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, type, link, is_read, dedupe_key, created_at, read_at)
		VALUES (:id, :user_id, :title, :message, :type, :link, :is_read, :dedupe_key, :created_at, :read_at)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, n)
	if err != nil {
		return Notification{}, false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Notification{}, false, fmt.Errorf("insert notification rows: %w", err)
	}
	return n, affected > 0, nil
}

func (s *SQLStore) GetNotification(ctx context.Context, id string) (Notification, error) {
	var n Notification
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE id=?`), id)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// ListNotifications returns the user's notifications newest first.
func (s *SQLStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	items := make([]Notification, 0)
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id=?
		ORDER BY seq DESC
		LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

func (s *SQLStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id=? AND is_read=?`), userID, false)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead flips a notification to read. Marking an already read
// notification keeps its original read_at.
func (s *SQLStore) MarkNotificationRead(ctx context.Context, id string) (Notification, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notifications SET is_read=?, read_at=COALESCE(read_at, ?) WHERE id=?
	`), true, s.now(), id)
	if err != nil {
		return Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return Notification{}, err
	}
	return s.GetNotification(ctx, id)
}

func (s *SQLStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notifications SET is_read=?, read_at=? WHERE user_id=? AND is_read=?
	`), true, s.now(), userID, false)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteNotification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM notifications WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLStore) ClearNotifications(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM notifications WHERE user_id=?`), userID)
	if err != nil {
		return 0, fmt.Errorf("clear notifications: %w", err)
	}
	return res.RowsAffected()
}

// InsertActivity appends an entry to the activity log. The table rejects updates and
// deletes, so there is no counterpart for changing an entry.
func (s *SQLStore) InsertActivity(ctx context.Context, a Activity) (Activity, error) {
	a.CreatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO activities (id, project_id, type, actor_id, actor_name, target_id, target_name, details, created_at)
		VALUES (:id, :project_id, :type, :actor_id, :actor_name, :target_id, :target_name, :details, :created_at)
	`, a)
	if err != nil {
		return Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	return a, nil
}

// ListActivity returns a project's most recent activity entries, newest first.
func (s *SQLStore) ListActivity(ctx context.Context, projectID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	items := make([]Activity, 0)
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT `+activityColumns+`
		FROM activities
		WHERE project_id=?
		ORDER BY seq DESC
		LIMIT ?
	`), projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return items, nil
}

func (s *SQLStore) ListProjectMembers(ctx context.Context, projectID string) ([]Member, error) {
	members := make([]Member, 0)
	err := s.db.SelectContext(ctx, &members, s.db.Rebind(`
		SELECT project_id, user_id, display_name, email
		FROM project_members
		WHERE project_id=?
		ORDER BY display_name ASC, user_id ASC
	`), projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	return members, nil
}

func (s *SQLStore) UpsertProjectMember(ctx context.Context, m Member) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, display_name, email)
		VALUES (:project_id, :user_id, :display_name, :email)
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name, email = EXCLUDED.email
	`, m)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
