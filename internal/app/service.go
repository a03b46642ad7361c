package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/access"
	"huddle/api/internal/activity"
	"huddle/api/internal/avatar"
	"huddle/api/internal/config"
	"huddle/api/internal/event"
	"huddle/api/internal/mention"
	"huddle/api/internal/notify"
	"huddle/api/internal/realtime"
	"huddle/api/internal/roster"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/thread"
	"huddle/api/internal/util"
)

const publishTimeout = 2 * time.Second

type dataStore interface {
	Ping(ctx context.Context) error

	InsertComment(ctx context.Context, c store.Comment) (store.Comment, error)
	GetComment(ctx context.Context, id string) (store.Comment, error)
	ListComments(ctx context.Context, taskID string) ([]store.Comment, error)
	ListProjectComments(ctx context.Context, projectID string) ([]store.Comment, error)
	DeleteComment(ctx context.Context, id string) error
	SearchComments(ctx context.Context, projectID, query string, limit int) ([]store.Comment, error)

	ToggleReaction(ctx context.Context, commentID, userID, emoji string) (store.Reaction, bool, error)
	GetReaction(ctx context.Context, id string) (store.Reaction, error)
	DeleteReaction(ctx context.Context, id string) error

	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, bool, error)
	GetNotification(ctx context.Context, id string) (store.Notification, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, id string) (store.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
	DeleteNotification(ctx context.Context, id string) error
	ClearNotifications(ctx context.Context, userID string) (int64, error)

	InsertActivity(ctx context.Context, a store.Activity) (store.Activity, error)
	ListActivity(ctx context.Context, projectID string, limit int) ([]store.Activity, error)
}

// Caller is whoever issued a request. Authenticated is false in local-only mode, where
// UserID is whatever the client claims.
type Caller struct {
	UserID        string
	Name          string
	AvatarRef     string
	Authenticated bool
}

func (c Caller) principal() access.Principal {
	return access.Principal{UserID: c.UserID, Authenticated: c.Authenticated}
}

func (c Caller) actor() event.Actor {
	name := c.Name
	if strings.TrimSpace(name) == "" {
		name = c.UserID
	}
	return event.Actor{ID: c.UserID, Name: name}
}

// Options carries the collaborators of a Service. Store may be nil, in which case every
// operation degrades to an empty result.
type Options struct {
	Store   dataStore
	Hub     *realtime.Hub
	Roster  roster.Provider
	Search  search.Engine
	Avatars *avatar.Resolver
	Logger  *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	logger   *zap.Logger
	hub      *realtime.Hub
	roster   roster.Provider
	avatars  *avatar.Resolver
	search   *search.Service
	notifier *notify.Dispatcher
	activity *activity.Logger

	publishing sync.WaitGroup
	stopHub    func()
}

func New(cfg config.Config, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.NotifyQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	s := &Service{
		cfg:     cfg,
		store:   opts.Store,
		logger:  logger,
		hub:     opts.Hub,
		roster:  opts.Roster,
		avatars: opts.Avatars,
	}
	if s.hub == nil {
		s.startLocalHub()
	}
	s.search = search.NewService(opts.Search, opts.Store, logger.Named("search"))
	if opts.Store != nil {
		s.notifier = notify.NewDispatcher(opts.Store, logger.Named("notify"), queueSize,
			notify.WithOnInsert(func(ctx context.Context, n store.Notification) {
				s.publish(ctx, realtime.UserTopic(n.UserID))
			}))
		s.activity = activity.NewLogger(opts.Store, logger.Named("activity"), func(ctx context.Context, a store.Activity) {
			s.publish(ctx, realtime.ProjectTopic(a.ProjectID))
		})
	}
	return s
}

// startLocalHub runs an in-process hub for a Service that was not given one. Close
// stops it.
func (s *Service) startLocalHub() {
	hub := realtime.NewHub(realtime.NewLocalBroker(0), s.logger.Named("realtime"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	s.hub = hub
	s.stopHub = func() {
		cancel()
		<-done
		hub.Close()
	}
}

// Close drains queued notifications, change signals and pending index writes.
func (s *Service) Close() {
	if s.notifier != nil {
		s.notifier.Close()
	}
	s.publishing.Wait()
	s.search.Wait()
	if s.stopHub != nil {
		s.stopHub()
		s.stopHub = nil
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return store.ErrUnavailable
	}
	return s.store.Ping(ctx)
}

// degraded reports whether err (or a missing store) means the operation should quietly
// return nothing. It logs the condition when it does.
func (s *Service) degraded(op string, err error) bool {
	if s.store == nil {
		s.logger.Warn("store not configured", zap.String("op", op))
		return true
	}
	if store.IsUnavailable(err) {
		s.logger.Warn("store unavailable", zap.String("op", op), zap.Error(err))
		return true
	}
	return false
}

// publish announces a change without holding up the write that caused it. Subscribers
// reload whole collections, so the order signals arrive in does not matter.
func (s *Service) publish(ctx context.Context, topic realtime.Topic) {
	ctx = context.WithoutCancel(ctx)
	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		s.hub.Publish(ctx, topic)
	}()
}

func (s *Service) dispatch(ev event.Event, err error) {
	if err != nil {
		s.logger.Warn("build notification event", zap.Error(err))
		return
	}
	if s.notifier != nil {
		s.notifier.DispatchAsync(ev)
	}
}

// TaskLink is the deep link stored on notifications about a task comment.
func (s *Service) TaskLink(projectID, taskID, commentID string) string {
	base := strings.TrimRight(s.cfg.LinkBase, "/")
	link := fmt.Sprintf("%s/projects/%s/tasks/%s", base, url.PathEscape(projectID), url.PathEscape(taskID))
	if commentID != "" {
		link += "?comment=" + url.QueryEscape(commentID)
	}
	return link
}

type AddCommentInput struct {
	TaskID          string  `json:"taskId"`
	ProjectID       string  `json:"projectId" validate:"required"`
	TaskTitle       string  `json:"taskTitle"`
	AuthorID        string  `json:"authorId"`
	AuthorName      string  `json:"authorName"`
	AuthorAvatarRef string  `json:"authorAvatar"`
	Content         string  `json:"content"`
	ParentID        *string `json:"parentId"`
}

// AddComment stores a root comment or a reply. A reply to a reply is attached to the
// thread's root. The bool result is false when the store could not be reached and
// nothing was written.
func (s *Service) AddComment(ctx context.Context, who Caller, in AddCommentInput) (store.Comment, bool, error) {
	in.Content = strings.TrimSpace(in.Content)
	in.TaskID = strings.TrimSpace(in.TaskID)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	if in.Content == "" {
		return store.Comment{}, false, validationError("Comment content is required", map[string]any{"field": "content"})
	}
	if in.TaskID == "" || in.ProjectID == "" {
		return store.Comment{}, false, validationError("taskId and projectId are required", nil)
	}
	if who.Authenticated {
		in.AuthorID = who.UserID
		if who.Name != "" {
			in.AuthorName = who.Name
		}
		if who.AvatarRef != "" {
			in.AuthorAvatarRef = who.AvatarRef
		}
	} else if strings.TrimSpace(in.AuthorID) == "" {
		in.AuthorID = who.UserID
	}
	in.AuthorID = strings.TrimSpace(in.AuthorID)
	if in.AuthorID == "" {
		return store.Comment{}, false, validationError("authorId is required", map[string]any{"field": "authorId"})
	}
	if strings.TrimSpace(in.AuthorName) == "" {
		in.AuthorName = in.AuthorID
	}

	if s.degraded("add comment", nil) {
		return store.Comment{}, false, nil
	}

	var parent *store.Comment
	var rootID *string
	if in.ParentID != nil && strings.TrimSpace(*in.ParentID) != "" {
		p, root, err := s.resolveParent(ctx, in.TaskID, strings.TrimSpace(*in.ParentID))
		if err != nil {
			if s.degraded("add comment", err) {
				return store.Comment{}, false, nil
			}
			return store.Comment{}, false, err
		}
		parent = &p
		rootID = &root.ID
	}

	created, err := s.store.InsertComment(ctx, store.Comment{
		ID:                util.NewID("cmt"),
		TaskID:            in.TaskID,
		ProjectID:         in.ProjectID,
		AuthorID:          in.AuthorID,
		AuthorDisplayName: in.AuthorName,
		AuthorAvatarRef:   in.AuthorAvatarRef,
		Content:           in.Content,
		ParentID:          rootID,
	})
	if err != nil {
		if s.degraded("add comment", err) {
			return store.Comment{}, false, nil
		}
		return store.Comment{}, false, fmt.Errorf("insert comment: %w", err)
	}

	s.publish(ctx, realtime.TaskTopic(created.TaskID))
	s.search.IndexComment(created)
	s.afterComment(ctx, who, created, parent, in.TaskTitle)
	return created, true, nil
}

// resolveParent loads the requested parent and the root the new reply will hang off.
func (s *Service) resolveParent(ctx context.Context, taskID, parentID string) (store.Comment, store.Comment, error) {
	parent, err := s.store.GetComment(ctx, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, store.Comment{}, notFound("Parent comment not found")
	}
	if err != nil {
		return store.Comment{}, store.Comment{}, err
	}
	if parent.TaskID != taskID {
		return store.Comment{}, store.Comment{}, validationError("Parent comment belongs to another task", map[string]any{"field": "parentId"})
	}
	if parent.IsRoot() {
		return parent, parent, nil
	}

	root, err := s.store.GetComment(ctx, thread.RootOf(parent))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, store.Comment{}, notFound("Thread root no longer exists")
	}
	if err != nil {
		return store.Comment{}, store.Comment{}, err
	}
	if !root.IsRoot() || root.TaskID != taskID {
		return store.Comment{}, store.Comment{}, validationError("Parent comment is not part of a thread on this task", map[string]any{"field": "parentId"})
	}
	return parent, root, nil
}

// afterComment records the activity entry and queues notifications for a stored
// comment. Failures are logged; the comment stays written.
func (s *Service) afterComment(ctx context.Context, who Caller, c store.Comment, parent *store.Comment, taskTitle string) {
	actor := event.Actor{ID: c.AuthorID, Name: c.AuthorDisplayName}
	ref := event.Ref{
		CommentID: c.ID,
		TaskID:    c.TaskID,
		ProjectID: c.ProjectID,
		Link:      s.TaskLink(c.ProjectID, c.TaskID, c.ID),
		Excerpt:   activity.Excerpt(c.Content),
	}

	entryType := store.ActivityCommentAdded
	if parent != nil {
		entryType = store.ActivityReplyAdded
	}
	if strings.TrimSpace(taskTitle) == "" {
		taskTitle = c.TaskID
	}
	if _, err := s.activity.Log(ctx, activity.Entry{
		ProjectID:  c.ProjectID,
		Type:       entryType,
		ActorID:    c.AuthorID,
		ActorName:  c.AuthorDisplayName,
		TargetID:   c.TaskID,
		TargetName: taskTitle,
		Details:    c.Content,
	}); err != nil {
		s.logger.Warn("log comment activity", zap.String("comment_id", c.ID), zap.Error(err))
	}

	if parent == nil {
		s.dispatch(event.NewCommentAdded(actor, ref))
	} else {
		s.dispatch(event.NewReplyAdded(actor, ref, *c.ParentID, parent.AuthorID))
	}

	targets := s.mentionTargets(ctx, c)
	if len(targets) > 0 {
		s.dispatch(event.NewMentioned(actor, ref, targets))
	}
}

func (s *Service) mentionTargets(ctx context.Context, c store.Comment) []string {
	if s.roster == nil || !strings.Contains(c.Content, "@") {
		return nil
	}
	candidates, err := s.roster.ListCandidateUsers(ctx, c.ProjectID)
	if err != nil {
		s.logger.Warn("load roster", zap.String("project_id", c.ProjectID), zap.Error(err))
		return nil
	}
	resolved := mention.Resolve(c.Content, candidates, c.AuthorID)
	ids := make([]string, 0, len(resolved))
	for _, candidate := range resolved {
		ids = append(ids, candidate.ID)
	}
	return ids
}

// DeleteComment removes one comment. Its replies and their reactions stay.
func (s *Service) DeleteComment(ctx context.Context, who Caller, commentID string) (bool, error) {
	if s.degraded("delete comment", nil) {
		return false, nil
	}
	existing, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound("Comment not found")
	}
	if err != nil {
		if s.degraded("delete comment", err) {
			return false, nil
		}
		return false, fmt.Errorf("load comment: %w", err)
	}
	if !access.Can(who.principal(), access.ActionDeleteComment, existing.AuthorID) {
		return false, permissionDenied("Only the author can delete this comment")
	}
	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFound("Comment not found")
		}
		if s.degraded("delete comment", err) {
			return false, nil
		}
		return false, fmt.Errorf("delete comment: %w", err)
	}
	s.publish(ctx, realtime.TaskTopic(existing.TaskID))
	s.search.DeleteComment(existing.ID)
	return true, nil
}

// ListComments returns a task's comments in creation order with their reactions.
func (s *Service) ListComments(ctx context.Context, taskID string) ([]store.Comment, error) {
	if s.degraded("list comments", nil) {
		return []store.Comment{}, nil
	}
	comments, err := s.store.ListComments(ctx, taskID)
	if err != nil {
		if s.degraded("list comments", err) {
			return []store.Comment{}, nil
		}
		return nil, fmt.Errorf("list comments: %w", err)
	}
	for i := range comments {
		comments[i].AuthorAvatarRef = s.avatarURL(ctx, comments[i].AuthorAvatarRef)
	}
	return comments, nil
}

// MentionSpans locates the resolved mentions in each comment so clients can highlight
// them. Comments without any are left out of the map.
func (s *Service) MentionSpans(ctx context.Context, comments []store.Comment) map[string][]mention.Span {
	out := map[string][]mention.Span{}
	if s.roster == nil {
		return out
	}
	rosters := map[string][]mention.Candidate{}
	for _, c := range comments {
		if !strings.Contains(c.Content, "@") {
			continue
		}
		candidates, ok := rosters[c.ProjectID]
		if !ok {
			var err error
			candidates, err = s.roster.ListCandidateUsers(ctx, c.ProjectID)
			if err != nil {
				s.logger.Warn("load roster", zap.String("project_id", c.ProjectID), zap.Error(err))
			}
			rosters[c.ProjectID] = candidates
		}
		if spans := mention.Spans(c.Content, candidates); len(spans) > 0 {
			out[c.ID] = spans
		}
	}
	return out
}

// Threads groups a task's comments into root threads.
func (s *Service) Threads(ctx context.Context, taskID string) (thread.View, error) {
	comments, err := s.ListComments(ctx, taskID)
	if err != nil {
		return thread.View{}, err
	}
	return thread.Build(comments), nil
}

func (s *Service) avatarURL(ctx context.Context, ref string) string {
	if ref == "" || s.avatars == nil {
		return ref
	}
	resolved, err := s.avatars.URL(ctx, ref)
	if err != nil {
		s.logger.Debug("resolve avatar", zap.String("ref", ref), zap.Error(err))
		return ref
	}
	return resolved
}

// SubscribeComments delivers the task's comment list now and after every change.
func (s *Service) SubscribeComments(taskID string, deliver func([]store.Comment)) func() {
	return realtime.Subscribe(s.hub, realtime.TaskTopic(taskID), func(ctx context.Context) ([]store.Comment, error) {
		return s.ListComments(ctx, taskID)
	}, deliver)
}

type ToggleResult struct {
	Reaction  store.Reaction `json:"reaction"`
	Added     bool           `json:"added"`
	Persisted bool           `json:"persisted"`
}
