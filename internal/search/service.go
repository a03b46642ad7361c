package search

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"huddle/api/internal/store"
)

type commentSource interface {
	SearchComments(ctx context.Context, projectID, query string, limit int) ([]store.Comment, error)
	ListProjectComments(ctx context.Context, projectID string) ([]store.Comment, error)
}

// Service is the facade that tries the index first and falls back to the SQL store.
type Service struct {
	engine Engine
	source commentSource
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewService creates a search service. engine may be nil when no index is configured.
func NewService(engine Engine, source commentSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, source: source, logger: logger}
}

// Search tries the index if healthy, otherwise falls back to the SQL store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	empty := Response{Results: []Result{}, Total: 0, Query: q.Text, Source: SourceSQL}
	if q.Text == "" || q.ProjectID == "" {
		return empty
	}

	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourceMeili}
		}
		s.logger.Warn("search index error, falling back to sql", zap.Error(err))
	}

	if s.source == nil {
		return empty
	}
	comments, err := s.source.SearchComments(ctx, q.ProjectID, q.Text, q.Limit)
	if err != nil {
		s.logger.Warn("sql search failed", zap.String("project_id", q.ProjectID), zap.Error(err))
		return empty
	}
	results := make([]Result, 0, len(comments))
	for _, c := range comments {
		results = append(results, Result{
			CommentID:  c.ID,
			TaskID:     c.TaskID,
			ProjectID:  c.ProjectID,
			AuthorName: c.AuthorDisplayName,
			Snippet:    c.Content,
			CreatedAt:  c.CreatedAt,
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Source: SourceSQL}
}

// IndexComment pushes c to the index without blocking the caller.
func (s *Service) IndexComment(c store.Comment) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	record := RecordFromComment(c)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.engine.IndexComments([]CommentRecord{record}); err != nil {
			s.logger.Warn("index comment", zap.String("comment_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteComment removes a comment from the index without blocking the caller.
func (s *Service) DeleteComment(id string) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.engine.DeleteComment(id); err != nil {
			s.logger.Warn("delete comment from index", zap.String("comment_id", id), zap.Error(err))
		}
	}()
}

// Reindex loads every comment of a project from the store and pushes it to the index.
func (s *Service) Reindex(ctx context.Context, projectID string) (int, error) {
	if s.engine == nil || !s.engine.Healthy() || s.source == nil {
		return 0, nil
	}
	comments, err := s.source.ListProjectComments(ctx, projectID)
	if err != nil {
		return 0, err
	}
	records := make([]CommentRecord, 0, len(comments))
	for _, c := range comments {
		records = append(records, RecordFromComment(c))
	}
	if err := s.engine.IndexComments(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func RecordFromComment(c store.Comment) CommentRecord {
	return CommentRecord{
		ID:         c.ID,
		TaskID:     c.TaskID,
		ProjectID:  c.ProjectID,
		AuthorID:   c.AuthorID,
		AuthorName: c.AuthorDisplayName,
		Content:    c.Content,
		CreatedAt:  c.CreatedAt.UnixMilli(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
