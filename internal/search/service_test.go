package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/api/internal/store"
)

type fakeEngine struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)
	indexed  []CommentRecord
	deleted  []string
	indexErr error
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(q Query) ([]Result, int, error) { return f.searchFn(q) }

func (f *fakeEngine) IndexComments(comments []CommentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, comments...)
	return f.indexErr
}

func (f *fakeEngine) DeleteComment(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSource struct {
	searchFn func(ctx context.Context, projectID, query string, limit int) ([]store.Comment, error)
	listFn   func(ctx context.Context, projectID string) ([]store.Comment, error)
}

func (f fakeSource) SearchComments(ctx context.Context, projectID, query string, limit int) ([]store.Comment, error) {
	return f.searchFn(ctx, projectID, query, limit)
}

func (f fakeSource) ListProjectComments(ctx context.Context, projectID string) ([]store.Comment, error) {
	return f.listFn(ctx, projectID)
}

var sqlHit = fakeSource{
	searchFn: func(_ context.Context, projectID, query string, limit int) ([]store.Comment, error) {
		return []store.Comment{{ID: "c1", TaskID: "t1", ProjectID: projectID, AuthorDisplayName: "Bob", Content: "deploy " + query}}, nil
	},
	listFn: func(context.Context, string) ([]store.Comment, error) {
		return []store.Comment{{ID: "c1", ProjectID: "p1", Content: "a"}, {ID: "c2", ProjectID: "p1", Content: "b"}}, nil
	},
}

func TestSearchUsesHealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		assert.Equal(t, "p1", q.ProjectID)
		assert.Equal(t, 20, q.Limit)
		return []Result{{CommentID: "c9"}}, 1, nil
	}}
	s := NewService(engine, sqlHit, nil)

	resp := s.Search(context.Background(), Query{ProjectID: "p1", Text: " api "})
	assert.Equal(t, SourceMeili, resp.Source)
	assert.Equal(t, "api", resp.Query)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c9", resp.Results[0].CommentID)
}

func TestSearchFallsBackToSQL(t *testing.T) {
	cases := []struct {
		name   string
		engine Engine
	}{
		{name: "no engine", engine: nil},
		{name: "unhealthy engine", engine: &fakeEngine{healthy: false}},
		{name: "engine error", engine: &fakeEngine{healthy: true, searchFn: func(Query) ([]Result, int, error) {
			return nil, 0, errors.New("timeout")
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := NewService(tc.engine, sqlHit, nil).Search(context.Background(), Query{ProjectID: "p1", Text: "api"})
			assert.Equal(t, SourceSQL, resp.Source)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "Bob", resp.Results[0].AuthorName)
			assert.Equal(t, 1, resp.Total)
		})
	}
}

func TestSearchEmptyQueryAndStoreFailure(t *testing.T) {
	s := NewService(nil, sqlHit, nil)
	resp := s.Search(context.Background(), Query{ProjectID: "p1", Text: "  "})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)

	failing := fakeSource{searchFn: func(context.Context, string, string, int) ([]store.Comment, error) {
		return nil, store.ErrUnavailable
	}}
	resp = NewService(nil, failing, nil).Search(context.Background(), Query{ProjectID: "p1", Text: "x"})
	assert.Empty(t, resp.Results)
}

func TestIndexAndDeleteAreAsync(t *testing.T) {
	engine := &fakeEngine{healthy: true}
	s := NewService(engine, sqlHit, nil)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.IndexComment(store.Comment{ID: "c1", ProjectID: "p1", AuthorDisplayName: "Bob", Content: "hi", CreatedAt: created})
	s.DeleteComment("c0")
	s.Wait()

	require.Len(t, engine.indexed, 1)
	assert.Equal(t, CommentRecord{ID: "c1", ProjectID: "p1", AuthorName: "Bob", Content: "hi", CreatedAt: created.UnixMilli()}, engine.indexed[0])
	assert.Equal(t, []string{"c0"}, engine.deleted)

	unhealthy := &fakeEngine{}
	NewService(unhealthy, sqlHit, nil).IndexComment(store.Comment{ID: "c1"})
	assert.Empty(t, unhealthy.indexed)
}

func TestReindex(t *testing.T) {
	engine := &fakeEngine{healthy: true}
	n, err := NewService(engine, sqlHit, nil).Reindex(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, engine.indexed, 2)

	n, err = NewService(nil, sqlHit, nil).Reindex(context.Background(), "p1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHitToResultPrefersHighlightedContent(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"c1"`),
		"taskId":     json.RawMessage(`"t1"`),
		"projectId":  json.RawMessage(`"p1"`),
		"authorName": json.RawMessage(`"Bob"`),
		"content":    json.RawMessage(`"deploy the api"`),
		"createdAt":  json.RawMessage(`1767322800000`),
		"_formatted": json.RawMessage(`{"content":"deploy the <mark>api</mark>","createdAt":"1767322800000"}`),
	}
	r := hitToResult(hit)
	assert.Equal(t, "c1", r.CommentID)
	assert.Equal(t, "deploy the <mark>api</mark>", r.Snippet)
	assert.Equal(t, time.UnixMilli(1767322800000).UTC(), r.CreatedAt)
}
