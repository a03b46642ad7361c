// Package search finds comments by text. Meilisearch serves queries while it is healthy;
// otherwise the SQL store answers with a substring match.
package search

import "time"

// Source names the backend that answered a query.
type Source string

const (
	SourceMeili Source = "meilisearch"
	SourceSQL   Source = "sql"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CommentID  string    `json:"commentId"`
	TaskID     string    `json:"taskId"`
	ProjectID  string    `json:"projectId"`
	AuthorName string    `json:"authorName"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	ProjectID string
	Text      string
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  Source   `json:"source"`
}

// Engine is a full-text index that can be written to and queried.
type Engine interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexComments(comments []CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId"`
	ProjectID  string `json:"projectId"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}
