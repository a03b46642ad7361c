// Package roster supplies the users that may be mentioned in a project.
package roster

import (
	"context"
	"fmt"

	"huddle/api/internal/mention"
	"huddle/api/internal/store"
)

// AllProjects keys roster entries that apply to every project.
const AllProjects = "*"

type Provider interface {
	ListCandidateUsers(ctx context.Context, projectID string) ([]mention.Candidate, error)
}

// Static serves a fixed roster.
type Static map[string][]mention.Candidate

func (s Static) ListCandidateUsers(_ context.Context, projectID string) ([]mention.Candidate, error) {
	return merge(s[projectID], s[AllProjects]), nil
}

type memberStore interface {
	ListProjectMembers(ctx context.Context, projectID string) ([]store.Member, error)
}

// SQL reads the project_members table.
type SQL struct {
	store memberStore
}

func NewSQL(s memberStore) *SQL {
	return &SQL{store: s}
}

func (p *SQL) ListCandidateUsers(ctx context.Context, projectID string) ([]mention.Candidate, error) {
	members, err := p.store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list candidate users: %w", err)
	}
	out := make([]mention.Candidate, 0, len(members))
	for _, m := range members {
		out = append(out, mention.Candidate{ID: m.UserID, DisplayName: m.DisplayName, Email: m.Email})
	}
	return out, nil
}

// Chain merges the rosters of several providers. The first provider wins when two
// return the same user id. A failing provider is skipped unless every provider fails.
type Chain []Provider

func (c Chain) ListCandidateUsers(ctx context.Context, projectID string) ([]mention.Candidate, error) {
	var lists [][]mention.Candidate
	var firstErr error
	for _, p := range c {
		candidates, err := p.ListCandidateUsers(ctx, projectID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		lists = append(lists, candidates)
	}
	if len(lists) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return merge(lists...), nil
}

func merge(lists ...[]mention.Candidate) []mention.Candidate {
	out := make([]mention.Candidate, 0)
	seen := map[string]bool{}
	for _, list := range lists {
		for _, c := range list {
			if c.ID == "" || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}
