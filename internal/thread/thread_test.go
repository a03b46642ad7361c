package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/api/internal/store"
)

func ptr(v string) *string { return &v }

func TestBuildGroupsRepliesUnderRoots(t *testing.T) {
	comments := []store.Comment{
		{ID: "r1"},
		{ID: "a", ParentID: ptr("r1")},
		{ID: "r2"},
		{ID: "b", ParentID: ptr("r1")},
		{ID: "c", ParentID: ptr("r2")},
		{ID: "orphan", ParentID: ptr("gone")},
	}

	view := Build(comments)
	require.Len(t, view.Threads, 2)

	assert.Equal(t, "r1", view.Threads[0].Root.ID)
	assert.Equal(t, 2, view.Threads[0].ReplyCount)
	assert.Equal(t, "a", view.Threads[0].Replies[0].ID)
	assert.Equal(t, "b", view.Threads[0].Replies[1].ID)

	assert.Equal(t, "r2", view.Threads[1].Root.ID)
	assert.Equal(t, 1, view.Threads[1].ReplyCount)

	require.Len(t, view.Orphans, 1)
	assert.Equal(t, "orphan", view.Orphans[0].ID)
}

func TestBuildEmpty(t *testing.T) {
	view := Build(nil)
	assert.NotNil(t, view.Threads)
	assert.Empty(t, view.Threads)
	assert.Empty(t, view.Orphans)
}

func TestRootOf(t *testing.T) {
	assert.Equal(t, "r1", RootOf(store.Comment{ID: "r1"}))
	assert.Equal(t, "r1", RootOf(store.Comment{ID: "a", ParentID: ptr("r1")}))
}
