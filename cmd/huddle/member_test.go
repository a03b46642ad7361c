package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/api/internal/roster"
	"huddle/api/internal/store"
)

func TestAddMemberFeedsSQLRoster(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.ApplyMigrations(ctx, db, store.DialectSQLite))
	s := store.NewSQLStore(db)

	var out bytes.Buffer
	require.NoError(t, addMember(ctx, s, &out, store.Member{ProjectID: "proj-1", UserID: " u_42 ", Email: "bob@example.com"}))
	require.NoError(t, addMember(ctx, s, &out, store.Member{ProjectID: "proj-1", UserID: "u_42", DisplayName: "Bob Martin", Email: "bob@example.com"}))
	assert.Contains(t, out.String(), `u_42 is a member of proj-1 as "Bob Martin"`)

	candidates, err := roster.NewSQL(s).ListCandidateUsers(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Bob Martin", candidates[0].DisplayName)

	out.Reset()
	require.NoError(t, listMembers(ctx, s, &out, "proj-1"))
	assert.Equal(t, "u_42\tBob Martin\tbob@example.com\n", out.String())
}
