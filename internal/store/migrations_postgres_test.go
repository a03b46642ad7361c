package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("HUDDLE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HUDDLE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, DialectPostgres, dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err, "reset schema")

	require.NoError(t, ApplyMigrations(ctx, db, DialectPostgres), "apply up migrations (pass 1)")
	require.NoError(t, RollbackMigrations(ctx, db, DialectPostgres), "apply down migrations")
	require.NoError(t, ApplyMigrations(ctx, db, DialectPostgres), "apply up migrations (pass 2)")

	s := NewSQLStore(db)
	_, err = s.InsertActivity(ctx, Activity{
		ID: "a1", ProjectID: "p", Type: ActivityTaskCreated,
		ActorID: "u", ActorName: "U", TargetID: "t", TargetName: "T",
	})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE activities SET details='x' WHERE id='a1'`)
	require.ErrorContains(t, err, "append-only")
}
