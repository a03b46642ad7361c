package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUnavailable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sentinel", err: fmt.Errorf("list comments: %w", ErrUnavailable), want: true},
		{name: "bad conn", err: fmt.Errorf("ping: %w", driver.ErrBadConn), want: true},
		{name: "net op", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, want: true},
		{name: "constraint", err: errors.New("UNIQUE constraint failed"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUnavailable(tc.err))
		})
	}
}

func TestUnreachableDatabaseKeepsHandle(t *testing.T) {
	const url = "postgres://huddle@127.0.0.1:1/huddle?connect_timeout=1&sslmode=disable"
	ctx := context.Background()

	_, err := Open(ctx, DialectPostgres, url)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err), err)

	db, err := OpenHandle(DialectPostgres, url)
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLStore(db).ListComments(ctx, "task-1")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err), err)
}

func TestOpenHandleRejectsUnknownDialect(t *testing.T) {
	_, err := OpenHandle("oracle", "whatever")
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
}
