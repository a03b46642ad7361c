package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"huddle/api/internal/event"
	"huddle/api/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memoryStore mimics the dedupe_key unique index.
type memoryStore struct {
	mu       sync.Mutex
	byKey    map[string]store.Notification
	insertFn func(n store.Notification) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byKey: map[string]store.Notification{}}
}

func (m *memoryStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, bool, error) {
	if m.insertFn != nil {
		if err := m.insertFn(n); err != nil {
			return store.Notification{}, false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[n.DedupeKey]; ok {
		return n, false, nil
	}
	m.byKey[n.DedupeKey] = n
	return n, true, nil
}

func (m *memoryStore) recipients() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, n := range m.byKey {
		out[n.UserID]++
	}
	return out
}

var (
	alice = event.Actor{ID: "alice", Name: "Alice"}
	ref   = event.Ref{CommentID: "c1", TaskID: "t1", ProjectID: "p1", Link: "/projects/p1/tasks/t1", Excerpt: "Great work @Bob"}
)

func newDispatcher(t *testing.T, s notificationStore, opts ...Option) *Dispatcher {
	t.Helper()
	d := NewDispatcher(s, zap.NewNop(), 8, opts...)
	t.Cleanup(d.Close)
	return d
}

func TestPlanRecipients(t *testing.T) {
	reply, err := event.NewReplyAdded(alice, ref, "root", "bob")
	require.NoError(t, err)
	selfReply, err := event.NewReplyAdded(alice, ref, "root", "alice")
	require.NoError(t, err)
	reaction, err := event.NewReactionAdded(alice, ref, "bob", "👍")
	require.NoError(t, err)
	selfReaction, err := event.NewReactionAdded(alice, ref, "alice", "👍")
	require.NoError(t, err)
	mentioned, err := event.NewMentioned(alice, ref, []string{"bob", "alice", "carol"})
	require.NoError(t, err)
	added, err := event.NewCommentAdded(alice, ref)
	require.NoError(t, err)

	cases := []struct {
		name string
		ev   event.Event
		want []string
		typ  store.NotificationType
	}{
		{name: "comment added notifies nobody", ev: added, want: []string{}},
		{name: "reply notifies parent author", ev: reply, want: []string{"bob"}, typ: store.NotificationReplyAdded},
		{name: "reply to own comment", ev: selfReply, want: []string{}},
		{name: "reaction notifies comment author", ev: reaction, want: []string{"bob"}, typ: store.NotificationReactionAdded},
		{name: "reaction to own comment", ev: selfReaction, want: []string{}},
		{name: "mention skips actor", ev: mentioned, want: []string{"bob", "carol"}, typ: store.NotificationMention},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			planned := Plan(tc.ev)
			got := make([]string, 0, len(planned))
			for _, n := range planned {
				got = append(got, n.UserID)
				assert.Equal(t, tc.typ, n.Type)
				assert.Equal(t, ref.Link, n.Link)
				assert.Equal(t, DedupeKey(tc.ev, n.UserID), n.DedupeKey)
				assert.False(t, n.IsRead)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDispatchIsIdempotentForRedeliveredEvents(t *testing.T) {
	s := newMemoryStore()
	d := newDispatcher(t, s)
	ev, err := event.NewMentioned(alice, ref, []string{"bob"})
	require.NoError(t, err)

	first, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, map[string]int{"bob": 1}, s.recipients())
}

func TestReactionReAddDoesNotNotifyTwice(t *testing.T) {
	s := newMemoryStore()
	d := newDispatcher(t, s)

	for i := 0; i < 2; i++ {
		ev, err := event.NewReactionAdded(alice, ref, "bob", "👍")
		require.NoError(t, err)
		_, err = d.Dispatch(context.Background(), ev)
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"bob": 1}, s.recipients())
}

func TestDispatchContinuesPastFailedRecipient(t *testing.T) {
	s := newMemoryStore()
	s.insertFn = func(n store.Notification) error {
		if n.UserID == "bob" {
			return errors.New("boom")
		}
		return nil
	}
	var delivered []string
	d := newDispatcher(t, s, WithOnInsert(func(_ context.Context, n store.Notification) {
		delivered = append(delivered, n.UserID)
	}))
	ev, err := event.NewMentioned(alice, ref, []string{"bob", "carol"})
	require.NoError(t, err)

	inserted, err := d.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	require.Len(t, inserted, 1)
	assert.Equal(t, "carol", inserted[0].UserID)
	assert.Equal(t, []string{"carol"}, delivered)
}

func TestDispatchAsyncDeliversBeforeCloseReturns(t *testing.T) {
	s := newMemoryStore()
	d := NewDispatcher(s, zap.NewNop(), 8)
	ev, err := event.NewMentioned(alice, ref, []string{"bob", "carol"})
	require.NoError(t, err)

	d.DispatchAsync(ev)
	d.Close()
	d.Close()

	assert.Equal(t, map[string]int{"bob": 1, "carol": 1}, s.recipients())
	d.DispatchAsync(ev)
}

func TestDispatchAsyncNeverBlocksCaller(t *testing.T) {
	release := make(chan struct{})
	s := newMemoryStore()
	s.insertFn = func(store.Notification) error {
		<-release
		return nil
	}
	d := NewDispatcher(s, zap.NewNop(), 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			ev, err := event.NewReactionAdded(alice, ref, "bob", string(rune('a'+i)))
			if err == nil {
				d.DispatchAsync(ev)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchAsync blocked while the worker was busy")
	}
	close(release)
	d.Close()
	assert.NotEmpty(t, s.recipients())
}
