// Package notify turns domain events into per-recipient notification records.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/event"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const dispatchTimeout = 10 * time.Second

type notificationStore interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, bool, error)
}

// Dispatcher writes notifications for events. Writes are at most once per dedupe key;
// a redelivered event inserts nothing new.
type Dispatcher struct {
	store    notificationStore
	logger   *zap.Logger
	onInsert func(ctx context.Context, n store.Notification)

	mu     sync.Mutex
	closed bool
	queue  chan event.Event
	done   chan struct{}
}

type Option func(*Dispatcher)

// WithOnInsert registers a callback run after each newly stored notification.
func WithOnInsert(fn func(ctx context.Context, n store.Notification)) Option {
	return func(d *Dispatcher) { d.onInsert = fn }
}

// NewDispatcher starts the background worker behind DispatchAsync. queueSize bounds the
// number of events waiting for it.
func NewDispatcher(s notificationStore, logger *zap.Logger, queueSize int, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		store:  s,
		logger: logger,
		queue:  make(chan event.Event, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Dispatch stores the notifications ev produces and returns the ones that were new.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) ([]store.Notification, error) {
	planned := Plan(ev)
	inserted := make([]store.Notification, 0, len(planned))
	var errs []error
	for _, n := range planned {
		stored, created, err := d.store.InsertNotification(ctx, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", n.UserID, err))
			continue
		}
		if !created {
			continue
		}
		inserted = append(inserted, stored)
		if d.onInsert != nil {
			d.onInsert(ctx, stored)
		}
	}
	return inserted, errors.Join(errs...)
}

// DispatchAsync queues ev for the background worker and returns immediately. When the
// queue is full or the dispatcher is closed the event is dropped and logged.
func (d *Dispatcher) DispatchAsync(ev event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("notification dropped after close", zap.String("kind", string(ev.Kind())), zap.String("source", ev.SourceID()))
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("notification queue full, dropping event", zap.String("kind", string(ev.Kind())), zap.String("source", ev.SourceID()))
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		inserted, err := d.Dispatch(ctx, ev)
		cancel()
		if err != nil {
			d.logger.Error("dispatch notifications",
				zap.String("kind", string(ev.Kind())),
				zap.String("source", ev.SourceID()),
				zap.Error(err),
			)
			continue
		}
		if len(inserted) > 0 {
			d.logger.Debug("notifications dispatched",
				zap.String("kind", string(ev.Kind())),
				zap.Int("count", len(inserted)),
			)
		}
	}
}

// Plan returns the notifications ev should produce, one per recipient. The actor never
// receives a notification about their own action, and CommentAdded alone notifies
// nobody.
func Plan(ev event.Event) []store.Notification {
	out := make([]store.Notification, 0)
	actor := ev.Actor()
	add := func(recipient string, typ store.NotificationType, title, message, link string) {
		if recipient == "" || recipient == actor.ID {
			return
		}
		out = append(out, store.Notification{
			ID:        util.NewID("ntf"),
			UserID:    recipient,
			Title:     title,
			Message:   message,
			Type:      typ,
			Link:      link,
			DedupeKey: DedupeKey(ev, recipient),
		})
	}

	switch e := ev.(type) {
	case event.CommentAdded:
	case event.ReplyAdded:
		add(e.ParentAuthorID, store.NotificationReplyAdded,
			"New reply",
			fmt.Sprintf("%s replied: %s", actorName(actor), e.Reply.Excerpt),
			e.Reply.Link)
	case event.ReactionAdded:
		add(e.CommentAuthorID, store.NotificationReactionAdded,
			"New reaction",
			fmt.Sprintf("%s reacted %s to your comment", actorName(actor), e.Emoji),
			e.Comment.Link)
	case event.Mentioned:
		seen := map[string]bool{}
		for _, target := range e.Targets {
			if seen[target] {
				continue
			}
			seen[target] = true
			add(target, store.NotificationMention,
				"You were mentioned",
				fmt.Sprintf("%s mentioned you: %s", actorName(actor), e.Comment.Excerpt),
				e.Comment.Link)
		}
	}
	return out
}

// DedupeKey is <kind>:<source>:<recipient>.
func DedupeKey(ev event.Event, recipient string) string {
	return string(ev.Kind()) + ":" + ev.SourceID() + ":" + recipient
}

func actorName(actor event.Actor) string {
	if actor.Name != "" {
		return actor.Name
	}
	return actor.ID
}
