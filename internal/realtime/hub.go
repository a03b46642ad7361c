// Package realtime pushes live collection snapshots to subscribers. Every change signal
// makes a subscription reload its whole collection; subscribers never receive diffs.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const loadTimeout = 10 * time.Second

type Hub struct {
	broker Broker
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[Topic]map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	topic   Topic
	signal  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	once    sync.Once
	refresh func(ctx context.Context)
	// delivering is held across each deliver call so that unsubscribe can wait one out.
	delivering sync.Mutex
}

func NewHub(broker Broker, logger *zap.Logger) *Hub {
	if broker == nil {
		broker = NewLocalBroker(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broker: broker,
		logger: logger,
		subs:   map[Topic]map[*subscription]struct{}{},
	}
}

// Run feeds broker signals to subscriptions until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.broker.Run(ctx, h.Signal)
}

// Publish announces that topic's collection changed.
func (h *Hub) Publish(ctx context.Context, topic Topic) {
	if err := h.broker.Publish(ctx, topic); err != nil {
		h.logger.Warn("publish change signal", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// Signal wakes every subscription on topic. Signals arriving while a reload is pending
// collapse into that reload.
func (h *Hub) Signal(topic Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[topic] {
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Subscribe delivers load's result immediately and again after every change signal on
// topic. Calls to deliver are sequential. The returned function stops the subscription;
// it is safe to call more than once, and once it returns deliver is not called again. It
// must not be called from inside deliver.
func Subscribe[T any](h *Hub, topic Topic, load func(ctx context.Context) (T, error), deliver func(T)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		topic:  topic,
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	sub.refresh = func(ctx context.Context) {
		loadCtx, cancelLoad := context.WithTimeout(ctx, loadTimeout)
		value, err := load(loadCtx)
		cancelLoad()
		sub.delivering.Lock()
		defer sub.delivering.Unlock()
		if sub.stopped.Load() {
			return
		}
		if err != nil {
			h.logger.Warn("reload subscription", zap.String("topic", string(topic)), zap.Error(err))
			return
		}
		deliver(value)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return func() {}
	}
	if h.subs[topic] == nil {
		h.subs[topic] = map[*subscription]struct{}{}
	}
	h.subs[topic][sub] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go h.work(sub)

	return func() { h.remove(sub) }
}

func (h *Hub) work(sub *subscription) {
	defer h.wg.Done()
	sub.refresh(sub.ctx)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.signal:
			if sub.ctx.Err() != nil {
				return
			}
			sub.refresh(sub.ctx)
		}
	}
}

func (h *Hub) remove(sub *subscription) {
	sub.once.Do(func() {
		sub.stopped.Store(true)
		sub.cancel()
		h.mu.Lock()
		delete(h.subs[sub.topic], sub)
		if len(h.subs[sub.topic]) == 0 {
			delete(h.subs, sub.topic)
		}
		h.mu.Unlock()
		sub.delivering.Lock()
		sub.delivering.Unlock()
	})
}

// Close stops every subscription and waits for their workers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*subscription, 0)
	for _, subs := range h.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		h.remove(sub)
	}
	h.wg.Wait()
}
