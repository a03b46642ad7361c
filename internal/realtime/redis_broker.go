package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker fans change signals out to every API instance subscribed to the same
// Redis channel.
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBroker connects to redisURL and verifies the connection.
func NewRedisBroker(redisURL, channel string, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBrokerWithClient(client, channel, logger), nil
}

func NewRedisBrokerWithClient(client *redis.Client, channel string, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:  client,
		channel: channel,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, topic Topic) error {
	if !topic.Valid() {
		return ErrInvalidTopic
	}
	if err := b.client.Publish(ctx, b.channel, string(topic)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Run subscribes to the channel and blocks until ctx is done. Ready is closed once the
// subscription is confirmed by the server.
func (b *RedisBroker) Run(ctx context.Context, handler func(Topic)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("subscribed to change channel", zap.String("channel", b.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("change channel %s closed", b.channel)
			}
			topic := Topic(msg.Payload)
			if !topic.Valid() {
				b.logger.Warn("ignoring malformed change signal", zap.String("payload", msg.Payload))
				continue
			}
			handler(topic)
		}
	}
}

// Ready is closed after Run's subscription is active.
func (b *RedisBroker) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
