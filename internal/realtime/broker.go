package realtime

import (
	"context"
	"errors"
)

// Broker carries change signals between API instances. A signal only names the topic
// that changed; subscribers reload the collection themselves.
type Broker interface {
	Publish(ctx context.Context, topic Topic) error
	// Run delivers every published topic to handler until ctx is done.
	Run(ctx context.Context, handler func(Topic)) error
}

var ErrInvalidTopic = errors.New("invalid topic")

// LocalBroker keeps signals inside the process. Topics published before Run starts are
// buffered and delivered once it does.
type LocalBroker struct {
	ch chan Topic
}

func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &LocalBroker{ch: make(chan Topic, buffer)}
}

func (b *LocalBroker) Publish(ctx context.Context, topic Topic) error {
	if !topic.Valid() {
		return ErrInvalidTopic
	}
	select {
	case b.ch <- topic:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Run(ctx context.Context, handler func(Topic)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case topic := <-b.ch:
			handler(topic)
		}
	}
}
