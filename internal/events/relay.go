package events

import (
	"context"
	"log/slog"
)

// Source produces notifications. *PGSubscriber and *NATSSubscriber
// implement it.
type Source interface {
	Notifications(ctx context.Context) (<-chan Notification, error)
}

// Relay republishes every notification from a source to its publishers
// under the notification's subject.
type Relay struct {
	source     Source
	publishers []Publisher
	logger     *slog.Logger
}

func NewRelay(source Source, logger *slog.Logger, publishers ...Publisher) *Relay {
	return &Relay{source: source, publishers: publishers, logger: logger}
}

// Run relays until ctx is done or the source closes. Publish failures are
// logged and do not stop the relay.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.source.Notifications(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("relay started", "publishers", len(r.publishers))

	for n := range ch {
		topic, ok := TopicFor(n.Channel)
		if !ok {
			r.logger.Warn("relay: unknown channel", "channel", n.Channel)
			continue
		}
		for _, p := range r.publishers {
			if err := p.Publish(ctx, topic, n); err != nil {
				r.logger.Error("relay: publish failed", "topic", topic, "payload", n.Payload, "err", err)
			}
		}
	}
	return ctx.Err()
}
