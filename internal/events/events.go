// Package events fans store notifications out to subscribers. PostgreSQL
// LISTEN/NOTIFY is the source; NATS subjects and the status server's
// event stream are the sinks.
package events

import (
	"context"

	"github.com/alfredjeanlab/eventually/internal/store"
)

// Subjects carrying relayed notifications.
const (
	TopicNewEvent     = "eventually.events.new"
	TopicChangedEvent = "eventually.events.changed"
	TopicAll          = "eventually.events.>"
)

// Notification is a store notification as relayed to subscribers. Payload is
// the record id on new_events and the version hash on changed_events.
type Notification struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// TopicFor maps a store notification channel to its subject.
func TopicFor(channel string) (string, bool) {
	switch channel {
	case store.ChannelNewEvents:
		return TopicNewEvent, true
	case store.ChannelChangedEvents:
		return TopicChangedEvent, true
	}
	return "", false
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
