package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/eventually/internal/store"
)

// pingInterval is how long the subscriber waits without a notification
// before checking that the LISTEN connection is still alive.
const pingInterval = 90 * time.Second

// Listener is the part of *pq.Listener the subscriber uses.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// NewPQListener opens a reconnecting LISTEN connection to databaseURL.
// Connection state changes are logged.
func NewPQListener(databaseURL string, logger *slog.Logger) *pq.Listener {
	return pq.NewListener(databaseURL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("listener connected")
		case pq.ListenerEventDisconnected:
			logger.Warn("listener disconnected", "err", err)
		case pq.ListenerEventReconnected:
			logger.Info("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Error("listener connection attempt failed", "err", err)
		}
	})
}

// PGSubscriber delivers notifications from PostgreSQL LISTEN.
type PGSubscriber struct {
	listener Listener
	logger   *slog.Logger
}

func NewPGSubscriber(l Listener, logger *slog.Logger) *PGSubscriber {
	return &PGSubscriber{listener: l, logger: logger}
}

// Notifications listens on both store channels and delivers what arrives
// until ctx is done or the listener is closed.
func (s *PGSubscriber) Notifications(ctx context.Context) (<-chan Notification, error) {
	for _, ch := range []string{store.ChannelNewEvents, store.ChannelChangedEvents} {
		if err := s.listener.Listen(ch); err != nil {
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}

	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		idle := time.NewTimer(pingInterval)
		defer idle.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
				go func() {
					if err := s.listener.Ping(); err != nil {
						s.logger.Warn("listener ping failed", "err", err)
					}
				}()
				idle.Reset(pingInterval)
			case n, ok := <-s.listener.NotificationChannel():
				if !ok {
					return
				}
				// A nil notification follows a reconnect; anything sent
				// while disconnected is lost.
				if n == nil {
					s.logger.Warn("listener reconnected, notifications may have been missed")
					continue
				}
				select {
				case out <- Notification{Channel: n.Channel, Payload: n.Extra}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the underlying listener.
func (s *PGSubscriber) Close() error {
	return s.listener.Close()
}
