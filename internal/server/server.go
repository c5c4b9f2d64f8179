// Package server exposes the pipeline's status over HTTP: liveness, per-source
// health and a server-sent event stream of relayed store notifications.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/eventually/internal/events"
	"github.com/alfredjeanlab/eventually/internal/health"
)

// DefaultStaleAfter marks an activity stale when it has not succeeded for
// this long.
const DefaultStaleAfter = 15 * time.Minute

// StatusServer serves the status API. It is also an events.Publisher so the
// relay can feed its notification stream.
type StatusServer struct {
	health     *health.Tracker
	stream     *notificationStream
	logger     *slog.Logger
	staleAfter time.Duration
}

var _ events.Publisher = (*StatusServer)(nil)

// NewStatusServer returns a server reporting h.
func NewStatusServer(h *health.Tracker, logger *slog.Logger) *StatusServer {
	return &StatusServer{
		health:     h,
		stream:     newNotificationStream(streamBacklog),
		logger:     logger,
		staleAfter: DefaultStaleAfter,
	}
}

// SetStaleAfter overrides the stale threshold; 0 disables it.
func (s *StatusServer) SetStaleAfter(d time.Duration) { s.staleAfter = d }

// Publish appends a relayed notification to the stream. The subject is
// ignored; clients filter by store channel.
func (s *StatusServer) Publish(_ context.Context, _ string, event any) error {
	n, ok := event.(events.Notification)
	if !ok {
		return fmt.Errorf("status stream: unsupported event %T", event)
	}
	s.stream.append(n)
	return nil
}

// Close is a no-op; stream clients end with their requests.
func (s *StatusServer) Close() error { return nil }
