// Package sync periodically exports the document archive as JSONL to
// external destinations (S3-compatible buckets, git repositories).
package sync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/alfredjeanlab/eventually/internal/idgen"
	"github.com/alfredjeanlab/eventually/internal/store"
)

// Destination is the interface for a sync target (S3, git, etc.).
type Destination interface {
	// Write sends the JSONL payload to the destination.
	Write(ctx context.Context, data []byte) error
}

// Scheduler runs periodic exports to one or more destinations.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	interval     time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for the interval and export timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a scheduler that exports from the store to the given
// destinations at the specified interval.
func NewScheduler(s store.Store, destinations []Destination, interval time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	sched := &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		clock:        clock.WallClock,
		logger:       logger,
	}
	for _, o := range opts {
		o(sched)
	}
	return sched
}

// Start begins periodic export. It runs an initial export immediately, then
// once per interval.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current export (if any) to
// finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.SyncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce exports the archive and writes it to every destination. Failures
// are logged; a failing destination does not stop the others.
func (s *Scheduler) SyncOnce(ctx context.Context) {
	exportID, err := idgen.New(idgen.ExportPrefix)
	if err != nil {
		s.logger.Error("sync export id", "err", err)
		return
	}

	var buf bytes.Buffer
	sum, err := ExportJSONL(ctx, s.store, &buf, exportID, s.clock.Now())
	if err != nil {
		s.logger.Error("sync export failed", "export", exportID, "err", err)
		return
	}
	data := buf.Bytes()

	failed := 0
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			failed++
			s.logger.Error("sync destination write failed", "export", exportID, "destination", fmt.Sprintf("%d", i), "err", err)
		}
	}

	s.logger.Info("sync completed",
		"export", exportID,
		"documents", sum.Documents,
		"versions", sum.Versions,
		"destinations", len(s.destinations),
		"failed", failed,
		"bytes", len(data),
	)
}
