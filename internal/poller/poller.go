// Package poller drives the upstream sources on a fixed cadence: the primary
// feed and the aggregator every cycle, and the library and redaction rescans
// whenever the library interval has elapsed.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/juju/clock"

	"github.com/alfredjeanlab/eventually/internal/health"
	"github.com/alfredjeanlab/eventually/internal/ingest"
	"github.com/alfredjeanlab/eventually/internal/model"
)

const (
	DefaultPollDelay        = 5 * time.Second
	DefaultLibraryPollDelay = 2 * time.Minute
)

// Fetcher reads the upstream sources. *feed.Client implements it.
type Fetcher interface {
	Global(ctx context.Context, start string) ([]model.Record, error)
	Library(ctx context.Context) ([]model.Book, error)
	Chapter(ctx context.Context, id string) ([]model.Record, error)
	Aggregator(ctx context.Context) ([]model.Record, error)
}

// Ingester stores a batch. *ingest.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, records []model.Record, source string) (*ingest.Report, error)
}

// RedactionScanner finds documents still awaiting an authoritative copy.
// store.Store implements it.
type RedactionScanner interface {
	ScanRedacted(ctx context.Context) ([]*model.Document, error)
}

// Reporter receives activity outcomes. *health.Tracker implements it.
type Reporter interface {
	Succeeded(activity string, n int)
	Failed(activity string, err error)
	SetCursor(cursor string)
}

// Config holds the poller's timing and collaborators.
type Config struct {
	PollDelay        time.Duration
	LibraryPollDelay time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
	Health           Reporter
}

// State is the poller's only mutable state. It is threaded through Cycle
// rather than held by the Poller.
type State struct {
	Cursor         string    // post-normalization epoch of the last primary record
	LastLibraryRun time.Time // when the library rescan last ran
}

// Poller runs the polling activities sequentially against one engine.
type Poller struct {
	fetcher  Fetcher
	ingester Ingester
	scanner  RedactionScanner
	cfg      Config
}

// New creates a poller. Zero Config fields take their defaults.
func New(fetcher Fetcher, ingester Ingester, scanner RedactionScanner, cfg Config) *Poller {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = DefaultPollDelay
	}
	if cfg.LibraryPollDelay <= 0 {
		cfg.LibraryPollDelay = DefaultLibraryPollDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Health == nil {
		cfg.Health = nopReporter{}
	}
	return &Poller{fetcher: fetcher, ingester: ingester, scanner: scanner, cfg: cfg}
}

// Run polls until ctx is cancelled, sleeping PollDelay between cycles. When
// st has never run the library rescan, the first one happens one
// LibraryPollDelay after start.
func (p *Poller) Run(ctx context.Context, st State) error {
	if st.LastLibraryRun.IsZero() {
		st.LastLibraryRun = p.cfg.Clock.Now()
	}
	p.cfg.Logger.Info("poller started",
		"poll_delay", p.cfg.PollDelay,
		"library_poll_delay", p.cfg.LibraryPollDelay,
		"cursor", st.Cursor)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st = p.Cycle(ctx, st)

		select {
		case <-ctx.Done():
			p.cfg.Logger.Info("poller stopped", "cursor", st.Cursor)
			return ctx.Err()
		case <-p.cfg.Clock.After(p.cfg.PollDelay):
		}
	}
}

// Cycle runs one pass over every activity and returns the updated state.
// Failures are logged and reported; they never stop the cycle.
func (p *Poller) Cycle(ctx context.Context, st State) State {
	if p.cfg.Clock.Now().Sub(st.LastLibraryRun) >= p.cfg.LibraryPollDelay {
		p.RescanLibrary(ctx)
		p.RescanRedacted(ctx)
		st.LastLibraryRun = p.cfg.Clock.Now()
	}
	st.Cursor = p.PollPrimary(ctx, st.Cursor)
	p.PollAggregator(ctx)
	return st
}

// PollPrimary fetches the next primary page after cursor and returns the new
// cursor. The cursor is unchanged when nothing was fetched or ingestion failed.
func (p *Poller) PollPrimary(ctx context.Context, cursor string) string {
	log := p.cfg.Logger.With("activity", health.ActivityPrimary)

	start := ""
	if cursor != "" {
		epoch, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			log.Error("invalid cursor, requesting first page", "cursor", cursor, "err", err)
		} else {
			start = ingest.WireTime(epoch)
		}
	}

	records, err := p.fetcher.Global(ctx, start)
	if err != nil {
		p.fail(log, health.ActivityPrimary, "fetch primary feed", err)
		return cursor
	}
	if len(records) == 0 {
		p.cfg.Health.Succeeded(health.ActivityPrimary, 0)
		return cursor
	}

	log.Info("ingesting new events", "count", len(records))
	report, err := p.ingester.Ingest(ctx, records, model.SourcePrimary)
	if err != nil {
		p.fail(log, health.ActivityPrimary, "ingest primary feed", err)
		return cursor
	}
	p.record(health.ActivityPrimary, report)
	p.cfg.Health.SetCursor(report.Cursor)
	return report.Cursor
}

// PollAggregator ingests the aggregator's full current set.
func (p *Poller) PollAggregator(ctx context.Context) {
	log := p.cfg.Logger.With("activity", health.ActivityAggregator)

	records, err := p.fetcher.Aggregator(ctx)
	if err != nil {
		p.fail(log, health.ActivityAggregator, "fetch aggregator", err)
		return
	}
	if len(records) == 0 {
		p.cfg.Health.Succeeded(health.ActivityAggregator, 0)
		return
	}

	log.Info("ingesting aggregator events", "count", len(records))
	report, err := p.ingester.Ingest(ctx, records, model.SourceAggregator)
	if err != nil {
		p.fail(log, health.ActivityAggregator, "ingest aggregator", err)
		return
	}
	p.record(health.ActivityAggregator, report)
}

// RescanLibrary ingests the history of every non-redacted library chapter,
// tagged with its book and chapter.
func (p *Poller) RescanLibrary(ctx context.Context) {
	log := p.cfg.Logger.With("activity", health.ActivityLibrary)

	books, err := p.fetcher.Library(ctx)
	if err != nil {
		p.fail(log, health.ActivityLibrary, "fetch library", err)
		return
	}

	var (
		total   int
		lastErr error
	)
	for _, book := range books {
		for _, ch := range book.Chapters {
			if ch.Redacted {
				continue
			}
			if ctx.Err() != nil {
				p.fail(log, health.ActivityLibrary, "library rescan interrupted", ctx.Err())
				return
			}

			records, err := p.fetcher.Chapter(ctx, ch.ID)
			if err != nil {
				log.Error("fetch chapter", "chapter", ch.ID, "err", err)
				lastErr = fmt.Errorf("chapter %s: %w", ch.ID, err)
				continue
			}
			if len(records) == 0 {
				continue
			}
			for _, rec := range records {
				meta := rec.Metadata()
				meta[model.MetaBookTitle] = book.Title
				meta[model.MetaChapterID] = ch.ID
				meta[model.MetaChapterTitle] = ch.Title
			}

			report, err := p.ingester.Ingest(ctx, records, model.SourceLibrary)
			if err != nil {
				log.Error("ingest chapter", "chapter", ch.ID, "err", err)
				lastErr = fmt.Errorf("chapter %s: %w", ch.ID, err)
				continue
			}
			if report.CommitErr != nil {
				lastErr = fmt.Errorf("chapter %s: %w", ch.ID, report.CommitErr)
			}
			total += len(records)
		}
	}

	if lastErr != nil {
		p.cfg.Health.Failed(health.ActivityLibrary, lastErr)
		return
	}
	p.cfg.Health.Succeeded(health.ActivityLibrary, total)
}

// RescanRedacted re-fetches the primary feed from the timestamp of every
// document still marked redacted without library provenance, and re-ingests
// it so an authoritative copy replaces the redacted one once published.
func (p *Poller) RescanRedacted(ctx context.Context) {
	log := p.cfg.Logger.With("activity", health.ActivityRedactions)

	docs, err := p.scanner.ScanRedacted(ctx)
	if err != nil {
		p.fail(log, health.ActivityRedactions, "scan redacted events", err)
		return
	}
	log.Info("found redacted events", "count", len(docs))

	var (
		total   int
		lastErr error
	)
	for _, doc := range docs {
		if ctx.Err() != nil {
			p.fail(log, health.ActivityRedactions, "redaction rescan interrupted", ctx.Err())
			return
		}

		epoch, ok := ingest.CreatedEpoch(doc.Object)
		if !ok {
			log.Warn("redacted event has no usable timestamp", "id", doc.ID)
			continue
		}
		records, err := p.fetcher.Global(ctx, ingest.WireTime(epoch))
		if err != nil {
			log.Error("fetch redacted event", "id", doc.ID, "err", err)
			lastErr = err
			continue
		}
		if len(records) == 0 {
			continue
		}

		log.Info("re-ingesting redacted event", "id", doc.ID)
		report, err := p.ingester.Ingest(ctx, records, model.SourcePrimary)
		if err != nil {
			log.Error("ingest redacted event", "id", doc.ID, "err", err)
			lastErr = err
			continue
		}
		if report.CommitErr != nil {
			lastErr = report.CommitErr
		}
		total += len(records)
	}

	if lastErr != nil {
		p.cfg.Health.Failed(health.ActivityRedactions, lastErr)
		return
	}
	p.cfg.Health.Succeeded(health.ActivityRedactions, total)
}

func (p *Poller) fail(log *slog.Logger, activity, msg string, err error) {
	if errors.Is(err, context.Canceled) {
		log.Debug(msg, "err", err)
	} else {
		log.Error(msg, "err", err)
	}
	p.cfg.Health.Failed(activity, err)
}

func (p *Poller) record(activity string, report *ingest.Report) {
	if report.CommitErr != nil {
		p.cfg.Health.Failed(activity, report.CommitErr)
		return
	}
	p.cfg.Health.Succeeded(activity, len(report.Results))
}

type nopReporter struct{}

func (nopReporter) Succeeded(string, int) {}
func (nopReporter) Failed(string, error)  {}
func (nopReporter) SetCursor(string)      {}
