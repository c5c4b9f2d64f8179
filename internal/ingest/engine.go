// Package ingest turns batches of fetched records into stored documents,
// archived versions and change notifications.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/alfredjeanlab/eventually/internal/change"
	"github.com/alfredjeanlab/eventually/internal/idgen"
	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store"
)

// Outcome is the ingestion decision taken for one record.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeNew
	OutcomeChanged
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeChanged:
		return "changed"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "skipped"
	}
}

// Result is the per-record result of an ingest. Err is set for failures
// that did not abort the batch; the Outcome still records how far the
// record got.
type Result struct {
	ID      string
	Outcome Outcome
	Hash    string // version hash, for OutcomeChanged
	Err     error
}

// Report summarizes one ingested batch.
type Report struct {
	Batch     string
	Source    string
	Cursor    string // post-normalization "created" of the last record
	Results   []Result
	CommitErr error
}

// Count returns how many records ended with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Engine runs batches through normalization, upsert, change detection,
// archival and notification.
type Engine struct {
	store    store.Store
	logger   *slog.Logger
	clock    clock.Clock
	volatile []change.Path
}

// Option configures an Engine.
type Option func(*Engine)

// WithVolatile overrides the volatile field set used for change detection.
func WithVolatile(paths []change.Path) Option {
	return func(e *Engine) { e.volatile = paths }
}

// WithClock sets the clock used for ingest stamps and version observation times.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine returns an engine writing to s.
func NewEngine(s store.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		logger:   logger,
		clock:    clock.WallClock,
		volatile: change.DefaultVolatile,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest stores a batch of records inside one transaction and returns a
// report whose Cursor is the normalized "created" of the last record.
//
// A malformed timestamp aborts the batch: the transaction is rolled back
// and the error returned. Every other failure is confined to its record and
// logged. A failed commit is logged and reported, and the cursor is still
// returned.
func (e *Engine) Ingest(ctx context.Context, records []model.Record, source string) (*Report, error) {
	report := &Report{Batch: idgen.Batch(), Source: source}
	if len(records) == 0 {
		return report, nil
	}
	log := e.logger.With("batch", report.Batch, "source", source)

	var (
		cursor   int64
		finished bool
	)
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		for i, raw := range records {
			rec, err := Normalize(raw, source, e.clock.Now())
			if err != nil {
				return fmt.Errorf("normalize record %d: %w", i, err)
			}
			report.Results = append(report.Results, e.ingestRecord(ctx, tx, rec, log))
			cursor, _ = CreatedEpoch(rec)
		}
		finished = true
		return nil
	})
	if err != nil {
		if !finished {
			log.Error("batch aborted", "count", len(records), "err", err)
			return nil, err
		}
		log.Error("batch commit failed", "err", err)
		report.CommitErr = err
	}
	report.Cursor = strconv.FormatInt(cursor, 10)

	log.Info("batch ingested",
		"count", len(records),
		"new", report.Count(OutcomeNew),
		"changed", report.Count(OutcomeChanged),
		"unchanged", report.Count(OutcomeUnchanged),
		"skipped", report.Count(OutcomeSkipped),
		"cursor", report.Cursor,
	)
	return report, nil
}

// ErrMissingID is returned by DocumentID for a record without a usable id.
var ErrMissingID = errors.New("record has no id")

// DocumentID returns the store key for rec. UUID-shaped ids are written in
// canonical form so the same event never lands under two keys.
func DocumentID(rec model.Record) (string, error) {
	id := rec.ID()
	if id == "" {
		return "", ErrMissingID
	}
	if u, err := uuid.Parse(id); err == nil {
		return u.String(), nil
	}
	return id, nil
}

func (e *Engine) ingestRecord(ctx context.Context, tx store.Store, rec model.Record, log *slog.Logger) Result {
	res := Result{ID: rec.ID()}

	docID, err := DocumentID(rec)
	if err != nil {
		res.Err = err
		log.Warn("skipping record", "err", err)
		return res
	}
	res.ID = docID
	log = log.With("id", docID)

	prev, err := tx.GetDocument(ctx, docID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("read previous document", "err", err)
		}
		prev = nil
	}

	inserted, err := tx.UpsertDocument(ctx, docID, rec)
	if err != nil {
		res.Err = err
		log.Error("upsert document", "err", err)
		return res
	}

	if inserted {
		res.Outcome = OutcomeNew
		if err := tx.Notify(ctx, store.ChannelNewEvents, docID); err != nil {
			res.Err = err
			log.Error("notify new event", "err", err)
		}
		return res
	}

	// Without a readable previous state the update is treated as a change.
	if prev != nil {
		changed, err := change.Changed(prev, rec, e.volatile)
		if err != nil {
			res.Err = err
			log.Error("compare with previous document", "err", err)
			return res
		}
		if !changed {
			res.Outcome = OutcomeUnchanged
			return res
		}
	}

	res.Outcome = OutcomeChanged
	log.Info("event changed")
	observed := e.clock.Now()
	if prev != nil {
		if _, err := tx.InsertVersion(ctx, docID, prev, observed); err != nil {
			log.Error("archive previous version", "err", err)
		}
	} else {
		log.Warn("previous version unreadable, archiving new version only")
	}

	hash, err := tx.InsertVersion(ctx, docID, rec, observed)
	if err != nil {
		res.Err = err
		log.Error("archive changed version", "err", err)
		return res
	}
	res.Hash = hash

	if err := tx.Notify(ctx, store.ChannelChangedEvents, hash); err != nil {
		res.Err = err
		log.Error("notify changed event", "hash", hash, "err", err)
	}
	return res
}
