package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/alfredjeanlab/eventually/internal/health"
	"github.com/alfredjeanlab/eventually/internal/ingest"
	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store/memory"
)

var t0 = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeFetcher serves canned pages and records every call.
type fakeFetcher struct {
	mu sync.Mutex

	global     map[string][]model.Record // keyed by start
	globalErr  error
	library    []model.Book
	chapters   map[string][]model.Record
	aggregator []model.Record
	aggErr     error

	globalCalls  []string
	chapterCalls []string
	libraryCalls int
	aggCalls     int
}

func cloneAll(rs []model.Record) []model.Record {
	out := make([]model.Record, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

func (f *fakeFetcher) Global(_ context.Context, start string) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalCalls = append(f.globalCalls, start)
	if f.globalErr != nil {
		return nil, f.globalErr
	}
	return cloneAll(f.global[start]), nil
}

func (f *fakeFetcher) Library(context.Context) ([]model.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.libraryCalls++
	return f.library, nil
}

func (f *fakeFetcher) Chapter(_ context.Context, id string) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chapterCalls = append(f.chapterCalls, id)
	return cloneAll(f.chapters[id]), nil
}

func (f *fakeFetcher) Aggregator(context.Context) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggCalls++
	if f.aggErr != nil {
		return nil, f.aggErr
	}
	return cloneAll(f.aggregator), nil
}

func (f *fakeFetcher) globalCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.globalCalls)
}

// recordingIngester passes batches to a real engine and records the sources.
type recordingIngester struct {
	engine  *ingest.Engine
	sources []string
	sizes   []int
}

func (r *recordingIngester) Ingest(ctx context.Context, records []model.Record, source string) (*ingest.Report, error) {
	r.sources = append(r.sources, source)
	r.sizes = append(r.sizes, len(records))
	return r.engine.Ingest(ctx, records, source)
}

type fixture struct {
	fetcher  *fakeFetcher
	ingester *recordingIngester
	store    *memory.Store
	clock    *testclock.Clock
	health   *health.Tracker
	poller   *Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testclock.NewClock(t0)
	s := memory.New()
	f := &fixture{
		fetcher:  &fakeFetcher{global: map[string][]model.Record{}, chapters: map[string][]model.Record{}},
		ingester: &recordingIngester{engine: ingest.NewEngine(s, logger, ingest.WithClock(clk))},
		store:    s,
		clock:    clk,
		health:   health.New(clk),
	}
	f.poller = New(f.fetcher, f.ingester, s, Config{
		PollDelay:        5 * time.Second,
		LibraryPollDelay: time.Minute,
		Clock:            clk,
		Logger:           logger,
		Health:           f.health,
	})
	return f
}

func rec(id, created string) model.Record {
	return model.Record{"id": id, "created": created, "metadata": map[string]any{}}
}

func (f *fixture) entry(t *testing.T, activity string) health.Entry {
	t.Helper()
	for _, e := range f.health.Snapshot(0) {
		if e.Activity == activity {
			return e
		}
	}
	t.Fatalf("no health entry for %s", activity)
	return health.Entry{}
}

func TestPollPrimary_FirstPage(t *testing.T) {
	f := newFixture(t)
	f.fetcher.global[""] = []model.Record{rec("A", "2020-01-01T00:00:00Z"), rec("B", "2020-01-01T00:00:07Z")}

	cursor := f.poller.PollPrimary(context.Background(), "")

	if cursor != "1577836807" {
		t.Errorf("expected cursor 1577836807, got %q", cursor)
	}
	if len(f.ingester.sources) != 1 || f.ingester.sources[0] != model.SourcePrimary {
		t.Errorf("unexpected ingests %v", f.ingester.sources)
	}
	if f.store.DocumentCount() != 2 {
		t.Errorf("expected 2 documents, got %d", f.store.DocumentCount())
	}
	if f.health.Cursor() != cursor {
		t.Errorf("health cursor = %q", f.health.Cursor())
	}
	if e := f.entry(t, health.ActivityPrimary); !e.Healthy || e.Records != 2 {
		t.Errorf("unexpected health %+v", e)
	}
}

func TestPollPrimary_ResumesFromCursor(t *testing.T) {
	f := newFixture(t)
	f.fetcher.global["2020-01-01T00:00:07Z"] = []model.Record{rec("C", "2020-01-01T00:00:09Z")}

	cursor := f.poller.PollPrimary(context.Background(), "1577836807")

	if f.fetcher.globalCalls[0] != "2020-01-01T00:00:07Z" {
		t.Errorf("expected start 2020-01-01T00:00:07Z, got %q", f.fetcher.globalCalls[0])
	}
	if cursor != "1577836809" {
		t.Errorf("expected cursor 1577836809, got %q", cursor)
	}
}

func TestPollPrimary_EmptyPageSkipsIngest(t *testing.T) {
	f := newFixture(t)

	cursor := f.poller.PollPrimary(context.Background(), "1577836807")

	if cursor != "1577836807" {
		t.Errorf("cursor changed to %q", cursor)
	}
	if len(f.ingester.sources) != 0 {
		t.Errorf("ingest called for empty page: %v", f.ingester.sources)
	}
}

func TestPollPrimary_FetchErrorKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.fetcher.globalErr = errors.New("connection refused")

	cursor := f.poller.PollPrimary(context.Background(), "42")

	if cursor != "42" {
		t.Errorf("cursor changed to %q", cursor)
	}
	if e := f.entry(t, health.ActivityPrimary); e.Healthy || e.LastError != "connection refused" {
		t.Errorf("unexpected health %+v", e)
	}
}

func TestPollPrimary_IngestErrorKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.fetcher.global["1970-01-01T00:00:42Z"] = []model.Record{rec("A", "2020-01-01T00:00:00Z"), rec("B", "garbage")}

	cursor := f.poller.PollPrimary(context.Background(), "42")

	if cursor != "42" {
		t.Errorf("cursor changed to %q", cursor)
	}
	if f.store.DocumentCount() != 0 {
		t.Errorf("aborted batch committed %d documents", f.store.DocumentCount())
	}
	if e := f.entry(t, health.ActivityPrimary); e.Healthy {
		t.Errorf("expected unhealthy primary, got %+v", e)
	}
}

func TestPollPrimary_InvalidCursorRequestsFirstPage(t *testing.T) {
	f := newFixture(t)

	f.poller.PollPrimary(context.Background(), "not-a-number")

	if f.fetcher.globalCalls[0] != "" {
		t.Errorf("expected first-page request, got start %q", f.fetcher.globalCalls[0])
	}
}

func TestPollAggregator(t *testing.T) {
	f := newFixture(t)
	f.fetcher.aggregator = []model.Record{rec("N", "2020-01-01T00:00:00Z")}

	f.poller.PollAggregator(context.Background())

	if len(f.ingester.sources) != 1 || f.ingester.sources[0] != model.SourceAggregator {
		t.Fatalf("unexpected ingests %v", f.ingester.sources)
	}
	doc, err := f.store.GetDocument(context.Background(), "N")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if v, _ := doc.Lookup("metadata", model.MetaIngestSource); v != model.SourceAggregator {
		t.Errorf("expected ingest source %s, got %v", model.SourceAggregator, v)
	}
}

func TestPollAggregator_ErrorIsReported(t *testing.T) {
	f := newFixture(t)
	f.fetcher.aggErr = errors.New("HTTP 502")

	f.poller.PollAggregator(context.Background())

	if e := f.entry(t, health.ActivityAggregator); e.Healthy || e.ConsecutiveFailures != 1 {
		t.Errorf("unexpected health %+v", e)
	}
}

func TestRescanLibrary_TagsChapters(t *testing.T) {
	f := newFixture(t)
	f.fetcher.library = []model.Book{{
		Title: "The Book",
		Chapters: []model.Chapter{
			{ID: "ch1", Title: "One"},
			{ID: "ch2", Title: "Two", Redacted: true},
		},
	}}
	f.fetcher.chapters["ch1"] = []model.Record{rec("L", "2020-01-01T00:00:00Z")}
	f.fetcher.chapters["ch2"] = []model.Record{rec("R", "2020-01-01T00:00:00Z")}

	f.poller.RescanLibrary(context.Background())

	if len(f.fetcher.chapterCalls) != 1 || f.fetcher.chapterCalls[0] != "ch1" {
		t.Errorf("expected only ch1 fetched, got %v", f.fetcher.chapterCalls)
	}
	doc, err := f.store.GetDocument(context.Background(), "L")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	for key, want := range map[string]string{
		model.MetaBookTitle:    "The Book",
		model.MetaChapterID:    "ch1",
		model.MetaChapterTitle: "One",
		model.MetaIngestSource: model.SourceLibrary,
	} {
		if v, _ := doc.Lookup("metadata", key); v != want {
			t.Errorf("metadata %s = %v, want %q", key, v, want)
		}
	}
	if e := f.entry(t, health.ActivityLibrary); !e.Healthy || e.Records != 1 {
		t.Errorf("unexpected health %+v", e)
	}
}

func TestRescanRedacted_ReingestsFromTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	redacted := rec("X", "2020-01-01T00:00:00Z")
	redacted.Metadata()[model.MetaRedacted] = true
	if _, err := f.ingester.Ingest(ctx, []model.Record{redacted}, model.SourcePrimary); err != nil {
		t.Fatal(err)
	}
	released := rec("X", "2020-01-01T00:00:00Z")
	released.Metadata()[model.MetaRedacted] = false
	released["description"] = "Released."
	f.fetcher.global["2020-01-01T00:00:00Z"] = []model.Record{released}

	f.poller.RescanRedacted(ctx)

	if len(f.fetcher.globalCalls) != 1 || f.fetcher.globalCalls[0] != "2020-01-01T00:00:00Z" {
		t.Errorf("unexpected global calls %v", f.fetcher.globalCalls)
	}
	if got := f.ingester.sources[len(f.ingester.sources)-1]; got != model.SourcePrimary {
		t.Errorf("expected re-ingest under %s, got %s", model.SourcePrimary, got)
	}
	doc, _ := f.store.GetDocument(ctx, "X")
	if doc["description"] != "Released." {
		t.Errorf("document not replaced: %v", doc)
	}
	if remaining, _ := f.store.ScanRedacted(ctx); len(remaining) != 0 {
		t.Errorf("expected no redacted documents, got %d", len(remaining))
	}
}

func TestCycle_LibraryGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st := f.poller.Cycle(ctx, State{LastLibraryRun: t0})
	if f.fetcher.libraryCalls != 0 {
		t.Fatalf("library fetched before its interval elapsed")
	}
	if f.fetcher.aggCalls != 1 || f.fetcher.globalCallCount() != 1 {
		t.Errorf("expected one primary and one aggregator poll, got %d / %d", f.fetcher.globalCallCount(), f.fetcher.aggCalls)
	}

	f.clock.Advance(time.Minute)
	st = f.poller.Cycle(ctx, st)
	if f.fetcher.libraryCalls != 1 {
		t.Errorf("expected library fetched once, got %d", f.fetcher.libraryCalls)
	}
	if !st.LastLibraryRun.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastLibraryRun = %v", st.LastLibraryRun)
	}
}

func TestCycle_ThreadsCursor(t *testing.T) {
	f := newFixture(t)
	f.fetcher.global[""] = []model.Record{rec("A", "2020-01-01T00:00:00Z")}

	st := f.poller.Cycle(context.Background(), State{LastLibraryRun: t0})
	if st.Cursor != "1577836800" {
		t.Fatalf("expected cursor 1577836800, got %q", st.Cursor)
	}
	f.poller.Cycle(context.Background(), st)
	if f.fetcher.globalCalls[1] != "2020-01-01T00:00:00Z" {
		t.Errorf("second poll start = %q", f.fetcher.globalCalls[1])
	}
}

func TestRun_SleepsBetweenCyclesAndStops(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.poller.Run(ctx, State{}) }()

	// One cycle runs immediately, then the poller waits on the clock.
	if err := f.clock.WaitAdvance(5*time.Second, time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	if err := f.clock.WaitAdvance(5*time.Second, time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	if n := f.fetcher.globalCallCount(); n < 2 {
		t.Errorf("expected at least 2 cycles, got %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	f.fetcher.mu.Lock()
	defer f.fetcher.mu.Unlock()
	if f.fetcher.libraryCalls != 0 {
		t.Errorf("library rescanned before its first interval: %d", f.fetcher.libraryCalls)
	}
}
