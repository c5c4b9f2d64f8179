// Package health tracks the outcome of each polling activity for the status
// endpoint.
//
// The poller reports every fetch and ingest attempt through Succeeded or
// Failed. Snapshot derives per-activity state from those reports; an
// activity with no success within the stale threshold is reported as stale
// even when its last attempt did not fail.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Activity names used by the poller.
const (
	ActivityPrimary    = "primary"
	ActivityLibrary    = "library"
	ActivityRedactions = "redactions"
	ActivityAggregator = "aggregator"
)

// Entry is one activity's health as seen by the status endpoint.
type Entry struct {
	Activity            string    `json:"activity"`
	Healthy             bool      `json:"healthy"`
	Stale               bool      `json:"stale,omitempty"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Attempts            int64     `json:"attempts"`
	Records             int64     `json:"records"` // records handed to the engine
}

// Tracker maintains in-memory health state for every activity it has seen.
type Tracker struct {
	mu         sync.RWMutex
	clock      clock.Clock
	activities map[string]*activityState
	cursor     string
	started    time.Time
}

type activityState struct {
	lastAttempt time.Time
	lastSuccess time.Time
	lastError   string
	failures    int64
	attempts    int64
	records     int64
}

// New creates a tracker. A nil clock uses the wall clock.
func New(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker{
		clock:      clk,
		activities: make(map[string]*activityState),
		started:    clk.Now(),
	}
}

func (t *Tracker) state(activity string) *activityState {
	st, ok := t.activities[activity]
	if !ok {
		st = &activityState{}
		t.activities[activity] = st
	}
	return st
}

// Succeeded records a successful attempt that handled n records.
func (t *Tracker) Succeeded(activity string, n int) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(activity)
	st.lastAttempt = now
	st.lastSuccess = now
	st.lastError = ""
	st.failures = 0
	st.attempts++
	st.records += int64(n)
}

// Failed records a failed attempt.
func (t *Tracker) Failed(activity string, err error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(activity)
	st.lastAttempt = now
	if err != nil {
		st.lastError = err.Error()
	}
	st.failures++
	st.attempts++
}

// SetCursor records the primary feed cursor.
func (t *Tracker) SetCursor(cursor string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor = cursor
}

// Cursor returns the last recorded primary feed cursor.
func (t *Tracker) Cursor() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursor
}

// Started returns when the tracker was created.
func (t *Tracker) Started() time.Time { return t.started }

// Snapshot returns every tracked activity sorted by name. staleAfter marks
// activities without a success in that window as stale and unhealthy; pass 0
// to disable the check.
func (t *Tracker) Snapshot(staleAfter time.Duration) []Entry {
	now := t.clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, len(t.activities))
	for name, st := range t.activities {
		e := Entry{
			Activity:            name,
			LastAttempt:         st.lastAttempt,
			LastSuccess:         st.lastSuccess,
			LastError:           st.lastError,
			ConsecutiveFailures: st.failures,
			Attempts:            st.attempts,
			Records:             st.records,
		}
		if staleAfter > 0 {
			since := st.lastSuccess
			if since.IsZero() {
				since = t.started
			}
			e.Stale = now.Sub(since) > staleAfter
		}
		e.Healthy = st.failures == 0 && !e.Stale
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Activity < entries[j].Activity
	})
	return entries
}

// Healthy reports whether every tracked activity is healthy.
func (t *Tracker) Healthy(staleAfter time.Duration) bool {
	for _, e := range t.Snapshot(staleAfter) {
		if !e.Healthy {
			return false
		}
	}
	return true
}
