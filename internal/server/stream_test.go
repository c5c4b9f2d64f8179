package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/eventually/internal/events"
	"github.com/alfredjeanlab/eventually/internal/store"
)

func newNote(channel, payload string) events.Notification {
	return events.Notification{Channel: channel, Payload: payload}
}

func seqs(es []streamEntry) []uint64 {
	out := make([]uint64, 0, len(es))
	for _, e := range es {
		out = append(out, e.seq)
	}
	return out
}

func TestNotificationStream_Append(t *testing.T) {
	s := newNotificationStream(10)
	w, missed := s.watch(nil, 0, false)
	defer s.unwatch(w)
	if missed != nil {
		t.Fatalf("fresh watch replayed %v", missed)
	}

	s.append(newNote(store.ChannelNewEvents, "A"))

	select {
	case e := <-w.ch:
		if e.seq != 1 || e.note.Channel != store.ChannelNewEvents || e.note.Payload != "A" {
			t.Fatalf("unexpected entry %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
	}
}

func TestNotificationStream_ChannelFilter(t *testing.T) {
	s := newNotificationStream(10)
	w, _ := s.watch(map[string]bool{store.ChannelChangedEvents: true}, 0, false)
	defer s.unwatch(w)

	s.append(newNote(store.ChannelNewEvents, "A"))
	s.append(newNote(store.ChannelChangedEvents, "h1"))

	e := <-w.ch
	if e.note.Payload != "h1" || e.seq != 2 {
		t.Fatalf("unexpected entry %+v", e)
	}
	select {
	case e := <-w.ch:
		t.Fatalf("unexpected second entry %+v", e)
	default:
	}
}

func TestNotificationStream_Unwatch(t *testing.T) {
	s := newNotificationStream(10)
	w, _ := s.watch(nil, 0, false)
	s.unwatch(w)

	s.append(newNote(store.ChannelNewEvents, "A"))
	select {
	case <-w.ch:
		t.Fatal("entry delivered after unwatch")
	default:
	}
}

func TestNotificationStream_Resume(t *testing.T) {
	s := newNotificationStream(10)
	s.append(newNote(store.ChannelNewEvents, "A"))
	s.append(newNote(store.ChannelNewEvents, "B"))
	s.append(newNote(store.ChannelChangedEvents, "h1"))
	s.append(newNote(store.ChannelNewEvents, "C"))

	w, missed := s.watch(nil, 2, true)
	s.unwatch(w)
	if got := seqs(missed); !reflect.DeepEqual(got, []uint64{3, 4}) {
		t.Errorf("resume after 2 = %v, want [3 4]", got)
	}

	w, missed = s.watch(map[string]bool{store.ChannelNewEvents: true}, 0, true)
	s.unwatch(w)
	if got := seqs(missed); !reflect.DeepEqual(got, []uint64{1, 2, 4}) {
		t.Errorf("filtered resume = %v, want [1 2 4]", got)
	}
}

func TestNotificationStream_BacklogLimit(t *testing.T) {
	s := newNotificationStream(3)
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		s.append(newNote(store.ChannelNewEvents, id))
	}
	w, missed := s.watch(nil, 0, true)
	s.unwatch(w)
	if got := seqs(missed); !reflect.DeepEqual(got, []uint64{3, 4, 5}) {
		t.Fatalf("backlog = %v, want [3 4 5]", got)
	}
}

func TestParseChannels(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    map[string]bool
		wantErr bool
	}{
		{in: "", want: map[string]bool{}},
		{in: "new_events", want: map[string]bool{"new_events": true}},
		{in: "new_events, changed_events", want: map[string]bool{"new_events": true, "changed_events": true}},
		{in: "eventually.events.new", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseChannels(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("parseChannels(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, streamEntry{seq: 7, note: newNote(store.ChannelNewEvents, "a\nb")})
	if want := "id:7\nevent:new_events\ndata:a\ndata:b\n\n"; buf.String() != want {
		t.Errorf("frame = %q, want %q", buf.String(), want)
	}
}

// waitForWatchers blocks until the stream has n watchers.
func waitForWatchers(t *testing.T, s *notificationStream, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.watchers)
		s.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d watchers", n)
}

// openStream serves path until the returned cancel is called. The channel
// closes once the handler has returned.
func openStream(t *testing.T, srv *StatusServer, path, lastID string) (*httptest.ResponseRecorder, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	rec := httptest.NewRecorder()
	handler := srv.NewHTTPHandler("")

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()
	return rec, cancel, done
}

// closeAfter gives the handler time to write what it was sent, then ends
// the request and waits for the handler to return.
func closeAfter(cancel context.CancelFunc, done <-chan struct{}) {
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}

func TestHandleEventStream_Relayed(t *testing.T) {
	srv, _ := newTestServer()
	rec, cancel, done := openStream(t, srv, "/v1/events/stream", "")
	defer cancel()
	waitForWatchers(t, srv.stream, 1)

	n := newNote(store.ChannelChangedEvents, "abc123")
	topic, _ := events.TopicFor(n.Channel)
	if err := srv.Publish(context.Background(), topic, n); err != nil {
		t.Fatal(err)
	}
	closeAfter(cancel, done)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	want := "id:1\nevent:changed_events\ndata:abc123\n\n"
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected %q in body, got:\n%s", want, rec.Body.String())
	}
}

func TestHandleEventStream_ChannelFilter(t *testing.T) {
	srv, _ := newTestServer()
	rec, cancel, done := openStream(t, srv, "/v1/events/stream?channel=new_events", "")
	defer cancel()
	waitForWatchers(t, srv.stream, 1)

	srv.stream.append(newNote(store.ChannelChangedEvents, "h1"))
	srv.stream.append(newNote(store.ChannelNewEvents, "A"))
	closeAfter(cancel, done)

	body := rec.Body.String()
	if strings.Contains(body, "changed_events") {
		t.Fatalf("changed event not filtered:\n%s", body)
	}
	if !strings.Contains(body, "id:2\nevent:new_events\ndata:A\n\n") {
		t.Fatalf("expected new event in body, got:\n%s", body)
	}
}

func TestHandleEventStream_LastEventID(t *testing.T) {
	srv, _ := newTestServer()
	srv.stream.append(newNote(store.ChannelNewEvents, "A"))
	srv.stream.append(newNote(store.ChannelNewEvents, "B"))
	srv.stream.append(newNote(store.ChannelChangedEvents, "h1"))

	rec, cancel, done := openStream(t, srv, "/v1/events/stream", "1")
	defer cancel()
	waitForWatchers(t, srv.stream, 1)
	closeAfter(cancel, done)

	body := rec.Body.String()
	if strings.Contains(body, "data:A\n") {
		t.Fatalf("entry 1 replayed:\n%s", body)
	}
	if !strings.Contains(body, "data:B\n") || !strings.Contains(body, "data:h1\n") {
		t.Fatalf("expected entries 2 and 3, got:\n%s", body)
	}
}

func TestHandleEventStream_UnknownChannel(t *testing.T) {
	_, h := newTestServer()
	rec := doRequest(t, h, http.MethodGet, "/v1/events/stream?channel=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPublish_RejectsOtherEvents(t *testing.T) {
	srv, _ := newTestServer()
	if err := srv.Publish(context.Background(), events.TopicNewEvent, map[string]string{"payload": "A"}); err == nil {
		t.Fatal("expected error for non-notification event")
	}
	if err := srv.Publish(context.Background(), events.TopicNewEvent, newNote(store.ChannelNewEvents, "A")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if srv.stream.seq != 1 {
		t.Errorf("seq = %d, want 1", srv.stream.seq)
	}
}
