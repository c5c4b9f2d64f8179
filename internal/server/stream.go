package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/eventually/internal/events"
)

const (
	// streamBacklog is how many notifications are kept for Last-Event-ID resume.
	streamBacklog = 1000

	streamKeepalive = 15 * time.Second
)

// streamEntry is one relayed notification with its stream sequence number.
type streamEntry struct {
	seq  uint64
	note events.Notification
}

// notificationStream holds the recent notifications and the connected
// watchers. Registration and backlog replay happen under one lock so a
// resuming client never misses an entry appended in between.
type notificationStream struct {
	mu       sync.Mutex
	seq      uint64
	limit    int
	backlog  []streamEntry // oldest first
	watchers map[*streamWatcher]struct{}
}

type streamWatcher struct {
	channels map[string]bool // empty = every channel
	ch       chan streamEntry
}

func newNotificationStream(limit int) *notificationStream {
	return &notificationStream{
		limit:    limit,
		watchers: make(map[*streamWatcher]struct{}),
	}
}

func (w *streamWatcher) wants(channel string) bool {
	return len(w.channels) == 0 || w.channels[channel]
}

// append numbers n, keeps it for resume and hands it to every watcher of its
// channel. A watcher whose buffer is full misses it.
func (s *notificationStream) append(n events.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := streamEntry{seq: s.seq, note: n}
	s.backlog = append(s.backlog, e)
	if len(s.backlog) > s.limit {
		s.backlog = s.backlog[len(s.backlog)-s.limit:]
	}
	for w := range s.watchers {
		if !w.wants(n.Channel) {
			continue
		}
		select {
		case w.ch <- e:
		default:
		}
	}
}

// watch registers a watcher for channels. With resume set it also returns
// the kept entries after seq that the watcher wants.
func (s *notificationStream) watch(channels map[string]bool, after uint64, resume bool) (*streamWatcher, []streamEntry) {
	w := &streamWatcher{channels: channels, ch: make(chan streamEntry, 64)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[w] = struct{}{}
	if !resume {
		return w, nil
	}
	var missed []streamEntry
	for _, e := range s.backlog {
		if e.seq > after && w.wants(e.note.Channel) {
			missed = append(missed, e)
		}
	}
	return w, missed
}

func (s *notificationStream) unwatch(w *streamWatcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

// parseChannels reads a comma-separated ?channel= value. Only store
// notification channels are accepted.
func parseChannels(q string) (map[string]bool, error) {
	channels := make(map[string]bool)
	for _, c := range strings.Split(q, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := events.TopicFor(c); !ok {
			return nil, fmt.Errorf("unknown channel %q", c)
		}
		channels[c] = true
	}
	return channels, nil
}

// writeFrame writes e as one server-sent event named after its channel, with
// the payload (record id or version hash) as data.
func writeFrame(w io.Writer, e streamEntry) {
	fmt.Fprintf(w, "id:%d\nevent:%s\n", e.seq, e.note.Channel)
	for _, line := range strings.Split(e.note.Payload, "\n") {
		fmt.Fprintf(w, "data:%s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// handleEventStream handles GET /v1/events/stream.
func (s *StatusServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	channels, err := parseChannels(r.URL.Query().Get("channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var after uint64
	resume := false
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err == nil {
			resume = true
		}
	}

	watcher, missed := s.stream.watch(channels, after, resume)
	defer s.stream.unwatch(watcher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	for _, e := range missed {
		writeFrame(w, e)
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-watcher.ch:
			writeFrame(w, e)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}
