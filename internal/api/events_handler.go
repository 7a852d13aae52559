package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/mqtt-launcher/internal/events"
)

const sseKeepAlive = 15 * time.Second

// eventStream writes server-sent events to one client.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	// prefixes limits the stream to matching event types; empty means all.
	prefixes []string
}

func (es *eventStream) wants(eventType string) bool {
	if len(es.prefixes) == 0 {
		return true
	}
	for _, p := range es.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

func (es *eventStream) send(ev events.Event) error {
	if !es.wants(ev.Type) {
		return nil
	}
	// Event data is compact JSON, so it fits a single data line.
	if _, err := fmt.Fprintf(es.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	es.flusher.Flush()
	return nil
}

func (es *eventStream) ping() error {
	if _, err := fmt.Fprint(es.w, ": ping\n\n"); err != nil {
		return err
	}
	es.flusher.Flush()
	return nil
}

// handleEvents handles GET /events?type=dispatch.,mqtt.connected.
// Buffered events newer than Last-Event-ID are replayed before live ones.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stream := &eventStream{w: w, flusher: flusher, prefixes: typeFilter(r.URL.Query().Get("type"))}

	// Subscribe before the replay so nothing published in between is lost;
	// replayed ids are skipped on the live channel.
	live, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sent := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(sent) {
		if err := stream.send(ev); err != nil {
			return
		}
		sent = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= sent {
				continue
			}
			if err := stream.send(ev); err != nil {
				return
			}
			sent = ev.ID
		case <-ticker.C:
			if err := stream.ping(); err != nil {
				return
			}
		}
	}
}

func typeFilter(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
