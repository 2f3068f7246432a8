package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
)

const (
	sseHeartbeat       = 15 * time.Second
	defaultReplayCount = 100
)

// subscription is the parsed filter of an event stream request.
type subscription struct {
	key    string
	lastID uint64
	types  map[string]struct{}
}

func parseSubscription(r *http.Request) (subscription, error) {
	q := r.URL.Query()
	sub := subscription{key: q.Get("task_id"), types: map[string]struct{}{}}
	if sub.key == "" {
		sub.key = streaming.AllTasks
	}
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			sub.types[t] = struct{}{}
		}
	}
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = q.Get("last_event_id")
	}
	if raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return sub, badRequest("INVALID_LAST_EVENT_ID", "last_event_id must be an event sequence number")
		}
		sub.lastID = n
	}
	return sub, nil
}

func (s subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// backlog returns retained events after lastID that pass the type filter.
func (s subscription) backlog(hub *streaming.Hub) []streaming.Event {
	if s.lastID == 0 {
		return nil
	}
	var out []streaming.Event
	for _, ev := range hub.ReplaySince(s.key, s.lastID) {
		if s.wants(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// handleSSE streams hub events as Server-Sent Events.
// GET /api/v1/events/sse?task_id=<id>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sub, err := parseSubscription(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.hub.Subscribe(sub.key, 256)
	defer h.hub.Unsubscribe(sub.key, ch)

	fmt.Fprintf(w, ": connected to %s\n\n", sub.key)
	for _, ev := range sub.backlog(h.hub) {
		writeSSE(w, ev)
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", zap.String("key", sub.key))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !sub.wants(ev.Type) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

// handleReplayEvents reads the durable event stream.
// GET /api/v1/events?after=<stream id>&task_id=<id>&count=<n>
func (h *Handler) handleReplayEvents(w http.ResponseWriter, r *http.Request) {
	if h.replay == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]interface{}{
			"error":   "not_configured",
			"message": "durable event storage is disabled",
		})
		return
	}
	q := r.URL.Query()
	count := int64(defaultReplayCount)
	if s := q.Get("count"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			h.writeError(w, r, badRequest("INVALID_COUNT", "count must be a positive integer"))
			return
		}
		count = n
	}
	events, err := h.replay.Replay(r.Context(), q.Get("after"), q.Get("task_id"), count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	next := q.Get("after")
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"next":   next,
	})
}
