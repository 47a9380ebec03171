package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/bus/eventbus"
	"github.com/coachpo/tradegate/internal/observability"
)

const eventsPath = "/events"

// Events is the subscription side of the lifecycle event bus.
type Events interface {
	Subscribe(ctx context.Context, typ schema.EventType) (eventbus.SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id eventbus.SubscriptionID)
}

// Option customises the handler.
type Option func(*httpServer)

// WithEvents exposes bus events as a server-sent event stream on /events.
func WithEvents(events Events) Option {
	return func(s *httpServer) {
		s.events = events
	}
}

var streamableEvents = []schema.EventType{
	schema.EventTypeTradeExecuted,
	schema.EventTypePositionClosed,
	schema.EventTypeOrderCancelled,
}

func parseEventTypes(raw string) ([]schema.EventType, error) {
	if strings.TrimSpace(raw) == "" {
		return streamableEvents, nil
	}
	var out []schema.EventType
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, typ := range streamableEvents {
			if string(typ) == name {
				out = append(out, typ)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown event type %q", part)
		}
	}
	return out, nil
}

// streamEvents writes one SSE frame per bus event until the client goes away
// or a subscription ends.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	types, err := parseEventTypes(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	merged := make(chan schema.Event)
	closed := make(chan struct{})
	var closeOnce sync.Once
	for _, typ := range types {
		id, ch, err := s.events.Subscribe(ctx, typ)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		defer s.events.Unsubscribe(id)
		go func() {
			defer closeOnce.Do(func() { close(closed) })
			for evt := range ch {
				select {
				case merged <- evt:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case evt := <-merged:
			data, err := json.Marshal(evt)
			if err != nil {
				observability.Log().Warn("event stream encode failed",
					observability.F("type", string(evt.Type)),
					observability.F("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
