package httpserver

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/bus/eventbus"
	"github.com/coachpo/tradegate/internal/infra/config"
)

func TestEventStreamDeliversBusEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	server := httptest.NewServer(NewHandler(config.EnvDev, nil, nil, nil, WithEvents(bus)))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events?type=order.cancelled", nil)
	require.NoError(t, err)
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": subscribed\n", line)

	require.NoError(t, bus.Publish(ctx, schema.Event{
		ID:        "evt-1",
		Type:      schema.EventTypeOrderCancelled,
		Symbol:    "AAPL",
		Timestamp: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
		Payload:   schema.OrderCancelledPayload{Order: schema.Order{ID: "o-1", Symbol: "AAPL"}},
	}))

	var frame []string
	for len(frame) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		frame = append(frame, line)
	}
	require.Equal(t, "id: evt-1", frame[0])
	require.Equal(t, "event: order.cancelled", frame[1])
	require.True(t, strings.HasPrefix(frame[2], "data: "))
	require.Contains(t, frame[2], `"o-1"`)
}

func TestEventStreamRejectsUnknownTypesAndDisabledStream(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()

	rec := httptest.NewRecorder()
	NewHandler(config.EnvDev, nil, nil, nil, WithEvents(bus)).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?type=margin.call", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(config.EnvDev, nil, nil, nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	types, err := parseEventTypes(" Trade.Executed , position.closed")
	require.NoError(t, err)
	require.Equal(t, []schema.EventType{schema.EventTypeTradeExecuted, schema.EventTypePositionClosed}, types)
}
