package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/server/handler"
)

type fakeBus struct {
	mu        sync.Mutex
	stream    []domain.StreamMessage
	subs      map[string]chan []byte
	subErr    error
	lastAfter string
	lastCount int
}

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	if b.subs == nil {
		b.subs = make(map[string]chan []byte)
	}
	ch := make(chan []byte, 8)
	b.subs[channel] = ch
	return ch, nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.lastAfter, b.lastCount = lastID, count
	var out []domain.StreamMessage
	for _, m := range b.stream {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *fakeBus) publish(channel string, payload string) {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	ch <- []byte(payload)
}

func newEventServer(bus *fakeBus) http.Handler {
	logger := slog.New(slog.DiscardHandler)
	return NewServer(Config{AuthToken: "tok"}, Handlers{
		Health: handler.NewHealthHandler(nil),
		Status: &handler.StatusHandler{},
		Cycles: handler.NewCycleHandler(nil, &fakeCycles{}, &fakeCycles{}, nil, logger),
		Events: handler.NewEventHandler(bus, "cycles-stream", []string{"cycles", "escalations"}, nil, logger),
	}, nil, logger).Handler()
}

func TestEventsPageThroughStream(t *testing.T) {
	bus := &fakeBus{stream: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"id":"c1","outcome":"exited"}`)},
		{ID: "2-0", Payload: []byte(`not json`)},
		{ID: "3-0", Payload: []byte(`{"id":"c3","outcome":"stop_loss"}`)},
	}}
	h := newEventServer(bus)

	rec, _ := do(t, h, http.MethodGet, "/api/events", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/api/events?limit=2", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", bus.lastAfter)
	assert.Equal(t, 2, bus.lastCount)
	events := body["events"].([]any)
	require.Len(t, events, 1, "malformed payloads are skipped")
	assert.Equal(t, "1-0", events[0].(map[string]any)["id"])
	assert.Equal(t, "2-0", body["next"])

	rec, body = do(t, h, http.MethodGet, "/api/events?after=2-0", true)
	require.Equal(t, http.StatusOK, rec.Code)
	events = body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "c3", events[0].(map[string]any)["cycle"].(map[string]any)["id"])
	assert.Equal(t, "3-0", body["next"])

	rec, _ = do(t, h, http.MethodGet, "/api/events?limit=x", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsLiveFeed(t *testing.T) {
	bus := &fakeBus{}
	srv := httptest.NewServer(newEventServer(bus))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer tok"}})
	require.NoError(t, err)
	defer conn.Close()

	bus.publish("escalations", `{"symbol":"600000","reason":"flatten rejected"}`)
	bus.publish("cycles", `{"id":"c1"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make(map[string]map[string]any)
	for range 2 {
		var frame struct {
			Channel string         `json:"channel"`
			Data    map[string]any `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		got[frame.Channel] = frame.Data
	}
	assert.Equal(t, "600000", got["escalations"]["symbol"])
	assert.Equal(t, "c1", got["cycles"]["id"])
}

func TestEventsLiveWithoutBus(t *testing.T) {
	h := newEventServer(&fakeBus{subErr: errors.New("redis down")})
	rec, _ := do(t, h, http.MethodGet, "/api/events/live", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
