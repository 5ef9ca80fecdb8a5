package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = (wsPongWait * 9) / 10
	wsReadLimit   = 512
	wsSendBuffer  = 64
	defaultEvents = 100
	maxEvents     = 1000
)

// EventBus is the read side of the signal bus.
type EventBus interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler exposes the cycle events the recorder publishes: the durable
// stream for catch-up and the pub/sub channels for a live websocket feed.
type EventHandler struct {
	bus      EventBus
	stream   string
	channels []string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventHandler serves stream for paging and channels for the live feed.
// An empty origins list, or one containing "*", accepts any websocket origin.
func NewEventHandler(bus EventBus, stream string, channels, origins []string, logger *slog.Logger) *EventHandler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return &EventHandler{
		bus:      bus,
		stream:   stream,
		channels: channels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(origins, origin)
			},
		},
		logger: logger.With(slog.String("component", "events")),
	}
}

type streamEvent struct {
	ID    string          `json:"id"`
	Cycle json.RawMessage `json:"cycle"`
}

// ListEvents pages through the cycle stream. Pass the returned next id as
// after to continue.
// GET /api/events?after=<id>&limit=N
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	limit := defaultEvents
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxEvents)
	}

	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stream read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	events := make([]streamEvent, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		if !json.Valid(m.Payload) {
			continue
		}
		events = append(events, streamEvent{ID: m.ID, Cycle: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}

type liveFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Live upgrades to a websocket and pushes every message published on the
// configured channels until the client goes away or the server stops.
// GET /api/events/live
func (h *EventHandler) Live(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan liveFrame, wsSendBuffer)
	for _, ch := range h.channels {
		sub, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "subscribe failed", slog.String("channel", ch), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
			return
		}
		go forwardFrames(ctx, ch, sub, frames)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request.
		return
	}
	defer conn.Close()
	h.logger.InfoContext(ctx, "live client connected", slog.String("remote_addr", r.RemoteAddr))

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case f := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func forwardFrames(ctx context.Context, channel string, sub <-chan []byte, out chan<- liveFrame) {
	for payload := range sub {
		if !json.Valid(payload) {
			continue
		}
		select {
		case out <- liveFrame{Channel: channel, Data: payload}:
		case <-ctx.Done():
			return
		}
	}
}
