package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/crypto"
	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// fakeGateway answers the frames the client sends. When dropFirst is set the
// first connection is closed right after its depth frame.
type fakeGateway struct {
	t          *testing.T
	dropFirst  bool
	conns      atomic.Int32
	subscribes atomic.Int32
	logins     atomic.Int32
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := g.conns.Add(1)

	send := func(v any) {
		_ = conn.WriteJSON(v)
	}
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		reqID, _ := msg["req_id"].(string)
		switch msg["type"] {
		case "login":
			g.logins.Add(1)
			assert.Equal(g.t, crypto.Sign("secret", msg["timestamp"].(string)+"key"), msg["signature"])
			send(map[string]any{"type": "login_ack"})
		case "subscribe":
			g.subscribes.Add(1)
			send(map[string]any{
				"type":   "depth",
				"symbol": "600000",
				"bids":   [][2]float64{{9.99, 500}, {10.00, 1000}, {9.98, 0}},
				"asks":   [][2]float64{{10.01, 800}},
				"ts":     1772415000000,
			})
			if g.dropFirst && n == 1 {
				return
			}
		case "order":
			if msg["qty"].(float64) > 10000 {
				send(map[string]any{"type": "ack", "req_id": reqID, "error": "insufficient_funds"})
				continue
			}
			send(map[string]any{"type": "ack", "req_id": reqID, "order_id": "G1"})
			send(map[string]any{"type": "fill", "order_id": "G1", "symbol": msg["symbol"], "price": 10.0, "qty": 100})
		case "cancel":
			send(map[string]any{"type": "ack", "req_id": reqID, "error": "not_open"})
		case "holdings":
			send(map[string]any{
				"type":         "positions",
				"req_id":       reqID,
				"total_assets": 1_250_000,
				"positions":    []map[string]any{{"symbol": "600000", "sellable": 500}},
			})
		}
	}
}

func startClient(t *testing.T, g *fakeGateway, setup ...func(*Client)) (*Client, context.CancelFunc) {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Auth:           &crypto.GatewayAuth{Key: "key", Secret: "secret"},
		Symbols:        []string{"600000"},
		ReconnectDelay: 10 * time.Millisecond,
		PingInterval:   time.Second,
		RequestTimeout: time.Second,
	}, slog.New(slog.DiscardHandler))
	for _, f := range setup {
		f(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	})
	return c, cancel
}

func nextBook(t *testing.T, c *Client) domain.OrderbookSnapshot {
	t.Helper()
	select {
	case b := <-c.Books():
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no book received")
		return domain.OrderbookSnapshot{}
	}
}

func TestClientDepthOrdersAndHoldings(t *testing.T) {
	g := &fakeGateway{t: t}
	var assets atomic.Uint64
	c, _ := startClient(t, g, func(c *Client) {
		c.OnTotalAssets(func(v float64) { assets.Store(uint64(v)) })
	})

	book := nextBook(t, c)
	assert.Equal(t, "600000", book.Symbol)
	assert.Equal(t, []domain.PriceLevel{{Price: 10.00, Size: 1000}, {Price: 9.99, Size: 500}}, book.Bids)
	assert.Equal(t, time.UnixMilli(1772415000000), book.Timestamp)
	assert.True(t, c.Connected())

	require.Eventually(t, func() bool { return c.Sellable("600000") == 500 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return assets.Load() == 1_250_000 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	id, err := c.SubmitLimit(ctx, "600000", domain.OrderSideBuy, 10.00, 100)
	require.NoError(t, err)
	assert.Equal(t, "G1", id)

	select {
	case ev := <-c.Events():
		assert.Equal(t, domain.OrderEventFill, ev.Kind)
		assert.Equal(t, "G1", ev.OrderID)
		assert.InDelta(t, 100, ev.Qty, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no fill event")
	}

	assert.NoError(t, c.Cancel(ctx, "G1"))

	_, err = c.SubmitMarket(ctx, "600000", domain.OrderSideSell, 20000)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)

	_, err = c.SubmitLimit(ctx, "600000", domain.OrderSideBuy, 0, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	g := &fakeGateway{t: t, dropFirst: true}
	c, _ := startClient(t, g)

	nextBook(t, c)
	nextBook(t, c)
	assert.GreaterOrEqual(t, g.subscribes.Load(), int32(2))
	assert.GreaterOrEqual(t, g.logins.Load(), int32(2))
}

func TestSubmitWhileDisconnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, slog.New(slog.DiscardHandler))
	_, err := c.SubmitLimit(context.Background(), "600000", domain.OrderSideBuy, 10, 100)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestDepthMessageToSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	var m DepthMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"depth","symbol":"000001",
		"bids":[[9.5,100],[9.7,200],[0,5]],"asks":[[9.9,50],[9.8,-1],[9.85,70]]}`), &m))

	s := m.ToSnapshot(now)
	assert.Equal(t, now, s.Timestamp)
	assert.Equal(t, []domain.PriceLevel{{Price: 9.7, Size: 200}, {Price: 9.5, Size: 100}}, s.Bids)
	assert.Equal(t, []domain.PriceLevel{{Price: 9.85, Size: 70}, {Price: 9.9, Size: 50}}, s.Asks)
	assert.True(t, s.Valid())
}
