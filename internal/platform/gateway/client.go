// Package gateway talks to the broker gateway over a single websocket: depth
// snapshots in, orders and cancels out, order notifications back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/elephantbot/internal/crypto"
	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
)

const (
	writeWait         = 10 * time.Second
	handshakeTimeout  = 15 * time.Second
	maxReconnectDelay = 60 * time.Second

	// eventBuffer must absorb the notifications that arrive while the
	// engine waits on an order ack.
	eventBuffer = 1024
	bookBuffer  = 256
)

var (
	_ executor.OrderTransport = (*Client)(nil)
	_ executor.Holdings       = (*Client)(nil)
)

// Config configures a gateway Client.
type Config struct {
	URL string
	// Auth is nil for a market-data-only connection.
	Auth           *crypto.GatewayAuth
	Symbols        []string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	RequestTimeout time.Duration
}

// Client keeps one gateway connection alive, reconnecting with exponential
// backoff and restoring the login and depth subscription each time.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	seq     atomic.Uint64
	pendMu  sync.Mutex
	pending map[string]chan []byte

	holdMu   sync.RWMutex
	holdings map[string]float64
	onAssets func(float64)

	connected atomic.Bool
	books     chan domain.OrderbookSnapshot
	events    chan domain.OrderEvent
}

// NewClient creates a Client; call Run to connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "gateway")),
		dialer:   websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		pending:  make(map[string]chan []byte),
		holdings: make(map[string]float64),
		books:    make(chan domain.OrderbookSnapshot, bookBuffer),
		events:   make(chan domain.OrderEvent, eventBuffer),
	}
}

// OnTotalAssets registers fn to receive the account value carried by each
// positions report. Call it before Run.
func (c *Client) OnTotalAssets(fn func(float64)) { c.onAssets = fn }

// Books streams depth snapshots. It is never closed.
func (c *Client) Books() <-chan domain.OrderbookSnapshot { return c.books }

// Events streams fills, cancel confirmations and rejections.
func (c *Client) Events() <-chan domain.OrderEvent { return c.events }

// Connected reports whether a session is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and reconnects until ctx is done. It returns nil on
// cancellation.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	for {
		up, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if up {
			delay = c.cfg.ReconnectDelay
		}
		c.logger.WarnContext(ctx, "gateway session ended",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one connection to completion. up reports whether the login
// and subscription succeeded.
func (c *Client) session(ctx context.Context) (up bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("gateway: dial: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()

	readWait := 3 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.failPending()
	}()

	if c.cfg.Auth != nil {
		if err := c.login(conn); err != nil {
			return false, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
	}
	if len(c.cfg.Symbols) > 0 {
		if err := c.write(subscribeMsg{Type: "subscribe", Channel: "depth", Symbols: c.cfg.Symbols}); err != nil {
			return false, fmt.Errorf("gateway: subscribe: %w", err)
		}
	}
	c.connected.Store(true)
	c.logger.InfoContext(ctx, "gateway connected",
		slog.String("url", c.cfg.URL),
		slog.Int("symbols", len(c.cfg.Symbols)),
	)

	go c.pingLoop(sctx, conn)
	if c.cfg.Auth != nil {
		go func() {
			if err := c.RefreshHoldings(sctx); err != nil && sctx.Err() == nil {
				c.logger.WarnContext(sctx, "holdings refresh failed", slog.String("error", err.Error()))
			}
		}()
	}
	return true, c.readLoop(sctx, conn, readWait)
}

// login sends the signed login frame and waits for its ack before any
// other traffic.
func (c *Client) login(conn *websocket.Conn) error {
	if err := c.write(c.cfg.Auth.LoginFrame()); err != nil {
		return fmt.Errorf("gateway: login: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.RequestTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("gateway: login: %w", err)
	}
	var ack loginAckMsg
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Type != "login_ack" {
		return fmt.Errorf("gateway: login: unexpected reply %q", truncate(raw, 120))
	}
	if ack.Error != "" {
		return fmt.Errorf("gateway: login refused: %s", ack.Error)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, readWait time.Duration) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("gateway: read: %w", errors.Join(domain.ErrWSDisconnect, err))
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if err := c.dispatch(ctx, raw); err != nil {
			c.logger.DebugContext(ctx, "gateway frame dropped",
				slog.String("error", err.Error()),
				slog.String("frame", truncate(raw, 200)),
			)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "depth":
		var m DepthMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode depth: %w", err)
		}
		select {
		case c.books <- m.ToSnapshot(time.Now()):
		case <-ctx.Done():
		}
	case "fill", "cancelled", "rejected":
		var m orderEventMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev, ok := m.toDomain(time.Now())
		if !ok {
			return fmt.Errorf("%s without order id", env.Type)
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
	case "positions":
		var m positionsMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode positions: %w", err)
		}
		c.applyPositions(m)
		c.deliver(env.ReqID, raw)
	case "ack", "error":
		if !c.deliver(env.ReqID, raw) {
			return fmt.Errorf("%s for unknown request %q", env.Type, env.ReqID)
		}
	case "pong", "heartbeat":
	default:
		return fmt.Errorf("unknown frame type %q", env.Type)
	}
	return nil
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// request sends the frame built for a fresh request id and waits for the
// reply carrying that id.
func (c *Client) request(ctx context.Context, build func(reqID string) any) ([]byte, error) {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	reply := make(chan []byte, 1)

	c.pendMu.Lock()
	c.pending[id] = reply
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.write(build(id)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case raw, ok := <-reply:
		if !ok {
			return nil, domain.ErrWSDisconnect
		}
		return raw, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out after %s", id, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) deliver(reqID string, raw []byte) bool {
	if reqID == "" {
		return false
	}
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	ch, ok := c.pending[reqID]
	if !ok {
		return false
	}
	delete(c.pending, reqID)
	ch <- raw
	return true
}

// failPending wakes every waiting request with a disconnect.
func (c *Client) failPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) submit(ctx context.Context, m orderMsg) (string, error) {
	raw, err := c.request(ctx, func(id string) any {
		m.ReqID = id
		return m
	})
	if err != nil {
		return "", fmt.Errorf("gateway: submit %s %s: %w", m.Side, m.Symbol, err)
	}
	var ack ackMsg
	if err := json.Unmarshal(raw, &ack); err != nil {
		return "", fmt.Errorf("gateway: decode ack: %w", err)
	}
	if ack.Error != "" {
		return "", fmt.Errorf("gateway: %s %s: %s: %w", m.Side, m.Symbol, ack.Error, domain.ErrOrderRejected)
	}
	if ack.OrderID == "" {
		return "", fmt.Errorf("gateway: ack without order id for %s", m.Symbol)
	}
	return ack.OrderID, nil
}

// SubmitLimit places a limit order and returns the venue order id.
func (c *Client) SubmitLimit(ctx context.Context, symbol string, side domain.OrderSide, price, qty float64) (string, error) {
	if price <= 0 || qty <= 0 {
		return "", fmt.Errorf("gateway: limit %s price=%g qty=%g: %w", symbol, price, qty, domain.ErrInvalidOrder)
	}
	return c.submit(ctx, orderMsg{
		Type:      "order",
		Symbol:    symbol,
		Side:      string(side),
		OrderType: string(domain.OrderTypeLimit),
		Price:     price,
		Qty:       qty,
	})
}

// SubmitMarket places a market order.
func (c *Client) SubmitMarket(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("gateway: market %s qty=%g: %w", symbol, qty, domain.ErrInvalidOrder)
	}
	return c.submit(ctx, orderMsg{
		Type:      "order",
		Symbol:    symbol,
		Side:      string(side),
		OrderType: string(domain.OrderTypeMarket),
		Qty:       qty,
	})
}

// Cancel requests a cancel. Cancelling an order that is no longer open is
// not an error; the confirmation arrives on Events.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	raw, err := c.request(ctx, func(id string) any {
		return cancelMsg{Type: "cancel", ReqID: id, OrderID: orderID}
	})
	if err != nil {
		return fmt.Errorf("gateway: cancel %s: %w", orderID, err)
	}
	var ack ackMsg
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("gateway: decode cancel ack: %w", err)
	}
	switch ack.Error {
	case "", cancelNotOpen:
		return nil
	default:
		return fmt.Errorf("gateway: cancel %s: %s: %w", orderID, ack.Error, domain.ErrUnknownOrder)
	}
}

// RefreshHoldings asks the gateway for the account's sellable inventory.
func (c *Client) RefreshHoldings(ctx context.Context) error {
	_, err := c.request(ctx, func(id string) any {
		return holdingsMsg{Type: "holdings", ReqID: id}
	})
	if err != nil {
		return fmt.Errorf("gateway: holdings: %w", err)
	}
	return nil
}

func (c *Client) applyPositions(m positionsMsg) {
	next := make(map[string]float64, len(m.Positions))
	for _, p := range m.Positions {
		next[p.Symbol] = p.Sellable
	}
	c.holdMu.Lock()
	c.holdings = next
	c.holdMu.Unlock()
	if m.TotalAssets > 0 && c.onAssets != nil {
		c.onAssets(m.TotalAssets)
	}
}

// Sellable returns the last sellable quantity the gateway reported.
func (c *Client) Sellable(symbol string) float64 {
	c.holdMu.RLock()
	defer c.holdMu.RUnlock()
	return c.holdings[symbol]
}

// Holdings returns a copy of the last reported inventory.
func (c *Client) Holdings() map[string]float64 {
	c.holdMu.RLock()
	defer c.holdMu.RUnlock()
	return maps.Clone(c.holdings)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
