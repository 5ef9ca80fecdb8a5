package gateway

import (
	"cmp"
	"slices"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// Outbound frames.

type subscribeMsg struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

type orderMsg struct {
	Type      string  `json:"type"`
	ReqID     string  `json:"req_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price,omitempty"`
	Qty       float64 `json:"qty"`
}

type cancelMsg struct {
	Type    string `json:"type"`
	ReqID   string `json:"req_id"`
	OrderID string `json:"order_id"`
}

type holdingsMsg struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id"`
}

// Inbound frames.

type envelope struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id"`
}

// DepthMessage is a full depth snapshot. Levels are [price, size] pairs and
// TS is Unix milliseconds.
type DepthMessage struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Bids   [][2]float64 `json:"bids"`
	Asks   [][2]float64 `json:"asks"`
	TS     int64        `json:"ts"`
}

type ackMsg struct {
	Type    string `json:"type"`
	ReqID   string `json:"req_id"`
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type orderEventMsg struct {
	Type    string  `json:"type"`
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	Reason  string  `json:"reason"`
	TS      int64   `json:"ts"`
}

type positionsMsg struct {
	Type        string  `json:"type"`
	ReqID       string  `json:"req_id"`
	TotalAssets float64 `json:"total_assets"`
	Positions   []struct {
		Symbol   string  `json:"symbol"`
		Sellable float64 `json:"sellable"`
	} `json:"positions"`
}

type loginAckMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// cancelNotOpen is the cancel ack error for an order that already finished.
const cancelNotOpen = "not_open"

// ToSnapshot converts a depth frame. Levels with a non-positive price or
// size are dropped and both sides are re-sorted best first. A zero TS falls
// back to now.
func (m DepthMessage) ToSnapshot(now time.Time) domain.OrderbookSnapshot {
	ts := now
	if m.TS > 0 {
		ts = time.UnixMilli(m.TS)
	}
	bids := toLevels(m.Bids)
	asks := toLevels(m.Asks)
	slices.SortStableFunc(bids, func(a, b domain.PriceLevel) int { return cmp.Compare(b.Price, a.Price) })
	slices.SortStableFunc(asks, func(a, b domain.PriceLevel) int { return cmp.Compare(a.Price, b.Price) })
	return domain.OrderbookSnapshot{Symbol: m.Symbol, Bids: bids, Asks: asks, Timestamp: ts}
}

func toLevels(raw [][2]float64) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if l[0] > 0 && l[1] > 0 {
			out = append(out, domain.PriceLevel{Price: l[0], Size: l[1]})
		}
	}
	return out
}

func (m orderEventMsg) toDomain(now time.Time) (domain.OrderEvent, bool) {
	ev := domain.OrderEvent{
		OrderID:   m.OrderID,
		Symbol:    m.Symbol,
		Price:     m.Price,
		Qty:       m.Qty,
		Reason:    m.Reason,
		Timestamp: now,
	}
	if m.TS > 0 {
		ev.Timestamp = time.UnixMilli(m.TS)
	}
	switch m.Type {
	case "fill":
		ev.Kind = domain.OrderEventFill
	case "cancelled":
		ev.Kind = domain.OrderEventCancel
	case "rejected":
		ev.Kind = domain.OrderEventReject
	default:
		return domain.OrderEvent{}, false
	}
	return ev, m.OrderID != ""
}
