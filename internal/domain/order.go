package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// BookSide returns the side of the book a resting order of this side joins.
func (s OrderSide) BookSide() BookSide {
	if s == OrderSideBuy {
		return BookSideBid
	}
	return BookSideAsk
}

// OrderType is limit or market.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderEventKind classifies an inbound order-transport notification.
type OrderEventKind string

const (
	OrderEventFill   OrderEventKind = "fill"
	OrderEventCancel OrderEventKind = "cancel"
	OrderEventReject OrderEventKind = "reject"
)

// OrderEvent is a fill, cancel confirmation or rejection delivered by the
// order transport. Price and Qty are only meaningful for fills; Qty is the
// incremental quantity of this fill, not the cumulative total.
type OrderEvent struct {
	Kind      OrderEventKind `json:"kind"`
	OrderID   string         `json:"order_id"`
	Symbol    string         `json:"symbol,omitempty"`
	Price     float64        `json:"price,omitempty"`
	Qty       float64        `json:"qty,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Order is a working order as seen by the paper broker and the status API.
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Type      OrderType `json:"type"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	FilledQty float64   `json:"filled_qty"`
	CreatedAt time.Time `json:"created_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
