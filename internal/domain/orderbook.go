package domain

import "time"

// BookSide identifies one half of an order book.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// Opposite returns the other half of the book.
func (s BookSide) Opposite() BookSide {
	if s == BookSideBid {
		return BookSideAsk
	}
	return BookSideBid
}

// PriceLevel is a single price+volume entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Notional returns price * size for the level.
func (l PriceLevel) Notional() float64 {
	return l.Price * l.Size
}

// OrderbookSnapshot is a full depth snapshot for one symbol. Bids are sorted
// by descending price, asks by ascending price. A snapshot is never mutated
// after it has been handed to a consumer.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Levels returns the levels of the requested side.
func (s OrderbookSnapshot) Levels(side BookSide) []PriceLevel {
	if side == BookSideBid {
		return s.Bids
	}
	return s.Asks
}

// Best returns the top-of-book level for side.
func (s OrderbookSnapshot) Best(side BookSide) (PriceLevel, bool) {
	levels := s.Levels(side)
	if len(levels) == 0 || levels[0].Price <= 0 {
		return PriceLevel{}, false
	}
	return levels[0], true
}

// Valid reports whether both sides carry at least one positively priced level.
func (s OrderbookSnapshot) Valid() bool {
	_, bidOK := s.Best(BookSideBid)
	_, askOK := s.Best(BookSideAsk)
	return bidOK && askOK
}

// Spread returns best ask minus best bid, or zero for an invalid book.
func (s OrderbookSnapshot) Spread() float64 {
	bid, ok1 := s.Best(BookSideBid)
	ask, ok2 := s.Best(BookSideAsk)
	if !ok1 || !ok2 {
		return 0
	}
	return ask.Price - bid.Price
}
