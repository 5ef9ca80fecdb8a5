package domain

import "time"

// Elephant is an abnormally large resting order found at a fixed depth of
// one side of the book. There is at most one active record per symbol and
// side.
type Elephant struct {
	Symbol       string    `json:"symbol"`
	Side         BookSide  `json:"side"`
	DepthIndex   int       `json:"depth_index"`
	Price        float64   `json:"price"`
	Volume       float64   `json:"volume"`
	Notional     float64   `json:"notional"`
	OppositeBest float64   `json:"opposite_best"`
	Spread       float64   `json:"spread"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Age returns how long the elephant has been continuously observed.
func (e Elephant) Age(now time.Time) time.Duration {
	return now.Sub(e.FirstSeen)
}
