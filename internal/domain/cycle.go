package domain

import "time"

// CycleState is the state of a symbol's trade cycle.
type CycleState string

const (
	CycleIdle                    CycleState = "idle"
	CycleBuyPending              CycleState = "buy_pending"
	CycleSellPending             CycleState = "sell_pending"
	CycleHolding                 CycleState = "holding"
	CycleSoldAwaitingBuyback     CycleState = "sold_awaiting_buyback"
	CycleBuybackPending          CycleState = "buyback_pending"
	CycleStopLossPending         CycleState = "stop_loss_pending"
	CycleEmergencyFlattenPending CycleState = "emergency_flatten_pending"
	CycleCompleted               CycleState = "completed"
	// CycleHalted means a forced flatten failed and an operator must
	// reconcile the position before the symbol trades again.
	CycleHalted CycleState = "halted"
)

// CycleOutcome records how a cycle ended.
type CycleOutcome string

const (
	OutcomeExited   CycleOutcome = "exited"
	OutcomeStopLoss CycleOutcome = "stop_loss"
	OutcomeAborted  CycleOutcome = "aborted"
	OutcomeRejected CycleOutcome = "rejected"
	OutcomeReleased CycleOutcome = "released"
)

// CycleView is a read-only copy of an in-flight cycle.
type CycleView struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	State       CycleState `json:"state"`
	Side        BookSide   `json:"elephant_side"`
	Elephant    Elephant   `json:"elephant"`
	EntryPrice  float64    `json:"entry_price"`
	EntryQty    float64    `json:"entry_qty"`
	ExitPrice   float64    `json:"exit_price"`
	ExitQty     float64    `json:"exit_qty"`
	StopPrice   float64    `json:"stop_price"`
	OpenOrderID string     `json:"open_order_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
}

// CycleRecord is the immutable summary written to the cycle log once a
// cycle leaves the engine.
type CycleRecord struct {
	ID          string       `json:"id"`
	Symbol      string       `json:"symbol"`
	Side        BookSide     `json:"elephant_side"`
	Outcome     CycleOutcome `json:"outcome"`
	Reason      string       `json:"reason,omitempty"`
	ElephantPx  float64      `json:"elephant_price"`
	BuyPrice    float64      `json:"buy_price"`
	BuyQty      float64      `json:"buy_qty"`
	SellPrice   float64      `json:"sell_price"`
	SellQty     float64      `json:"sell_qty"`
	MatchedQty  float64      `json:"matched_qty"`
	GrossPnL    float64      `json:"gross_pnl"`
	Fees        float64      `json:"fees"`
	NetPnL      float64      `json:"net_pnl"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}
