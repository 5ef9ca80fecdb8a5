package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrOrderRejected = errors.New("order rejected by venue")
	ErrInvalidBook   = errors.New("invalid order book")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrUnknownOrder  = errors.New("unknown order id")
	ErrCycleActive   = errors.New("trade cycle already active")
	ErrHalted        = errors.New("symbol halted")
	ErrCooldown      = errors.New("symbol in cooldown")
	ErrRiskDenied    = errors.New("risk gate denied")
	ErrNoInventory   = errors.New("insufficient sellable inventory")
	ErrSessionClosed = errors.New("trading session closed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrNotConnected  = errors.New("not connected")
	ErrLockHeld      = errors.New("lock already held")
	ErrLockLost      = errors.New("lock lost")
)
