package executor

import (
	"sync"
	"time"
)

// Cooldown blocks new cycles on a symbol until an expiry time. It is safe
// for concurrent use.
type Cooldown struct {
	until map[string]time.Time // symbol -> expiry
	mu    sync.Mutex
}

// NewCooldown creates an empty Cooldown.
func NewCooldown() *Cooldown {
	return &Cooldown{until: make(map[string]time.Time)}
}

// Start blocks symbol for d from now.
func (c *Cooldown) Start(symbol string, now time.Time, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[symbol] = now.Add(d)
}

// IsBlocked reports whether symbol is still cooling down at now.
func (c *Cooldown) IsBlocked(symbol string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.until[symbol]
	return ok && now.Before(exp)
}

// Remaining returns how long symbol stays blocked after now.
func (c *Cooldown) Remaining(symbol string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.until[symbol]
	if !ok || !now.Before(exp) {
		return 0
	}
	return exp.Sub(now)
}

// Cleanup removes expired entries. This should be called periodically to
// prevent unbounded memory growth.
func (c *Cooldown) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, exp := range c.until {
		if !now.Before(exp) {
			delete(c.until, sym)
		}
	}
}
