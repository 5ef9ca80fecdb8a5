package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// BookCache keeps the latest snapshot of each symbol under book:{symbol}
// so other processes and the status API can read it. Writes are throttled
// per symbol.
type BookCache struct {
	rdb         *redis.Client
	ttl         time.Duration
	minInterval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewBookCache creates a BookCache. Entries expire after ttl; a symbol is
// written at most once per minInterval of snapshot time.
func NewBookCache(c *Client, ttl, minInterval time.Duration) *BookCache {
	return &BookCache{
		rdb:         c.Underlying(),
		ttl:         ttl,
		minInterval: minInterval,
		last:        make(map[string]time.Time),
	}
}

func bookKey(symbol string) string { return "book:" + symbol }

// due reports whether snap should be written and records it if so.
func (bc *BookCache) due(snap domain.OrderbookSnapshot) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if prev, ok := bc.last[snap.Symbol]; ok && snap.Timestamp.Sub(prev) < bc.minInterval {
		return false
	}
	bc.last[snap.Symbol] = snap.Timestamp
	return true
}

// Store writes snap unless the symbol was written recently.
func (bc *BookCache) Store(ctx context.Context, snap domain.OrderbookSnapshot) error {
	if !bc.due(snap) {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", snap.Symbol, err)
	}
	if err := bc.rdb.Set(ctx, bookKey(snap.Symbol), raw, bc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: store book %s: %w", snap.Symbol, err)
	}
	return nil
}

// Latest returns the cached snapshot or domain.ErrNotFound.
func (bc *BookCache) Latest(ctx context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	raw, err := bc.rdb.Get(ctx, bookKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: book %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: get book %s: %w", symbol, err)
	}
	var snap domain.OrderbookSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: decode book %s: %w", symbol, err)
	}
	return snap, nil
}
