// Package app wires the elephant bot together: optional stores, the
// venue for the configured mode, the trading core and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/cache/redis"
	"github.com/alanyoungcy/elephantbot/internal/config"
	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies, takes the per-account instance lock when
// Redis is configured, and runs the configured mode until ctx is cancelled
// or a replay finishes.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("account", a.cfg.Account),
		slog.Any("symbols", a.cfg.Symbols),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	lock, err := a.acquireInstanceLock(ctx, deps)
	if err != nil {
		return err
	}

	var v *venue
	switch strings.ToLower(a.cfg.Mode) {
	case "paper":
		v, err = a.paperVenue(deps)
	case "live":
		v, err = a.liveVenue(deps)
	case "replay":
		v, err = a.replayVenue(ctx, deps)
	default:
		err = fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	if err != nil {
		return err
	}
	if v.close != nil {
		a.closers = append(a.closers, v.close)
	}

	err = a.trade(ctx, deps, v, lock)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// acquireInstanceLock makes sure only one process trades an account. It
// returns nil without Redis.
func (a *App) acquireInstanceLock(ctx context.Context, deps *Dependencies) (domain.Lock, error) {
	if deps.LockManager == nil {
		return nil, nil
	}
	key := "elephant:" + a.cfg.Account
	lock, err := deps.LockManager.Acquire(ctx, key, a.cfg.Redis.LockTTL.Duration)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, fmt.Errorf("app: another instance is trading account %q: %w", a.cfg.Account, err)
	}
	if err != nil {
		return nil, fmt.Errorf("app: instance lock: %w", err)
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil {
			a.logger.Warn("instance lock release failed", slog.String("error", err.Error()))
		}
	})
	a.logger.InfoContext(ctx, "instance lock acquired", slog.String("key", key))
	return lock, nil
}

// keepLock extends the instance lock until ctx is done. Losing it stops
// the app.
func (a *App) keepLock(ctx context.Context, lock domain.Lock) error {
	ttl := a.cfg.Redis.LockTTL.Duration
	if err := redis.KeepAlive(ctx, lock, ttl, ttl/3); err != nil {
		return fmt.Errorf("app: instance lock: %w", err)
	}
	return nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
