package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // exchange time zones on hosts without zoneinfo
)

// SessionConfig describes the exchange trading hours.
type SessionConfig struct {
	Enabled  bool
	Location string   // IANA zone, e.g. "Asia/Shanghai"
	Windows  []string // "HH:MM-HH:MM", local time
	CloseAt  string   // "HH:MM", when the daily hooks fire
}

// DefaultSessionConfig returns the Shanghai/Shenzhen continuous sessions.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Enabled:  true,
		Location: "Asia/Shanghai",
		Windows:  []string{"09:30-11:30", "13:00-15:00"},
		CloseAt:  "15:00",
	}
}

type window struct{ start, end int } // minutes after local midnight

// SessionHook runs once per trading day at close.
type SessionHook func(ctx context.Context, day time.Time)

// SessionClock answers whether new cycles may start and fires the daily
// close hooks (risk reset, archive) exactly once per local date.
type SessionClock struct {
	enabled bool
	loc     *time.Location
	windows []window
	closeAt int
	mu      sync.Mutex
	lastDay string
	hooks   []SessionHook
	logger  *slog.Logger
}

// NewSessionClock parses cfg.
func NewSessionClock(cfg SessionConfig, logger *slog.Logger) (*SessionClock, error) {
	c := &SessionClock{
		enabled: cfg.Enabled,
		loc:     time.UTC,
		logger:  logger.With(slog.String("component", "session_clock")),
	}
	if cfg.Location != "" {
		loc, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("session: load location %q: %w", cfg.Location, err)
		}
		c.loc = loc
	}
	for _, w := range cfg.Windows {
		from, to, ok := strings.Cut(w, "-")
		if !ok {
			return nil, fmt.Errorf("session: window %q: want HH:MM-HH:MM", w)
		}
		start, err := parseClock(from)
		if err != nil {
			return nil, fmt.Errorf("session: window %q: %w", w, err)
		}
		end, err := parseClock(to)
		if err != nil {
			return nil, fmt.Errorf("session: window %q: %w", w, err)
		}
		if end <= start {
			return nil, fmt.Errorf("session: window %q ends before it starts", w)
		}
		c.windows = append(c.windows, window{start: start, end: end})
	}
	closeAt := cfg.CloseAt
	if closeAt == "" {
		closeAt = "15:00"
	}
	m, err := parseClock(closeAt)
	if err != nil {
		return nil, fmt.Errorf("session: close_at: %w", err)
	}
	c.closeAt = m
	return c, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// OnClose registers a hook fired at the daily close.
func (c *SessionClock) OnClose(h SessionHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

// IsOpen reports whether now falls inside a trading window. A disabled
// clock is always open.
func (c *SessionClock) IsOpen(now time.Time) bool {
	if !c.enabled {
		return true
	}
	local := now.In(c.loc)
	m := local.Hour()*60 + local.Minute()
	for _, w := range c.windows {
		if m >= w.start && m < w.end {
			return true
		}
	}
	return false
}

// DayStart returns local midnight of the trading day containing now.
func (c *SessionClock) DayStart(now time.Time) time.Time {
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}

// Tick fires the close hooks once the local clock passes the close time.
// Each local date fires at most once. A disabled clock never fires.
func (c *SessionClock) Tick(ctx context.Context, now time.Time) bool {
	if !c.enabled {
		return false
	}
	local := now.In(c.loc)
	if local.Hour()*60+local.Minute() < c.closeAt {
		return false
	}
	day := local.Format(time.DateOnly)

	c.mu.Lock()
	if c.lastDay == day {
		c.mu.Unlock()
		return false
	}
	c.lastDay = day
	hooks := append([]SessionHook(nil), c.hooks...)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "session closed", slog.String("day", day))
	start := c.DayStart(now)
	for _, h := range hooks {
		h(ctx, start)
	}
	return true
}

// Location returns the exchange time zone.
func (c *SessionClock) Location() *time.Location {
	return c.loc
}
