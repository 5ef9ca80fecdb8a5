package detector

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

const sym = "600000"

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestDetector(t *testing.T, mutate func(*Config)) *Detector {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	return New(cfg, slog.New(slog.DiscardHandler))
}

func book(bids, asks [][2]float64) domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{Symbol: sym, Timestamp: t0}
	for _, b := range bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: b[0], Size: b[1]})
	}
	for _, a := range asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: a[0], Size: a[1]})
	}
	return snap
}

func elephantBook() domain.OrderbookSnapshot {
	return book([][2]float64{{10.0, 1000}, {9.95, 150000}}, [][2]float64{{10.05, 1000}})
}

func TestScanReturnsCandidateOnlyWhenStreakReachesConfirmation(t *testing.T) {
	for _, confirmations := range []int{1, 2, 3, 5} {
		d := newTestDetector(t, func(c *Config) { c.ConfirmationCount = confirmations })
		for call := 1; call <= confirmations+2; call++ {
			_, ok := d.Scan(sym, domain.BookSideBid, elephantBook(), t0.Add(time.Duration(call)*time.Second))
			if call < confirmations {
				assert.False(t, ok, "confirmations=%d call=%d", confirmations, call)
			} else {
				assert.True(t, ok, "confirmations=%d call=%d", confirmations, call)
			}
		}
	}
}

func TestScanFindsElephantAtLevelOne(t *testing.T) {
	d := newTestDetector(t, nil)

	var (
		got domain.Elephant
		ok  bool
	)
	for i := 0; i < 3; i++ {
		got, ok = d.Scan(sym, domain.BookSideBid, elephantBook(), t0.Add(time.Duration(i)*time.Second))
	}
	require.True(t, ok)
	assert.Equal(t, 9.95, got.Price)
	assert.Equal(t, 1, got.DepthIndex)
	assert.InDelta(t, 1_492_500, got.Notional, 1e-6)
	assert.Equal(t, 10.05, got.OppositeBest)
	assert.InDelta(t, 0.10, got.Spread, 1e-9)
	assert.Equal(t, t0, got.FirstSeen)
	assert.Equal(t, t0.Add(2*time.Second), got.LastSeen)
}

func TestScanInvalidBookIsNoSignal(t *testing.T) {
	d := newTestDetector(t, func(c *Config) { c.ConfirmationCount = 1 })

	cases := map[string]domain.OrderbookSnapshot{
		"no bids":       book(nil, [][2]float64{{10.05, 1000}}),
		"no asks":       book([][2]float64{{9.95, 150000}}, nil),
		"zero best ask": book([][2]float64{{9.95, 150000}}, [][2]float64{{0, 1000}}),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := d.Scan(sym, domain.BookSideBid, b, t0)
			assert.False(t, ok)
			_, has := d.Record(sym, domain.BookSideBid)
			assert.False(t, has)
		})
	}
}

func TestScanInvalidBookKeepsStreak(t *testing.T) {
	d := newTestDetector(t, nil)

	d.Scan(sym, domain.BookSideBid, elephantBook(), t0)
	d.Scan(sym, domain.BookSideBid, elephantBook(), t0.Add(time.Second))
	require.Equal(t, 2, d.Confirmations(sym, domain.BookSideBid))

	oneSided := book([][2]float64{{10.0, 1000}, {9.95, 150000}}, nil)
	_, ok := d.Scan(sym, domain.BookSideBid, oneSided, t0.Add(2*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 2, d.Confirmations(sym, domain.BookSideBid))
	rec, has := d.Record(sym, domain.BookSideBid)
	require.True(t, has)
	assert.Equal(t, t0, rec.FirstSeen)
	assert.Equal(t, t0.Add(time.Second), rec.LastSeen)

	got, ok := d.Scan(sym, domain.BookSideBid, elephantBook(), t0.Add(3*time.Second))
	require.True(t, ok)
	assert.Equal(t, 9.95, got.Price)
	assert.Equal(t, t0, got.FirstSeen)
}

func TestScanDifferingCandidateRestartsStreak(t *testing.T) {
	d := newTestDetector(t, nil)

	d.Scan(sym, domain.BookSideBid, elephantBook(), t0)
	d.Scan(sym, domain.BookSideBid, elephantBook(), t0.Add(time.Second))
	assert.Equal(t, 2, d.Confirmations(sym, domain.BookSideBid))

	moved := book([][2]float64{{10.0, 1000}, {9.94, 150000}}, [][2]float64{{10.05, 1000}})
	_, ok := d.Scan(sym, domain.BookSideBid, moved, t0.Add(2*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 1, d.Confirmations(sym, domain.BookSideBid))
	rec, _ := d.Record(sym, domain.BookSideBid)
	assert.Equal(t, 9.94, rec.Price)
	assert.Equal(t, t0.Add(2*time.Second), rec.FirstSeen)

	empty := book([][2]float64{{10.0, 1000}}, [][2]float64{{10.05, 1000}})
	d.Scan(sym, domain.BookSideBid, empty, t0.Add(3*time.Second))
	assert.Equal(t, 0, d.Confirmations(sym, domain.BookSideBid))
	_, has := d.Record(sym, domain.BookSideBid)
	assert.False(t, has)
}

func TestScanLevelLimitsAndFarMultiplier(t *testing.T) {
	tests := []struct {
		name      string
		bids      [][2]float64
		wantOK    bool
		wantDepth int
	}{
		{
			name:      "near level at boundary uses base threshold",
			bids:      [][2]float64{{10.0, 100}, {9.99, 110000}},
			wantOK:    true,
			wantDepth: 1,
		},
		{
			name:   "far level below multiplied threshold",
			bids:   [][2]float64{{10.0, 100}, {9.99, 100}, {9.98, 140000}},
			wantOK: false,
		},
		{
			name:      "far level above multiplied threshold",
			bids:      [][2]float64{{10.0, 100}, {9.99, 100}, {9.98, 160000}},
			wantOK:    true,
			wantDepth: 2,
		},
		{
			name:   "level beyond max spread is ignored",
			bids:   [][2]float64{{10.0, 100}, {9.99, 100}, {9.98, 100}, {9.97, 900000}},
			wantOK: false,
		},
		{
			name:      "nearest qualifying level wins",
			bids:      [][2]float64{{10.0, 200000}, {9.99, 900000}},
			wantOK:    true,
			wantDepth: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(t, func(c *Config) { c.ConfirmationCount = 1 })
			got, ok := d.Scan(sym, domain.BookSideBid, book(tt.bids, [][2]float64{{10.01, 100}}), t0)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantDepth, got.DepthIndex)
			}
		})
	}
}

func TestScanSkipBestLevel(t *testing.T) {
	d := newTestDetector(t, func(c *Config) {
		c.ConfirmationCount = 1
		c.SkipBestLevel = true
	})
	b := book([][2]float64{{10.0, 200000}, {9.99, 100}}, [][2]float64{{10.01, 100}})
	_, ok := d.Scan(sym, domain.BookSideBid, b, t0)
	assert.False(t, ok)

	_, ok = d.Scan(sym, domain.BookSideBid, elephantBook(), t0)
	assert.True(t, ok)
}

func TestScanAskSide(t *testing.T) {
	askBook := book([][2]float64{{10.0, 1000}}, [][2]float64{{10.01, 100}, {10.05, 130000}})

	d := newTestDetector(t, func(c *Config) { c.ConfirmationCount = 1 })
	got, ok := d.Scan(sym, domain.BookSideAsk, askBook, t0)
	require.True(t, ok)
	assert.Equal(t, 10.05, got.Price)
	assert.Equal(t, domain.BookSideAsk, got.Side)
	assert.Equal(t, 10.0, got.OppositeBest)
	assert.InDelta(t, 0.05, got.Spread, 1e-9)

	// 1,306,500 is below the ask-specific threshold once it is raised.
	d = newTestDetector(t, func(c *Config) {
		c.ConfirmationCount = 1
		c.AskNotionalThreshold = 1_400_000
	})
	_, ok = d.Scan(sym, domain.BookSideAsk, askBook, t0)
	assert.False(t, ok)

	d = newTestDetector(t, func(c *Config) {
		c.ConfirmationCount = 1
		c.EnableAskSide = false
	})
	_, ok = d.Scan(sym, domain.BookSideAsk, askBook, t0)
	assert.False(t, ok)
	assert.Empty(t, d.ScanBoth(sym, askBook, t0))
}

func TestIsStableMeasuredFromFirstSighting(t *testing.T) {
	d := newTestDetector(t, nil)
	assert.False(t, d.IsStable(sym, domain.BookSideBid, t0))

	for i := 0; i < 5; i++ {
		d.Scan(sym, domain.BookSideBid, elephantBook(), t0.Add(time.Duration(i)*time.Second))
	}
	assert.False(t, d.IsStable(sym, domain.BookSideBid, t0.Add(4*time.Second)))
	assert.True(t, d.IsStable(sym, domain.BookSideBid, t0.Add(5*time.Second)))
}

func TestHasDisappeared(t *testing.T) {
	d := newTestDetector(t, nil)
	assert.True(t, d.HasDisappeared(sym, domain.BookSideBid, elephantBook()), "no record")

	for i := 0; i < 3; i++ {
		d.Scan(sym, domain.BookSideBid, elephantBook(), t0)
	}

	tests := []struct {
		name string
		book domain.OrderbookSnapshot
		want bool
	}{
		{"unchanged", elephantBook(), false},
		{"volume dropped 53%", book([][2]float64{{10.0, 1000}, {9.95, 70000}}, [][2]float64{{10.05, 1000}}), true},
		{"volume dropped 40%", book([][2]float64{{10.0, 1000}, {9.95, 90000}}, [][2]float64{{10.05, 1000}}), false},
		{"price moved", book([][2]float64{{10.0, 1000}, {9.90, 150000}}, [][2]float64{{10.05, 1000}}), true},
		{"depth gone", book([][2]float64{{10.0, 1000}}, [][2]float64{{10.05, 1000}}), true},
		{"invalid book", book([][2]float64{{10.0, 1000}, {9.95, 150000}}, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.HasDisappeared(sym, domain.BookSideBid, tt.book))
		})
	}
}

func TestResetAndApplyConfig(t *testing.T) {
	d := newTestDetector(t, nil)
	d.Scan(sym, domain.BookSideBid, elephantBook(), t0)
	d.Scan("000001", domain.BookSideBid, elephantBook(), t0)

	d.Reset(sym)
	_, has := d.Record(sym, domain.BookSideBid)
	assert.False(t, has)
	_, has = d.Record("000001", domain.BookSideBid)
	assert.True(t, has)

	d.ResetAll()
	assert.Empty(t, d.Records())

	bad := DefaultConfig()
	bad.ConfirmationCount = 0
	assert.ErrorIs(t, d.ApplyConfig(bad), domain.ErrInvalidConfig)

	strict := DefaultConfig()
	strict.NotionalThreshold = 2_000_000
	require.NoError(t, d.ApplySymbolConfig(sym, strict))
	for i := 0; i < 3; i++ {
		_, ok := d.Scan(sym, domain.BookSideBid, elephantBook(), t0)
		assert.False(t, ok)
	}
	assert.Equal(t, 2_000_000.0, d.Config(sym).NotionalThreshold)
	assert.Equal(t, 1_000_000.0, d.Config("000001").NotionalThreshold)
}
