// Package detector finds elephants (abnormally large resting orders) in
// order-book snapshots and tracks their confirmation, stability and
// disappearance per symbol and side.
package detector

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

const (
	// priceTolerance is the absolute price difference under which two
	// sightings are treated as the same elephant.
	priceTolerance = 0.001
	// volumeDropRatio is the fraction of the recorded volume below which the
	// elephant counts as gone.
	volumeDropRatio = 0.5
)

type key struct {
	symbol string
	side   domain.BookSide
}

// Detector scans order books for elephants. All state is per (symbol, side)
// and guarded by a mutex so status readers never see a half-applied scan.
type Detector struct {
	mu        sync.Mutex
	cfg       Config
	overrides map[string]Config
	records   map[key]domain.Elephant
	counters  map[key]int
	logger    *slog.Logger
}

// New creates a Detector. cfg must already be validated.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		overrides: make(map[string]Config),
		records:   make(map[key]domain.Elephant),
		counters:  make(map[key]int),
		logger:    logger.With(slog.String("component", "detector")),
	}
}

// ApplyConfig swaps the default parameters. It takes effect on the next scan.
func (d *Detector) ApplyConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.logger.Info("detector config applied",
		slog.Float64("threshold", cfg.NotionalThreshold),
		slog.Int("confirmations", cfg.ConfirmationCount),
	)
	return nil
}

// ApplySymbolConfig installs parameters that apply only to symbol.
func (d *Detector) ApplySymbolConfig(symbol string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.overrides[symbol] = cfg
	d.mu.Unlock()
	return nil
}

// Config returns the parameters in force for symbol.
func (d *Detector) Config(symbol string) Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configLocked(symbol)
}

func (d *Detector) configLocked(symbol string) Config {
	if cfg, ok := d.overrides[symbol]; ok {
		return cfg
	}
	return d.cfg
}

// Scan looks for an elephant on one side of book. A structurally invalid
// book is no signal and leaves the record untouched; otherwise the record is
// updated and the candidate is only returned once it has been seen on
// ConfirmationCount consecutive scans.
func (d *Detector) Scan(symbol string, side domain.BookSide, book domain.OrderbookSnapshot, now time.Time) (domain.Elephant, bool) {
	if !book.Valid() {
		return domain.Elephant{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.configLocked(symbol)
	if side == domain.BookSideAsk && !cfg.EnableAskSide {
		return domain.Elephant{}, false
	}
	k := key{symbol: symbol, side: side}

	cand, found := findCandidate(cfg, symbol, side, book)
	if !found {
		if _, had := d.records[k]; had {
			d.logger.Debug("elephant cleared",
				slog.String("symbol", symbol),
				slog.String("side", string(side)),
			)
		}
		delete(d.records, k)
		delete(d.counters, k)
		return domain.Elephant{}, false
	}

	prev, had := d.records[k]
	if had && math.Abs(prev.Price-cand.Price) <= priceTolerance {
		d.counters[k]++
		cand.FirstSeen = prev.FirstSeen
	} else {
		d.counters[k] = 1
		cand.FirstSeen = now
	}
	cand.LastSeen = now
	d.records[k] = cand

	if d.counters[k] < cfg.ConfirmationCount {
		return domain.Elephant{}, false
	}
	if d.counters[k] == cfg.ConfirmationCount {
		d.logger.Info("elephant confirmed",
			slog.String("symbol", symbol),
			slog.String("side", string(side)),
			slog.Float64("price", cand.Price),
			slog.Float64("volume", cand.Volume),
			slog.Int("depth", cand.DepthIndex),
		)
	}
	return cand, true
}

// ScanBoth scans the bid side and, when enabled, the ask side.
func (d *Detector) ScanBoth(symbol string, book domain.OrderbookSnapshot, now time.Time) []domain.Elephant {
	var out []domain.Elephant
	for _, side := range []domain.BookSide{domain.BookSideBid, domain.BookSideAsk} {
		if e, ok := d.Scan(symbol, side, book, now); ok {
			out = append(out, e)
		}
	}
	return out
}

// findCandidate returns the nearest qualifying level of side.
func findCandidate(cfg Config, symbol string, side domain.BookSide, book domain.OrderbookSnapshot) (domain.Elephant, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return domain.Elephant{}, false
	}
	opposite, ok := book.Best(side.Opposite())
	if !ok {
		return domain.Elephant{}, false
	}

	levels := book.Levels(side)
	start := 0
	if cfg.SkipBestLevel {
		start = 1
	}
	for i := start; i < len(levels); i++ {
		if i+1 > cfg.MaxSpreadLevels {
			break
		}
		lvl := levels[i]
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		notional := lvl.Notional()
		if notional < cfg.threshold(side, i) {
			continue
		}
		spread := opposite.Price - lvl.Price
		if side == domain.BookSideAsk {
			spread = lvl.Price - opposite.Price
		}
		return domain.Elephant{
			Symbol:       symbol,
			Side:         side,
			DepthIndex:   i,
			Price:        lvl.Price,
			Volume:       lvl.Size,
			Notional:     notional,
			OppositeBest: opposite.Price,
			Spread:       spread,
		}, true
	}
	return domain.Elephant{}, false
}

// IsStable reports whether the recorded elephant has been observed for at
// least the stability window, measured from its first sighting.
func (d *Detector) IsStable(symbol string, side domain.BookSide, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key{symbol: symbol, side: side}]
	if !ok {
		return false
	}
	return now.Sub(rec.FirstSeen) >= d.configLocked(symbol).Stability
}

// HasDisappeared compares book against the recorded elephant. A missing
// record counts as gone. A structurally invalid book returns false because
// absence cannot be confirmed from it.
func (d *Detector) HasDisappeared(symbol string, side domain.BookSide, book domain.OrderbookSnapshot) bool {
	d.mu.Lock()
	rec, ok := d.records[key{symbol: symbol, side: side}]
	d.mu.Unlock()
	if !ok {
		return true
	}
	return Vanished(rec, book)
}

// Vanished applies the disappearance rules to el directly: its depth index
// is gone, the price there moved, or the volume there fell below half. An
// invalid book returns false.
func Vanished(el domain.Elephant, book domain.OrderbookSnapshot) bool {
	if !book.Valid() {
		return false
	}
	levels := book.Levels(el.Side)
	if el.DepthIndex >= len(levels) {
		return true
	}
	lvl := levels[el.DepthIndex]
	if math.Abs(lvl.Price-el.Price) > priceTolerance {
		return true
	}
	return lvl.Size < el.Volume*volumeDropRatio
}

// Record returns the active record for symbol and side.
func (d *Detector) Record(symbol string, side domain.BookSide) (domain.Elephant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key{symbol: symbol, side: side}]
	return rec, ok
}

// Confirmations returns the current confirmation streak.
func (d *Detector) Confirmations(symbol string, side domain.BookSide) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters[key{symbol: symbol, side: side}]
}

// Records returns a copy of every active record.
func (d *Detector) Records() []domain.Elephant {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Elephant, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec)
	}
	return out
}

// Reset clears the records and counters of one symbol.
func (d *Detector) Reset(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, side := range []domain.BookSide{domain.BookSideBid, domain.BookSideAsk} {
		k := key{symbol: symbol, side: side}
		delete(d.records, k)
		delete(d.counters, k)
	}
}

// ResetAll clears every symbol.
func (d *Detector) ResetAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = make(map[key]domain.Elephant)
	d.counters = make(map[key]int)
}
