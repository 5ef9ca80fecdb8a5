package detector

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// Config holds the detection parameters. MaxSpreadLevels is a level count:
// the level at index i sits i+1 levels away from the opposite best quote and
// is only scanned while i+1 <= MaxSpreadLevels.
type Config struct {
	NotionalThreshold    float64
	AskNotionalThreshold float64 // 0 falls back to NotionalThreshold
	MaxSpreadLevels      int
	FarLevelMultiplier   float64
	NearFarBoundaryLevel int
	ConfirmationCount    int
	Stability            time.Duration
	SkipBestLevel        bool
	EnableAskSide        bool
}

// DefaultConfig returns the stock detection parameters.
func DefaultConfig() Config {
	return Config{
		NotionalThreshold:    1_000_000,
		AskNotionalThreshold: 1_200_000,
		MaxSpreadLevels:      3,
		FarLevelMultiplier:   1.5,
		NearFarBoundaryLevel: 1,
		ConfirmationCount:    3,
		Stability:            5 * time.Second,
		SkipBestLevel:        false,
		EnableAskSide:        true,
	}
}

// Validate reports every out-of-range parameter.
func (c Config) Validate() error {
	var errs []string
	if c.NotionalThreshold <= 0 {
		errs = append(errs, "notional threshold must be > 0")
	}
	if c.AskNotionalThreshold < 0 {
		errs = append(errs, "ask notional threshold must be >= 0")
	}
	if c.MaxSpreadLevels < 1 {
		errs = append(errs, "max spread must be >= 1 level")
	}
	if c.FarLevelMultiplier < 1 {
		errs = append(errs, "far level multiplier must be >= 1")
	}
	if c.NearFarBoundaryLevel < 0 {
		errs = append(errs, "near/far boundary level must be >= 0")
	}
	if c.ConfirmationCount < 1 {
		errs = append(errs, "confirmation count must be >= 1")
	}
	if c.Stability < 0 {
		errs = append(errs, "stability window must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("detector: %w: %s", domain.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// threshold returns the qualifying notional for a level of side at index i.
func (c Config) threshold(side domain.BookSide, i int) float64 {
	base := c.NotionalThreshold
	if side == domain.BookSideAsk && c.AskNotionalThreshold > 0 {
		base = c.AskNotionalThreshold
	}
	if i > c.NearFarBoundaryLevel {
		return base * c.FarLevelMultiplier
	}
	return base
}
