package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/elephantbot/internal/blob/s3"
	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/service"
)

// Collaborators of the daily close. Any of them may be nil.
type (
	dailyRisk interface {
		Counters() service.RiskCounters
		ResetDaily()
	}
	dailyMetrics interface{ ResetDaily() }
	dailyPaper   interface{ RollDay(ctx context.Context) }
	recentCycles interface{ Recent(n int) []domain.CycleRecord }
	recording    interface{ Close() (string, error) }
	alerter      interface {
		Notify(ctx context.Context, event, title, message string) error
	}
)

// dayCloser runs once per trading day at session close. Counters are
// summarized and reset inline; uploads are handed to spawn so the engine
// loop is not held up by object storage.
type dayCloser struct {
	risk     dailyRisk
	metrics  dailyMetrics
	paper    dailyPaper
	archiver domain.Archiver
	blobs    domain.BlobWriter
	rec      recording
	notifier alerter
	recent   recentCycles
	spawn    func(func() error)
	logger   *slog.Logger
}

// Close is a service.SessionHook.
func (d *dayCloser) Close(ctx context.Context, day time.Time) {
	if d.risk != nil {
		counters := d.risk.Counters()
		var today []domain.CycleRecord
		if d.recent != nil {
			for _, rec := range d.recent.Recent(0) {
				if !rec.CompletedAt.Before(day) {
					today = append(today, rec)
				}
			}
		}
		if d.notifier != nil {
			title := "Daily summary " + day.Format(time.DateOnly)
			if err := d.notifier.Notify(ctx, "daily_summary", title, dailySummary(counters, today)); err != nil {
				d.logger.WarnContext(ctx, "daily summary failed", slog.String("error", err.Error()))
			}
		}
		d.risk.ResetDaily()
	}
	if d.metrics != nil {
		d.metrics.ResetDaily()
	}
	if d.paper != nil {
		d.paper.RollDay(ctx)
	}

	var file string
	if d.rec != nil {
		f, err := d.rec.Close()
		if err != nil {
			d.logger.WarnContext(ctx, "close recording failed", slog.String("error", err.Error()))
		}
		file = f
	}

	archiver, blobs := d.archiver, d.blobs
	if archiver == nil && (blobs == nil || file == "") {
		return
	}
	d.spawn(func() error {
		if archiver != nil {
			if _, err := archiver.ArchiveCycles(ctx, day); err != nil {
				d.logger.ErrorContext(ctx, "cycle archive failed", slog.String("error", err.Error()))
			}
		}
		if blobs != nil && file != "" {
			if err := s3blob.UploadRecording(ctx, blobs, file, day); err != nil {
				d.logger.ErrorContext(ctx, "recording upload failed", slog.String("error", err.Error()))
			} else {
				d.logger.InfoContext(ctx, "recording uploaded", slog.String("key", s3blob.RecordingPath(day)))
			}
		}
		return nil
	})
}

// dailySummary renders the end-of-day message.
func dailySummary(c service.RiskCounters, today []domain.CycleRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trades: %d\nRealized P&L: %.2f\n", c.DailyTrades, c.DailyPnL)

	outcomes := make(map[domain.CycleOutcome]int)
	var order []domain.CycleOutcome
	for _, rec := range today {
		if outcomes[rec.Outcome] == 0 {
			order = append(order, rec.Outcome)
		}
		outcomes[rec.Outcome]++
	}
	for _, o := range order {
		fmt.Fprintf(&b, "%s: %d\n", o, outcomes[o])
	}
	return strings.TrimRight(b.String(), "\n")
}
