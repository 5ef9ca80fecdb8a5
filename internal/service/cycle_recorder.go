package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
	"github.com/alanyoungcy/elephantbot/internal/metrics"
	"github.com/alanyoungcy/elephantbot/internal/notify"
)

// Bus channels and streams the recorder writes to.
const (
	ChannelCycles      = "elephant:cycles"
	ChannelEscalations = "elephant:escalations"
	StreamCycles       = "stream:elephant:cycles"
)

const (
	recorderQueueSize = 256
	recentCycles      = 100
)

// Alerter is the part of notify.Notifier the recorder uses.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

var (
	_ Alerter            = (*notify.Notifier)(nil)
	_ executor.CycleSink = (*CycleRecorder)(nil)
)

type recorderJob struct {
	rec    *domain.CycleRecord
	view   domain.CycleView
	reason string
}

// CycleRecorder fans finished cycles and escalations out to the cycle store,
// the signal bus, the audit log, operator alerts and metrics. The engine
// calls it while holding its lock, so work is queued and done by Run; a job
// that finds the queue full is logged in full and dropped.
// Every collaborator is optional.
type CycleRecorder struct {
	cycles  domain.CycleStore
	audit   domain.AuditStore
	bus     domain.SignalBus
	alerts  Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue   chan recorderJob
	dropped atomic.Int64

	mu     sync.Mutex
	recent []domain.CycleRecord
}

// NewCycleRecorder creates a CycleRecorder.
func NewCycleRecorder(
	cycles domain.CycleStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	alerts Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *CycleRecorder {
	return &CycleRecorder{
		cycles:  cycles,
		audit:   audit,
		bus:     bus,
		alerts:  alerts,
		metrics: m,
		logger:  logger.With(slog.String("component", "cycle_recorder")),
		queue:   make(chan recorderJob, recorderQueueSize),
	}
}

// CycleFinished queues rec. Metrics and the in-memory history are updated
// immediately.
func (r *CycleRecorder) CycleFinished(ctx context.Context, rec domain.CycleRecord) {
	r.metrics.CycleFinished(string(rec.Outcome), rec.NetPnL)

	r.mu.Lock()
	r.recent = append(r.recent, rec)
	if len(r.recent) > recentCycles {
		r.recent = r.recent[len(r.recent)-recentCycles:]
	}
	r.mu.Unlock()

	r.enqueue(ctx, recorderJob{rec: &rec})
}

// Escalate queues an operator alert for a halted cycle.
func (r *CycleRecorder) Escalate(ctx context.Context, view domain.CycleView, reason string) {
	r.metrics.Escalated()
	r.enqueue(ctx, recorderJob{view: view, reason: reason})
}

func (r *CycleRecorder) enqueue(ctx context.Context, job recorderJob) {
	select {
	case r.queue <- job:
		return
	default:
	}
	n := r.dropped.Add(1)
	r.metrics.RecorderDropped()
	attrs := []any{slog.Int64("dropped", n)}
	if job.rec != nil {
		attrs = append(attrs, slog.Any("cycle", *job.rec))
	} else {
		attrs = append(attrs,
			slog.String("symbol", job.view.Symbol),
			slog.String("cycle_id", job.view.ID),
			slog.String("reason", job.reason),
		)
	}
	r.logger.ErrorContext(ctx, "recorder queue full, job dropped", attrs...)
}

// Dropped reports how many jobs were lost to a full queue.
func (r *CycleRecorder) Dropped() int64 { return r.dropped.Load() }

// Recent returns up to n of the latest finished cycles, newest first.
func (r *CycleRecorder) Recent(n int) []domain.CycleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.recent) {
		n = len(r.recent)
	}
	out := make([]domain.CycleRecord, 0, n)
	for i := len(r.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.recent[i])
	}
	return out
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// with a short deadline.
func (r *CycleRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.drain(flushCtx)
			cancel()
			return nil
		case job := <-r.queue:
			r.process(ctx, job)
		}
	}
}

func (r *CycleRecorder) drain(ctx context.Context) {
	for {
		select {
		case job := <-r.queue:
			r.process(ctx, job)
		default:
			return
		}
	}
}

func (r *CycleRecorder) process(ctx context.Context, job recorderJob) {
	if job.rec != nil {
		r.record(ctx, *job.rec)
		return
	}
	r.escalate(ctx, job.view, job.reason)
}

func (r *CycleRecorder) record(ctx context.Context, rec domain.CycleRecord) {
	log := r.logger.With(slog.String("symbol", rec.Symbol), slog.String("cycle_id", rec.ID))

	if r.cycles != nil {
		if err := r.cycles.Insert(ctx, rec); err != nil {
			log.ErrorContext(ctx, "persist cycle failed", slog.String("error", err.Error()))
		}
	}

	if r.bus != nil {
		payload, err := json.Marshal(rec)
		if err == nil {
			if err := r.bus.Publish(ctx, ChannelCycles, payload); err != nil {
				log.WarnContext(ctx, "publish cycle failed", slog.String("error", err.Error()))
			}
			if err := r.bus.StreamAppend(ctx, StreamCycles, payload); err != nil {
				log.WarnContext(ctx, "stream cycle failed", slog.String("error", err.Error()))
			}
		}
	}

	r.auditLog(ctx, "cycle_completed", map[string]any{
		"cycle_id":    rec.ID,
		"symbol":      rec.Symbol,
		"outcome":     string(rec.Outcome),
		"matched_qty": rec.MatchedQty,
		"net_pnl":     rec.NetPnL,
		"reason":      rec.Reason,
	})

	event := notify.EventCycleCompleted
	if rec.Outcome == domain.OutcomeStopLoss {
		event = notify.EventStopLoss
	}
	r.alert(ctx, event,
		fmt.Sprintf("%s cycle %s", rec.Symbol, rec.Outcome),
		fmt.Sprintf("side=%s matched=%.0f buy=%.3f sell=%.3f net=%.2f\n%s",
			rec.Side, rec.MatchedQty, rec.BuyPrice, rec.SellPrice, rec.NetPnL, rec.Reason),
	)
}

func (r *CycleRecorder) escalate(ctx context.Context, view domain.CycleView, reason string) {
	if r.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"cycle":  view,
			"reason": reason,
		})
		if err == nil {
			if err := r.bus.Publish(ctx, ChannelEscalations, payload); err != nil {
				r.logger.WarnContext(ctx, "publish escalation failed", slog.String("error", err.Error()))
			}
		}
	}

	r.auditLog(ctx, "cycle_halted", map[string]any{
		"cycle_id": view.ID,
		"symbol":   view.Symbol,
		"state":    string(view.State),
		"reason":   reason,
	})

	r.alert(ctx, notify.EventEscalation,
		fmt.Sprintf("%s HALTED, manual action required", view.Symbol),
		fmt.Sprintf("cycle=%s entry_qty=%.0f exit_qty=%.0f\n%s", view.ID, view.EntryQty, view.ExitQty, reason),
	)
}

func (r *CycleRecorder) auditLog(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (r *CycleRecorder) alert(ctx context.Context, event, title, message string) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}
