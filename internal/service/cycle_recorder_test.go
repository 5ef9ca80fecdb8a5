package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/metrics"
	"github.com/alanyoungcy/elephantbot/internal/notify"
)

type memCycleStore struct {
	mu   sync.Mutex
	recs []domain.CycleRecord
	err  error
}

func (m *memCycleStore) Insert(_ context.Context, rec domain.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memCycleStore) GetByID(_ context.Context, id string) (domain.CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.CycleRecord{}, domain.ErrNotFound
}

func (m *memCycleStore) List(context.Context, domain.ListOpts) ([]domain.CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CycleRecord(nil), m.recs...), nil
}

func (m *memCycleStore) ListBetween(_ context.Context, from, to time.Time) ([]domain.CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CycleRecord
	for _, r := range m.recs {
		if !r.CompletedAt.Before(from) && r.CompletedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memCycleStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memCycleStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, ch string, payload []byte) error {
	b.mu.Lock()
	b.published[ch] = append(b.published[ch], payload)
	b.mu.Unlock()
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	b.mu.Unlock()
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memAlerts struct {
	mu     sync.Mutex
	events []string
	titles []string
}

func (a *memAlerts) Notify(_ context.Context, event, title, _ string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.titles = append(a.titles, title)
	a.mu.Unlock()
	return nil
}

func (a *memAlerts) snapshot() ([]string, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...), append([]string(nil), a.titles...)
}

func runRecorder(t *testing.T, r *CycleRecorder) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestCycleRecorderFansOut(t *testing.T) {
	store, audit, bus, alerts := &memCycleStore{}, &memAudit{}, newMemBus(), &memAlerts{}
	r := NewCycleRecorder(store, audit, bus, alerts, metrics.New(), slog.New(slog.DiscardHandler))
	stop := runRecorder(t, r)

	ctx := context.Background()
	rec := domain.CycleRecord{ID: "c1", Symbol: "600000", Outcome: domain.OutcomeStopLoss, MatchedQty: 100, NetPnL: -4.6}
	r.CycleFinished(ctx, rec)
	r.Escalate(ctx, domain.CycleView{ID: "c2", Symbol: "000001", State: domain.CycleHalted}, "flatten rejected")

	require.Eventually(t, func() bool { return len(audit.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, store.count())
	assert.Equal(t, []string{"cycle_completed", "cycle_halted"}, audit.snapshot())

	require.Len(t, bus.published[ChannelCycles], 1)
	var got domain.CycleRecord
	require.NoError(t, json.Unmarshal(bus.published[ChannelCycles][0], &got))
	assert.Equal(t, "c1", got.ID)
	assert.Len(t, bus.streamed[StreamCycles], 1)
	assert.Len(t, bus.published[ChannelEscalations], 1)

	events, titles := alerts.snapshot()
	assert.Equal(t, []string{notify.EventStopLoss, notify.EventEscalation}, events)
	assert.Contains(t, titles[1], "000001 HALTED")
}

func TestCycleRecorderStoreFailureDoesNotBlockOthers(t *testing.T) {
	store := &memCycleStore{err: errors.New("db down")}
	audit := &memAudit{}
	r := NewCycleRecorder(store, audit, nil, nil, nil, slog.New(slog.DiscardHandler))
	stop := runRecorder(t, r)

	r.CycleFinished(context.Background(), domain.CycleRecord{ID: "c1", Outcome: domain.OutcomeExited})
	require.Eventually(t, func() bool { return len(audit.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, 0, store.count())
}

func TestCycleRecorderRecentAndFlush(t *testing.T) {
	store := &memCycleStore{}
	r := NewCycleRecorder(store, nil, nil, nil, nil, slog.New(slog.DiscardHandler))

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		r.CycleFinished(ctx, domain.CycleRecord{ID: id, Outcome: domain.OutcomeAborted})
	}
	recent := r.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
	assert.Len(t, r.Recent(0), 3)

	// Queued before Run started; a cancelled Run still flushes.
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, r.Run(cctx))
	assert.Equal(t, 3, store.count())
}

func TestCycleRecorderFullQueueDropsWithoutBlocking(t *testing.T) {
	store := &memCycleStore{}
	m := metrics.New()
	r := NewCycleRecorder(store, nil, nil, nil, m, slog.New(slog.DiscardHandler))
	r.queue = make(chan recorderJob, 1)

	ctx := context.Background()
	r.CycleFinished(ctx, domain.CycleRecord{ID: "c1", Outcome: domain.OutcomeExited})
	r.CycleFinished(ctx, domain.CycleRecord{ID: "c2", Outcome: domain.OutcomeExited})
	r.Escalate(ctx, domain.CycleView{ID: "c3", Symbol: "600000"}, "flatten rejected")

	// Nothing was written by the callers; Run was never started.
	assert.Equal(t, 0, store.count())
	assert.Equal(t, int64(2), r.Dropped())
	assert.Len(t, r.Recent(0), 2)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var dropped float64
	for _, f := range families {
		if f.GetName() == "elephant_recorder_dropped_total" {
			dropped = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, dropped)
}
