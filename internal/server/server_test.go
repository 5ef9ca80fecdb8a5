package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/server/handler"
	"github.com/alanyoungcy/elephantbot/internal/service"
)

type fakeCycles struct {
	views   []domain.CycleView
	records []domain.CycleRecord
	halted  map[string]bool
	listErr error
}

func (f *fakeCycles) Snapshot() []domain.CycleView { return f.views }

func (f *fakeCycles) Recent(n int) []domain.CycleRecord {
	if n <= 0 || n > len(f.records) {
		n = len(f.records)
	}
	return f.records[:n]
}

func (f *fakeCycles) Release(_ context.Context, symbol string, _ time.Time) error {
	halted, ok := f.halted[symbol]
	if !ok {
		return fmt.Errorf("release: %w", domain.ErrNotFound)
	}
	if !halted {
		return fmt.Errorf("release: %w", domain.ErrCycleActive)
	}
	delete(f.halted, symbol)
	return nil
}

type fakeStore struct {
	fakeCycles
	lastOpts domain.ListOpts
}

func (s *fakeStore) Insert(context.Context, domain.CycleRecord) error { return nil }

func (s *fakeStore) GetByID(_ context.Context, id string) (domain.CycleRecord, error) {
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.CycleRecord{}, domain.ErrNotFound
}

func (s *fakeStore) List(_ context.Context, opts domain.ListOpts) ([]domain.CycleRecord, error) {
	s.lastOpts = opts
	return s.records, s.listErr
}

func (s *fakeStore) ListBetween(context.Context, time.Time, time.Time) ([]domain.CycleRecord, error) {
	return nil, nil
}

func (s *fakeStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeRisk struct{}

func (fakeRisk) Counters() service.RiskCounters {
	return service.RiskCounters{DailyTrades: 3, DailyPnL: -12.5}
}
func (fakeRisk) DailyLimitBreached() bool { return false }

type fakeBooks map[string]domain.OrderbookSnapshot

func (f fakeBooks) Latest(_ context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	s, ok := f[symbol]
	if !ok {
		return domain.OrderbookSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func newTestServer(t *testing.T, store domain.CycleStore, cycles *fakeCycles, health map[string]handler.Check) http.Handler {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	srv := NewServer(Config{AuthToken: "tok"}, Handlers{
		Health: handler.NewHealthHandler(health),
		Status: &handler.StatusHandler{
			Mode:      "paper",
			Account:   "acct-1",
			Symbols:   []string{"600000"},
			StartedAt: time.Now().Add(-time.Minute),
			Cycles:    cycles,
			Risk:      fakeRisk{},
			Recent:    cycles,
			Connected: func() bool { return true },
		},
		Cycles: handler.NewCycleHandler(store, cycles, cycles, nil, logger),
		Books: handler.NewBookHandler(fakeBooks{"600000": {
			Symbol: "600000",
			Bids:   []domain.PriceLevel{{Price: 10, Size: 100}},
			Asks:   []domain.PriceLevel{{Price: 10.01, Size: 100}},
		}}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	}, nil, logger)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, authed bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer tok")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthIsOpenAndReportsChecks(t *testing.T) {
	h := newTestServer(t, nil, &fakeCycles{}, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
	})
	rec, body := do(t, h, http.MethodGet, "/api/health", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	h = newTestServer(t, nil, &fakeCycles{}, map[string]handler.Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec, body = do(t, h, http.MethodGet, "/api/health", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["checks"])
}

func TestStatusRequiresAuth(t *testing.T) {
	cycles := &fakeCycles{views: []domain.CycleView{{Symbol: "600000", State: domain.CycleHalted}}}
	h := newTestServer(t, nil, cycles, nil)

	rec, _ := do(t, h, http.MethodGet, "/api/status", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/api/status", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, true, body["gateway_connected"])
	assert.Len(t, body["cycles"], 1)
	risk := body["risk"].(map[string]any)
	assert.InDelta(t, 3, risk["daily_trades"], 1e-9)
}

func TestCyclesFromRecentBuffer(t *testing.T) {
	cycles := &fakeCycles{records: []domain.CycleRecord{{ID: "c3"}, {ID: "c2"}, {ID: "c1"}}}
	h := newTestServer(t, nil, cycles, nil)

	rec, body := do(t, h, http.MethodGet, "/api/cycles?limit=2&offset=1", true)
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["cycles"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].(map[string]any)["id"])

	rec, body = do(t, h, http.MethodGet, "/api/cycles/c1", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", body["id"])

	rec, _ = do(t, h, http.MethodGet, "/api/cycles/nope", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCyclesFromStore(t *testing.T) {
	store := &fakeStore{fakeCycles: fakeCycles{records: []domain.CycleRecord{{ID: "c9"}}}}
	h := newTestServer(t, store, &fakeCycles{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/cycles?limit=900&since=2026-03-02T00:00:00Z", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["cycles"], 1)
	assert.Equal(t, 500, store.lastOpts.Limit)
	require.NotNil(t, store.lastOpts.Since)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), store.lastOpts.Since.UTC())

	rec, _ = do(t, h, http.MethodGet, "/api/cycles?until=yesterday", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/cycles/c9", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/api/cycles/c0", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store.listErr = errors.New("db down")
	rec, _ = do(t, h, http.MethodGet, "/api/cycles", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReleaseCycle(t *testing.T) {
	cycles := &fakeCycles{halted: map[string]bool{"600000": true, "000001": false}}
	h := newTestServer(t, nil, cycles, nil)

	rec, body := do(t, h, http.MethodPost, "/api/cycles/600000/release", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "released", body["status"])

	rec, _ = do(t, h, http.MethodPost, "/api/cycles/600000/release", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/cycles/000001/release", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/cycles/000001/release", true)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBooksAndMetrics(t *testing.T) {
	h := newTestServer(t, nil, &fakeCycles{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/books/600000", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "600000", body["symbol"])

	rec, _ = do(t, h, http.MethodGet, "/api/books/000001", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/metrics", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, Handlers{
		Health: handler.NewHealthHandler(nil),
		Status: &handler.StatusHandler{},
		Cycles: handler.NewCycleHandler(nil, &fakeCycles{}, &fakeCycles{}, nil, slog.New(slog.DiscardHandler)),
	}, nil, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
