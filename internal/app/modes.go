package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/elephantbot/internal/blob/s3"
	"github.com/alanyoungcy/elephantbot/internal/crypto"
	"github.com/alanyoungcy/elephantbot/internal/detector"
	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/executor"
	"github.com/alanyoungcy/elephantbot/internal/feed"
	"github.com/alanyoungcy/elephantbot/internal/metrics"
	"github.com/alanyoungcy/elephantbot/internal/platform/gateway"
	"github.com/alanyoungcy/elephantbot/internal/platform/paper"
	"github.com/alanyoungcy/elephantbot/internal/server"
	"github.com/alanyoungcy/elephantbot/internal/server/handler"
	"github.com/alanyoungcy/elephantbot/internal/service"
	"github.com/alanyoungcy/elephantbot/internal/strategy"
)

const (
	apiRateLimit  = 30
	apiRateWindow = time.Minute
)

// venue is where books come from and orders go to for one mode.
type venue struct {
	books     <-chan domain.OrderbookSnapshot
	events    <-chan domain.OrderEvent
	transport executor.OrderTransport
	holdings  executor.Holdings
	runners   []func(ctx context.Context) error

	paper    *paper.Broker   // paper and replay
	gateway  *gateway.Client // paper and live
	bookTime bool            // replay: snapshot timestamps drive the clock
	finite   bool            // replay: stop once the feed is drained
	close    func()
}

func (a *App) gatewayConfig(auth *crypto.GatewayAuth) gateway.Config {
	g := a.cfg.Gateway
	return gateway.Config{
		URL:            g.URL,
		Auth:           auth,
		Symbols:        a.cfg.Symbols,
		ReconnectDelay: g.ReconnectDelay.Duration,
		PingInterval:   g.PingInterval.Duration,
		RequestTimeout: g.RequestTimeout.Duration,
	}
}

// gatewayAuth resolves the gateway credentials. It returns nil when no API
// key is configured.
func (a *App) gatewayAuth() (*crypto.GatewayAuth, error) {
	g := a.cfg.Gateway
	if g.APIKey == "" {
		return nil, nil
	}
	secret, err := crypto.LoadSecret(crypto.SecretSource{
		Raw:      g.APISecret,
		Path:     g.APISecretFile,
		Password: g.APISecretPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: gateway secret: %w", err)
	}
	return &crypto.GatewayAuth{Key: g.APIKey, Secret: secret}, nil
}

// paperVenue streams real depth from the gateway and fills orders against it
// in a simulated account.
func (a *App) paperVenue(_ *Dependencies) (*venue, error) {
	auth, err := a.gatewayAuth()
	if err != nil {
		return nil, err
	}
	gw := gateway.NewClient(a.gatewayConfig(auth), a.logger)
	broker := paper.NewBroker(a.cfg.Paper.Holdings, a.logger)
	return &venue{
		books:     gw.Books(),
		events:    broker.Events(),
		transport: broker,
		holdings:  broker,
		runners:   []func(context.Context) error{gw.Run, broker.Run},
		paper:     broker,
		gateway:   gw,
	}, nil
}

// liveVenue routes orders through the authenticated gateway.
func (a *App) liveVenue(_ *Dependencies) (*venue, error) {
	auth, err := a.gatewayAuth()
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, fmt.Errorf("app: live mode needs gateway credentials: %w", domain.ErrInvalidConfig)
	}
	gw := gateway.NewClient(a.gatewayConfig(auth), a.logger)
	a.logger.Warn("cycles from a previous run are not recovered; reconcile open broker orders and positions by hand")
	return &venue{
		books:     gw.Books(),
		events:    gw.Events(),
		transport: gw,
		holdings:  gw,
		runners:   []func(context.Context) error{gw.Run},
		gateway:   gw,
	}, nil
}

// replayVenue plays recorded snapshots from a local file or, failing that,
// from object storage into a paper account. A replay key ending in "/"
// picks the newest recording under that prefix.
func (a *App) replayVenue(ctx context.Context, deps *Dependencies) (*venue, error) {
	var (
		src    io.ReadCloser
		err    error
		origin string
	)
	switch {
	case a.cfg.Paper.ReplayPath != "":
		origin = a.cfg.Paper.ReplayPath
		src, err = os.Open(a.cfg.Paper.ReplayPath)
	case deps.BlobReader != nil:
		key, kerr := s3blob.ResolveKey(ctx, deps.BlobReader, a.cfg.Paper.ReplayKey)
		if kerr != nil {
			return nil, fmt.Errorf("app: replay key: %w", kerr)
		}
		origin = "s3://" + a.cfg.S3.Bucket + "/" + key
		src, err = deps.BlobReader.Get(ctx, key)
	default:
		return nil, fmt.Errorf("app: replay needs replay_path or s3: %w", domain.ErrInvalidConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("app: open replay %s: %w", origin, err)
	}
	a.logger.InfoContext(ctx, "replaying snapshots",
		slog.String("source", origin),
		slog.Float64("speed", a.cfg.Paper.ReplaySpeed),
	)

	replay := feed.NewReplay(src, a.cfg.Paper.ReplaySpeed, a.logger)
	broker := paper.NewBroker(a.cfg.Paper.Holdings, a.logger)
	return &venue{
		books:     replay.Books(),
		events:    broker.Events(),
		transport: broker,
		holdings:  broker,
		runners:   []func(context.Context) error{replay.Run, broker.Run},
		paper:     broker,
		bookTime:  true,
		finite:    true,
		close:     func() { _ = src.Close() },
	}, nil
}

// trade builds the trading core on top of v and runs everything until ctx
// is cancelled, a component fails, or a finite feed is exhausted.
func (a *App) trade(ctx context.Context, deps *Dependencies, v *venue, lock domain.Lock) error {
	cfg := a.cfg
	startedAt := time.Now()

	m := metrics.New()
	risk := service.NewRiskGate(cfg.RiskLimits(), cfg.Risk.TotalAssets, a.logger)
	session, err := service.NewSessionClock(cfg.SessionParams(), a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.restoreRisk(ctx, deps, risk, session)
	if v.gateway != nil && v.paper == nil {
		// Live account value replaces the configured total_assets.
		v.gateway.OnTotalAssets(risk.UpdateTotalAssets)
	}

	recorder := service.NewCycleRecorder(deps.CycleStore, deps.AuditStore, deps.SignalBus, deps.Notifier, m, a.logger)

	det := detector.New(cfg.DetectorParams(), a.logger)
	exec := executor.NewEngine(cfg.ExecutionParams(), v.transport, risk, v.holdings, recorder, a.logger)
	for sym := range cfg.Overrides {
		if err := det.ApplySymbolConfig(sym, cfg.SymbolDetectorParams(sym)); err != nil {
			return fmt.Errorf("app: overrides.%s: %w", sym, err)
		}
		if err := exec.ApplySymbolConfig(sym, cfg.SymbolExecutionParams(sym)); err != nil {
			return fmt.Errorf("app: overrides.%s: %w", sym, err)
		}
	}
	strat := strategy.NewElephant(det, exec, session, risk, m, a.logger)

	fd := feed.New(v.books, cfg.Symbols, a.logger)
	if v.paper != nil {
		fd.Tap(v.paper.OnBook)
	}
	if deps.BookCache != nil {
		fd.Tap(func(book domain.OrderbookSnapshot) {
			if err := deps.BookCache.Store(ctx, book); err != nil {
				a.logger.DebugContext(ctx, "book cache write failed", slog.String("error", err.Error()))
			}
		})
	}
	var rec *feed.Recorder
	if cfg.Paper.RecordDir != "" && !v.finite {
		rec, err = feed.NewRecorder(cfg.Paper.RecordDir, session.Location(), a.logger)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		fd.Tap(rec.Record)
		a.closers = append(a.closers, func() { _, _ = rec.Close() })
	}

	eng := strategy.NewEngine(strat, exec, fd.Books(), v.events, a.logger)
	eng.SetDailyTicker(session)
	eng.SetMetrics(m)
	eng.SetTickInterval(cfg.Execution.TickInterval.Duration)
	if v.bookTime {
		eng.UseBookTime()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	closer := &dayCloser{
		risk:     risk,
		metrics:  m,
		archiver: deps.Archiver,
		blobs:    deps.BlobWriter,
		notifier: deps.Notifier,
		recent:   recorder,
		spawn:    g.Go,
		logger:   a.logger.With(slog.String("component", "day_close")),
	}
	if v.paper != nil {
		closer.paper = v.paper
	}
	if rec != nil {
		closer.rec = rec
	}
	session.OnClose(closer.Close)

	for _, run := range v.runners {
		g.Go(func() error { return run(ctx) })
	}
	g.Go(func() error { return fd.Run(ctx) })
	g.Go(func() error { return recorder.Run(ctx) })
	g.Go(func() error {
		err := eng.Run(ctx)
		if v.finite && err == nil {
			a.logger.InfoContext(ctx, "replay finished", slog.Any("risk", risk.Counters()))
			cancel()
		}
		return err
	})
	if lock != nil {
		g.Go(func() error { return a.keepLock(ctx, lock) })
	}

	if cfg.Server.Enabled {
		checks := deps.Checks
		if v.gateway != nil {
			gw := v.gateway
			checks["gateway"] = func(context.Context) error {
				if !gw.Connected() {
					return domain.ErrNotConnected
				}
				return nil
			}
		}
		status := &handler.StatusHandler{
			Mode:      cfg.Mode,
			Account:   cfg.Account,
			Symbols:   cfg.Symbols,
			StartedAt: startedAt,
			Cycles:    exec,
			Elephants: det,
			Risk:      risk,
			Recent:    recorder,
			Feed:      fd,
		}
		if v.paper != nil {
			status.Paper = v.paper
		}
		if v.gateway != nil {
			status.Connected = v.gateway.Connected
		}
		handlers := server.Handlers{
			Health:  handler.NewHealthHandler(checks),
			Status:  status,
			Cycles:  handler.NewCycleHandler(deps.CycleStore, recorder, exec, deps.AuditStore, a.logger),
			Metrics: m.Handler(),
		}
		if deps.BookCache != nil {
			handlers.Books = handler.NewBookHandler(deps.BookCache)
		}
		if deps.SignalBus != nil {
			handlers.Events = handler.NewEventHandler(deps.SignalBus, service.StreamCycles,
				[]string{service.ChannelCycles, service.ChannelEscalations},
				cfg.Server.CORSOrigins, a.logger)
		}
		srv := server.NewServer(server.Config{
			Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
			CORSOrigins: cfg.Server.CORSOrigins,
			AuthToken:   cfg.Server.AuthToken,
			RateLimit:   apiRateLimit,
			RateWindow:  apiRateWindow,
		}, handlers, deps.RateLimiter, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	return g.Wait()
}

// restoreRisk reloads today's counters from the cycle log so a restart does
// not reset the daily limits.
func (a *App) restoreRisk(ctx context.Context, deps *Dependencies, risk *service.RiskGate, session *service.SessionClock) {
	if deps.CycleStore == nil {
		return
	}
	day := session.DayStart(time.Now())
	recs, err := deps.CycleStore.ListBetween(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		a.logger.WarnContext(ctx, "risk restore failed", slog.String("error", err.Error()))
		return
	}
	n := risk.Restore(recs)
	a.logger.InfoContext(ctx, "risk counters restored", slog.Int("cycles", n))
}
