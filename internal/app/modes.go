package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/ai"
	"github.com/alanyoungcy/perpbot/internal/broadcast"
	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/health"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/pipeline"
	"github.com/alanyoungcy/perpbot/internal/risk"
	"github.com/alanyoungcy/perpbot/internal/server"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
	"github.com/alanyoungcy/perpbot/internal/signal"
	"github.com/alanyoungcy/perpbot/internal/venue"
)

// archiveEvery is the interval between cold-storage archive passes.
const archiveEvery = 24 * time.Hour

// mockEquity is the simulated account equity in mock mode.
const mockEquity = 10_000

// LiveMode runs the full pipeline against the real venue and AI backend.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     a.cfg.Venue.APISecret,
		EncryptedPath: a.cfg.Venue.EncryptedKeyPath,
		Password:      a.cfg.Venue.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("live mode: venue secret: %w", err)
	}

	v := venue.NewClient(venue.ClientConfig{
		BaseURL:   a.cfg.Venue.BaseURL,
		APIKey:    a.cfg.Venue.APIKey,
		APISecret: secret,
		Timeout:   a.cfg.Venue.RequestTimeout.Duration,
	})
	advisor := ai.NewClient(ai.ClientConfig{
		BaseURL: a.cfg.AI.BaseURL,
		APIKey:  a.cfg.AI.APIKey,
		Model:   a.cfg.AI.Model,
		Timeout: a.cfg.AI.RequestTimeout.Duration,
	})

	return a.runPipeline(ctx, deps, v, advisor)
}

// MockMode runs the full pipeline against a simulated venue and a static
// advisor. No real orders are placed and no external backends are contacted.
func (a *App) MockMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting mock mode",
		slog.Float64("equity", mockEquity),
	)
	return a.runPipeline(ctx, deps, venue.NewMock(mockEquity), ai.NewMockAdvisor())
}

// MonitorMode serves the read API, the event stream, health supervision, and
// notifications without executing anything. Alerts posted in this mode are
// rejected.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	broadcaster, err := a.startBroadcaster(ctx, deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	supervisor := a.newSupervisor(deps, broadcaster, nil)
	g.Go(func() error {
		supervisor.Run(ctx)
		return nil
	})

	a.startWatcher(ctx, g, deps.Notifier, broadcaster)

	if a.cfg.Server.Enabled {
		bounds := risk.NewHolder(a.cfg.Risk, a.cfg.Symbols)
		a.startHTTPServer(ctx, g, deps, broadcaster, supervisor, bounds, monitorSubmitter{})
	}

	return g.Wait()
}

// monitorSubmitter rejects every alert; monitor mode never executes.
type monitorSubmitter struct{}

func (monitorSubmitter) Submit(domain.Signal) error {
	return fmt.Errorf("execution disabled in monitor mode")
}

// runPipeline assembles and runs the trading stack shared by live and mock
// mode: broadcaster, decision engine, risk gate, execution gateway,
// orchestrator, health supervision, notifications, archival, and the server.
func (a *App) runPipeline(ctx context.Context, deps *Dependencies, v venue.Venue, advisor ai.Advisor) error {
	g, ctx := errgroup.WithContext(ctx)

	broadcaster, err := a.startBroadcaster(ctx, deps)
	if err != nil {
		return err
	}

	bounds := risk.NewHolder(a.cfg.Risk, a.cfg.Symbols)
	gate := risk.NewGate(bounds, a.logger)

	decider := engine.New(advisor, engine.Config{
		MaxAttempts:   a.cfg.AI.MaxAttempts,
		BackoffBase:   a.cfg.AI.BackoffBase.Duration,
		MinConfidence: a.cfg.AI.MinConfidence,
	}, a.logger)

	gateway := executor.New(v, deps.Positions, deps.Audit, broadcaster, executor.Config{
		MaxAttempts:    a.cfg.Venue.MaxAttempts,
		BackoffBase:    a.cfg.Venue.BackoffBase.Duration,
		ConfirmTimeout: a.cfg.Venue.ConfirmTimeout.Duration,
	}, a.logger)

	orch := pipeline.New(
		deps.Admitter,
		deps.Locks,
		deps.Signals,
		deps.Decisions,
		deps.Positions,
		decider,
		gate,
		bounds,
		gateway,
		v,
		broadcaster,
		pipeline.Config{
			Workers:       a.cfg.Pipeline.Workers,
			QueueSize:     a.cfg.Pipeline.QueueSize,
			CycleDeadline: a.cfg.Pipeline.CycleDeadline.Duration,
			LockTTL:       a.cfg.Pipeline.LockTTL.Duration,
		},
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	supervisor := a.newSupervisor(deps, broadcaster, v)
	g.Go(func() error {
		supervisor.Run(ctx)
		return nil
	})

	a.startWatcher(ctx, g, deps.Notifier, broadcaster)

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.S3.RetentionDays, a.logger)
		g.Go(func() error {
			return archiver.RunEvery(ctx, archiveEvery)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, broadcaster, supervisor, bounds, orch)
	}

	return g.Wait()
}

// startBroadcaster creates the event broadcaster and recovers per-symbol
// sequence counters from the durable stream so numbering continues across
// restarts.
func (a *App) startBroadcaster(ctx context.Context, deps *Dependencies) (*broadcast.Broadcaster, error) {
	b := broadcast.New(deps.SignalBus, a.cfg.Broadcast.SubscriberQueue, a.logger)
	if err := b.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore broadcast sequences: %w", err)
	}
	return b, nil
}

// newSupervisor registers health probes for every wired dependency. v may be
// nil in monitor mode.
func (a *App) newSupervisor(deps *Dependencies, sink health.EventSink, v venue.Venue) *health.Supervisor {
	sup := health.New(health.Config{
		Interval:      a.cfg.Health.Interval.Duration,
		ProbeTimeout:  a.cfg.Health.ProbeTimeout.Duration,
		DegradedAfter: a.cfg.Health.DegradedAfter,
		DownAfter:     a.cfg.Health.DownAfter,
		RestartOnDown: a.cfg.Health.RestartOnDown,
	}, sink, a.logger)

	sup.Register("postgres", deps.Postgres.Ping, nil)
	if deps.Redis != nil {
		sup.Register("redis", deps.Redis.Ping, nil)
	}
	if deps.S3 != nil {
		sup.Register("s3", deps.S3.Health, nil)
	}
	if v != nil {
		sup.Register("venue", v.Ping, nil)
	}
	return sup
}

// startWatcher forwards operator-facing events to the notification channels.
func (a *App) startWatcher(ctx context.Context, g *errgroup.Group, notifier *notify.Notifier, broadcaster *broadcast.Broadcaster) {
	if !notifier.Enabled() {
		return
	}
	sub := broadcaster.Subscribe(nil)
	watcher := notify.NewWatcher(notifier, a.logger)
	g.Go(func() error {
		watcher.Watch(ctx, sub)
		return nil
	})
}

// startHTTPServer adds the HTTP + WebSocket server to the errgroup, shutting
// it down gracefully when the context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	broadcaster *broadcast.Broadcaster,
	supervisor *health.Supervisor,
	bounds *risk.Holder,
	submitter handler.Submitter,
) {
	secrets := make(map[string]string, len(a.cfg.Sources))
	for name, src := range a.cfg.Sources {
		secrets[name] = src.Secret
	}
	normalizer := signal.NewNormalizer(secrets, a.logger)

	handlers := server.Handlers{
		Alerts:    handler.NewAlertHandler(normalizer, deps.Deduper, submitter, a.logger),
		Health:    handler.NewHealthHandler(supervisor),
		Positions: handler.NewPositionHandler(deps.Positions, a.logger),
		Decisions: handler.NewDecisionHandler(deps.Decisions, a.logger),
		Risk:      handler.NewRiskHandler(bounds, deps.Audit, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.startedAt, deps.Positions, supervisor, a.logger),
	}

	hub := ws.NewHub(broadcaster, deps.Positions, deps.Decisions, a.logger)

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		AlertRateLimit:  a.cfg.Server.AlertRateLimit,
		AlertRateWindow: a.cfg.Server.AlertRateWindow.Duration,
		RateLimiter:     deps.RateLimiter,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
