package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"focus-sync/internal/adapter/calendar"
	"focus-sync/internal/adapter/memory"
	msql "focus-sync/internal/adapter/mysql"
	"focus-sync/internal/config"
	"focus-sync/internal/domain"
	"focus-sync/internal/events"
	"focus-sync/internal/lock"
	"focus-sync/internal/migrate"
	"focus-sync/internal/ports"
	"focus-sync/internal/usecase"
)

// App wires adapters and use cases.
type App struct {
	log     *slog.Logger
	cfg     config.Config
	now     ports.Clock
	closeFn func() error
	gateway ports.CalendarGateway

	bus     *events.Bus
	policy  *usecase.PolicySource
	queue   *usecase.Queue
	ctrl    *usecase.Controller
	planner *usecase.Planner
	monitor *usecase.Monitor
	engine  *usecase.Engine
}

// New builds the app from configuration: MySQL when MYSQL_DSN is set
// (migrations are applied first), the in-memory store otherwise.
func New(ctx context.Context, log *slog.Logger, cfg config.Config) (*App, error) {
	if err := cfg.RequireCalendar(); err != nil {
		return nil, err
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	var (
		store   ports.Store
		closeFn func() error
	)
	if cfg.MySQL.DSN != "" {
		if err := migrate.Run(ctx, cfg.MySQL.DSN, log); err != nil {
			return nil, err
		}
		ms, err := msql.NewStore(ctx, cfg.MySQL.DSN, log)
		if err != nil {
			return nil, err
		}
		store, closeFn = ms, ms.Close
	} else {
		log.Warn("MYSQL_DSN not set, using in-memory store")
		store = memory.NewStore()
	}

	gw := calendar.NewClient(calendar.Config{
		BaseURL:      cfg.Calendar.BaseURL,
		Token:        cfg.Calendar.Token,
		RefreshToken: cfg.Calendar.RefreshToken,
		TokenURL:     cfg.Calendar.TokenURL,
		CalendarIDs:  cfg.Calendar.CalendarIDs,
		Timeout:      cfg.Calendar.Timeout,
	}, log)

	a := build(log, cfg, store, gw, policy, time.Now)
	a.closeFn = closeFn
	if err := a.ctrl.Recover(ctx, a.now()); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func build(log *slog.Logger, cfg config.Config, store ports.Store, gw ports.CalendarGateway, policy domain.Policy, clock ports.Clock) *App {
	a := &App{
		log:     log,
		cfg:     cfg,
		now:     clock,
		gateway: gw,
		bus:     events.NewBus(64, log),
		policy:  usecase.NewPolicySource(policy),
	}
	locks := lock.NewKeyed()

	a.queue = usecase.NewQueue(usecase.QueueConfig{
		Log:        log.With(slog.String("component", "queue")),
		Operations: store,
		Sessions:   store,
		Gateway:    gw,
		Locks:      locks,
		Policy:     a.policy,
		Clock:      clock,
	})
	a.ctrl = usecase.NewController(usecase.ControllerConfig{
		Log:    log.With(slog.String("component", "controller")),
		Tasks:  store,
		Store:  store,
		Queue:  a.queue,
		Events: a.bus,
		Locks:  locks,
		Policy: a.policy,
	})
	a.planner = usecase.NewPlanner(log.With(slog.String("component", "planner")), store, a.queue, locks)
	a.monitor = usecase.NewMonitor(usecase.MonitorConfig{
		Log:        log.With(slog.String("component", "monitor")),
		Controller: a.ctrl,
		Sessions:   store,
		Queue:      a.queue,
		Events:     a.bus,
		Policy:     a.policy,
		Location:   cfg.Location(),
		Clock:      clock,
	})
	a.engine = usecase.NewEngine(usecase.EngineConfig{
		Log:     log.With(slog.String("component", "sync")),
		Queue:   a.queue,
		Gateway: gw,
		Store:   store,
		Locks:   locks,
		Policy:  a.policy,
		Clock:   clock,
	})

	a.bus.Subscribe(a.logLifecycle,
		events.SessionStarted,
		events.SessionStopped,
		events.SessionAutoEnded,
		events.SessionReachedPlannedEnd,
	)
	return a
}

func (a *App) logLifecycle(e events.Event) {
	attrs := []any{
		slog.String("event", string(e.Type)),
		slog.String("task", e.Task.Title),
		slog.String("session", e.Session.ID),
	}
	if e.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", string(e.Outcome)))
	}
	if e.Type == events.SessionReachedPlannedEnd {
		a.log.Info("planned end reached, continue or stop", attrs...)
		return
	}
	a.log.Info("session lifecycle", attrs...)
}

// RunOnce performs one sync pass.
func (a *App) RunOnce(ctx context.Context, full bool) (*usecase.Report, error) {
	return a.engine.PerformSync(ctx, full)
}

// SetOnline records connectivity. Regaining it drains the queue.
func (a *App) SetOnline(online bool) {
	a.queue.SetOnline(online)
}

// Foreground is called when the user comes back: it runs a monitor check
// immediately and then syncs.
func (a *App) Foreground(ctx context.Context) (*usecase.Report, error) {
	if err := a.monitor.Tick(ctx, a.now()); err != nil {
		a.log.Error("foreground monitor check failed", slog.String("error", err.Error()))
	}
	return a.engine.PerformSync(ctx, false)
}

// Serve runs the background workers, the periodic sync and, when addr is
// set, the HTTP surface until ctx is done.
func (a *App) Serve(ctx context.Context, addr string, interval time.Duration) error {
	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { a.queue.Run(ctx) })
	run(func() { a.monitor.Run(ctx) })
	if a.cfg.PolicyFile != "" {
		run(func() {
			err := config.WatchPolicy(ctx, a.cfg.PolicyFile, a.log, a.policy.Set)
			if err != nil {
				a.log.Error("policy watcher stopped", slog.String("error", err.Error()))
			}
		})
	}

	var srv *http.Server
	if addr != "" {
		srv = a.HTTPServer(addr)
		run(func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("http server failed", slog.String("error", err.Error()))
			}
		})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	a.log.Info("starting periodic sync", slog.Duration("interval", interval))
	if _, err := a.RunOnce(ctx, false); err != nil {
		a.log.Error("initial sync failed", slog.String("error", err.Error()))
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if _, err := a.RunOnce(ctx, false); err != nil && !errors.Is(err, domain.ErrOffline) {
				a.log.Error("periodic sync failed", slog.String("error", err.Error()))
			}
		}
	}

	a.log.Info("shutting down")
	if srv != nil {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}
	wg.Wait()
	return nil
}

// Close releases the event bus and the store.
func (a *App) Close() error {
	a.bus.Close()
	if a.closeFn != nil {
		return a.closeFn()
	}
	return nil
}
