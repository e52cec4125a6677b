package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"roomwatch/internal/config"
	"roomwatch/internal/notify"
	"roomwatch/internal/poller"
	"roomwatch/internal/status"
	"roomwatch/internal/storage"
	"roomwatch/internal/subs"
	"roomwatch/internal/transport"
	"roomwatch/internal/transport/telegram"
	"roomwatch/pkg/logx"
)

// App owns the full component graph and its lifecycle.
//
// Start order: storage (+migration) → repository/cache/client → dispatcher
// → adapter → router → cron triggers → config watch. Stop runs the same
// order backwards so nothing sends through a closed collaborator.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st      storage.Store
	repo    *subs.Repository
	cache   *status.Cache
	disp    *notify.Dispatcher
	runner  *poller.Runner
	sweeper *poller.Sweeper
	adapter *telegram.Adapter
	router  *telegram.Router

	cron    *cron.Cron
	updates chan transport.Update

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(validate)
	if err := validate(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	repo := subs.New(st, log.With(logx.String("comp", "subs")))
	cache := status.NewCache(status.DefaultCacheTTL)
	repo.OnRoomRemoved(cache.Invalidate)

	srcTimeout, _ := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	gate := status.NewGate()
	client := status.NewClient(status.ClientConfig{
		BaseURL: cfg.Source.BaseURL,
		Timeout: srcTimeout,
	}, gate, log.With(logx.String("comp", "status")))

	pollTimeout, _ := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	dedup := notify.NewDeduplicator(st, log.With(logx.String("comp", "dedup")))
	disp := notify.NewDispatcher(adapter, dedup, cfg.Notifier.RatePerSec, log.With(logx.String("comp", "notify")))
	disp.OnPermanentFailure(repo.PurgeSubscriber)

	runnerCfg, err := pollerConfig(cfg.Poller)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	runner := poller.NewRunner(runnerCfg, st, repo, cache, client, disp, log.With(logx.String("comp", "poller")))
	sweeper := poller.NewSweeper(st, log.With(logx.String("comp", "sweeper")), telegram.ConvPrefix)

	router := telegram.NewRouter(adapter, repo, cache, disp, st, log.With(logx.String("comp", "router")))

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		st:      st,
		repo:    repo,
		cache:   cache,
		disp:    disp,
		runner:  runner,
		sweeper: sweeper,
		adapter: adapter,
		router:  router,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	if err := status.Migrate(runCtx, a.st, a.log); err != nil {
		cancel()
		return fmt.Errorf("status migration: %w", err)
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.router.Run(runCtx, a.updates)
	}()

	cfg := a.cfgMgr.Get()
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	a.cron = cron.New(cron.WithParser(parser))

	pollSpec := specOrDefault(cfg.Poller.PollSpec, "@every 1m")
	if _, err := a.cron.AddFunc(pollSpec, func() {
		if err := a.runner.RunCycle(runCtx); err != nil {
			a.log.Error("poll cycle failed", logx.Err(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("poll trigger %q: %w", pollSpec, err)
	}

	sweepSpec := specOrDefault(cfg.Poller.SweepSpec, "@every 6h")
	if _, err := a.cron.AddFunc(sweepSpec, func() {
		if err := a.sweeper.Run(runCtx); err != nil {
			a.log.Warn("sweep failed", logx.Err(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("sweep trigger %q: %w", sweepSpec, err)
	}
	a.cron.Start()

	// Config hot reload: watch the file, apply what can change at runtime.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	reloads := a.cfgMgr.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case next := <-reloads:
				if next == nil {
					continue
				}
				a.applyReload(next)
			}
		}
	}()

	a.log.Info("started", logx.String("poll", pollSpec), logx.String("sweep", sweepSpec))
	return nil
}

// applyReload hot-applies the reloadable subset: log level/sinks and the
// outbound send rate. Everything else (token, storage, base URL) needs a
// restart and is deliberately left alone.
func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.disp.SetRate(cfg.Notifier.RatePerSec)
	a.log.Info("runtime config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		stopCtx := a.cron.Stop() // waits for running jobs
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.runCancel != nil {
		a.runCancel()
	}
	_ = a.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := a.st.Close()
	_ = a.logSvc.Close()
	return err
}

func validate(cfg *config.Config) error {
	if cfg.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"source.timeout", cfg.Source.Timeout},
		{"poller.stagger", cfg.Poller.Stagger},
		{"poller.batch_pause", cfg.Poller.BatchPause},
		{"poller.grace_period", cfg.Poller.GracePeriod},
		{"poller.lease_ttl", cfg.Poller.LeaseTTL},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func pollerConfig(pc config.PollerConfig) (poller.Config, error) {
	stagger, err := config.ParseDurationField("poller.stagger", pc.Stagger)
	if err != nil {
		return poller.Config{}, err
	}
	pause, err := config.ParseDurationField("poller.batch_pause", pc.BatchPause)
	if err != nil {
		return poller.Config{}, err
	}
	grace, err := config.ParseDurationField("poller.grace_period", pc.GracePeriod)
	if err != nil {
		return poller.Config{}, err
	}
	lease, err := config.ParseDurationField("poller.lease_ttl", pc.LeaseTTL)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		BatchSize:     pc.BatchSize,
		Stagger:       stagger,
		BatchPause:    pause,
		ErrorBudget:   pc.ErrorBudget,
		FanoutFailCap: pc.FanoutFailCap,
		GracePeriod:   grace,
		LeaseTTL:      lease,
	}, nil
}

func specOrDefault(spec, def string) string {
	if spec == "" {
		return def
	}
	return spec
}
