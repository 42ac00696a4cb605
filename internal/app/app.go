package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"genbot/internal/bot"
	"genbot/internal/broadcast"
	"genbot/internal/config"
	"genbot/internal/eventbus"
	"genbot/internal/generation"
	"genbot/internal/httpserver"
	"genbot/internal/metrics"
	"genbot/internal/payments"
	"genbot/internal/runtime/supervisor"
	"genbot/internal/scheduler"
	"genbot/internal/session"
	"genbot/internal/storage"
	kit "genbot/internal/transport"
	telegram "genbot/internal/transport/telegram/adapter"
	"genbot/pkg/logx"
	"genbot/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	rdb      redis.UniversalClient
	queue    broadcast.Queue
	sessions session.Store

	adapter *telegram.Adapter
	metrics *metrics.Metrics

	gen        *generation.Orchestrator
	worker     *broadcast.Worker
	broadcasts *broadcast.Service
	payments   *payments.Service
	bot        *bot.Bot
	http       *httpserver.Service
	sched      *scheduler.Service

	updates chan kit.Update
}

// New opens every backend named by the config at cfgPath. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, config.WithValidator(validate))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// The chat sink warns when enabled without a target, so set the target first.
	bootCfg := mapLogConfig(cfg)
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(logTarget(cfg))
	logSvc.Apply(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		metrics: metrics.New(),
		updates: make(chan kit.Update, 256),
	}
	if err := a.open(ctx, cfg); err != nil {
		_ = a.closeBackends()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, cfg *Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.rdb = openRedis(cfg)
	if a.rdb != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	qc, err := mapQueueConfig(cfg, a.rdb)
	if err != nil {
		return err
	}
	if a.queue, err = broadcast.OpenQueue(qc, a.log.With(logx.String("comp", "queue"))); err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	ssc, err := mapSessionConfig(cfg, a.rdb)
	if err != nil {
		return err
	}
	if a.sessions, err = session.Open(ssc); err != nil {
		return fmt.Errorf("open sessions: %w", err)
	}

	bs, err := mapBroadcastSettings(cfg)
	if err != nil {
		return err
	}
	a.worker = broadcast.NewWorker(a.store, a.adapter, a.bus, a.log, bs)
	a.broadcasts = broadcast.NewService(a.store, a.queue, a.worker, a.log)

	ps, err := mapPaymentSettings(cfg)
	if err != nil {
		return err
	}
	a.payments = payments.New(a.store, a.adapter, a.bus, a.log, ps)

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpserver.New(hc, httpserver.Deps{
		Payments: a.payments.Routes(),
		Metrics:  a.metrics.Handler(),
		Ready:    a.ready,
	}, a.log)

	a.sched = scheduler.New(cfg.Maintenance.Timezone, a.log)
	return a.scheduleMaintenance(cfg)
}

func (a *App) ready(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) scheduleMaintenance(cfg *Config) error {
	m := cfg.Maintenance
	if err := a.sched.Add("queue.reclaim", specOrDefault(m.QueueReclaim, defaultQueueReclaim), 30*time.Second, func(ctx context.Context) error {
		n, err := a.broadcasts.Reclaim(ctx)
		if n > 0 {
			a.log.Info("expired broadcast leases reclaimed", logx.Int("count", n))
		}
		return err
	}); err != nil {
		return fmt.Errorf("maintenance.queue_reclaim: %w", err)
	}
	if err := a.sched.Add("session.sweep", specOrDefault(m.SessionSweep, defaultSessionSweep), 10*time.Second, func(ctx context.Context) error {
		if n := a.sessions.Sweep(ctx); n > 0 {
			a.log.Debug("expired sessions swept", logx.Int("count", n))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("maintenance.session_sweep: %w", err)
	}
	if err := a.sched.Add("broadcast.recover", specOrDefault(m.BroadcastRecover, defaultBroadcastRecover), 30*time.Second, func(ctx context.Context) error {
		n, err := a.broadcasts.Recover(ctx)
		if n > 0 {
			a.log.Warn("re-enqueued broadcasts without a live ticket", logx.Int("count", n))
		}
		return err
	}); err != nil {
		return fmt.Errorf("maintenance.broadcast_recover: %w", err)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.gen = generation.New(generation.Deps{
		Ledger:     a.store,
		Artifacts:  a.store,
		Sink:       a.adapter,
		Bus:        a.bus,
		Log:        a.log,
		Supervisor: a.sup,
	})
	sets, err := mapProviders(cfg)
	if err != nil {
		return err
	}
	syncProviders(a.gen, sets, a.log.With(logx.String("comp", "generation")))
	if len(a.gen.Kinds()) == 0 {
		a.log.Warn("no generation provider enabled")
	}

	bset, err := mapBotSettings(cfg)
	if err != nil {
		return err
	}
	a.bot = bot.New(bot.Deps{
		Store:      a.store,
		Generator:  a.gen,
		Broadcasts: a.broadcasts,
		Payments:   a.payments,
		Sessions:   a.sessions,
		Sink:       a.adapter,
		Callbacks:  a.adapter,
		Log:        a.log,
	}, bset)

	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.commands", func(c context.Context) {
		sctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.SetCommands(sctx, a.bot.Menu()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	// Re-enqueue broadcasts interrupted by the last shutdown before the consumer starts.
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	n, err := a.broadcasts.Recover(rctx)
	cancel()
	if err != nil {
		a.log.Warn("broadcast recovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("broadcasts recovered", logx.Int("count", n))
	}
	a.broadcasts.Start(a.sup)

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})

	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("kinds", len(a.gen.Kinds())),
		logx.Bool("http", cfg.HTTP.Enabled),
		logx.String("queue", strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the poller, the consumer and generation jobs start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	// Generation jobs settle refunds on a detached context; the broadcast
	// worker writes its final checkpoint the same way.
	step("supervisor", 8*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("backends", 2*time.Second, func(context.Context) error { return a.closeBackends() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeBackends() error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue: %w", err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
