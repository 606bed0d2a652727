package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/BruceKZ/cfreminder-bot/internal/config"
	"github.com/BruceKZ/cfreminder-bot/internal/contest"
	"github.com/BruceKZ/cfreminder-bot/internal/countdown"
	"github.com/BruceKZ/cfreminder-bot/internal/dispatch"
	"github.com/BruceKZ/cfreminder-bot/internal/eventbus"
	"github.com/BruceKZ/cfreminder-bot/internal/observability/ops"
	rtsup "github.com/BruceKZ/cfreminder-bot/internal/runtime/supervisor"
	"github.com/BruceKZ/cfreminder-bot/internal/storage"
	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
	telegram "github.com/BruceKZ/cfreminder-bot/internal/transport/telegram/adapter"
	"github.com/BruceKZ/cfreminder-bot/internal/transport/telegram/router"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  kit.Adapter
	composer *contest.Composer
	disp     *dispatch.Dispatcher

	cmdm     *router.CommandManager
	handlers *router.Handlers
	menu     []kit.BotCommand
	sups     *router.SupervisorRegistry
	ops      *ops.Server

	updates chan kit.Update
}

type options struct {
	adapter kit.Adapter
}

type Option func(*options)

// WithAdapter replaces the Telegram connection, e.g. with a fake in tests.
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	durs, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	ad := o.adapter
	if ad == nil {
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout(durs),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		ad = tg
	}

	sc := mapStorageConfig(cfg, durs)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	loc, err := countdown.LoadLocation(cfg.Contest.Timezone)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	client := contest.NewClient(mapContestConfig(cfg, durs), log.With(logx.String("comp", "contest")))
	composer := contest.NewComposer(client, loc, cfg.Contest.LinkBase)

	bus := eventbus.New()

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	disp := dispatch.New(dcfg, composer, store, ad, log.With(logx.String("comp", "dispatch")), dispatch.WithBus(bus))

	var username string
	if u, ok := ad.(interface{ Username() string }); ok {
		username = u.Username()
	}
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs,
		router.WithObserver(router.NewDirectory(store, bus, log.With(logx.String("comp", "directory")))),
		router.WithBotUsername(username),
	)
	sups := router.NewSupervisorRegistry()
	handlers := &router.Handlers{
		Composer:    composer,
		Recipients:  store,
		Communities: store,
		Dispatch:    disp,
		Supervisors: sups,
		Bus:         bus,
		ChannelName: func() string { return disp.Config().ChannelName },
		Location:    composer.Location,

		FetchTimeout: durs.ContestTimeout,
	}
	menu := cmdm.SetRegistry(handlers.Commands())

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		composer: composer,
		disp:     disp,
		cmdm:     cmdm,
		handlers: handlers,
		menu:     menu,
		sups:     sups,
		updates:  make(chan kit.Update, 256),
	}
	a.ops = ops.New(cfg.OpsSettings(), a.status, log.With(logx.String("comp", "ops")))
	return a, nil
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.handlers.StartedAt = time.Now()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	sup := a.sup
	a.sups.Set("app", router.FromSupervisor(func() *rtsup.Supervisor { return sup }))
	if sp, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		a.sups.Set("telegram.adapter", router.FromSupervisor(sp.Supervisor))
	}
	a.sups.Set("commands", router.FromSupervisor(a.cmdm.Supervisor))
	a.sups.Set("ops", router.FromSupervisor(a.ops.Supervisor))
	a.ops.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.menu); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	if dc := a.disp.Config(); dc.Enabled && dc.RunOnStart {
		a.sup.Go0("dispatch.startup", func(c context.Context) {
			a.disp.RunCycle(c, dispatch.TriggerStartup)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log.With(logx.String("comp", "systemd")))
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started", logx.Int("commands", len(a.menu)))
	return nil
}

// applyConfig pushes a validated reload into the live components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if loc, err := countdown.LoadLocation(newCfg.Contest.Timezone); err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
	} else {
		a.composer.SetLocation(loc)
	}
	a.composer.SetLinkBase(newCfg.Contest.LinkBase)
	a.ops.Reconfigure(a.sup.Context(), newCfg.OpsSettings())

	dc, err := mapDispatchConfig(newCfg)
	if err == nil {
		err = a.disp.Apply(dc)
	}
	if err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("ops", 3*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Wait for supervised goroutines (command workers, startup cycle, config
	// loops) before closing the store they use.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn with an upper bound so one component can't stall the
// whole stop. It never extends the caller's deadline.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return err
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it does not, report when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
		return stepCtx.Err()
	}
}
