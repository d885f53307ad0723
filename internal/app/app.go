// Package app wires the daemon together: config, logging, storage, the
// notifier, the station supervisor and the operator surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"airwave/internal/config"
	"airwave/internal/control"
	"airwave/internal/eventbus"
	"airwave/internal/httpapi"
	"airwave/internal/metrics"
	"airwave/internal/notifier"
	"airwave/internal/pacer"
	rtsup "airwave/internal/runtime/supervisor"
	"airwave/internal/station"
	"airwave/internal/stations"
	"airwave/internal/storage"
	kit "airwave/internal/transport"
	"airwave/internal/transport/telegram"
	logx "airwave/pkg/logx"
	"airwave/pkg/systemd"
)

type App struct {
	cfgm    *config.ConfigManager
	baseDir string

	sup     *rtsup.Supervisor
	workers *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter is nil when no Telegram token is configured.
	adapter kit.Adapter

	notif    *notifier.Service
	metrics  *metrics.Collector
	pacer    *pacer.Pacer
	sink     *effectSink
	factory  *stations.WorkerFactory
	stations *stations.Supervisor
	api      *httpapi.Service
	ctrl     *control.Dispatcher
	sd       *systemd.Notifier

	httpCfg   httpapi.Config
	stationsN int
	updates   chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	baseDir := cfgm.Dir()

	var ad kit.Adapter
	var tg *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err = telegram.New(tcfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// Start with the chat sink off, set its target, then apply the final
	// config so enabling it does not warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(logTarget(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	p, stErrs, err := buildPlan(cfg, baseDir)
	if err != nil {
		return nil, err
	}
	for _, e := range stErrs {
		log.Error("station configuration rejected", logx.Err(e))
	}
	if len(stErrs) > 0 && !cfg.IgnoreErrors.Bool() {
		return nil, errors.Join(stErrs...)
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg, baseDir); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	m := metrics.New()

	if ad == nil {
		p.notifier.Enabled = false
	}
	notif := notifier.New(p.notifier, ad, root.With(logx.String("comp", "notifier")), bus, store)
	notif.SetObserver(m)

	pc := pacer.New(pacer.WithRate(cfg.Pacer.RatePerSec, cfg.Pacer.Burst))

	sink := newEffectSink(root.With(logx.String("comp", "effects")), bus, store, notif)
	sink.SetChat(notifyTarget(cfg))

	factory := &stations.WorkerFactory{
		Deps: station.Deps{
			Pacer:    pc,
			Channels: station.IcecastFactory,
			Sink:     sink,
			Observer: m,
			Log:      root.With(logx.String("comp", "station")),
		},
		Log: root.With(logx.String("comp", "workers")),
	}
	sup := stations.New(root.With(logx.String("comp", "stations")), factory, stationObserver{sink: sink, metrics: m, bus: bus}, p.stations, p.settings)

	api := httpapi.New(p.http, httpapi.Deps{
		Stations:      sup,
		History:       store,
		Announcements: notif,
		Bus:           bus,
		Metrics:       m.Handler(),
		Started:       time.Now(),
	}, root)

	var ctrl *control.Dispatcher
	if ad != nil {
		ctrl = control.New(root.With(logx.String("comp", "control")), ad, sup, cfg.Telegram.OwnerUserIDs)
		ctrl.SetEnabled(cfg.Telegram.Control)
	}

	return &App{
		cfgm:      cfgm,
		baseDir:   baseDir,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		notif:     notif,
		metrics:   m,
		pacer:     pc,
		sink:      sink,
		factory:   factory,
		stations:  sup,
		api:       api,
		ctrl:      ctrl,
		sd:        systemd.New(cfg.Systemd.Notify, root),
		httpCfg:   p.http,
		stationsN: len(p.stations),
		updates:   make(chan kit.Update, 256),
	}, nil
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

// validate is the config manager's reload hook. A reload is committed only
// when every section parses and, unless ignore_errors is set, every
// station resolves.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	_, stErrs, err := buildPlan(cfg, a.baseDir)
	if err != nil {
		return err
	}
	if len(stErrs) > 0 && !cfg.IgnoreErrors.Bool() {
		return errors.Join(stErrs...)
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// Station workers die and get restarted by the station supervisor; a
	// worker error must not cancel the app.
	a.workers = rtsup.NewSupervisor(a.sup.Context(),
		rtsup.WithLogger(a.log.With(logx.String("comp", "workers"))),
		rtsup.WithCancelOnError(false),
	)
	a.factory.Runner = a.workers

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	a.sup.Go("pacer", a.pacer.Run)
	a.sup.Go("stations", a.stations.Run)
	a.api.Reconfigure(a.sup.Context(), a.httpCfg)

	if a.ctrl != nil {
		a.sup.Go("control.dispatch", func(c context.Context) error {
			return a.ctrl.DispatchLoop(c, a.updates)
		})
		a.sup.Go0("control.menu", func(c context.Context) {
			if err := a.ctrl.PublishMenu(c); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	// Debug-level event trace; components subscribe for themselves.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.String("station", e.Station))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) { _ = a.sd.RunWatchdog(c) })
	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d stations configured", a.stationsN))

	a.log.Info("app started", logx.Int("stations", a.stationsN), logx.Bool("telegram", a.adapter != nil))
	return nil
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sd.Stopping()

	// Cancel the run context first so every loop starts unwinding.
	a.sup.Cancel()

	a.step(ctx, "http", time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "workers", 4*time.Second, func(c context.Context) error { return a.workers.Wait(c) })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	// Config watch/reload, dispatcher, pacer and the station supervisor.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline, so
// one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Bool("failed", err != nil))
		}()
	}
}
