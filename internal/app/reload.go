package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"airwave/internal/config"
	"airwave/internal/eventbus"
	"airwave/internal/notifier"
	logx "airwave/pkg/logx"
)

// reloadLoop applies committed config revisions until ctx is done.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			// Coalesce bursts: only the newest revision matters.
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
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	p, stErrs, err := buildPlan(next, a.baseDir)
	if err != nil {
		// The validator already accepted this revision; only a file that
		// changed between validation and apply gets here.
		a.log.Warn("config apply failed; keeping previous", logx.Err(err))
		return
	}
	for _, e := range stErrs {
		a.log.Error("station configuration rejected", logx.Err(e))
	}

	a.sd.Reloading()
	defer a.sd.Ready()

	if changed["logging"] || changed["telegram"] {
		a.logs.SetChatTarget(logTarget(next))
		a.logs.Apply(mapLogConfig(next))
	}

	if changed["telegram"] {
		if a.ctrl != nil {
			a.ctrl.SetOwners(next.Telegram.OwnerUserIDs)
			a.ctrl.SetEnabled(next.Telegram.Control)
		}
		a.sink.SetChat(notifyTarget(next))
		if prev != nil && (prev.Telegram.Token != next.Telegram.Token || prev.Telegram.APIURL != next.Telegram.APIURL) {
			a.log.Warn("telegram token or api_url changed; restart required for changes to take effect")
		}
	}

	if changed["notifier"] {
		a.applyNotifier(c, p.notifier)
	}

	if changed["http"] {
		a.api.Reconfigure(c, p.http)
	}

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && prev.Pacer != next.Pacer {
		a.log.Warn("pacer config changed; restart required for changes to take effect")
	}
	if changed["systemd"] {
		a.log.Warn("systemd config changed; restart required for changes to take effect")
	}

	if changed["stations"] || changed["supervisor"] {
		a.stations.Apply(p.stations, p.settings)
		a.stationsN = len(p.stations)
		a.sd.Status(fmt.Sprintf("%d stations configured", len(p.stations)))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) applyNotifier(c context.Context, ncfg notifier.Config) {
	if a.adapter == nil {
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}
