package app

import (
	"context"
	"slices"
	"strings"

	"genbot/internal/eventbus"
	"genbot/pkg/logx"
)

// restartSections cannot be applied live.
var restartSections = []string{"storage", "queue", "session"}

func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running
// services. newCfg has already passed validate.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs, providers := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	// update log target first (so Apply() doesn't warn when the chat sink is enabled)
	a.logs.SetChatTarget(logTarget(newCfg))
	a.logs.Apply(mapLogConfig(newCfg))

	if bs, err := mapBroadcastSettings(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(bs)
	}
	if ps, err := mapPaymentSettings(newCfg); err != nil {
		a.log.Warn("invalid payments config; keeping previous", logx.Err(err))
	} else {
		a.payments.Apply(ps)
	}
	if bset, err := mapBotSettings(newCfg); err != nil {
		a.log.Warn("invalid bot settings; keeping previous", logx.Err(err))
	} else {
		a.bot.Apply(bset)
	}
	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	if len(providers) > 0 {
		if sets, err := mapProviders(newCfg); err != nil {
			a.log.Warn("invalid generation config; keeping previous", logx.Err(err))
		} else {
			syncProviders(a.gen, sets, a.log.With(logx.String("comp", "generation")))
		}
	}

	if slices.Contains(sections, "maintenance") {
		a.sched.SetTimezone(newCfg.Maintenance.Timezone)
		if err := a.scheduleMaintenance(newCfg); err != nil {
			a.log.Warn("maintenance schedule update failed", logx.Err(err))
		}
	}

	eventbus.Emit(a.bus, eventbus.TypeConfigReloaded, eventbus.ConfigReloaded{Sections: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
