package app

import (
	"context"
	"strings"

	"github.com/trishtzy/weatherbot/internal/config"
	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

// reloadLoop applies committed config updates to running components until
// ctx is done. Bursts are coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that only take effect after restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.notif.Apply(mapNotifierConfig(next))
	a.delivery.Apply(mapDeliveryConfig(next))
	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Data: sections})
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config applied", fields...)
	}
}
