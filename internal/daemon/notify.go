package daemon

import (
	"context"

	"clawd/internal/logging"
	"clawd/internal/notifications"
)

// notify publishes an alert without blocking the caller. Stop waits for
// in-flight publishes, each bounded by the notifier's request timeout.
func (d *Daemon) notify(event notifications.Event, payload notifications.Payload) {
	d.notifyWG.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Notifications.RequestTimeout())
		defer cancel()
		if err := d.notifier.Publish(ctx, event, payload); err != nil {
			logging.WarnWithContext(d.logger, "notification not delivered", "notification_failed",
				logging.String("notification", string(event)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
				logging.String(logging.FieldImpact, "operator alert missed"),
			)
		}
	})
}

// notifyForcedReclaim alerts once per forced reclamation the lifecycle
// manager has performed since the previous memory check.
func (d *Daemon) notifyForcedReclaim(forced uint64, systemPercent float64) {
	prev := d.forcedReclaims.Swap(forced)
	if forced <= prev {
		return
	}
	d.notify(notifications.EventMemoryPressure, notifications.Payload{
		"system_percent": systemPercent,
	})
}
