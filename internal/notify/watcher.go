package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/perpbot/internal/broadcast"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Watcher consumes the broadcast stream and turns trading events into
// operator notifications.
type Watcher struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher delivering through the given Notifier.
func NewWatcher(notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// Watch reads events from the subscription until the context is cancelled or
// the subscription is dropped. Notification failures are logged, never fatal.
func (w *Watcher) Watch(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					w.logger.Warn("notification subscription dropped", "error", err)
				}
				return
			}
			event, title, message := render(ev)
			if event == "" {
				continue
			}
			if err := w.notifier.Notify(ctx, event, title, message); err != nil {
				w.logger.Error("notification delivery failed",
					"event", event, "error", err)
			}
		}
	}
}

// render maps a broadcast event to a notification. An empty event name means
// the event is not operator-facing.
func render(ev domain.Event) (event, title, message string) {
	switch ev.Type {
	case domain.EventPositionOpen:
		if ev.Position == nil {
			return "", "", ""
		}
		p := ev.Position
		return "position_open",
			fmt.Sprintf("Opened %s %s", p.Side, p.Symbol),
			fmt.Sprintf("size %.2f at %.4f, leverage %.0fx, stop %.4f",
				p.Size, p.EntryPrice, p.Leverage, p.StopLossPrice)

	case domain.EventPositionClosed:
		if ev.Position == nil {
			return "", "", ""
		}
		p := ev.Position
		exit := 0.0
		if p.ExitPrice != nil {
			exit = *p.ExitPrice
		}
		return "position_closed",
			fmt.Sprintf("Closed %s %s", p.Side, p.Symbol),
			fmt.Sprintf("entry %.4f, exit %.4f", p.EntryPrice, exit)

	case domain.EventPositionFailed:
		return "venue_rejected",
			fmt.Sprintf("Order failed for %s", ev.Symbol),
			ev.Reason

	case domain.EventComponentDown:
		return "component_down",
			"Component down",
			ev.Reason
	}
	return "", "", ""
}
