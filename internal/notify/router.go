// Package notify fans orchestrator events out to human-facing notifier
// plugins, selecting channels by event priority.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/plugin"
)

// Router resolves the notifier list for an event's priority and delivers the
// event to each. Delivery failures are logged and swallowed: a broken webhook
// must never stall the poll loop.
type Router struct {
	registry *plugin.Registry
	routing  map[string][]string
	fallback []string
	logger   *logger.Logger
}

// NewRouter builds a router from the notification routing table.
func NewRouter(registry *plugin.Registry, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		registry: registry,
		routing:  cfg.NotificationRouting,
		fallback: cfg.Defaults.Notifiers,
		logger:   log,
	}
}

// NotifyHuman delivers the event to every notifier routed for its priority.
// Events without a valid priority get one inferred from their type first.
func (r *Router) NotifyHuman(ctx context.Context, event *events.Event) {
	if !event.Priority.Valid() {
		event.Priority = events.InferPriority(event.Type)
	}

	names := r.routing[string(event.Priority)]
	if len(names) == 0 {
		names = r.fallback
	}
	if len(names) == 0 {
		r.logger.Debug("No notifier routed for event",
			zap.String("event_type", event.Type),
			zap.String("priority", string(event.Priority)))
		return
	}

	for _, name := range names {
		notifier, err := r.registry.Notifier(name)
		if err != nil {
			r.logger.Warn("Notifier not registered",
				zap.String("notifier", name),
				zap.Error(err))
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			r.logger.Error("Notifier delivery failed",
				zap.String("notifier", name),
				zap.String("event_type", event.Type),
				zap.String("session_id", event.SessionID),
				zap.Error(err))
		}
	}
}
