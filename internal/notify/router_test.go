package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/plugin"
)

type fakeNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	sent []*events.Event
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(ctx context.Context, event *events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, event)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newRouter(routing map[string][]string, fallback []string, notifiers ...*fakeNotifier) *Router {
	reg := plugin.NewRegistry()
	for _, n := range notifiers {
		reg.Register(plugin.SlotNotifier, n.name, n)
	}
	cfg := &config.Config{
		NotificationRouting: routing,
		Defaults:            config.DefaultsConfig{Notifiers: fallback},
	}
	return NewRouter(reg, cfg, logger.Default())
}

func TestRouterRoutesByPriority(t *testing.T) {
	pager := &fakeNotifier{name: "pager"}
	slack := &fakeNotifier{name: "slack"}
	r := newRouter(map[string][]string{
		"urgent": {"pager", "slack"},
		"info":   {"slack"},
	}, nil, pager, slack)

	evt := events.New(events.SessionStuck, "app-1", "app", "stuck", nil)
	r.NotifyHuman(context.Background(), evt)

	assert.Equal(t, 1, pager.count())
	assert.Equal(t, 1, slack.count())
	assert.Equal(t, events.PriorityUrgent, evt.Priority)
}

func TestRouterFallsBackToDefaults(t *testing.T) {
	slack := &fakeNotifier{name: "slack"}
	r := newRouter(map[string][]string{}, []string{"slack"}, slack)

	r.NotifyHuman(context.Background(), events.New(events.PRCreated, "app-1", "app", "pr", nil))

	assert.Equal(t, 1, slack.count())
}

func TestRouterSwallowsDeliveryErrors(t *testing.T) {
	broken := &fakeNotifier{name: "broken", err: errors.New("webhook down")}
	slack := &fakeNotifier{name: "slack"}
	r := newRouter(map[string][]string{
		"warning": {"broken", "slack"},
	}, nil, broken, slack)

	r.NotifyHuman(context.Background(), events.New(events.CIFailing, "app-1", "app", "ci failed", nil))

	assert.Equal(t, 1, broken.count())
	assert.Equal(t, 1, slack.count())
}

func TestRouterMissingNotifierIsSkipped(t *testing.T) {
	slack := &fakeNotifier{name: "slack"}
	r := newRouter(map[string][]string{
		"action": {"ghost", "slack"},
	}, nil, slack)

	r.NotifyHuman(context.Background(), events.New(events.ReviewApproved, "app-1", "app", "approved", nil))

	assert.Equal(t, 1, slack.count())
}
