// Package engine implements the lifecycle engine: the poll loop that
// classifies every supervised session, routes status transitions to events
// and reactions, and drives the merge, completion, pickup, and adoption
// automations.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/common/tracing"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/events/bus"
	"github.com/kestrelhq/kestrel/internal/notify"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

// EventSink records emitted events for later querying. The sqlite history
// store implements it; a nil sink disables recording.
type EventSink interface {
	Record(ctx context.Context, event *events.Event) error
}

type trackerKey struct {
	sessionID   string
	reactionKey string
}

type reactionTracker struct {
	attempts       int
	firstTriggered time.Time
}

// Options wires the engine's collaborators.
type Options struct {
	Config   *config.Config
	Registry *plugin.Registry
	Manager  session.Manager
	Metadata *session.Store
	Notifier *notify.Router
	Bus      bus.EventBus
	History  EventSink
	Logger   *logger.Logger
	Clock    Clock
}

// Engine is the lifecycle engine. All in-memory state is private and
// rebuilt from observation; restarts lose nothing durable.
type Engine struct {
	cfg      *config.Config
	registry *plugin.Registry
	manager  session.Manager
	meta     *session.Store
	notifier *notify.Router
	bus      bus.EventBus
	history  EventSink
	logger   *logger.Logger
	clock    Clock

	mu                      sync.Mutex
	states                  map[string]session.Status
	reactionTrackers        map[trackerKey]*reactionTracker
	mergeRetryCooldownUntil map[string]time.Time
	queuePickupLastRunAt    map[string]time.Time
	lastCommentTimestamps   map[string]time.Time
	allCompleteEmitted      bool
	prScanCounter           int

	polling atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds an engine. Clock defaults to wall time, Logger to the process default.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Engine{
		cfg:                     opts.Config,
		registry:                opts.Registry,
		manager:                 opts.Manager,
		meta:                    opts.Metadata,
		notifier:                opts.Notifier,
		bus:                     opts.Bus,
		history:                 opts.History,
		logger:                  opts.Logger,
		clock:                   opts.Clock,
		states:                  make(map[string]session.Status),
		reactionTrackers:        make(map[trackerKey]*reactionTracker),
		mergeRetryCooldownUntil: make(map[string]time.Time),
		queuePickupLastRunAt:    make(map[string]time.Time),
		lastCommentTimestamps:   make(map[string]time.Time),
	}
}

// Start runs the poll loop until Stop or ctx cancellation. One cycle fires
// immediately, then every configured interval.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Interval())
		defer ticker.Stop()

		e.PollAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.PollAll(ctx)
			}
		}
	}()

	e.logger.Info("Lifecycle engine started",
		zap.Duration("interval", e.cfg.Interval()),
		zap.Int("pr_scan_every", e.cfg.PRScanEvery))
}

// Stop cancels the loop and waits for any in-flight cycle to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
	e.logger.Info("Lifecycle engine stopped")
}

// PollAll runs one full cycle. Re-entrant calls while a cycle is in flight
// are dropped silently.
func (e *Engine) PollAll(ctx context.Context) {
	if !e.polling.CompareAndSwap(false, true) {
		return
	}
	defer e.polling.Store(false)

	ctx, span := tracing.Tracer("engine").Start(ctx, "poll_cycle")
	defer span.End()

	sessions, err := e.manager.List(ctx, "")
	if err != nil {
		e.logger.Error("Session listing failed", zap.Error(err))
		return
	}
	e.pruneState(sessions)

	scanCycle := false
	e.mu.Lock()
	e.prScanCounter++
	if e.cfg.PRScanEvery > 0 && e.prScanCounter%e.cfg.PRScanEvery == 0 {
		scanCycle = true
	}
	e.mu.Unlock()

	// Adoption before pickup, pickup before the fanout.
	if scanCycle {
		e.adoptExternalPRs(ctx, sessions)
	}
	e.runQueuePickup(ctx, sessions)

	sessions, err = e.manager.List(ctx, "")
	if err != nil {
		e.logger.Error("Session listing failed", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			if err := e.checkSession(gctx, sess); err != nil {
				e.logger.Error("Session check failed",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	e.maybeEmitAllComplete(ctx, sessions)
}

// Check force-polls a single session, bypassing the re-entrancy guard.
func (e *Engine) Check(ctx context.Context, sessionID string) error {
	sess, err := e.manager.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return e.checkSession(ctx, sess)
}

// States returns a snapshot of the tracked session statuses.
func (e *Engine) States() map[string]session.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]session.Status, len(e.states))
	for id, st := range e.states {
		out[id] = st
	}
	return out
}

// checkSession runs classifier, transition router, and comment watcher for
// one session, strictly in that order.
func (e *Engine) checkSession(ctx context.Context, sess *session.Session) error {
	old := e.currentStatus(sess)
	if old.IsTerminal() {
		e.setStatus(sess.ID, old)
		return nil
	}

	newStatus := e.classify(ctx, sess, old)
	e.setStatus(sess.ID, newStatus)

	if newStatus != old {
		e.handleTransition(ctx, sess, old, newStatus)
	}

	e.watchComments(ctx, sess)
	return nil
}

// currentStatus prefers the in-memory state over the persisted snapshot,
// falling back to the sidecar for sessions seen for the first time.
func (e *Engine) currentStatus(sess *session.Session) session.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[sess.ID]; ok {
		return st
	}
	if sess.Status.Valid() {
		return sess.Status
	}
	return session.StatusSpawning
}

func (e *Engine) setStatus(id string, st session.Status) {
	e.mu.Lock()
	e.states[id] = st
	e.mu.Unlock()
}

// pruneState drops engine state for sessions no longer listed.
func (e *Engine) pruneState(sessions []*session.Session) {
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.states {
		if !live[id] {
			delete(e.states, id)
			delete(e.mergeRetryCooldownUntil, id)
			delete(e.lastCommentTimestamps, id)
		}
	}
	for key := range e.reactionTrackers {
		if !live[key.sessionID] {
			delete(e.reactionTrackers, key)
		}
	}
}

// maybeEmitAllComplete emits one summary event when every session has
// reached a terminal status, and re-arms once any session leaves it.
func (e *Engine) maybeEmitAllComplete(ctx context.Context, sessions []*session.Session) {
	if len(sessions) == 0 {
		return
	}
	for _, s := range sessions {
		e.mu.Lock()
		st := e.states[s.ID]
		e.mu.Unlock()
		if !st.IsTerminal() {
			return
		}
	}

	e.mu.Lock()
	already := e.allCompleteEmitted
	e.allCompleteEmitted = true
	e.mu.Unlock()
	if already {
		return
	}

	evt := events.New(events.SummaryAllComplete, "", "",
		fmt.Sprintf("All %d sessions reached a terminal state", len(sessions)),
		map[string]any{"sessions": len(sessions)})
	e.emit(ctx, evt)
	e.notifier.NotifyHuman(ctx, evt)
}

// emit publishes an event to the bus and records it in history. Neither
// failure interrupts the cycle.
func (e *Engine) emit(ctx context.Context, evt *events.Event) {
	if e.bus != nil {
		be := &bus.Event{
			ID:        evt.ID,
			Type:      evt.Type,
			Source:    "engine",
			Timestamp: evt.Timestamp,
			Data: map[string]any{
				"priority":   string(evt.Priority),
				"session_id": evt.SessionID,
				"project_id": evt.ProjectID,
				"message":    evt.Message,
				"data":       evt.Data,
			},
		}
		if err := e.bus.Publish(ctx, events.Subject(evt.Type), be); err != nil {
			e.logger.Warn("Event publish failed",
				zap.String("event_type", evt.Type), zap.Error(err))
		}
	}
	if e.history != nil {
		if err := e.history.Record(ctx, evt); err != nil {
			e.logger.Warn("Event history write failed",
				zap.String("event_type", evt.Type), zap.Error(err))
		}
	}
}

// project resolves the plugin-facing project descriptor.
func (e *Engine) project(projectID string) plugin.Project {
	p := e.cfg.Projects[projectID]
	return plugin.Project{
		ID:            projectID,
		Name:          p.Name,
		Repo:          p.Repo,
		Path:          p.Path,
		DefaultBranch: p.DefaultBranch,
	}
}

func (e *Engine) scmFor(projectID string) plugin.SCM {
	p, ok := e.cfg.Projects[projectID]
	if !ok || p.SCM == nil || p.SCM.Plugin == "" {
		return nil
	}
	scm, err := e.registry.SCM(p.SCM.Plugin)
	if err != nil {
		return nil
	}
	return scm
}

func (e *Engine) trackerFor(projectID string) plugin.Tracker {
	p, ok := e.cfg.Projects[projectID]
	if !ok || p.Tracker == nil || p.Tracker.Plugin == "" {
		return nil
	}
	tr, err := e.registry.Tracker(p.Tracker.Plugin)
	if err != nil {
		return nil
	}
	return tr
}

func (e *Engine) runtimeFor(sess *session.Session) plugin.Runtime {
	name := e.cfg.Projects[sess.ProjectID].Runtime
	if name == "" {
		name = e.cfg.Defaults.Runtime
	}
	if name == "" {
		return nil
	}
	rt, err := e.registry.Runtime(name)
	if err != nil {
		return nil
	}
	return rt
}

func (e *Engine) agentFor(sess *session.Session) (plugin.Agent, string) {
	name := sess.AgentName
	if name == "" {
		name = e.cfg.Projects[sess.ProjectID].Agent
	}
	if name == "" {
		name = e.cfg.Defaults.Agent
	}
	if name == "" {
		return nil, ""
	}
	a, err := e.registry.Agent(name)
	if err != nil {
		return nil, name
	}
	return a, name
}

func (e *Engine) workspaceFor(projectID string) plugin.Workspace {
	name := e.cfg.Projects[projectID].Workspace
	if name == "" {
		name = e.cfg.Defaults.Workspace
	}
	if name == "" {
		return nil
	}
	w, err := e.registry.Workspace(name)
	if err != nil {
		return nil
	}
	return w
}
