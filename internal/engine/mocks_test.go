package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/notify"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	sessionID string
	message   string
}

// mockManager is an in-memory session.Manager.
type mockManager struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	sent     []sentMessage
	spawned  []session.SpawnRequest
	killed   []string
	reserved []string
	nextID   map[string]int

	sendErr   error
	spawnErrs []error // consumed per Spawn call; nil entries succeed

	store *session.Store
}

func newMockManager(store *session.Store) *mockManager {
	return &mockManager{
		sessions: make(map[string]*session.Session),
		nextID:   make(map[string]int),
		store:    store,
	}
}

// refresh folds sidecar writes back into the snapshot, the way a real
// manager rebuilds sessions from disk each cycle.
func (m *mockManager) refresh(s *session.Session) *session.Session {
	if m.store == nil {
		return s
	}
	meta, err := m.store.Load(s.ID)
	if err != nil {
		return s
	}
	for k, v := range meta {
		s.Metadata[k] = v
	}
	return s
}

func (m *mockManager) add(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	m.sessions[s.ID] = s
}

func (m *mockManager) Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned = append(m.spawned, req)
	if len(m.spawnErrs) > 0 {
		err := m.spawnErrs[0]
		m.spawnErrs = m.spawnErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.nextID[req.ProjectID]++
	s := &session.Session{
		ID:        fmt.Sprintf("%s-%d", req.ProjectID, m.nextID[req.ProjectID]+100),
		ProjectID: req.ProjectID,
		IssueID:   req.IssueID,
		Status:    session.StatusSpawning,
		Metadata:  map[string]string{},
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockManager) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return m.refresh(s), nil
}

func (m *mockManager) List(ctx context.Context, projectID string) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for _, s := range m.sessions {
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, m.refresh(s))
		}
	}
	return out, nil
}

func (m *mockManager) Send(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMessage{id, message})
	return nil
}

func (m *mockManager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, id)
	return nil
}

func (m *mockManager) ReserveID(ctx context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID[projectID]++
	id := fmt.Sprintf("%s-%d", projectID, m.nextID[projectID])
	m.reserved = append(m.reserved, id)
	return id, nil
}

func (m *mockManager) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockRuntime implements plugin.Runtime.
type mockRuntime struct {
	mu     sync.Mutex
	alive  bool
	output string
	outErr error
	sent   []sentMessage
}

func (r *mockRuntime) IsAlive(ctx context.Context, handle string) (bool, error) {
	return r.alive, nil
}

func (r *mockRuntime) GetOutput(ctx context.Context, handle string, lastNLines int) (string, error) {
	return r.output, r.outErr
}

func (r *mockRuntime) SendMessage(ctx context.Context, handle, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{handle, text})
	return nil
}

func (r *mockRuntime) Destroy(ctx context.Context, handle string) error { return nil }

// mockAgent implements plugin.Agent.
type mockAgent struct {
	name     string
	activity plugin.Activity
	running  bool
}

func (a *mockAgent) Name() string { return a.name }

func (a *mockAgent) DetectActivity(terminalOutput string) plugin.Activity { return a.activity }

func (a *mockAgent) IsProcessRunning(ctx context.Context, handle string) (bool, error) {
	return a.running, nil
}

func (a *mockAgent) GetSessionInfo(ctx context.Context, sessionID, workspacePath string) (*plugin.AgentSessionInfo, error) {
	return &plugin.AgentSessionInfo{}, nil
}

// mockSCM implements plugin.SCM and plugin.OpenPRLister.
type mockSCM struct {
	mu sync.Mutex

	detectedPR      *plugin.PRInfo
	prState         string
	ciSummary       string
	checks          []plugin.Check
	reviews         []plugin.Review
	reviewDecision  string
	reviewReqCount  int
	pendingComments []plugin.PRComment
	mergeability    *plugin.Mergeability
	openPRs         []*plugin.PRInfo

	mergeErr error
	merged   []string // PR URLs merged
}

func (s *mockSCM) DetectPR(ctx context.Context, project plugin.Project, branch string) (*plugin.PRInfo, error) {
	return s.detectedPR, nil
}

func (s *mockSCM) GetPRState(ctx context.Context, pr *plugin.PRInfo) (string, error) {
	if s.prState == "" {
		return plugin.PRStateOpen, nil
	}
	return s.prState, nil
}

func (s *mockSCM) GetCISummary(ctx context.Context, pr *plugin.PRInfo) (string, error) {
	if s.ciSummary == "" {
		return plugin.CISummaryNone, nil
	}
	return s.ciSummary, nil
}

func (s *mockSCM) GetCIChecks(ctx context.Context, pr *plugin.PRInfo) ([]plugin.Check, error) {
	return s.checks, nil
}

func (s *mockSCM) GetReviews(ctx context.Context, pr *plugin.PRInfo) ([]plugin.Review, error) {
	return s.reviews, nil
}

func (s *mockSCM) GetReviewDecision(ctx context.Context, pr *plugin.PRInfo) (string, error) {
	if s.reviewDecision == "" {
		return plugin.ReviewNone, nil
	}
	return s.reviewDecision, nil
}

func (s *mockSCM) GetReviewRequestsCount(ctx context.Context, pr *plugin.PRInfo) (int, error) {
	return s.reviewReqCount, nil
}

func (s *mockSCM) GetPendingComments(ctx context.Context, pr *plugin.PRInfo) ([]plugin.PRComment, error) {
	return s.pendingComments, nil
}

func (s *mockSCM) GetMergeability(ctx context.Context, pr *plugin.PRInfo) (*plugin.Mergeability, error) {
	if s.mergeability == nil {
		return &plugin.Mergeability{Mergeable: false}, nil
	}
	return s.mergeability, nil
}

func (s *mockSCM) MergePR(ctx context.Context, pr *plugin.PRInfo, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeErr != nil {
		return s.mergeErr
	}
	s.merged = append(s.merged, pr.URL)
	return nil
}

func (s *mockSCM) ListOpenPRs(ctx context.Context, project plugin.Project) ([]*plugin.PRInfo, error) {
	return s.openPRs, nil
}

// mockTracker implements plugin.Tracker, CommentLister, and CommentDeltaLister.
type mockTracker struct {
	mu sync.Mutex

	issues        map[string]*plugin.Issue
	comments      map[string][]plugin.IssueComment
	deltaComments map[string][]plugin.IssueComment
	listResult    []*plugin.Issue
	updateErr     error
	updates       []recordedUpdate
}

type recordedUpdate struct {
	issueID string
	update  plugin.IssueUpdate
}

func newMockTracker() *mockTracker {
	return &mockTracker{
		issues:        make(map[string]*plugin.Issue),
		comments:      make(map[string][]plugin.IssueComment),
		deltaComments: make(map[string][]plugin.IssueComment),
	}
}

func (t *mockTracker) GetIssue(ctx context.Context, id string, project plugin.Project) (*plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	return issue, nil
}

func (t *mockTracker) ListIssues(ctx context.Context, filter plugin.IssueFilter, project plugin.Project) ([]*plugin.Issue, error) {
	return t.listResult, nil
}

func (t *mockTracker) UpdateIssue(ctx context.Context, id string, update plugin.IssueUpdate, project plugin.Project) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateErr != nil {
		return t.updateErr
	}
	t.updates = append(t.updates, recordedUpdate{id, update})
	return nil
}

func (t *mockTracker) ListComments(ctx context.Context, id string, project plugin.Project) ([]plugin.IssueComment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.comments[id], nil
}

func (t *mockTracker) GetIssueComments(ctx context.Context, id string, project plugin.Project, since time.Time) ([]plugin.IssueComment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []plugin.IssueComment
	for _, c := range t.deltaComments[id] {
		if c.CreatedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *mockTracker) recordedUpdates() []recordedUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]recordedUpdate, len(t.updates))
	copy(out, t.updates)
	return out
}

// mockNotifier implements plugin.Notifier.
type mockNotifier struct {
	mu   sync.Mutex
	name string
	sent []*events.Event
}

func (n *mockNotifier) Name() string { return n.name }

func (n *mockNotifier) Notify(ctx context.Context, event *events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, event)
	return nil
}

func (n *mockNotifier) received() []*events.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*events.Event, len(n.sent))
	copy(out, n.sent)
	return out
}

// mockWorkspace implements plugin.Workspace.
type mockWorkspace struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (w *mockWorkspace) RemoveWorktree(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.removed = append(w.removed, path)
	return nil
}

// testRig bundles an engine with all its mocks.
type testRig struct {
	engine   *Engine
	cfg      *config.Config
	clock    *fakeClock
	manager  *mockManager
	store    *session.Store
	runtime  *mockRuntime
	agent    *mockAgent
	scm      *mockSCM
	tracker  *mockTracker
	notifier *mockNotifier
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()

	cfg := &config.Config{
		IntervalMS:  30000,
		PRScanEvery: 10,
		Defaults: config.DefaultsConfig{
			Runtime:   "local",
			Agent:     "claude",
			Workspace: "git",
			Notifiers: []string{"slack"},
		},
		Projects: map[string]config.ProjectConfig{
			"app": {
				Name:          "App",
				Repo:          "acme/app",
				DefaultBranch: "main",
				SessionPrefix: "app",
				Tracker:       &config.PluginRef{Plugin: "linear"},
				SCM:           &config.PluginRef{Plugin: "github"},
			},
		},
		Automation: config.AutomationConfig{
			MergeGate: config.MergeGateConfig{
				Enabled:          true,
				Method:           "squash",
				RetryCooldownSec: 300,
				Strict: config.MergeGateStrict{
					RequireVerifyMarker:               true,
					RequireApprovedReviewOrNoRequests: true,
					RequireNoUnresolvedThreads:        true,
					RequirePassingChecks:              true,
				},
			},
			CompletionGate: config.CompletionGateConfig{
				Enabled:         true,
				EvidencePattern: "AC Evidence:|검증 근거:",
			},
			StuckRecovery: config.StuckRecoveryConfig{
				Enabled:      true,
				ThresholdSec: 600,
				CooldownSec:  300,
			},
		},
		Reactions: map[string]config.ReactionConfig{},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := session.NewStore(t.TempDir())
	rig := &testRig{
		cfg:      cfg,
		clock:    newFakeClock(),
		manager:  newMockManager(store),
		store:    store,
		runtime:  &mockRuntime{alive: true},
		agent:    &mockAgent{name: "claude", activity: plugin.ActivityActive, running: true},
		scm:      &mockSCM{},
		tracker:  newMockTracker(),
		notifier: &mockNotifier{name: "slack"},
	}

	registry := plugin.NewRegistry()
	registry.Register(plugin.SlotRuntime, "local", rig.runtime)
	registry.Register(plugin.SlotAgent, "claude", rig.agent)
	registry.Register(plugin.SlotAgent, "codex", &mockAgent{name: "codex", activity: plugin.ActivityWaitingInput, running: true})
	registry.Register(plugin.SlotSCM, "github", rig.scm)
	registry.Register(plugin.SlotTracker, "linear", rig.tracker)
	registry.Register(plugin.SlotNotifier, "slack", rig.notifier)
	registry.Register(plugin.SlotWorkspace, "git", &mockWorkspace{})

	rig.engine = New(Options{
		Config:   cfg,
		Registry: registry,
		Manager:  rig.manager,
		Metadata: rig.store,
		Notifier: notify.NewRouter(registry, cfg, logger.Default()),
		Logger:   logger.Default(),
		Clock:    rig.clock,
	})
	return rig
}

// addSession registers a session with both the mock manager and the engine's
// metadata store.
func (r *testRig) addSession(s *session.Session) {
	r.manager.add(s)
	if len(s.Metadata) > 0 {
		_ = r.store.SetAll(s.ID, s.Metadata)
	}
}

// reload refreshes a session snapshot from the metadata store, the way a new
// poll cycle would observe it.
func (r *testRig) reload(t *testing.T, id string) *session.Session {
	t.Helper()
	s, _ := r.manager.Get(context.Background(), id)
	meta, err := r.store.Load(id)
	if err != nil {
		t.Fatalf("reload %s: %v", id, err)
	}
	for k, v := range meta {
		s.Metadata[k] = v
	}
	return s
}
