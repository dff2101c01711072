package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/plugin"
)

// FSManager is a filesystem-backed session manager. Each session is a
// directory under root named {projectID}-{n}, with the sidecar metadata file
// as the source of truth for everything except the live process, which is
// delegated to the runtime plugin.
type FSManager struct {
	root     string
	store    *Store
	registry *plugin.Registry
	logger   *logger.Logger
	names    ManagerConfig

	mu sync.Mutex // guards id reservation
}

// ManagerConfig carries the per-project naming the manager needs from the
// daemon configuration.
type ManagerConfig struct {
	Prefixes       map[string]string // projectID -> session prefix
	Runtimes       map[string]string // projectID -> runtime plugin name
	DefaultRuntime string
}

// NewFSManager creates a manager rooted at dir. A project without a prefix
// entry uses its id as the prefix; a project without a runtime entry uses the
// default runtime.
func NewFSManager(dir string, store *Store, registry *plugin.Registry, names ManagerConfig, log *logger.Logger) *FSManager {
	return &FSManager{
		root:     dir,
		store:    store,
		registry: registry,
		names:    names,
		logger:   log,
	}
}

func (m *FSManager) prefixFor(projectID string) string {
	if p, ok := m.names.Prefixes[projectID]; ok && p != "" {
		return p
	}
	return projectID
}

func (m *FSManager) projectForPrefix(prefix string) string {
	for pid, p := range m.names.Prefixes {
		if p == prefix {
			return pid
		}
	}
	return prefix
}

// runtimeName resolves the runtime plugin serving a session: the name
// recorded in the sidecar at spawn, else the project's configured runtime,
// else the default.
func (m *FSManager) runtimeName(sess *Session) string {
	if n := sess.Meta(MetaRuntime); n != "" {
		return n
	}
	if n := m.names.Runtimes[sess.ProjectID]; n != "" {
		return n
	}
	return m.names.DefaultRuntime
}

func (m *FSManager) runtimeFor(sess *Session) (plugin.Runtime, error) {
	name := m.runtimeName(sess)
	if name == "" {
		return nil, fmt.Errorf("session %s has no configured runtime", sess.ID)
	}
	return m.registry.Runtime(name)
}

// List returns a snapshot of every session, optionally filtered by project.
func (m *FSManager) List(ctx context.Context, projectID string) ([]*Session, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		prefix, _ := splitID(id)
		if prefix == "" {
			continue
		}
		pid := m.projectForPrefix(prefix)
		if projectID != "" && pid != projectID {
			continue
		}
		sess, err := m.snapshot(id, pid)
		if err != nil {
			m.logger.Warn("Skipping unreadable session",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// Get returns one session snapshot, nil if it does not exist.
func (m *FSManager) Get(ctx context.Context, id string) (*Session, error) {
	prefix, _ := splitID(id)
	if prefix == "" {
		return nil, fmt.Errorf("malformed session id %q", id)
	}
	if _, err := os.Stat(filepath.Join(m.root, id)); os.IsNotExist(err) {
		return nil, nil
	}
	return m.snapshot(id, m.projectForPrefix(prefix))
}

func (m *FSManager) snapshot(id, projectID string) (*Session, error) {
	meta, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        id,
		ProjectID: projectID,
		Branch:    meta[MetaBranch],
		IssueID:   meta[MetaIssueID],
		Status:    Status(meta[MetaStatus]),
		Metadata:  meta,
	}
	if !sess.Status.Valid() {
		sess.Status = StatusSpawning
	}
	if url := meta[MetaPR]; url != "" {
		sess.PR = &plugin.PRInfo{URL: url, Branch: sess.Branch}
	}
	sess.WorkspacePath = meta[MetaWorkspacePath]
	sess.RuntimeHandle = meta[MetaRuntimeHandle]
	sess.AgentName = meta[MetaAgent]

	if info, err := os.Stat(filepath.Join(m.root, id)); err == nil {
		sess.CreatedAt = info.ModTime()
	}
	if ts := meta[MetaLastActivityAt]; ts != "" {
		if at, err := time.Parse(time.RFC3339, ts); err == nil {
			sess.LastActivity = at
		}
	}
	return sess, nil
}

// ReserveID allocates the next free {projectID}-{n} directory and returns
// its id. The directory is created so concurrent reservations never collide.
func (m *FSManager) ReserveID(ctx context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := m.prefixFor(projectID)
	max := 0
	entries, err := os.ReadDir(m.root)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("scan sessions: %w", err)
	}
	for _, entry := range entries {
		p, n := splitID(entry.Name())
		if p == prefix && n > max {
			max = n
		}
	}

	id := fmt.Sprintf("%s-%d", prefix, max+1)
	if err := os.MkdirAll(filepath.Join(m.root, id), 0o755); err != nil {
		return "", fmt.Errorf("reserve session %s: %w", id, err)
	}
	return id, nil
}

// Spawn reserves an id and records the new session as spawning. Process
// launch is the runtime plugin's job; the classifier picks the session up on
// the next poll.
func (m *FSManager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	id, err := m.ReserveID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	entries := map[string]string{
		MetaStatus: string(StatusSpawning),
	}
	if req.IssueID != "" {
		entries[MetaIssueID] = req.IssueID
	}
	// Pin the runtime plugin at spawn time so later config changes do not
	// reroute an existing session.
	if n := m.names.Runtimes[req.ProjectID]; n != "" {
		entries[MetaRuntime] = n
	} else if m.names.DefaultRuntime != "" {
		entries[MetaRuntime] = m.names.DefaultRuntime
	}
	if err := m.store.SetAll(id, entries); err != nil {
		return nil, err
	}

	m.logger.Info("Spawned session",
		zap.String("session_id", id),
		zap.String("project_id", req.ProjectID),
		zap.String("issue_id", req.IssueID))

	return m.Get(ctx, id)
}

// Send delivers a message to the session's agent via the runtime plugin.
func (m *FSManager) Send(ctx context.Context, id, message string) error {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}
	if sess.RuntimeHandle == "" {
		return fmt.Errorf("session %s has no runtime", id)
	}
	rt, err := m.runtimeFor(sess)
	if err != nil {
		return err
	}
	return rt.SendMessage(ctx, sess.RuntimeHandle, message)
}

// Kill destroys the session's runtime and marks it killed.
func (m *FSManager) Kill(ctx context.Context, id string) error {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}
	if sess.RuntimeHandle != "" {
		rt, err := m.runtimeFor(sess)
		if err == nil {
			if derr := rt.Destroy(ctx, sess.RuntimeHandle); derr != nil {
				m.logger.Warn("Runtime destroy failed",
					zap.String("session_id", id), zap.Error(derr))
			}
		}
	}
	return m.store.Set(id, MetaStatus, string(StatusKilled))
}

// splitID splits "{projectID}-{n}" on the last dash. Returns ("", 0) when the
// name does not fit the pattern.
func splitID(id string) (string, int) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", 0
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0
	}
	return id[:i], n
}
