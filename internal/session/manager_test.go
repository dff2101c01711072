package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/plugin"
)

// fakeRuntime records messages and destroys for the manager tests.
type fakeRuntime struct {
	sent      []string
	destroyed []string
}

func (r *fakeRuntime) IsAlive(ctx context.Context, handle string) (bool, error) { return true, nil }

func (r *fakeRuntime) GetOutput(ctx context.Context, handle string, lastNLines int) (string, error) {
	return "", nil
}

func (r *fakeRuntime) SendMessage(ctx context.Context, handle, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func (r *fakeRuntime) Destroy(ctx context.Context, handle string) error {
	r.destroyed = append(r.destroyed, handle)
	return nil
}

func newTestManager(t *testing.T) *FSManager {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(dir)
	return NewFSManager(dir, store, plugin.NewRegistry(), ManagerConfig{}, logger.Default())
}

func TestFSManagerReserveIDSequence(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id1, err := m.ReserveID(ctx, "app")
	require.NoError(t, err)
	id2, err := m.ReserveID(ctx, "app")
	require.NoError(t, err)
	other, err := m.ReserveID(ctx, "web")
	require.NoError(t, err)

	assert.Equal(t, "app-1", id1)
	assert.Equal(t, "app-2", id2)
	assert.Equal(t, "web-1", other)
}

func TestFSManagerSpawnAndList(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Spawn(ctx, SpawnRequest{ProjectID: "app", IssueID: "APP-42"})
	require.NoError(t, err)
	assert.Equal(t, "app-1", sess.ID)
	assert.Equal(t, StatusSpawning, sess.Status)
	assert.Equal(t, "APP-42", sess.IssueID)

	_, err = m.Spawn(ctx, SpawnRequest{ProjectID: "web"})
	require.NoError(t, err)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	apps, err := m.List(ctx, "app")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "app-1", apps[0].ID)
}

func TestFSManagerGetMissing(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Get(context.Background(), "app-99")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestFSManagerSnapshotReadsSidecar(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.ReserveID(ctx, "app")
	require.NoError(t, err)
	require.NoError(t, m.store.SetAll(id, map[string]string{
		MetaStatus:        string(StatusPROpen),
		MetaBranch:        "feature/login",
		MetaPR:            "https://example.com/pr/7",
		MetaRuntimeHandle: "h1",
		MetaWorkspacePath: "/tmp/wt/app-1",
		MetaAgent:         "claude",
	}))

	sess, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPROpen, sess.Status)
	assert.Equal(t, "feature/login", sess.Branch)
	require.NotNil(t, sess.PR)
	assert.Equal(t, "https://example.com/pr/7", sess.PR.URL)
	assert.Equal(t, "h1", sess.RuntimeHandle)
	assert.Equal(t, "/tmp/wt/app-1", sess.WorkspacePath)
	assert.Equal(t, "claude", sess.AgentName)
}

func TestFSManagerSendUsesConfiguredRuntime(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	registry := plugin.NewRegistry()
	rt := &fakeRuntime{}
	registry.Register(plugin.SlotRuntime, "local", rt)
	m := NewFSManager(dir, store, registry, ManagerConfig{DefaultRuntime: "local"}, logger.Default())
	ctx := context.Background()

	id, err := m.ReserveID(ctx, "app")
	require.NoError(t, err)
	require.NoError(t, store.Set(id, MetaRuntimeHandle, "h1"))

	require.NoError(t, m.Send(ctx, id, "CI failing"))
	require.Len(t, rt.sent, 1)
	assert.Equal(t, "CI failing", rt.sent[0])
}

func TestFSManagerSendProjectRuntimeWins(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	registry := plugin.NewRegistry()
	local := &fakeRuntime{}
	docker := &fakeRuntime{}
	registry.Register(plugin.SlotRuntime, "local", local)
	registry.Register(plugin.SlotRuntime, "docker", docker)
	m := NewFSManager(dir, store, registry, ManagerConfig{
		Runtimes:       map[string]string{"app": "docker"},
		DefaultRuntime: "local",
	}, logger.Default())
	ctx := context.Background()

	id, err := m.ReserveID(ctx, "app")
	require.NoError(t, err)
	require.NoError(t, store.Set(id, MetaRuntimeHandle, "h1"))

	require.NoError(t, m.Send(ctx, id, "hello"))
	assert.Len(t, docker.sent, 1)
	assert.Empty(t, local.sent)
}

func TestFSManagerSpawnPinsRuntime(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	m := NewFSManager(dir, store, plugin.NewRegistry(), ManagerConfig{DefaultRuntime: "local"}, logger.Default())

	sess, err := m.Spawn(context.Background(), SpawnRequest{ProjectID: "app"})
	require.NoError(t, err)
	assert.Equal(t, "local", sess.Meta(MetaRuntime))
}

func TestFSManagerSendWithoutConfiguredRuntime(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.ReserveID(ctx, "app")
	require.NoError(t, err)
	require.NoError(t, m.store.Set(id, MetaRuntimeHandle, "h1"))

	err = m.Send(ctx, id, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configured runtime")
}

func TestFSManagerKillDestroysRuntime(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	registry := plugin.NewRegistry()
	rt := &fakeRuntime{}
	registry.Register(plugin.SlotRuntime, "local", rt)
	m := NewFSManager(dir, store, registry, ManagerConfig{DefaultRuntime: "local"}, logger.Default())
	ctx := context.Background()

	id, err := m.ReserveID(ctx, "app")
	require.NoError(t, err)
	require.NoError(t, store.Set(id, MetaRuntimeHandle, "h1"))

	require.NoError(t, m.Kill(ctx, id))
	assert.Equal(t, []string{"h1"}, rt.destroyed)

	status, err := store.Get(id, MetaStatus)
	require.NoError(t, err)
	assert.Equal(t, string(StatusKilled), status)
}

func TestSplitID(t *testing.T) {
	pid, n := splitID("my-app-12")
	assert.Equal(t, "my-app", pid)
	assert.Equal(t, 12, n)

	pid, _ = splitID("noslot")
	assert.Equal(t, "", pid)

	pid, _ = splitID("app-")
	assert.Equal(t, "", pid)
}
