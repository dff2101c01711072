package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

func mergeReadySession() *session.Session {
	return &session.Session{
		ID:        "app-1",
		ProjectID: "app",
		Branch:    "feature/x",
		PR:        &plugin.PRInfo{Number: 7, URL: "https://example.com/pr/7"},
		Status:    session.StatusMergeable,
		Metadata: map[string]string{
			session.MetaVerifyStatus:        session.VerifyPassFull,
			session.MetaVerifyBrowserStatus: session.VerifyBrowserPass,
		},
	}
}

func greenSCM(s *mockSCM) {
	s.reviewDecision = plugin.ReviewApproved
	s.checks = []plugin.Check{{Name: "ci", Status: plugin.CheckPassed}}
}

func TestMergeGateMergesWhenClear(t *testing.T) {
	rig := newTestRig(t, nil)
	greenSCM(rig.scm)
	sess := mergeReadySession()
	rig.addSession(sess)

	res := rig.engine.reactAutoMerge(context.Background(), sess, "approved-and-green")

	assert.True(t, res.success)
	require.Len(t, rig.scm.merged, 1)
	assert.Equal(t, "https://example.com/pr/7", rig.scm.merged[0])

	received := rig.notifier.received()
	require.Len(t, received, 1)
	assert.Equal(t, events.ReactionTriggered, received[0].Type)
	assert.Equal(t, events.PriorityAction, received[0].Priority)

	rig.engine.mu.Lock()
	_, hasCooldown := rig.engine.mergeRetryCooldownUntil["app-1"]
	rig.engine.mu.Unlock()
	assert.False(t, hasCooldown)
}

func TestMergeGateBlockedByPendingReviewRequests(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.scm.reviewDecision = plugin.ReviewNone
	rig.scm.reviewReqCount = 1
	rig.scm.checks = []plugin.Check{{Name: "ci", Status: plugin.CheckPassed}}
	sess := mergeReadySession()
	rig.addSession(sess)

	res := rig.engine.reactAutoMerge(context.Background(), sess, "approved-and-green")

	assert.False(t, res.success)
	assert.False(t, res.escalated)
	assert.Empty(t, rig.scm.merged)

	received := rig.notifier.received()
	require.Len(t, received, 1)
	assert.Equal(t, events.ReactionTriggered, received[0].Type)
	assert.Equal(t, events.PriorityWarning, received[0].Priority)
	blockers, ok := received[0].Data["blockers"].([]string)
	require.True(t, ok)
	assert.Contains(t, blockers, "review requests pending (1)")

	rig.engine.mu.Lock()
	until := rig.engine.mergeRetryCooldownUntil["app-1"]
	rig.engine.mu.Unlock()
	assert.True(t, until.After(rig.clock.Now()))
}

func TestMergeGateBlockedByVerifyMarker(t *testing.T) {
	rig := newTestRig(t, nil)
	greenSCM(rig.scm)
	sess := mergeReadySession()
	delete(sess.Metadata, session.MetaVerifyStatus)
	rig.addSession(sess)

	res := rig.engine.reactAutoMerge(context.Background(), sess, "approved-and-green")

	assert.False(t, res.success)
	assert.Empty(t, rig.scm.merged)
}

func TestMergeGateBlockedByUnsettledChecks(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.scm.reviewDecision = plugin.ReviewApproved
	rig.scm.checks = []plugin.Check{
		{Name: "build", Status: plugin.CheckPassed},
		{Name: "e2e", Status: plugin.CheckRunning},
	}
	sess := mergeReadySession()
	rig.addSession(sess)

	res := rig.engine.reactAutoMerge(context.Background(), sess, "approved-and-green")
	assert.False(t, res.success)
	assert.Empty(t, rig.scm.merged)
}

func TestMergeGateBlockedByUnresolvedThreads(t *testing.T) {
	rig := newTestRig(t, nil)
	greenSCM(rig.scm)
	rig.scm.pendingComments = []plugin.PRComment{{Author: "alice", Body: "nit"}}
	sess := mergeReadySession()
	rig.addSession(sess)

	res := rig.engine.reactAutoMerge(context.Background(), sess, "approved-and-green")
	assert.False(t, res.success)
	assert.Empty(t, rig.scm.merged)
}

func TestMergeGateCooldownShortCircuits(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.scm.reviewDecision = plugin.ReviewNone
	rig.scm.reviewReqCount = 1
	sess := mergeReadySession()
	rig.addSession(sess)

	ctx := context.Background()
	rig.engine.reactAutoMerge(ctx, sess, "approved-and-green")

	// Now everything is green, but the cooldown still blocks.
	greenSCM(rig.scm)
	rig.scm.reviewReqCount = 0
	res := rig.engine.reactAutoMerge(ctx, sess, "approved-and-green")
	assert.False(t, res.success)
	assert.Empty(t, rig.scm.merged)

	// After the cooldown the merge goes through.
	rig.clock.Advance(6 * time.Minute)
	res = rig.engine.reactAutoMerge(ctx, sess, "approved-and-green")
	assert.True(t, res.success)
	assert.Len(t, rig.scm.merged, 1)
}

func TestMergeFailureEscalatesAndStampsCooldown(t *testing.T) {
	rig := newTestRig(t, nil)
	greenSCM(rig.scm)
	rig.scm.mergeErr = errors.New("merge conflict")
	sess := mergeReadySession()
	rig.addSession(sess)

	res := rig.engine.reactAutoMerge(context.Background(), sess, "approved-and-green")

	assert.True(t, res.escalated)
	received := rig.notifier.received()
	require.Len(t, received, 1)
	assert.Equal(t, events.ReactionEscalated, received[0].Type)

	rig.engine.mu.Lock()
	until := rig.engine.mergeRetryCooldownUntil["app-1"]
	rig.engine.mu.Unlock()
	assert.True(t, until.After(rig.clock.Now()))
}

func TestMergeGateDisabled(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		auto := cfg.Automation
		auto.MergeGate.Enabled = false
		cfg.Automation = auto
	})
	greenSCM(rig.scm)
	sess := mergeReadySession()
	rig.addSession(sess)

	res := rig.engine.reactAutoMerge(context.Background(), sess, "approved-and-green")
	assert.False(t, res.success)
	assert.Empty(t, rig.scm.merged)
}
