package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

const checklistDescription = "Goal\n\n- [ ] a\n- [x] b\n- [ ] c\n\n```\n- [ ] fenced, not a real item\n```\n"

func TestSummarizeChecklist(t *testing.T) {
	s := summarizeChecklist(checklistDescription)
	assert.Equal(t, 3, s.total)
	assert.Equal(t, 1, s.checked)
	assert.Equal(t, 2, s.unchecked)
	assert.Contains(t, s.rewritten, "- [x] a")
	assert.Contains(t, s.rewritten, "- [x] c")
	assert.Contains(t, s.rewritten, "- [ ] fenced, not a real item")
}

func TestSummarizeChecklistRewriteRoundTrip(t *testing.T) {
	first := summarizeChecklist(checklistDescription)
	second := summarizeChecklist(first.rewritten)
	assert.Equal(t, first.total, second.total)
	assert.Equal(t, 0, second.unchecked)
}

func TestSummarizeChecklistNumberedAndTilde(t *testing.T) {
	desc := "1. [ ] first\n2. [X] second\n~~~\n- [ ] hidden\n~~~\n* [ ] third"
	s := summarizeChecklist(desc)
	assert.Equal(t, 3, s.total)
	assert.Equal(t, 1, s.checked)
}

func completionSession() *session.Session {
	return &session.Session{
		ID:        "app-1",
		ProjectID: "app",
		IssueID:   "APP-42",
		Status:    session.StatusMerged,
		Metadata: map[string]string{
			session.MetaVerifyStatus:        session.VerifyPassFull,
			session.MetaVerifyBrowserStatus: session.VerifyBrowserPass,
		},
	}
}

func TestCompletionAutoSyncAndClose(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		auto := cfg.Automation
		auto.CompletionGate.SyncChecklistFromEvidence = true
		cfg.Automation = auto
	})
	rig.tracker.issues["APP-42"] = &plugin.Issue{
		ID:          "APP-42",
		Title:       "Add login",
		Description: checklistDescription,
	}
	rig.tracker.comments["APP-42"] = []plugin.IssueComment{
		{Author: "alice", Body: "검증 근거: manual verified"},
	}
	sess := completionSession()
	rig.addSession(sess)

	res := rig.engine.reactCompleteIssue(context.Background(), sess, "issue-completed")
	assert.True(t, res.success)

	updates := rig.tracker.recordedUpdates()
	require.Len(t, updates, 2)

	// First update: rewritten description plus the auto-check comment.
	require.NotNil(t, updates[0].update.Description)
	assert.Equal(t, 3, strings.Count(*updates[0].update.Description, "[x]"))
	assert.Contains(t, updates[0].update.Comment, "Automatically checked 2")

	// Second update closes the issue.
	assert.Equal(t, "closed", updates[1].update.State)
	assert.Contains(t, updates[1].update.Comment, session.VerifyPassFull)

	meta, err := rig.store.Load("app-1")
	require.NoError(t, err)
	assert.Equal(t, "3", meta[session.MetaAcceptanceTotal])
	assert.Equal(t, "3", meta[session.MetaAcceptanceChecked])
	assert.Equal(t, "0", meta[session.MetaAcceptanceUnchecked])
	assert.Equal(t, acceptanceAutoChecked, meta[session.MetaAcceptanceStatus])
}

func TestCompletionBlockedByIncompleteChecklist(t *testing.T) {
	rig := newTestRig(t, nil) // auto-sync off
	rig.tracker.issues["APP-42"] = &plugin.Issue{
		ID:          "APP-42",
		Description: checklistDescription,
	}
	rig.tracker.comments["APP-42"] = []plugin.IssueComment{
		{Author: "alice", Body: "AC Evidence: tested manually"},
	}
	sess := completionSession()
	rig.addSession(sess)

	res := rig.engine.reactCompleteIssue(context.Background(), sess, "issue-completed")
	assert.False(t, res.success)
	assert.Empty(t, rig.tracker.recordedUpdates())

	meta, _ := rig.store.Load("app-1")
	assert.Equal(t, blockedChecklistIncomplete, meta[session.MetaAcceptanceStatus])
}

func TestCompletionBlockedByMissingEvidence(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.tracker.issues["APP-42"] = &plugin.Issue{
		ID:          "APP-42",
		Description: "- [x] done",
	}
	sess := completionSession()
	rig.addSession(sess)

	res := rig.engine.reactCompleteIssue(context.Background(), sess, "issue-completed")
	assert.False(t, res.success)
	assert.Empty(t, rig.tracker.recordedUpdates())

	meta, _ := rig.store.Load("app-1")
	assert.Equal(t, blockedMissingEvidence, meta[session.MetaAcceptanceStatus])
}

func TestCompletionBlockedByNoChecklist(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.tracker.issues["APP-42"] = &plugin.Issue{
		ID:          "APP-42",
		Description: "no checkboxes here\nAC Evidence: n/a",
	}
	sess := completionSession()
	rig.addSession(sess)

	res := rig.engine.reactCompleteIssue(context.Background(), sess, "issue-completed")
	assert.False(t, res.success)
	assert.Empty(t, rig.tracker.recordedUpdates())

	meta, _ := rig.store.Load("app-1")
	assert.Equal(t, blockedNoCheckboxes, meta[session.MetaAcceptanceStatus])
}

func TestCompletionNeverClosesWithoutVerifyMarkers(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.tracker.issues["APP-42"] = &plugin.Issue{
		ID:          "APP-42",
		Description: "- [x] done\nAC Evidence: all good",
	}
	sess := completionSession()
	delete(sess.Metadata, session.MetaVerifyBrowserStatus)
	rig.addSession(sess)

	res := rig.engine.reactCompleteIssue(context.Background(), sess, "issue-completed")
	assert.False(t, res.success)
	assert.Empty(t, rig.tracker.recordedUpdates())
}

func TestCompletionPassWithoutSync(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.tracker.issues["APP-42"] = &plugin.Issue{
		ID:          "APP-42",
		Description: "- [x] done\n\nAC Evidence: covered by e2e run",
	}
	sess := completionSession()
	rig.addSession(sess)

	res := rig.engine.reactCompleteIssue(context.Background(), sess, "issue-completed")
	assert.True(t, res.success)

	updates := rig.tracker.recordedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, "closed", updates[0].update.State)

	meta, _ := rig.store.Load("app-1")
	assert.Equal(t, acceptancePassed, meta[session.MetaAcceptanceStatus])
}
