package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

// Acceptance gate outcomes written to session metadata.
const (
	acceptancePassed      = "passed"
	acceptanceAutoChecked = "auto_checked"

	blockedNoCheckboxes        = "blocked_no_checkboxes"
	blockedMissingEvidence     = "blocked_missing_evidence"
	blockedChecklistIncomplete = "blocked_checklist_incomplete"
	blockedGateError           = "blocked_gate_error"
)

var checklistItem = regexp.MustCompile(`^(\s*(?:[-*]|\d+\.)\s+\[)( |x|X)(\]\s+.*)$`)

type checklistSummary struct {
	total     int
	checked   int
	unchecked int
	rewritten string // description with every item checked
}

// summarizeChecklist scans an issue description for checkbox items, ignoring
// fenced code blocks. Fences open with three or more backticks or tildes and
// close only on a fence of the same char with at least the opening length.
func summarizeChecklist(description string) checklistSummary {
	var s checklistSummary
	var rewritten []string

	fenceOpen := false
	var fenceChar byte
	fenceLen := 0

	for _, line := range strings.Split(description, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if n, ch := fenceRunLength(trimmed); n >= 3 {
			if !fenceOpen {
				fenceOpen = true
				fenceChar = ch
				fenceLen = n
			} else if ch == fenceChar && n >= fenceLen {
				fenceOpen = false
			}
			rewritten = append(rewritten, line)
			continue
		}

		if fenceOpen {
			rewritten = append(rewritten, line)
			continue
		}

		m := checklistItem.FindStringSubmatch(line)
		if m == nil {
			rewritten = append(rewritten, line)
			continue
		}
		s.total++
		if m[2] == " " {
			s.unchecked++
		} else {
			s.checked++
		}
		rewritten = append(rewritten, m[1]+"x"+m[3])
	}

	s.rewritten = strings.Join(rewritten, "\n")
	return s
}

func fenceRunLength(trimmed string) (int, byte) {
	if trimmed == "" {
		return 0, 0
	}
	ch := trimmed[0]
	if ch != '`' && ch != '~' {
		return 0, 0
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == ch {
		n++
	}
	return n, ch
}

type completionCheck struct {
	ok          bool
	reason      string // gate failure reason when !ok
	canAutoSync bool
	summary     checklistSummary
	issue       *plugin.Issue
}

// evaluateCompletionGate vets an issue for closure without mutating anything.
func (e *Engine) evaluateCompletionGate(ctx context.Context, tracker plugin.Tracker, sess *session.Session, gate config.CompletionGateConfig) completionCheck {
	issue, err := tracker.GetIssue(ctx, sess.IssueID, e.project(sess.ProjectID))
	if err != nil || issue == nil {
		return completionCheck{reason: fmt.Sprintf("issue fetch failed: %v", err)}
	}

	summary := summarizeChecklist(issue.Description)
	res := completionCheck{summary: summary, issue: issue}
	if summary.total == 0 {
		res.reason = "no_checklist"
		return res
	}

	evidence, err := regexp.Compile("(?i)" + gate.EvidencePattern)
	if err != nil {
		res.reason = "invalid_evidence_pattern"
		return res
	}

	texts := []string{issue.Description}
	if lister, ok := tracker.(plugin.CommentLister); ok {
		comments, err := lister.ListComments(ctx, sess.IssueID, e.project(sess.ProjectID))
		if err == nil {
			for _, c := range comments {
				texts = append(texts, c.Body)
			}
		}
	}
	found := false
	for _, t := range texts {
		if evidence.MatchString(t) {
			found = true
			break
		}
	}
	if !found {
		res.reason = "missing_evidence"
		return res
	}

	if summary.unchecked > 0 {
		if gate.SyncChecklistFromEvidence {
			res.ok = true
			res.canAutoSync = true
			return res
		}
		res.reason = "checklist_incomplete"
		return res
	}

	res.ok = true
	return res
}

// reactCompleteIssue closes the tracker issue once the verify markers and
// the completion gate both pass. It never issues a closing update otherwise.
func (e *Engine) reactCompleteIssue(ctx context.Context, sess *session.Session, key string) reactionResult {
	gate := e.cfg.AutomationFor(sess.ProjectID).CompletionGate
	if !gate.Enabled {
		return reactionResult{success: true, handled: false}
	}
	if sess.IssueID == "" {
		return reactionResult{success: true, handled: false}
	}
	tracker := e.trackerFor(sess.ProjectID)
	if tracker == nil {
		e.logger.Warn("complete-tracker-issue without a tracker plugin",
			zap.String("session_id", sess.ID))
		return reactionResult{handled: true}
	}

	verifyOK := sess.Meta(session.MetaVerifyStatus) == session.VerifyPassFull
	browserOK := sess.Meta(session.MetaVerifyBrowserStatus) == session.VerifyBrowserPass
	if !verifyOK || !browserOK {
		e.writeAcceptance(sess.ID, checklistSummary{}, blockedGateError)
		return e.completionBlocked(ctx, sess, key, "verify markers not set")
	}

	check := e.evaluateCompletionGate(ctx, tracker, sess, gate)
	if !check.ok {
		status := blockedGateError
		switch check.reason {
		case "no_checklist":
			status = blockedNoCheckboxes
		case "missing_evidence":
			status = blockedMissingEvidence
		case "checklist_incomplete":
			status = blockedChecklistIncomplete
		}
		e.writeAcceptance(sess.ID, check.summary, status)
		return e.completionBlocked(ctx, sess, key, check.reason)
	}

	project := e.project(sess.ProjectID)

	if check.canAutoSync {
		desc := check.summary.rewritten
		update := plugin.IssueUpdate{
			Description: &desc,
			Comment: fmt.Sprintf("Automatically checked %d remaining checklist item(s) based on recorded evidence.",
				check.summary.unchecked),
		}
		if err := tracker.UpdateIssue(ctx, sess.IssueID, update, project); err != nil {
			e.logger.Error("Checklist auto-sync failed",
				zap.String("session_id", sess.ID),
				zap.String("issue_id", sess.IssueID),
				zap.Error(err))
			return e.completionFailed(ctx, sess, key, err)
		}
		synced := check.summary
		synced.checked = synced.total
		synced.unchecked = 0
		e.writeAcceptance(sess.ID, synced, acceptanceAutoChecked)
	} else {
		e.writeAcceptance(sess.ID, check.summary, acceptancePassed)
	}

	audit := fmt.Sprintf(
		"Closing issue: acceptance checklist complete (%d items), evidence recorded, verify markers %s / %s.",
		check.summary.total,
		sess.Meta(session.MetaVerifyStatus),
		sess.Meta(session.MetaVerifyBrowserStatus))
	if err := tracker.UpdateIssue(ctx, sess.IssueID, plugin.IssueUpdate{
		State:   "closed",
		Comment: audit,
	}, project); err != nil {
		e.logger.Error("Issue close failed",
			zap.String("session_id", sess.ID),
			zap.String("issue_id", sess.IssueID),
			zap.Error(err))
		return e.completionFailed(ctx, sess, key, err)
	}

	e.logger.Info("Closed tracker issue",
		zap.String("session_id", sess.ID),
		zap.String("issue_id", sess.IssueID))
	evt := events.New(events.ReactionTriggered, sess.ID, sess.ProjectID,
		fmt.Sprintf("Issue %s closed", sess.IssueID),
		map[string]any{"reaction": key, "issue_id": sess.IssueID})
	evt.WithPriority(events.PriorityAction)
	e.emit(ctx, evt)
	e.notifier.NotifyHuman(ctx, evt)
	return reactionResult{success: true, handled: true}
}

func (e *Engine) completionBlocked(ctx context.Context, sess *session.Session, key, reason string) reactionResult {
	evt := events.New(events.ReactionTriggered, sess.ID, sess.ProjectID,
		fmt.Sprintf("Issue completion blocked: %s", reason),
		map[string]any{"reaction": key, "issue_id": sess.IssueID, "reason": reason})
	evt.WithPriority(events.PriorityWarning)
	e.emit(ctx, evt)
	e.notifier.NotifyHuman(ctx, evt)
	return reactionResult{handled: true}
}

func (e *Engine) completionFailed(ctx context.Context, sess *session.Session, key string, err error) reactionResult {
	evt := events.New(events.ReactionEscalated, sess.ID, sess.ProjectID,
		fmt.Sprintf("Issue completion failed: %v", err),
		map[string]any{"reaction": key, "issue_id": sess.IssueID})
	evt.WithPriority(events.PriorityWarning)
	e.emit(ctx, evt)
	e.notifier.NotifyHuman(ctx, evt)
	return reactionResult{escalated: true, handled: true}
}

func (e *Engine) writeAcceptance(sessionID string, s checklistSummary, status string) {
	entries := map[string]string{
		session.MetaAcceptanceTotal:     strconv.Itoa(s.total),
		session.MetaAcceptanceChecked:   strconv.Itoa(s.checked),
		session.MetaAcceptanceUnchecked: strconv.Itoa(s.unchecked),
		session.MetaAcceptanceStatus:    status,
		session.MetaAcceptanceCheckedAt: stamp(e.clock.Now()),
	}
	if err := e.meta.SetAll(sessionID, entries); err != nil {
		e.logger.Warn("Acceptance metadata write failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
