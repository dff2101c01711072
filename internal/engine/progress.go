package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

const (
	stagePROpened      = "pr_opened"
	stageReviewUpdated = "review_updated"

	progressLineLimit = 240
	progressProbeLine = 50
)

var reviewStageSummaries = map[string]string{
	events.PRCreated:              "PR created",
	events.ReviewPending:          "review pending",
	events.ReviewChangesRequested: "changes requested",
	events.ReviewApproved:         "review approved",
	events.MergeReady:             "ready to merge",
}

// reactUpdateProgress posts a progress comment to the tracker issue,
// suppressed while the same stage and target are within the cooldown window.
func (e *Engine) reactUpdateProgress(ctx context.Context, sess *session.Session, key string, rc config.ReactionConfig, evt *events.Event) reactionResult {
	if sess.IssueID == "" {
		return reactionResult{success: true}
	}
	tracker := e.trackerFor(sess.ProjectID)
	if tracker == nil {
		return reactionResult{success: true}
	}

	stage := stageReviewUpdated
	if key == reactionIssueProgressPROpened {
		stage = stagePROpened
	}

	target := ""
	if stage == stageReviewUpdated {
		target = e.progressTarget(sess, evt.Type)
	}

	now := e.clock.Now()
	if sess.Meta(session.MetaProgressStage) == stage &&
		sess.Meta(session.MetaProgressTargetState) == target {
		cooldown := config.ParseDuration(rc.Cooldown)
		updatedAt := parseStamp(sess.Meta(session.MetaProgressUpdatedAt))
		if cooldown > 0 && !updatedAt.IsZero() && now.Sub(updatedAt) < cooldown {
			e.logger.Debug("Progress update suppressed by cooldown",
				zap.String("session_id", sess.ID),
				zap.String("stage", stage),
				zap.String("target", target))
			return reactionResult{success: true, handled: true}
		}
	}

	comment := e.buildProgressComment(ctx, sess, stage, evt.Type, now)

	update := plugin.IssueUpdate{
		State:             "in_progress",
		WorkflowStateName: target,
		Comment:           comment,
	}
	if err := tracker.UpdateIssue(ctx, sess.IssueID, update, e.project(sess.ProjectID)); err != nil {
		e.logger.Error("Progress update failed",
			zap.String("session_id", sess.ID),
			zap.String("issue_id", sess.IssueID),
			zap.Error(err))
		out := events.New(events.ReactionEscalated, sess.ID, sess.ProjectID,
			fmt.Sprintf("Tracker progress update failed: %v", err),
			map[string]any{"reaction": key, "issue_id": sess.IssueID})
		out.WithPriority(events.PriorityWarning)
		e.emit(ctx, out)
		e.notifier.NotifyHuman(ctx, out)
		return reactionResult{escalated: true, handled: true}
	}

	if err := e.meta.SetAll(sess.ID, map[string]string{
		session.MetaProgressStage:       stage,
		session.MetaProgressUpdatedAt:   stamp(now),
		session.MetaProgressTargetState: target,
	}); err != nil {
		e.logger.Warn("Progress metadata write failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	return reactionResult{success: true, handled: true}
}

// progressTarget maps the triggering event to a workflow state for the
// review_updated stage. Unset targets leave the workflow state untouched.
func (e *Engine) progressTarget(sess *session.Session, eventType string) string {
	switch eventType {
	case events.ReviewChangesRequested:
		return "In Progress"
	case events.ReviewPending, events.ReviewApproved, events.MergeReady:
		if sess.Meta(session.MetaVerifyStatus) == session.VerifyPassFull {
			return "In Review"
		}
	}
	return ""
}

func (e *Engine) buildProgressComment(ctx context.Context, sess *session.Session, stage, eventType string, now time.Time) string {
	var b strings.Builder
	ts := now.Format("2006-01-02 15:04")
	if stage == stagePROpened {
		fmt.Fprintf(&b, "Progress update (%s): PR is now open.\n", ts)
	} else {
		summary := reviewStageSummaries[eventType]
		if summary == "" {
			summary = eventType
		}
		fmt.Fprintf(&b, "Progress update (%s): Review stage updated (%s).\n", ts, summary)
	}

	output := e.recentOutput(ctx, sess)

	if sess.PR != nil && sess.PR.URL != "" {
		b.WriteString(progressLine("PR: " + sess.PR.URL))
	}
	b.WriteString(progressLine("Summary: " + e.developmentSummary(ctx, sess, output)))
	b.WriteString(progressLine("Implementation: " + e.implementationSummary(sess, output)))
	b.WriteString(progressLine(fmt.Sprintf("Verification: %s / %s",
		markerOrUnset(sess.Meta(session.MetaVerifyStatus)),
		markerOrUnset(sess.Meta(session.MetaVerifyBrowserStatus)))))
	if sess.Branch != "" {
		b.WriteString(progressLine("Branch: " + sess.Branch))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) recentOutput(ctx context.Context, sess *session.Session) string {
	if sess.RuntimeHandle == "" {
		return ""
	}
	rt := e.runtimeFor(sess)
	if rt == nil {
		return ""
	}
	out, err := rt.GetOutput(ctx, sess.RuntimeHandle, progressProbeLine)
	if err != nil {
		return ""
	}
	return out
}

// developmentSummary picks the first available one-line summary: session
// metadata, a summary section in terminal output, the PR title, or the
// issue title.
func (e *Engine) developmentSummary(ctx context.Context, sess *session.Session, output string) string {
	if s := sess.Meta(session.MetaSummary); s != "" {
		return s
	}
	if s := extractSection(output, "개발 요약:", "development summary:"); s != "" {
		return s
	}
	if sess.PR != nil && sess.PR.Title != "" {
		return sess.PR.Title
	}
	if sess.IssueID != "" {
		if tracker := e.trackerFor(sess.ProjectID); tracker != nil {
			if issue, err := tracker.GetIssue(ctx, sess.IssueID, e.project(sess.ProjectID)); err == nil && issue != nil {
				return issue.Title
			}
		}
	}
	return "in progress"
}

func (e *Engine) implementationSummary(sess *session.Session, output string) string {
	if s := extractSection(output, "개발 구현:", "implementation details:"); s != "" {
		return s
	}
	if sess.Branch != "" {
		return "changes on branch " + sess.Branch
	}
	return "see PR diff"
}

// extractSection finds the first marker in text and returns the remainder of
// that line, falling back to the next non-empty line.
func extractSection(text string, markers ...string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, marker := range markers {
			idx := strings.Index(lower, strings.ToLower(marker))
			if idx < 0 {
				continue
			}
			rest := strings.TrimSpace(line[idx+len(marker):])
			if rest != "" {
				return rest
			}
			for j := i + 1; j < len(lines); j++ {
				if next := strings.TrimSpace(lines[j]); next != "" {
					return next
				}
			}
			return ""
		}
	}
	return ""
}

func progressLine(s string) string {
	if runes := []rune(s); len(runes) > progressLineLimit {
		s = string(runes[:progressLineLimit]) + "..."
	}
	return "- " + s + "\n"
}

func markerOrUnset(v string) string {
	if v == "" {
		return "unset"
	}
	return v
}
