package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

const terminalProbeLines = 10

// classify computes the status that should hold now for one session. Probe
// failures are swallowed; stuck and needs_input are never coerced back to
// working by a failed probe.
func (e *Engine) classify(ctx context.Context, sess *session.Session, current session.Status) session.Status {
	dismissedThisCycle := false

	if sess.RuntimeHandle != "" {
		rt := e.runtimeFor(sess)
		if rt != nil {
			alive, err := rt.IsAlive(ctx, sess.RuntimeHandle)
			if err == nil && !alive {
				return session.StatusKilled
			}

			output, err := rt.GetOutput(ctx, sess.RuntimeHandle, terminalProbeLines)
			if err != nil || output == "" {
				if current == session.StatusStuck || current == session.StatusNeedsInput {
					return current
				}
			} else {
				if e.detectStuck(ctx, sess, output) {
					return session.StatusStuck
				}

				agent, agentName := e.agentFor(sess)
				dismissedThisCycle = e.dismissCodexRateLimitPrompt(ctx, rt, sess, agentName, output)

				if agent != nil {
					activity := agent.DetectActivity(output)
					if activity == plugin.ActivityWaitingInput && !dismissedThisCycle {
						return session.StatusNeedsInput
					}
					// Agents often render an "active" shell prompt after
					// the process exits; trust the process check.
					running, err := agent.IsProcessRunning(ctx, sess.RuntimeHandle)
					if err == nil && !running {
						return session.StatusKilled
					}
				}
			}
		}
	}

	pr := sess.PR
	scm := e.scmFor(sess.ProjectID)
	if pr == nil && sess.Branch != "" && scm != nil {
		detected, err := scm.DetectPR(ctx, e.project(sess.ProjectID), sess.Branch)
		if err == nil && detected != nil {
			pr = detected
			sess.PR = detected
			if err := e.meta.Set(sess.ID, session.MetaPR, detected.URL); err != nil {
				e.logger.Warn("PR metadata write failed",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}

	if pr != nil && scm != nil {
		if st := e.classifyPR(ctx, scm, sess, pr, current); st != "" {
			return st
		}
	}

	switch current {
	case session.StatusSpawning, session.StatusStuck, session.StatusNeedsInput:
		return session.StatusWorking
	}
	return current
}

// classifyPR derives a status from PR observations, or "" when a probe
// failure leaves nothing to conclude.
func (e *Engine) classifyPR(ctx context.Context, scm plugin.SCM, sess *session.Session, pr *plugin.PRInfo, current session.Status) session.Status {
	state, err := scm.GetPRState(ctx, pr)
	if err != nil {
		if current == session.StatusStuck || current == session.StatusNeedsInput {
			return current
		}
		return ""
	}
	switch state {
	case plugin.PRStateMerged:
		return session.StatusMerged
	case plugin.PRStateClosed:
		return session.StatusKilled
	}

	ci, err := scm.GetCISummary(ctx, pr)
	if err == nil && ci == plugin.CISummaryFailing {
		return session.StatusCIFailed
	}

	decision := e.reviewDecision(ctx, scm, pr)
	switch decision {
	case plugin.ReviewChangesRequested:
		return session.StatusChangesRequested
	case plugin.ReviewApproved:
		m, err := scm.GetMergeability(ctx, pr)
		if err == nil && m != nil && m.Mergeable {
			return session.StatusMergeable
		}
		return session.StatusApproved
	case plugin.ReviewPending:
		return session.StatusReviewPending
	default:
		return session.StatusPROpen
	}
}

// reviewDecision returns the PR review decision, restricted to allowedUsers
// when that list is configured.
func (e *Engine) reviewDecision(ctx context.Context, scm plugin.SCM, pr *plugin.PRInfo) string {
	if len(e.cfg.AllowedUsers) == 0 {
		decision, err := scm.GetReviewDecision(ctx, pr)
		if err != nil {
			return plugin.ReviewNone
		}
		return decision
	}

	reviews, err := scm.GetReviews(ctx, pr)
	if err != nil {
		return plugin.ReviewNone
	}
	return foldReviews(reviews, e.cfg.AllowedUsers)
}

// foldReviews keeps the latest review per author, restricts to allowed
// authors, and collapses to one decision.
func foldReviews(reviews []plugin.Review, allowed []string) string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}

	latest := make(map[string]plugin.Review)
	for _, r := range reviews {
		if !allowedSet[r.Author] {
			continue
		}
		if prev, ok := latest[r.Author]; !ok || r.SubmittedAt.After(prev.SubmittedAt) {
			latest[r.Author] = r
		}
	}
	if len(latest) == 0 {
		return plugin.ReviewNone
	}

	approvals := 0
	pending := false
	for _, r := range latest {
		switch r.State {
		case plugin.ReviewChangesRequested:
			return plugin.ReviewChangesRequested
		case plugin.ReviewApproved:
			approvals++
		case plugin.ReviewPending, plugin.ReviewCommented:
			pending = true
		}
	}
	if !pending && approvals == len(latest) {
		return plugin.ReviewApproved
	}
	if pending {
		return plugin.ReviewPending
	}
	return plugin.ReviewNone
}

// detectStuck watches for the configured stuck-prompt pattern in terminal
// output. A sustained match past the threshold sends the recovery message
// once per cooldown window and flags the session stuck.
func (e *Engine) detectStuck(ctx context.Context, sess *session.Session, output string) bool {
	sr := e.cfg.AutomationFor(sess.ProjectID).StuckRecovery
	if !sr.Enabled || sr.Pattern == "" {
		return false
	}
	re, err := regexp.Compile(sr.Pattern)
	if err != nil {
		e.logger.Warn("Invalid stuck recovery pattern",
			zap.String("pattern", sr.Pattern), zap.Error(err))
		return false
	}

	now := e.clock.Now()
	if !re.MatchString(output) {
		if sess.Meta(session.MetaStuckDetectedAt) != "" {
			if err := e.meta.Delete(sess.ID, session.MetaStuckDetectedAt); err != nil {
				e.logger.Warn("Stuck timestamp clear failed",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
		return false
	}

	detectedAt := parseStamp(sess.Meta(session.MetaStuckDetectedAt))
	if detectedAt.IsZero() {
		if err := e.meta.Set(sess.ID, session.MetaStuckDetectedAt, stamp(now)); err != nil {
			e.logger.Warn("Stuck timestamp write failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		return false
	}

	if now.Sub(detectedAt) < time.Duration(sr.ThresholdSec)*time.Second {
		return false
	}

	sentAt := parseStamp(sess.Meta(session.MetaStuckRecoverySentAt))
	if !sentAt.IsZero() && now.Sub(sentAt) < time.Duration(sr.CooldownSec)*time.Second {
		return true
	}

	if sr.Message != "" {
		if err := e.manager.Send(ctx, sess.ID, sr.Message); err != nil {
			e.logger.Warn("Stuck recovery message failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	if err := e.meta.Set(sess.ID, session.MetaStuckRecoverySentAt, stamp(now)); err != nil {
		e.logger.Warn("Stuck recovery stamp failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	return true
}

const codexDismissCooldown = time.Minute

// dismissCodexRateLimitPrompt answers codex's rate-limit model switch prompt
// with "3" (keep current model) so the session keeps working unattended.
func (e *Engine) dismissCodexRateLimitPrompt(ctx context.Context, rt plugin.Runtime, sess *session.Session, agentName, output string) bool {
	if agentName != "codex" {
		return false
	}
	if !strings.Contains(output, "Approaching rate limits") ||
		!strings.Contains(output, "Switch to") ||
		!strings.Contains(output, "Press enter to confirm") {
		return false
	}

	now := e.clock.Now()
	lastAt := parseStamp(sess.Meta(session.MetaCodexAutoDismissedAt))
	if !lastAt.IsZero() && now.Sub(lastAt) < codexDismissCooldown {
		return true
	}

	if err := rt.SendMessage(ctx, sess.RuntimeHandle, "3\n"); err != nil {
		e.logger.Warn("Codex prompt dismissal failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return false
	}
	if err := e.meta.SetAll(sess.ID, map[string]string{
		session.MetaCodexAutoDismiss:     "3",
		session.MetaCodexAutoDismissedAt: stamp(now),
	}); err != nil {
		e.logger.Warn("Codex dismissal stamp failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	e.logger.Info("Dismissed codex rate-limit prompt",
		zap.String("session_id", sess.ID))
	return true
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
