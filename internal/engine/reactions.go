package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/session"
)

// Reaction actions.
const (
	actionNotify               = "notify"
	actionSendToAgent          = "send-to-agent"
	actionAutoMerge            = "auto-merge"
	actionSpawnReviewer        = "spawn-reviewer"
	actionSpawnAgent           = "spawn-agent"
	actionCompleteTrackerIssue = "complete-tracker-issue"
	actionUpdateProgress       = "update-tracker-progress"
)

type reactionResult struct {
	success   bool
	escalated bool
	handled   bool
}

// defaultAgentMessages are the built-in send-to-agent prompts per reaction key.
var defaultAgentMessages = map[string]string{
	reactionCIFailed:         "CI checks are failing on your PR. Inspect the failing checks, fix the issues, and push an update.",
	reactionChangesRequested: "A reviewer requested changes on your PR. Read the review comments, address each one, and push an update.",
	reactionAgentStuck:       "You appear to be stuck on a prompt. Pick the safest default and continue with the task.",
	reactionAgentNeedsInput:  "Continue with your best judgment. If a decision is genuinely blocking, summarize the options in the PR description.",
	reactionIssueCommented:   "A new comment was added to your tracker issue. Read it and act on it.",
	reactionBugbotComments:   "Automated review comments were posted on your PR. Address each one and push an update.",
}

// runReaction executes one configured reaction for a session, enforcing the
// retry and escalation policy via the per-(session,key) tracker.
func (e *Engine) runReaction(ctx context.Context, sess *session.Session, key string, rc config.ReactionConfig, evt *events.Event) reactionResult {
	now := e.clock.Now()

	e.mu.Lock()
	tk := trackerKey{sess.ID, key}
	tracker, ok := e.reactionTrackers[tk]
	if !ok {
		tracker = &reactionTracker{firstTriggered: now}
		e.reactionTrackers[tk] = tracker
	}
	tracker.attempts++
	attempts := tracker.attempts
	first := tracker.firstTriggered
	e.mu.Unlock()

	if e.shouldEscalate(rc, attempts, now.Sub(first).Seconds()) {
		priority := events.PriorityUrgent
		if p := events.Priority(rc.Priority); p.Valid() {
			priority = p
		}
		esc := events.New(events.ReactionEscalated, sess.ID, sess.ProjectID,
			fmt.Sprintf("Reaction %s escalated after %d attempts", key, attempts),
			map[string]any{"reaction": key, "attempts": attempts, "trigger": evt.Type})
		esc.WithPriority(priority)
		e.emit(ctx, esc)
		e.notifier.NotifyHuman(ctx, esc)
		return reactionResult{escalated: true, handled: true}
	}

	switch rc.Action {
	case actionNotify, "":
		return e.reactNotify(ctx, sess, key, rc, evt)
	case actionSendToAgent:
		return e.reactSendToAgent(ctx, sess, key, rc, evt)
	case actionAutoMerge:
		return e.reactAutoMerge(ctx, sess, key)
	case actionSpawnReviewer:
		return e.reactSpawnReviewer(ctx, sess, rc)
	case actionSpawnAgent:
		return e.reactSpawnAgent(ctx, sess, key)
	case actionCompleteTrackerIssue:
		return e.reactCompleteIssue(ctx, sess, key)
	case actionUpdateProgress:
		return e.reactUpdateProgress(ctx, sess, key, rc, evt)
	default:
		e.logger.Warn("Unknown reaction action",
			zap.String("reaction", key), zap.String("action", rc.Action))
		return reactionResult{}
	}
}

// shouldEscalate applies the three escalation triggers: retries exhausted,
// escalateAfter window elapsed, or escalateAfter attempt count exceeded.
func (e *Engine) shouldEscalate(rc config.ReactionConfig, attempts int, elapsedSec float64) bool {
	if rc.Retries != nil && attempts > *rc.Retries {
		return true
	}
	if rc.EscalateAfter == "" {
		return false
	}
	if d := config.ParseDuration(rc.EscalateAfter); d > 0 {
		return elapsedSec > d.Seconds()
	}
	if n, err := strconv.Atoi(rc.EscalateAfter); err == nil && n > 0 {
		return attempts > n
	}
	return false
}

func (e *Engine) reactNotify(ctx context.Context, sess *session.Session, key string, rc config.ReactionConfig, evt *events.Event) reactionResult {
	message := rc.Message
	if message == "" {
		message = evt.Message
	}
	out := events.New(events.ReactionTriggered, sess.ID, sess.ProjectID, message,
		map[string]any{"reaction": key, "trigger": evt.Type})
	if p := events.Priority(rc.Priority); p.Valid() {
		out.WithPriority(p)
	} else {
		out.WithPriority(evt.Priority)
	}
	e.emit(ctx, out)
	e.notifier.NotifyHuman(ctx, out)
	return reactionResult{success: true, handled: true}
}

func (e *Engine) reactSendToAgent(ctx context.Context, sess *session.Session, key string, rc config.ReactionConfig, evt *events.Event) reactionResult {
	// Adopted sessions have no agent behind them.
	if sess.Meta(session.MetaAdopted) == "true" {
		return e.reactNotify(ctx, sess, key, rc, evt)
	}

	message := rc.Message
	if message == "" {
		message = defaultAgentMessages[key]
	}
	if message == "" {
		message = evt.Message
	}

	if (key == reactionChangesRequested || key == reactionBugbotComments) && len(e.cfg.AllowedUsers) > 0 {
		trusted, ok := e.trustedReviewComments(ctx, sess)
		if ok && trusted == "" {
			// No trusted reviewer left anything actionable.
			return reactionResult{success: true, handled: true}
		}
		if ok {
			message = trusted
		}
	}

	if err := e.manager.Send(ctx, sess.ID, message); err != nil {
		e.logger.Warn("Agent message delivery failed",
			zap.String("session_id", sess.ID),
			zap.String("reaction", key),
			zap.Error(err))
		return reactionResult{handled: true}
	}
	return reactionResult{success: true, handled: true}
}

// trustedReviewComments formats the PR review comments left by allowed
// authors. The second return is false when the comments could not be fetched.
func (e *Engine) trustedReviewComments(ctx context.Context, sess *session.Session) (string, bool) {
	scm := e.scmFor(sess.ProjectID)
	if scm == nil || sess.PR == nil {
		return "", false
	}
	comments, err := scm.GetPendingComments(ctx, sess.PR)
	if err != nil {
		return "", false
	}

	allowed := make(map[string]bool, len(e.cfg.AllowedUsers))
	for _, u := range e.cfg.AllowedUsers {
		allowed[u] = true
	}

	var blocks []string
	for _, c := range comments {
		if !allowed[c.Author] {
			continue
		}
		loc := ""
		if c.Path != "" {
			loc = fmt.Sprintf(" (%s:%d)", c.Path, c.Line)
		}
		blocks = append(blocks, fmt.Sprintf("**@%s**%s:\n%s", c.Author, loc, c.Body))
	}
	if len(blocks) == 0 {
		return "", true
	}

	return "Address the following review comments from trusted reviewers. " +
		"Do not read the full PR thread yourself; work only from the comments below.\n\n" +
		strings.Join(blocks, "\n\n---\n\n"), true
}

// reactSpawnReviewer launches the configured review script as a detached
// process. The child is reaped by a background Wait; completion is never
// awaited by the cycle.
func (e *Engine) reactSpawnReviewer(ctx context.Context, sess *session.Session, rc config.ReactionConfig) reactionResult {
	if rc.Script == "" {
		e.logger.Warn("spawn-reviewer reaction has no script",
			zap.String("session_id", sess.ID))
		return reactionResult{handled: true}
	}

	cmd := exec.Command("/bin/sh", "-c", rc.Script)
	cmd.Env = append(os.Environ(),
		"KESTREL_SESSION_ID="+sess.ID,
		"KESTREL_PROJECT_ID="+sess.ProjectID,
		"KESTREL_BRANCH="+sess.Branch,
	)
	if sess.PR != nil {
		cmd.Env = append(cmd.Env,
			"KESTREL_PR_URL="+sess.PR.URL,
			fmt.Sprintf("KESTREL_PR_NUMBER=%d", sess.PR.Number),
		)
	}
	if err := cmd.Start(); err != nil {
		e.logger.Error("Reviewer script failed to start",
			zap.String("session_id", sess.ID), zap.Error(err))
		return reactionResult{handled: true}
	}
	go func() { _ = cmd.Wait() }()

	e.logger.Info("Spawned reviewer script",
		zap.String("session_id", sess.ID), zap.Int("pid", cmd.Process.Pid))
	return reactionResult{success: true, handled: true}
}

func (e *Engine) reactSpawnAgent(ctx context.Context, sess *session.Session, key string) reactionResult {
	spawned, err := e.manager.Spawn(ctx, session.SpawnRequest{
		ProjectID: sess.ProjectID,
		IssueID:   sess.IssueID,
	})
	if err != nil {
		e.logger.Error("Agent spawn failed",
			zap.String("project_id", sess.ProjectID),
			zap.String("reaction", key),
			zap.Error(err))
		return reactionResult{handled: true}
	}
	e.logger.Info("Spawned agent session",
		zap.String("session_id", spawned.ID),
		zap.String("reaction", key))
	return reactionResult{success: true, handled: true}
}
