package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/session"
)

// Reaction keys wired to status transitions.
const (
	reactionIssueProgressPROpened      = "issue-progress-pr-opened"
	reactionCIFailed                   = "ci-failed"
	reactionAutoReview                 = "auto-review"
	reactionIssueProgressReviewUpdated = "issue-progress-review-updated"
	reactionChangesRequested           = "changes-requested"
	reactionApprovedAndGreen           = "approved-and-green"
	reactionIssueCompleted             = "issue-completed"
	reactionAgentNeedsInput            = "agent-needs-input"
	reactionAgentStuck                 = "agent-stuck"
	reactionAgentExited                = "agent-exited"
	reactionIssueCommented             = "issue-commented"
	reactionBugbotComments             = "bugbot-comments"
)

type transitionRule struct {
	eventType    string
	reactionKeys []string
}

// transitionTable maps each entered status to its event and reactions.
var transitionTable = map[session.Status]transitionRule{
	session.StatusWorking:          {events.SessionWorking, nil},
	session.StatusPROpen:           {events.PRCreated, []string{reactionIssueProgressPROpened}},
	session.StatusCIFailed:         {events.CIFailing, []string{reactionCIFailed}},
	session.StatusReviewPending:    {events.ReviewPending, []string{reactionAutoReview, reactionIssueProgressReviewUpdated}},
	session.StatusChangesRequested: {events.ReviewChangesRequested, []string{reactionChangesRequested, reactionIssueProgressReviewUpdated}},
	session.StatusApproved:         {events.ReviewApproved, []string{reactionIssueProgressReviewUpdated}},
	session.StatusMergeable:        {events.MergeReady, []string{reactionApprovedAndGreen, reactionIssueProgressReviewUpdated}},
	session.StatusMerged:           {events.MergeCompleted, []string{reactionIssueCompleted}},
	session.StatusNeedsInput:       {events.SessionNeedsInput, []string{reactionAgentNeedsInput}},
	session.StatusStuck:            {events.SessionStuck, []string{reactionAgentStuck}},
	session.StatusKilled:           {events.SessionKilled, []string{reactionAgentExited}},
	session.StatusErrored:          {events.SessionErrored, nil},
}

// handleTransition reacts to a status change: persist, emit, run reactions,
// and fall back to a direct notification for unhandled non-info events.
func (e *Engine) handleTransition(ctx context.Context, sess *session.Session, old, newStatus session.Status) {
	e.logger.Info("Session transitioned",
		zap.String("session_id", sess.ID),
		zap.String("from", string(old)),
		zap.String("to", string(newStatus)))

	if err := e.meta.Set(sess.ID, session.MetaStatus, string(newStatus)); err != nil {
		e.logger.Error("Status persist failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}

	e.mu.Lock()
	if !newStatus.IsTerminal() {
		e.allCompleteEmitted = false
	}
	for _, key := range transitionTable[old].reactionKeys {
		delete(e.reactionTrackers, trackerKey{sess.ID, key})
	}
	e.mu.Unlock()

	rule, ok := transitionTable[newStatus]
	if !ok {
		return
	}

	evt := events.New(rule.eventType, sess.ID, sess.ProjectID,
		fmt.Sprintf("Session %s: %s -> %s", sess.ID, old, newStatus),
		map[string]any{"from": string(old), "to": string(newStatus)})
	if sess.PR != nil {
		evt.Data["pr"] = sess.PR.URL
	}
	e.emit(ctx, evt)

	handled := false
	for _, key := range rule.reactionKeys {
		rc, found := e.cfg.ReactionFor(sess.ProjectID, key)
		if !found || !rc.Enabled() {
			continue
		}
		res := e.runReaction(ctx, sess, key, rc, evt)
		if res.handled {
			handled = true
		}
	}

	if !handled && evt.Priority != events.PriorityInfo {
		e.notifier.NotifyHuman(ctx, evt)
	}
}
