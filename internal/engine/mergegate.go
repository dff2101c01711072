package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

// reactAutoMerge runs the merge gate: strict preconditions in order, any
// failure stamps a cooldown and notifies at warning instead of merging.
func (e *Engine) reactAutoMerge(ctx context.Context, sess *session.Session, key string) reactionResult {
	gate := e.cfg.AutomationFor(sess.ProjectID).MergeGate

	var blockers []string
	scm := e.scmFor(sess.ProjectID)

	switch {
	case !gate.Enabled:
		blockers = append(blockers, "merge gate disabled")
	case sess.PR == nil:
		blockers = append(blockers, "session has no PR")
	case scm == nil:
		blockers = append(blockers, "no SCM plugin configured")
	}

	now := e.clock.Now()
	if len(blockers) == 0 {
		e.mu.Lock()
		until := e.mergeRetryCooldownUntil[sess.ID]
		e.mu.Unlock()
		if now.Before(until) {
			blockers = append(blockers, fmt.Sprintf("merge retry cooldown until %s", until.UTC().Format(time.RFC3339)))
		}
	}

	if len(blockers) == 0 {
		blockers = e.checkStrictGates(ctx, scm, sess, gate.Strict)
	}

	if len(blockers) > 0 {
		e.mu.Lock()
		e.mergeRetryCooldownUntil[sess.ID] = now.Add(time.Duration(gate.RetryCooldownSec) * time.Second)
		e.mu.Unlock()

		evt := events.New(events.ReactionTriggered, sess.ID, sess.ProjectID,
			fmt.Sprintf("Auto-merge blocked: %v", blockers),
			map[string]any{"reaction": key, "blockers": blockers})
		evt.WithPriority(events.PriorityWarning)
		e.emit(ctx, evt)
		e.notifier.NotifyHuman(ctx, evt)
		return reactionResult{handled: true}
	}

	method := gate.Method
	if method == "" {
		method = plugin.MergeMethodSquash
	}

	if err := scm.MergePR(ctx, sess.PR, method); err != nil {
		e.mu.Lock()
		e.mergeRetryCooldownUntil[sess.ID] = now.Add(time.Duration(gate.RetryCooldownSec) * time.Second)
		e.mu.Unlock()

		e.logger.Error("Merge failed",
			zap.String("session_id", sess.ID),
			zap.String("pr", sess.PR.URL),
			zap.Error(err))
		evt := events.New(events.ReactionEscalated, sess.ID, sess.ProjectID,
			fmt.Sprintf("Merge of %s failed: %v", sess.PR.URL, err),
			map[string]any{"reaction": key, "pr": sess.PR.URL})
		evt.WithPriority(events.PriorityWarning)
		e.emit(ctx, evt)
		e.notifier.NotifyHuman(ctx, evt)
		return reactionResult{escalated: true, handled: true}
	}

	e.mu.Lock()
	delete(e.mergeRetryCooldownUntil, sess.ID)
	e.mu.Unlock()

	e.logger.Info("PR merged",
		zap.String("session_id", sess.ID),
		zap.String("pr", sess.PR.URL),
		zap.String("method", method))
	evt := events.New(events.ReactionTriggered, sess.ID, sess.ProjectID,
		fmt.Sprintf("Merged %s (%s)", sess.PR.URL, method),
		map[string]any{"reaction": key, "pr": sess.PR.URL, "method": method})
	evt.WithPriority(events.PriorityAction)
	e.emit(ctx, evt)
	e.notifier.NotifyHuman(ctx, evt)
	return reactionResult{success: true, handled: true}
}

// checkStrictGates evaluates the independently toggleable merge
// preconditions and returns the failures as blocker strings.
func (e *Engine) checkStrictGates(ctx context.Context, scm plugin.SCM, sess *session.Session, strict config.MergeGateStrict) []string {
	var blockers []string

	if strict.RequireVerifyMarker && sess.Meta(session.MetaVerifyStatus) != session.VerifyPassFull {
		blockers = append(blockers, "verify marker missing")
	}
	if strict.RequireBrowserMarker && sess.Meta(session.MetaVerifyBrowserStatus) != session.VerifyBrowserPass {
		blockers = append(blockers, "browser verify marker missing")
	}

	if strict.RequireApprovedReviewOrNoRequests {
		decision := e.reviewDecision(ctx, scm, sess.PR)
		switch decision {
		case plugin.ReviewApproved:
		case plugin.ReviewNone:
			count, err := scm.GetReviewRequestsCount(ctx, sess.PR)
			if err != nil {
				blockers = append(blockers, fmt.Sprintf("review requests check failed: %v", err))
			} else if count > 0 {
				blockers = append(blockers, fmt.Sprintf("review requests pending (%d)", count))
			}
		default:
			blockers = append(blockers, fmt.Sprintf("review decision is %s", decision))
		}
	}

	if strict.RequireNoUnresolvedThreads {
		comments, err := scm.GetPendingComments(ctx, sess.PR)
		if err != nil {
			blockers = append(blockers, fmt.Sprintf("pending comments check failed: %v", err))
		} else if len(comments) > 0 {
			blockers = append(blockers, fmt.Sprintf("unresolved review threads (%d)", len(comments)))
		}
	}

	if strict.RequirePassingChecks {
		checks, err := scm.GetCIChecks(ctx, sess.PR)
		if err != nil {
			blockers = append(blockers, fmt.Sprintf("CI checks fetch failed: %v", err))
		} else {
			passed := 0
			bad := 0
			for _, c := range checks {
				switch c.Status {
				case plugin.CheckPassed:
					passed++
				case plugin.CheckFailed, plugin.CheckPending, plugin.CheckRunning:
					bad++
				}
			}
			if len(checks) == 0 {
				blockers = append(blockers, "no CI checks reported")
			} else if bad > 0 {
				blockers = append(blockers, fmt.Sprintf("CI checks not green (%d unsettled)", bad))
			} else if passed == 0 {
				blockers = append(blockers, "no passing CI check")
			}
		}
	}

	if strict.RequireCompletionDryRun {
		if sess.IssueID == "" {
			blockers = append(blockers, "completion dry-run: session has no issue")
		} else if tracker := e.trackerFor(sess.ProjectID); tracker == nil {
			blockers = append(blockers, "completion dry-run: no tracker plugin")
		} else {
			gate := e.cfg.AutomationFor(sess.ProjectID).CompletionGate
			res := e.evaluateCompletionGate(ctx, tracker, sess, gate)
			if !res.ok {
				blockers = append(blockers, "completion dry-run failed: "+res.reason)
			}
		}
	}

	return blockers
}
