package engine

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

// aoMetaQueued matches the AO_META pipeline marker in an issue description.
// The marker and the queued literal may be separated by up to ~2 KB of
// other metadata fields.
// Go's regexp caps a single repeat count at 1000, so the ~2 KB window is
// expressed as chained bounded repeats matching the same 0-2048 characters.
var aoMetaQueued = regexp.MustCompile(`AO_META[\s\S]{0,1000}?[\s\S]{0,1000}?[\s\S]{0,48}?pipeline=queued`)

// worktreePath pulls a conflicting git worktree path out of a spawn error.
var worktreePath = regexp.MustCompile(`worktree\s+(?:at\s+)?['"]?([^'"\s]+)['"]?`)

// runQueuePickup admits queued tracker issues as new sessions, per project,
// honoring the per-project interval and the fleet limits.
func (e *Engine) runQueuePickup(ctx context.Context, sessions []*session.Session) {
	for projectID := range e.cfg.Projects {
		pickup := e.cfg.AutomationFor(projectID).QueuePickup
		if !pickup.Enabled {
			continue
		}

		now := e.clock.Now()
		e.mu.Lock()
		last := e.queuePickupLastRunAt[projectID]
		interval := time.Duration(pickup.IntervalSec) * time.Second
		if !last.IsZero() && now.Sub(last) < interval {
			e.mu.Unlock()
			continue
		}
		e.queuePickupLastRunAt[projectID] = now
		e.mu.Unlock()

		e.pickupProject(ctx, projectID, sessions)
	}
}

func (e *Engine) pickupProject(ctx context.Context, projectID string, sessions []*session.Session) {
	pickup := e.cfg.AutomationFor(projectID).QueuePickup
	tracker := e.trackerFor(projectID)
	if tracker == nil {
		return
	}

	issues, err := tracker.ListIssues(ctx, plugin.IssueFilter{
		State:             "open",
		WorkflowStateName: pickup.PickupStateName,
		Limit:             100,
	}, e.project(projectID))
	if err != nil {
		e.logger.Warn("Queue pickup listing failed",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}

	active := 0
	claimed := make(map[string]bool)
	for _, s := range sessions {
		if s.ProjectID != projectID {
			continue
		}
		st := e.currentStatus(s)
		if st.IsTerminal() {
			continue
		}
		active++
		if s.IssueID != "" {
			claimed[s.IssueID] = true
		}
	}

	spawned := 0
	for _, issue := range issues {
		if claimed[issue.ID] {
			continue
		}
		if pickup.RequireAoMetaQueued && !aoMetaQueued.MatchString(issue.Description) {
			continue
		}
		if spawned >= pickup.MaxSpawnPerCycle || active >= pickup.MaxActiveSessions {
			break
		}

		sess, err := e.spawnWithWorktreeRetry(ctx, projectID, issue.ID, sessions)
		if err != nil {
			e.logger.Error("Queue pickup spawn failed",
				zap.String("project_id", projectID),
				zap.String("issue_id", issue.ID),
				zap.Error(err))
			continue
		}
		spawned++
		active++
		claimed[issue.ID] = true
		e.logger.Info("Picked up queued issue",
			zap.String("session_id", sess.ID),
			zap.String("issue_id", issue.ID))

		if pickup.TransitionStateName != "" {
			update := plugin.IssueUpdate{WorkflowStateName: pickup.TransitionStateName}
			if err := tracker.UpdateIssue(ctx, issue.ID, update, e.project(projectID)); err != nil {
				e.logger.Warn("Pickup state transition failed",
					zap.String("issue_id", issue.ID), zap.Error(err))
			}
		}
	}
}

// spawnWithWorktreeRetry spawns a session; when the spawn fails on a stale
// worktree that belongs to a terminal or untracked session, it removes the
// worktree and retries exactly once.
func (e *Engine) spawnWithWorktreeRetry(ctx context.Context, projectID, issueID string, sessions []*session.Session) (*session.Session, error) {
	req := session.SpawnRequest{ProjectID: projectID, IssueID: issueID}
	sess, err := e.manager.Spawn(ctx, req)
	if err == nil {
		return sess, nil
	}

	path := conflictingWorktree(err)
	if path == "" || !e.reclaimableWorktree(path, projectID, sessions) {
		return nil, err
	}

	ws := e.workspaceFor(projectID)
	if ws == nil {
		return nil, err
	}
	if rmErr := ws.RemoveWorktree(ctx, path); rmErr != nil {
		e.logger.Warn("Stale worktree removal failed",
			zap.String("path", path), zap.Error(rmErr))
		return nil, err
	}
	e.logger.Info("Removed stale worktree, retrying spawn",
		zap.String("path", path), zap.String("issue_id", issueID))
	return e.manager.Spawn(ctx, req)
}

func conflictingWorktree(err error) string {
	m := worktreePath.FindStringSubmatch(err.Error())
	if m == nil {
		return ""
	}
	return m[1]
}

// reclaimableWorktree reports whether the conflicting path lives under the
// engine-managed worktree root for this project and is not held by a live
// session.
func (e *Engine) reclaimableWorktree(path, projectID string, sessions []*session.Session) bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	root := filepath.Join(home, ".worktrees", projectID)
	if !strings.HasPrefix(filepath.Clean(path), root+string(filepath.Separator)) {
		return false
	}

	for _, s := range sessions {
		if s.WorkspacePath != path {
			continue
		}
		return e.currentStatus(s).IsTerminal()
	}
	return true
}
