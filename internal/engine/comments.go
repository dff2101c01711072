package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

// watchComments relays new tracker-issue comments to the session's agent.
// The first observation of a session only stamps the watermark so historical
// comments are never replayed.
func (e *Engine) watchComments(ctx context.Context, sess *session.Session) {
	if sess.IssueID == "" {
		return
	}
	rc, found := e.cfg.ReactionFor(sess.ProjectID, reactionIssueCommented)
	if !found || !rc.Enabled() {
		return
	}
	tracker := e.trackerFor(sess.ProjectID)
	if tracker == nil {
		return
	}
	delta, ok := tracker.(plugin.CommentDeltaLister)
	if !ok {
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	since, seen := e.lastCommentTimestamps[sess.ID]
	if !seen {
		e.lastCommentTimestamps[sess.ID] = now
	}
	e.mu.Unlock()
	if !seen {
		return
	}

	comments, err := delta.GetIssueComments(ctx, sess.IssueID, e.project(sess.ProjectID), since)
	if err != nil || len(comments) == 0 {
		return
	}

	// Advance the watermark over everything returned, even comments the
	// authors filter drops, so they are not refetched forever.
	newest := since
	for _, c := range comments {
		if c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
	}
	e.mu.Lock()
	e.lastCommentTimestamps[sess.ID] = newest
	e.mu.Unlock()

	comments = filterIssueComments(comments, rc.Filter)
	if len(comments) == 0 {
		return
	}

	var blocks []string
	for _, c := range comments {
		blocks = append(blocks, fmt.Sprintf("**@%s** commented:\n%s", c.Author, c.Body))
	}
	body := strings.Join(blocks, "\n---\n")

	evt := events.New(events.IssueCommentAdded, sess.ID, sess.ProjectID,
		fmt.Sprintf("%d new comment(s) on issue %s", len(comments), sess.IssueID),
		map[string]any{"issue_id": sess.IssueID, "comments": len(comments)})
	e.emit(ctx, evt)

	if rc.Action == actionSendToAgent {
		tail := rc.Message
		if tail == "" {
			tail = defaultAgentMessages[reactionIssueCommented]
		}
		withComments := rc
		withComments.Message = body + "\n\n" + tail
		e.runReaction(ctx, sess, reactionIssueCommented, withComments, evt)
		return
	}
	e.runReaction(ctx, sess, reactionIssueCommented, rc, evt)
}

// filterIssueComments applies the reaction's authors filter. The label
// filter, when present, requires at least one matching comment label.
func filterIssueComments(comments []plugin.IssueComment, filter *config.ReactionFilter) []plugin.IssueComment {
	if filter == nil {
		return comments
	}
	authors := make(map[string]bool, len(filter.Authors))
	for _, a := range filter.Authors {
		authors[a] = true
	}
	labels := make(map[string]bool, len(filter.Labels))
	for _, l := range filter.Labels {
		labels[l] = true
	}

	var out []plugin.IssueComment
	for _, c := range comments {
		if len(authors) > 0 && !authors[c.Author] {
			continue
		}
		if len(labels) > 0 && !hasAnyLabel(c.Labels, labels) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasAnyLabel(have []string, want map[string]bool) bool {
	for _, l := range have {
		if want[l] {
			return true
		}
	}
	return false
}
