// Package events provides the orchestrator event model and type constants.
package events

// Event types for session lifecycle
const (
	SessionWorking    = "session.working"
	SessionNeedsInput = "session.needs_input"
	SessionStuck      = "session.stuck"
	SessionKilled     = "session.killed"
	SessionErrored    = "session.errored"
)

// Event types for pull requests
const (
	PRCreated = "pr.created"
)

// Event types for CI
const (
	CIFailing = "ci.failing"
)

// Event types for reviews
const (
	ReviewPending          = "review.pending"
	ReviewChangesRequested = "review.changes_requested"
	ReviewApproved         = "review.approved"
)

// Event types for merging
const (
	MergeReady     = "merge.ready"
	MergeCompleted = "merge.completed"
)

// Event types for reactions
const (
	ReactionTriggered = "reaction.triggered"
	ReactionEscalated = "reaction.escalated"
)

// Event types for tracker issues
const (
	IssueCommentAdded = "issue.comment_added"
)

// Event types for fleet summaries
const (
	SummaryAllComplete = "summary.all_complete"
)

// Subject is the event bus subject an orchestrator event is published on.
func Subject(eventType string) string {
	return "orchestrator.event." + eventType
}

// SubjectWildcard subscribes to every orchestrator event.
func SubjectWildcard() string {
	return "orchestrator.event.>"
}
