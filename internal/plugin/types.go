// Package plugin defines the capability interfaces the engine consumes and the
// registry that maps (slot, name) pairs to loaded capabilities. The engine
// depends only on these interfaces, never on a vendor implementation.
package plugin

import "time"

// Project identifies one supervised repository for plugin calls.
type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Repo          string `json:"repo"` // owner/name
	Path          string `json:"path"`
	DefaultBranch string `json:"default_branch"`
}

// PRInfo describes a pull request attached to a session.
type PRInfo struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`
	IsDraft    bool   `json:"is_draft"`
	Author     string `json:"author,omitempty"`
}

// PR lifecycle states as reported by the SCM.
const (
	PRStateOpen   = "open"
	PRStateMerged = "merged"
	PRStateClosed = "closed"
)

// CI summary states.
const (
	CISummaryPassing = "passing"
	CISummaryFailing = "failing"
	CISummaryPending = "pending"
	CISummaryNone    = "none"
)

// Check is one CI check run on a PR head.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"` // passed, failed, pending, running, skipped
}

// Check statuses.
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckPending = "pending"
	CheckRunning = "running"
	CheckSkipped = "skipped"
)

// Review decisions (collapsed per PR).
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewPending          = "pending"
	ReviewCommented        = "commented"
	ReviewNone             = "none"
)

// Review is one review on a PR.
type Review struct {
	Author      string    `json:"author"`
	State       string    `json:"state"` // approved, changes_requested, commented, pending
	Body        string    `json:"body,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PRComment is one unresolved review comment on a PR.
type PRComment struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Mergeability is the SCM's merge-readiness verdict for a PR.
type Mergeability struct {
	Mergeable bool     `json:"mergeable"`
	Blockers  []string `json:"blockers,omitempty"`
}

// Merge methods accepted by MergePR.
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

// Activity classifies agent terminal output.
type Activity string

const (
	ActivityActive       Activity = "active"
	ActivityIdle         Activity = "idle"
	ActivityWaitingInput Activity = "waiting_input"
)

// Issue is a tracker issue.
type Issue struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	State             string   `json:"state"` // open, in_progress, closed
	WorkflowStateName string   `json:"workflow_state_name,omitempty"`
	Labels            []string `json:"labels,omitempty"`
	URL               string   `json:"url,omitempty"`
}

// IssueComment is one comment on a tracker issue.
type IssueComment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	State             string `json:"state,omitempty"`
	WorkflowStateName string `json:"workflow_state_name,omitempty"`
	Limit             int    `json:"limit,omitempty"`
}

// IssueUpdate is a partial tracker-issue update. Nil fields are untouched.
type IssueUpdate struct {
	State             string   `json:"state,omitempty"`
	WorkflowStateName string   `json:"workflow_state_name,omitempty"`
	Description       *string  `json:"description,omitempty"`
	Comment           string   `json:"comment,omitempty"`
	Labels            []string `json:"labels,omitempty"`
	Assignee          string   `json:"assignee,omitempty"`
}

// AgentSessionInfo is the agent plugin's view of a session.
type AgentSessionInfo struct {
	Summary string `json:"summary,omitempty"`
}
