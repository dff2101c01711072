package plugin

import (
	"context"
	"time"

	"github.com/kestrelhq/kestrel/internal/events"
)

// Runtime manages the OS-level process space a session runs in.
type Runtime interface {
	IsAlive(ctx context.Context, handle string) (bool, error)
	GetOutput(ctx context.Context, handle string, lastNLines int) (string, error)
	SendMessage(ctx context.Context, handle, text string) error
	Destroy(ctx context.Context, handle string) error
}

// Agent interprets a coding agent's terminal behavior.
type Agent interface {
	Name() string
	DetectActivity(terminalOutput string) Activity
	IsProcessRunning(ctx context.Context, handle string) (bool, error)
	GetSessionInfo(ctx context.Context, sessionID, workspacePath string) (*AgentSessionInfo, error)
}

// BinaryNamer is an optional Agent capability used for pre-flight checks.
type BinaryNamer interface {
	GetBinaryName() string
}

// SCM talks to the source-control host for a project's PRs.
type SCM interface {
	DetectPR(ctx context.Context, project Project, branch string) (*PRInfo, error)
	GetPRState(ctx context.Context, pr *PRInfo) (string, error)
	GetCISummary(ctx context.Context, pr *PRInfo) (string, error)
	GetCIChecks(ctx context.Context, pr *PRInfo) ([]Check, error)
	GetReviews(ctx context.Context, pr *PRInfo) ([]Review, error)
	GetReviewDecision(ctx context.Context, pr *PRInfo) (string, error)
	GetReviewRequestsCount(ctx context.Context, pr *PRInfo) (int, error)
	GetPendingComments(ctx context.Context, pr *PRInfo) ([]PRComment, error)
	GetMergeability(ctx context.Context, pr *PRInfo) (*Mergeability, error)
	MergePR(ctx context.Context, pr *PRInfo, method string) error
}

// OpenPRLister is an optional SCM capability used by external PR adoption.
type OpenPRLister interface {
	ListOpenPRs(ctx context.Context, project Project) ([]*PRInfo, error)
}

// Tracker talks to the issue tracker for a project.
type Tracker interface {
	GetIssue(ctx context.Context, id string, project Project) (*Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter, project Project) ([]*Issue, error)
	UpdateIssue(ctx context.Context, id string, update IssueUpdate, project Project) error
}

// CommentLister is an optional Tracker capability used by the completion gate.
type CommentLister interface {
	ListComments(ctx context.Context, id string, project Project) ([]IssueComment, error)
}

// CommentDeltaLister is an optional Tracker capability used by the comment watcher.
type CommentDeltaLister interface {
	GetIssueComments(ctx context.Context, id string, project Project, since time.Time) ([]IssueComment, error)
}

// Notifier delivers an event to a human-facing channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event *events.Event) error
}

// Workspace manages workspace checkouts on behalf of sessions.
type Workspace interface {
	RemoveWorktree(ctx context.Context, path string) error
}
