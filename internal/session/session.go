// Package session defines the session model shared by the engine and the
// session manager: the status set, the immutable per-poll snapshot, and the
// sidecar metadata store.
package session

import (
	"context"
	"time"

	"github.com/kestrelhq/kestrel/internal/plugin"
)

// Status is the lifecycle state of a supervised agent session.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusWorking          Status = "working"
	StatusNeedsInput       Status = "needs_input"
	StatusStuck            Status = "stuck"
	StatusPROpen           Status = "pr_open"
	StatusCIFailed         Status = "ci_failed"
	StatusReviewPending    Status = "review_pending"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMergeable        Status = "mergeable"
	StatusMerged           Status = "merged"
	StatusKilled           Status = "killed"
	StatusErrored          Status = "errored"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusKilled
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusSpawning, StatusWorking, StatusNeedsInput, StatusStuck,
		StatusPROpen, StatusCIFailed, StatusReviewPending, StatusChangesRequested,
		StatusApproved, StatusMergeable, StatusMerged, StatusKilled, StatusErrored:
		return true
	}
	return false
}

// Session is the immutable snapshot of one agent session handed to the engine
// each poll cycle. Metadata is a copy; writes go through the Store.
type Session struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	Branch        string            `json:"branch,omitempty"`
	IssueID       string            `json:"issue_id,omitempty"`
	PR            *plugin.PRInfo    `json:"pr,omitempty"`
	WorkspacePath string            `json:"workspace_path,omitempty"`
	RuntimeHandle string            `json:"runtime_handle,omitempty"`
	AgentName     string            `json:"agent_name,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity_at"`
	Status        Status            `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value or "" when absent.
func (s *Session) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// SpawnRequest asks the manager to start a new agent session.
type SpawnRequest struct {
	ProjectID string `json:"project_id"`
	IssueID   string `json:"issue_id,omitempty"`
}

// Manager owns session processes and their on-disk directories. The engine
// consumes this interface; it never reaches into manager internals.
type Manager interface {
	Spawn(ctx context.Context, req SpawnRequest) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, projectID string) ([]*Session, error)
	Send(ctx context.Context, id, message string) error
	Kill(ctx context.Context, id string) error

	// ReserveID allocates the next session id under the project prefix
	// without spawning anything. Used when adopting externally opened PRs.
	ReserveID(ctx context.Context, projectID string) (string, error)
}
