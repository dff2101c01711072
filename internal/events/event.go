package events

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority classifies how loudly an event should reach a human.
type Priority string

const (
	PriorityUrgent  Priority = "urgent"
	PriorityAction  Priority = "action"
	PriorityWarning Priority = "warning"
	PriorityInfo    Priority = "info"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityAction, PriorityWarning, PriorityInfo:
		return true
	}
	return false
}

// Event is one orchestrator occurrence routed to notifiers, the bus, and history.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  Priority       `json:"priority"`
	SessionID string         `json:"session_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

var (
	urgentTypes  = regexp.MustCompile(`stuck|needs_input|errored`)
	actionTypes  = regexp.MustCompile(`approved|ready|merged|completed`)
	warningTypes = regexp.MustCompile(`fail|changes_requested|conflicts`)
)

// InferPriority maps an event type to its default priority.
func InferPriority(eventType string) Priority {
	switch {
	case urgentTypes.MatchString(eventType):
		return PriorityUrgent
	case actionTypes.MatchString(eventType):
		return PriorityAction
	case warningTypes.MatchString(eventType):
		return PriorityWarning
	case strings.HasPrefix(eventType, "summary."):
		return PriorityInfo
	default:
		return PriorityInfo
	}
}

// New assembles an event with a fresh id, UTC timestamp, and inferred priority.
func New(eventType, sessionID, projectID, message string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Priority:  InferPriority(eventType),
		SessionID: sessionID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
	}
}

// WithPriority overrides the inferred priority when the override is valid.
func (e *Event) WithPriority(p Priority) *Event {
	if p.Valid() {
		e.Priority = p
	}
	return e
}
