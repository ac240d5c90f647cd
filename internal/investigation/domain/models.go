package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type AgentState string

const (
	AgentPending   AgentState = "pending"
	AgentRunning   AgentState = "running"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
)

const (
	EventAgentStarted   = "agent_started"
	EventAgentCompleted = "agent_completed"
	EventStageChanged   = "stage_changed"
	EventComplete       = "complete"
	EventError          = "error"
)

var (
	ErrConsentRequired     = errors.New("consent_required")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInvalidSubject      = errors.New("invalid_subject")
)

// AgentStatus tracks one stage of a running investigation.
type AgentStatus struct {
	Name        string     `json:"name"`
	State       AgentState `json:"state"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ProgressEvent is one entry in the per-investigation event stream; Data
// holds the kind-specific payload.
type ProgressEvent struct {
	Event string
	Data  any
}

type AgentStartedData struct {
	Agent     string `json:"agent"`
	Timestamp string `json:"timestamp"`
}

type AgentCompletedData struct {
	Agent    string  `json:"agent"`
	Duration float64 `json:"duration"`
}

type StageChangedData struct {
	Stage string `json:"stage"`
}

type CompleteData struct {
	InvestigationID string  `json:"investigationId"`
	QualityScore    float64 `json:"qualityScore"`
	CreditRefunded  bool    `json:"creditRefunded"`
}

type ErrorData struct {
	Message        string `json:"message"`
	CreditRefunded bool   `json:"creditRefunded"`
}

// Request starts one investigation.
type Request struct {
	UserID           snowflake.ID
	Subject          string
	Details          string
	ConsentConfirmed bool
}

type Service interface {
	// Start validates consent and credits, deducts one credit, and launches
	// the stage pipeline. Progress is published to the stream hub under the
	// returned investigation id; the caller subscribes to follow it.
	Start(ctx context.Context, req Request) (string, error)
}
