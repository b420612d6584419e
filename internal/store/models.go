// Package store persists the fixdev data model in an embedded SQLite
// database: repositories, issues, agents, workspaces, their logs, the
// contributions derived from them, and inbound webhooks.
package store

import (
	"encoding/json"
	"time"
)

// WorkspaceStatus is the lifecycle state of one fix attempt.
type WorkspaceStatus string

const (
	WorkspaceStatusPending          WorkspaceStatus = "pending"
	WorkspaceStatusBuilding         WorkspaceStatus = "building"
	WorkspaceStatusRunning          WorkspaceStatus = "running"
	WorkspaceStatusCompleted        WorkspaceStatus = "completed"
	WorkspaceStatusBuildFailed      WorkspaceStatus = "build_failed"
	WorkspaceStatusContainerCrashed WorkspaceStatus = "container_crashed"
	WorkspaceStatusTimeout          WorkspaceStatus = "timeout"
	WorkspaceStatusDestroyed        WorkspaceStatus = "destroyed"
	WorkspaceStatusCancelled        WorkspaceStatus = "cancelled"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func (s WorkspaceStatus) IsTerminal() bool {
	switch s {
	case WorkspaceStatusCompleted, WorkspaceStatusBuildFailed,
		WorkspaceStatusContainerCrashed, WorkspaceStatusTimeout,
		WorkspaceStatusDestroyed, WorkspaceStatusCancelled:
		return true
	}
	return false
}

// IssueStatus tracks an issue along its extraction/fix DAG.
type IssueStatus string

const (
	IssueStatusPending    IssueStatus = "pending"
	IssueStatusExtracting IssueStatus = "extracting"
	IssueStatusOpen       IssueStatus = "open"
	IssueStatusFixing     IssueStatus = "fixing"
	IssueStatusPROpen     IssueStatus = "pr_open"
	IssueStatusFixed      IssueStatus = "fixed"
	IssueStatusError      IssueStatus = "error"
)

// ContributionStatus tracks the produced pull request.
type ContributionStatus string

const (
	ContributionStatusPending ContributionStatus = "pending"
	ContributionStatusPROpen  ContributionStatus = "pr_open"
	ContributionStatusMerged  ContributionStatus = "merged"
	ContributionStatusClosed  ContributionStatus = "closed"
)

// AgentRunStatus tracks one runner execution.
type AgentRunStatus string

const (
	AgentRunStatusQueued    AgentRunStatus = "queued"
	AgentRunStatusRunning   AgentRunStatus = "running"
	AgentRunStatusCompleted AgentRunStatus = "completed"
	AgentRunStatusFailed    AgentRunStatus = "failed"
	AgentRunStatusCancelled AgentRunStatus = "cancelled"
)

// Log stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Repository is a tracked origin repository and, once forked, its fork.
type Repository struct {
	ID           int64     `json:"id" db:"id"`
	FullName     string    `json:"full_name" db:"full_name"`
	URL          string    `json:"url" db:"url"`
	ForkFullName *string   `json:"fork_full_name,omitempty" db:"fork_full_name"`
	ForkURL      *string   `json:"fork_url,omitempty" db:"fork_url"`
	Language     string    `json:"language" db:"language"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Issue is a defect tracker entry, unique per repository by number.
type Issue struct {
	ID           int64       `json:"id" db:"id"`
	RepositoryID int64       `json:"repository_id" db:"repository_id"`
	Number       int         `json:"number" db:"number"`
	Title        string      `json:"title" db:"title"`
	Body         string      `json:"body" db:"body"`
	Labels       []string    `json:"labels" db:"-"`
	Status       IssueStatus `json:"status" db:"status"`
	AIFixPrompt  *string     `json:"ai_fix_prompt,omitempty" db:"ai_fix_prompt"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// RepositoryEnvironment is the extracted toolchain description, 1:1 with a
// repository and rederived on each extraction.
type RepositoryEnvironment struct {
	ID             int64     `json:"id" db:"id"`
	RepositoryID   int64     `json:"repository_id" db:"repository_id"`
	Runtime        string    `json:"runtime" db:"runtime"`
	PackageManager string    `json:"package_manager" db:"package_manager"`
	SetupCommands  string    `json:"setup_commands" db:"setup_commands"`
	TestCommands   string    `json:"test_commands" db:"test_commands"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Agent is a configured coding agent.
type Agent struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Model     string    `json:"model" db:"model"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AgentRun records one runner execution of an agent against an issue.
type AgentRun struct {
	ID         int64          `json:"id" db:"id"`
	AgentID    int64          `json:"agent_id" db:"agent_id"`
	IssueID    int64          `json:"issue_id" db:"issue_id"`
	Status     AgentRunStatus `json:"status" db:"status"`
	Error      *string        `json:"error,omitempty" db:"error"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// AgentState is a persisted snapshot of an agent run, optionally linked to
// the contribution it produced. Suspended states are candidates for resume.
type AgentState struct {
	ID             int64     `json:"id" db:"id"`
	AgentRunID     int64     `json:"agent_run_id" db:"agent_run_id"`
	ContributionID *int64    `json:"contribution_id,omitempty" db:"contribution_id"`
	State          string    `json:"state" db:"state"`
	Suspended      bool      `json:"suspended" db:"suspended"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Workspace is a single containerized attempt at fixing one issue.
type Workspace struct {
	ID             int64           `json:"id" db:"id"`
	AgentID        int64           `json:"agent_id" db:"agent_id"`
	AgentRunID     *int64          `json:"agent_run_id,omitempty" db:"agent_run_id"`
	RepositoryID   int64           `json:"repository_id" db:"repository_id"`
	IssueID        int64           `json:"issue_id" db:"issue_id"`
	ContainerID    *string         `json:"container_id,omitempty" db:"container_id"`
	Status         WorkspaceStatus `json:"status" db:"status"`
	BranchName     string          `json:"branch_name" db:"branch_name"`
	BaseBranch     string          `json:"base_branch" db:"base_branch"`
	TimeoutMinutes float64         `json:"timeout_minutes" db:"timeout_minutes"`
	ExpiresAt      time.Time       `json:"expires_at" db:"expires_at"`
	Recipe         *string         `json:"recipe,omitempty" db:"recipe"`
	PRURL          *string         `json:"pr_url,omitempty" db:"pr_url"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	DestroyedAt    *time.Time      `json:"destroyed_at,omitempty" db:"destroyed_at"`
}

// WorkspaceLog is one committed output line from a workspace, append-only
// with ids strictly increasing per workspace.
type WorkspaceLog struct {
	ID          int64     `json:"id" db:"id"`
	WorkspaceID int64     `json:"workspace_id" db:"workspace_id"`
	Stream      string    `json:"stream" db:"stream"`
	Line        string    `json:"line" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Contribution is the durable record of a produced (or pending) pull
// request, at most one per issue.
type Contribution struct {
	ID         int64              `json:"id" db:"id"`
	AgentRunID *int64             `json:"agent_run_id,omitempty" db:"agent_run_id"`
	IssueID    int64              `json:"issue_id" db:"issue_id"`
	PRURL      *string            `json:"pr_url,omitempty" db:"pr_url"`
	PRNumber   *int               `json:"pr_number,omitempty" db:"pr_number"`
	BranchName string             `json:"branch_name" db:"branch_name"`
	Status     ContributionStatus `json:"status" db:"status"`
	Summary    *string            `json:"summary,omitempty" db:"summary"`
	CreatedAt  time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at" db:"updated_at"`
}

// Webhook is a stored provider event, immutable after creation except for
// the processed flag.
type Webhook struct {
	ID             int64      `json:"id" db:"id"`
	ContributionID *int64     `json:"contribution_id,omitempty" db:"contribution_id"`
	EventType      string     `json:"event_type" db:"event_type"`
	Action         *string    `json:"action,omitempty" db:"action"`
	Payload        string     `json:"payload" db:"payload"`
	Processed      bool       `json:"processed" db:"processed"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// ConfigEntry is one persisted configuration key.
type ConfigEntry struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Seeded configuration keys.
const (
	ConfigMaxConcurrentAgents     = "max_concurrent_agents"
	ConfigWorkspaceTimeoutMinutes = "workspace_timeout_minutes"
	ConfigWorkspaceGraceSeconds   = "workspace_grace_seconds"
)

// Structured error types persisted into Workspace.ErrorMessage.
const (
	ErrorTypeBuildFailed      = "build_failed"
	ErrorTypeContainerCrashed = "container_crashed"
	ErrorTypeTimeout          = "timeout"
	ErrorTypeCancelled        = "cancelled"
)

// StructuredError is the JSON blob stored in workspaces.error_message.
type StructuredError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// JSON serializes the error for storage; marshal failures degrade to the
// bare message.
func (e *StructuredError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return e.Message
	}
	return string(data)
}

// NewStructuredError builds a structured error stamped with the current time.
func NewStructuredError(errType, message string, details map[string]interface{}) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}
