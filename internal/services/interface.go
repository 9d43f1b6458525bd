package services

import (
	"context"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// ReviewRequest carries everything an approver agent needs to judge a
// submission.
type ReviewRequest struct {
	UserID          string              `json:"user_id"`
	JobID           string              `json:"job_id"`
	JobTitle        string              `json:"job_title"`
	WorkflowID      string              `json:"workflow_id"`
	StepID          string              `json:"step_id"`
	StepName        string              `json:"step_name"`
	StepDescription string              `json:"step_description,omitempty"`
	Attempt         int                 `json:"attempt"`
	Approver        string              `json:"approver_agent_id"`
	ApprovalType    models.ApprovalType `json:"approval_type"`
	SystemPrompt    string              `json:"system_prompt,omitempty"`
	JobContext      string              `json:"job_context,omitempty"`
	Summary         string              `json:"summary,omitempty"`
	Artifacts       []string            `json:"artifacts"`
}

// Usage is what one agent call cost.
type Usage struct {
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// Verdict is an approver's decision.
type Verdict struct {
	Approved bool   `json:"approved"`
	Comments string `json:"comments"`
	Reviewer string `json:"reviewer"`
	Usage    Usage  `json:"usage"`
}

// Reviewer asks an approver agent for a decision.
type Reviewer interface {
	Decide(ctx context.Context, req ReviewRequest) (*Verdict, error)
}

// ConsultRequest is a free-form question put to an agent.
type ConsultRequest struct {
	UserID       string `json:"user_id"`
	AgentID      string `json:"agent_id"`
	Question     string `json:"question"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	JobContext   string `json:"job_context,omitempty"`
}

// Guidance is an agent's answer to a ConsultRequest.
type Guidance struct {
	Agent    string `json:"agent"`
	Guidance string `json:"guidance"`
	Usage    Usage  `json:"usage"`
}

// Consultant asks an agent for guidance outside any approval.
type Consultant interface {
	Consult(ctx context.Context, req ConsultRequest) (*Guidance, error)
}

// Catalog resolves definitions by id.
type Catalog interface {
	Workflow(id string) (*models.WorkflowDefinition, bool)
	Agent(id string) (*models.AgentDefinition, bool)
	Job(id string) (*models.JobDefinition, bool)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
