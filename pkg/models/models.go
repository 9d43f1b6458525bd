// Package models defines the domain models for the agent workflow service
package models

import (
	"time"
)

// InstanceStatus represents the lifecycle state of a workflow instance
type InstanceStatus string

const (
	InstanceStatusInitiated  InstanceStatus = "initiated"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusBlocked    InstanceStatus = "blocked"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusCompleted  InstanceStatus = "completed"
)

// Terminal reports whether no further mutation is allowed
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// StepStatus represents the progress of a single step record
type StepStatus string

const (
	StepStatusNotStarted       StepStatus = "not_started"
	StepStatusInProgress       StepStatus = "in_progress"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
	StepStatusPassed           StepStatus = "passed"
	StepStatusFailed           StepStatus = "failed"
	StepStatusSkipped          StepStatus = "skipped"
)

// ApprovalStatus represents the decision state of one approver
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusSkipped  ApprovalStatus = "skipped"
)

// Approval is the decision of one declared approver on a step attempt
type Approval struct {
	ApproverAgentID string         `json:"approver_agent_id"`
	Type            ApprovalType   `json:"approval_type"`
	Status          ApprovalStatus `json:"status"`
	Comments        string         `json:"comments,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
}

// AttemptRecord archives a finished attempt of a step that was later reworked
type AttemptRecord struct {
	Attempt   int        `json:"attempt"`
	Summary   string     `json:"summary,omitempty"`
	Artifacts []string   `json:"artifacts"`
	Approvals []Approval `json:"approvals"`
	Outcome   *Condition `json:"outcome,omitempty"`
	EndedAt   time.Time  `json:"ended_at"`
}

// TransitionFailure preserves the diagnosis of a condition no transition handles
type TransitionFailure struct {
	StepID     string       `json:"step_id"`
	Condition  Condition    `json:"condition"`
	Available  []Transition `json:"available_transitions"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// StepRecord tracks one step within an instance. A step re-entered through a
// rework loop reuses its record and bumps Attempts.
type StepRecord struct {
	StepID        string             `json:"step_id"`
	Agent         string             `json:"agent"`
	Status        StepStatus         `json:"status"`
	Attempts      int                `json:"attempts"`
	Summary       string             `json:"summary,omitempty"`
	Artifacts     []string           `json:"artifacts"`
	Approvals     []Approval         `json:"approvals"`
	Outcome       *Condition         `json:"outcome,omitempty"`
	PriorAttempts []AttemptRecord    `json:"prior_attempts,omitempty"`
	Failure       *TransitionFailure `json:"failure,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// PendingApprovers lists approvers that have not decided yet, in declared order
func (r *StepRecord) PendingApprovers() []string {
	var out []string
	for _, a := range r.Approvals {
		if a.Status == ApprovalStatusPending {
			out = append(out, a.ApproverAgentID)
		}
	}
	return out
}

// WorkflowInstance is the live progress of one user's job through a workflow
type WorkflowInstance struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	JobID         string         `json:"job_id"`
	WorkflowID    string         `json:"workflow_id"`
	CurrentStepID string         `json:"current_step_id"`
	Status        InstanceStatus `json:"status"`
	BlockedReason string         `json:"blocked_reason,omitempty"`
	StepHistory   []StepRecord   `json:"step_history"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Record returns the record for stepID, or nil when the step was never entered
func (i *WorkflowInstance) Record(stepID string) *StepRecord {
	for idx := range i.StepHistory {
		if i.StepHistory[idx].StepID == stepID {
			return &i.StepHistory[idx]
		}
	}
	return nil
}

// CurrentRecord returns the record of the current step
func (i *WorkflowInstance) CurrentRecord() *StepRecord {
	return i.Record(i.CurrentStepID)
}

// Clone returns a deep copy so callers can mutate a snapshot without
// touching the original.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	out := *i
	if i.StepHistory != nil {
		out.StepHistory = make([]StepRecord, len(i.StepHistory))
		for idx, r := range i.StepHistory {
			out.StepHistory[idx] = r.clone()
		}
	}
	return &out
}

func (r StepRecord) clone() StepRecord {
	out := r
	out.Artifacts = cloneSlice(r.Artifacts)
	out.Approvals = cloneApprovals(r.Approvals)
	out.Outcome = clonePtr(r.Outcome)
	out.CompletedAt = clonePtr(r.CompletedAt)
	if r.PriorAttempts != nil {
		out.PriorAttempts = make([]AttemptRecord, len(r.PriorAttempts))
		for idx, a := range r.PriorAttempts {
			a.Artifacts = cloneSlice(a.Artifacts)
			a.Approvals = cloneApprovals(a.Approvals)
			a.Outcome = clonePtr(a.Outcome)
			out.PriorAttempts[idx] = a
		}
	}
	if r.Failure != nil {
		f := *r.Failure
		f.Available = cloneSlice(f.Available)
		out.Failure = &f
	}
	return out
}

func cloneApprovals(in []Approval) []Approval {
	out := cloneSlice(in)
	for idx := range out {
		out[idx].DecidedAt = clonePtr(out[idx].DecidedAt)
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func clonePtr[T any](in *T) *T {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
