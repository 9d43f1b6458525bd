package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/Cstolworthy/AgentParty/internal/repository"
	"github.com/Cstolworthy/AgentParty/internal/workflow"
	"github.com/Cstolworthy/AgentParty/pkg/models"
)

var (
	// ErrJobNotFound is returned for a job id with no loaded definition.
	ErrJobNotFound = errors.New("job not found")
	// ErrWorkflowNotFound is returned when a job or instance names a workflow
	// that is not loaded.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrInstanceExists is returned by StartJob while an unfinished instance
	// holds the key.
	ErrInstanceExists = errors.New("job already started")
	// ErrNoReviewer is returned by RequestReview and ConsultAgent when no
	// agent invoker is configured.
	ErrNoReviewer = errors.New("no reviewer configured")
	// ErrAgentNotFound is returned for an agent id with no loaded definition.
	ErrAgentNotFound = errors.New("agent not found")
)

// Task describes what the responsible agent has to do next.
type Task struct {
	JobID            string                `json:"job_id"`
	JobTitle         string                `json:"job_title"`
	WorkflowID       string                `json:"workflow_id"`
	InstanceStatus   models.InstanceStatus `json:"instance_status"`
	BlockedReason    string                `json:"blocked_reason,omitempty"`
	StepID           string                `json:"step_id"`
	StepName         string                `json:"step_name"`
	Description      string                `json:"description,omitempty"`
	Agent            string                `json:"responsible_agent"`
	Inputs           []string              `json:"inputs,omitempty"`
	Outputs          []string              `json:"outputs,omitempty"`
	Status           models.StepStatus     `json:"status"`
	Attempt          int                   `json:"attempt"`
	PendingApprovers []string              `json:"pending_approvers,omitempty"`
	Transitions      []models.Transition   `json:"transitions,omitempty"`
	JobContext       string                `json:"job_context,omitempty"`
}

// WorkflowService drives per-user job instances through their workflows.
// Operations on the same (user, job) are serialised; writes are also
// guarded by the store's version check.
type WorkflowService struct {
	catalog    Catalog
	store      repository.InstanceStore
	engine     *workflow.Engine
	reviewer   Reviewer
	consultant Consultant
	budget     *BudgetTracker
	metrics    workflow.Metrics
	logger     Logger
	locks      *keyedMutex
}

// Option configures a WorkflowService.
type Option func(*WorkflowService)

// WithMetrics reports workflow events to m once each change is saved.
func WithMetrics(m workflow.Metrics) Option {
	return func(s *WorkflowService) { s.metrics = m }
}

// WithConsultant enables ConsultAgent.
func WithConsultant(c Consultant) Option {
	return func(s *WorkflowService) { s.consultant = c }
}

// WithBudget charges every reviewer and consultant call to the calling
// user's budget.
func WithBudget(b *BudgetTracker) Option {
	return func(s *WorkflowService) { s.budget = b }
}

// NewWorkflowService creates a new WorkflowService. reviewer may be nil, in
// which case RequestReview is unavailable.
func NewWorkflowService(catalog Catalog, store repository.InstanceStore, engine *workflow.Engine, reviewer Reviewer, logger Logger, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		catalog:  catalog,
		store:    store,
		engine:   engine,
		reviewer: reviewer,
		logger:   logger,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lockKey(userID, jobID string) string {
	return userID + "\x00" + jobID
}

// StartJob creates the user's instance of a job positioned on its
// workflow's first step. A finished instance is replaced.
func (s *WorkflowService) StartJob(ctx context.Context, userID, jobID string) (*models.WorkflowInstance, error) {
	job, ok := s.catalog.Job(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	def, ok := s.catalog.Workflow(job.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, job.WorkflowID)
	}

	unlock := s.locks.Lock(lockKey(userID, jobID))
	defer unlock()

	existing, err := s.store.Get(ctx, userID, jobID)
	switch {
	case err == nil:
		if !existing.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrInstanceExists, jobID, existing.Status)
		}
		if err := s.store.Delete(ctx, userID, jobID); err != nil {
			return nil, fmt.Errorf("failed to replace finished instance: %w", err)
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}

	inst, err := s.engine.Start(def, jobID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceExists, jobID)
		}
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	s.logger.Info("Job started", "user_id", userID, "job_id", jobID, "workflow_id", def.ID, "step_id", inst.CurrentStepID)
	return inst, nil
}

// Instance returns the user's instance of a job.
func (s *WorkflowService) Instance(ctx context.Context, userID, jobID string) (*models.WorkflowInstance, error) {
	return s.store.Get(ctx, userID, jobID)
}

// ListInstances returns every live instance of a user.
func (s *WorkflowService) ListInstances(ctx context.Context, userID string) ([]*models.WorkflowInstance, error) {
	return s.store.ListByUser(ctx, userID)
}

// CurrentTask describes the current step of the user's instance of a job.
func (s *WorkflowService) CurrentTask(ctx context.Context, userID, jobID string) (*Task, error) {
	inst, err := s.store.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	def, ok := s.catalog.Workflow(inst.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, inst.WorkflowID)
	}
	step, ok := def.Step(inst.CurrentStepID)
	if !ok {
		return nil, fmt.Errorf("%w: step %s is no longer defined in %s", ErrWorkflowNotFound, inst.CurrentStepID, def.ID)
	}

	task := &Task{
		JobID:          jobID,
		JobTitle:       jobID,
		WorkflowID:     def.ID,
		InstanceStatus: inst.Status,
		BlockedReason:  inst.BlockedReason,
		StepID:         step.ID,
		StepName:       step.Name,
		Description:    step.Description,
		Agent:          step.Agent,
		Inputs:         step.Inputs,
		Outputs:        step.Outputs,
		Transitions:    step.Transitions,
	}
	if job, ok := s.catalog.Job(jobID); ok {
		task.JobTitle = job.Title
		task.JobContext = job.ContextContent
	}
	if rec := inst.CurrentRecord(); rec != nil {
		task.Status = rec.Status
		task.Attempt = rec.Attempts
		task.PendingApprovers = rec.PendingApprovers()
	}
	return task, nil
}

// SubmitWork records the responsible agent's work on the current step.
func (s *WorkflowService) SubmitWork(ctx context.Context, userID, jobID string, sub workflow.Submission) (*models.WorkflowInstance, error) {
	return s.update(ctx, userID, jobID, func(def *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
		return s.engine.SubmitWork(def, inst, sub)
	})
}

// RecordApproval applies one approver's decision on the current step.
func (s *WorkflowService) RecordApproval(ctx context.Context, userID, jobID, approverID string, decision models.ApprovalStatus, comments string) (*models.WorkflowInstance, error) {
	return s.update(ctx, userID, jobID, func(def *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
		return s.engine.RecordApproval(def, inst, approverID, decision, comments)
	})
}

// Signal reports a named outcome for the current step.
func (s *WorkflowService) Signal(ctx context.Context, userID, jobID string, cond models.Condition) (*models.WorkflowInstance, error) {
	return s.update(ctx, userID, jobID, func(def *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
		return s.engine.Signal(def, inst, cond)
	})
}

// Advance follows the transition matching the current step's outcome. When
// no transition matches, the failed instance is persisted and returned
// together with the error.
func (s *WorkflowService) Advance(ctx context.Context, userID, jobID string) (*models.WorkflowInstance, error) {
	return s.update(ctx, userID, jobID, func(def *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
		return s.engine.Advance(def, inst)
	})
}

// Block marks the instance blocked on an external dependency.
func (s *WorkflowService) Block(ctx context.Context, userID, jobID, reason string) (*models.WorkflowInstance, error) {
	return s.update(ctx, userID, jobID, func(_ *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
		return s.engine.Block(inst, reason)
	})
}

// Unblock resumes a blocked instance.
func (s *WorkflowService) Unblock(ctx context.Context, userID, jobID string) (*models.WorkflowInstance, error) {
	return s.update(ctx, userID, jobID, func(_ *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
		return s.engine.Unblock(inst)
	})
}

// RequestReview asks each pending approver of the current step for a
// verdict, in declared order, and records it. Reviewers are called without
// holding the instance lock. It stops after the first rejection.
func (s *WorkflowService) RequestReview(ctx context.Context, userID, jobID string) (*models.WorkflowInstance, error) {
	if s.reviewer == nil {
		return nil, ErrNoReviewer
	}
	inst, err := s.store.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	rec := inst.CurrentRecord()
	if rec == nil || rec.Status != models.StepStatusAwaitingApproval {
		status := ""
		if rec != nil {
			status = string(rec.Status)
		}
		return nil, &workflow.InvalidStateError{Op: "request_review", StepID: inst.CurrentStepID, Status: status, Reason: "no approvals are pending"}
	}
	def, ok := s.catalog.Workflow(inst.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, inst.WorkflowID)
	}
	step, ok := def.Step(inst.CurrentStepID)
	if !ok {
		return nil, fmt.Errorf("%w: step %s is no longer defined in %s", ErrWorkflowNotFound, inst.CurrentStepID, def.ID)
	}

	base := ReviewRequest{
		UserID:          userID,
		JobID:           jobID,
		JobTitle:        jobID,
		WorkflowID:      def.ID,
		StepID:          step.ID,
		StepName:        step.Name,
		StepDescription: step.Description,
		Attempt:         rec.Attempts,
		Summary:         rec.Summary,
		Artifacts:       rec.Artifacts,
	}
	if job, ok := s.catalog.Job(jobID); ok {
		base.JobTitle = job.Title
		base.JobContext = job.ContextContent
	}

	for _, approver := range rec.PendingApprovers() {
		req := base
		req.Approver = approver
		if reqmt, ok := step.Approver(approver); ok {
			req.ApprovalType = reqmt.Type
		}
		if agent, ok := s.catalog.Agent(approver); ok {
			req.SystemPrompt = agent.SystemPrompt
		}

		if err := s.allow(userID); err != nil {
			return nil, err
		}
		verdict, err := s.reviewer.Decide(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("review by %s failed: %w", approver, err)
		}
		s.track(userID, verdict.Usage)
		decision := models.ApprovalStatusRejected
		if verdict.Approved {
			decision = models.ApprovalStatusApproved
		}
		s.logger.Info("Review decided", "user_id", userID, "job_id", jobID, "step_id", step.ID, "approver", approver, "decision", decision)

		inst, err = s.RecordApproval(ctx, userID, jobID, approver, decision, verdict.Comments)
		if err != nil {
			return nil, err
		}
		if decision == models.ApprovalStatusRejected {
			break
		}
	}
	return inst, nil
}

// ConsultAgent asks an agent a question on the user's behalf. When jobID
// names a loaded job its context is sent along.
func (s *WorkflowService) ConsultAgent(ctx context.Context, userID, agentID, question, jobID string) (*Guidance, error) {
	agent, ok := s.catalog.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if s.consultant == nil {
		return nil, ErrNoReviewer
	}
	req := ConsultRequest{
		UserID:       userID,
		AgentID:      agentID,
		Question:     question,
		SystemPrompt: agent.SystemPrompt,
	}
	if jobID != "" {
		job, ok := s.catalog.Job(jobID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		req.JobID = job.ID
		req.JobContext = job.ContextContent
	}

	if err := s.allow(userID); err != nil {
		return nil, err
	}
	guidance, err := s.consultant.Consult(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("consulting %s failed: %w", agentID, err)
	}
	s.track(userID, guidance.Usage)
	s.logger.Info("Agent consulted", "user_id", userID, "agent_id", agentID, "job_id", jobID, "cost_usd", guidance.Usage.CostUSD)
	return guidance, nil
}

// Budget returns the user's spend in the current period. Without a budget
// tracker every user is unlimited.
func (s *WorkflowService) Budget(userID string) BudgetStatus {
	if s.budget == nil {
		return BudgetStatus{UserID: userID}
	}
	return s.budget.Status(userID)
}

func (s *WorkflowService) allow(userID string) error {
	if s.budget == nil {
		return nil
	}
	return s.budget.Allow(userID)
}

func (s *WorkflowService) track(userID string, usage Usage) {
	if s.budget != nil {
		s.budget.Track(userID, usage)
	}
}

type mutation func(def *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error)

// update loads an instance under its lock, applies fn and saves the result
// if fn produced a new version.
func (s *WorkflowService) update(ctx context.Context, userID, jobID string, fn mutation) (*models.WorkflowInstance, error) {
	unlock := s.locks.Lock(lockKey(userID, jobID))
	defer unlock()

	inst, err := s.store.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	def, ok := s.catalog.Workflow(inst.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, inst.WorkflowID)
	}

	next, opErr := fn(def, inst)
	if next == nil {
		return nil, opErr
	}
	if next.Version == inst.Version {
		return next, opErr
	}
	if err := s.store.Save(ctx, next, inst.Version); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}
	workflow.Observe(s.metrics, inst, next)
	if opErr != nil {
		s.logger.Warn("Workflow step failed", "user_id", userID, "job_id", jobID, "step_id", next.CurrentStepID, "error", opErr)
		return next, opErr
	}
	if next.Status != inst.Status {
		s.logger.Info("Instance status changed", "user_id", userID, "job_id", jobID, "from", inst.Status, "to", next.Status)
	}
	return next, nil
}
