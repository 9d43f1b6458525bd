// Package workflow implements the per-job workflow state machine: step
// submission, approval gates, transition routing and rework loops.
//
// The Engine holds no instance state. Every operation takes a definition
// and an instance snapshot and returns a new snapshot; the input is never
// modified, so a returned error always leaves the caller's state intact.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// Submission is the work reported by a step's responsible agent.
type Submission struct {
	Summary   string
	Artifacts []string
}

// Engine applies state machine transitions to workflow instances.
type Engine struct {
	now   func() time.Time
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides instance id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates an instance positioned on the definition's first step.
func (e *Engine) Start(def *models.WorkflowDefinition, jobID, userID string) (*models.WorkflowInstance, error) {
	if def == nil || def.FirstStep() == nil {
		id := ""
		if def != nil {
			id = def.ID
		}
		return nil, &DefinitionError{WorkflowID: id, Reason: "workflow has no steps"}
	}
	first := def.FirstStep()
	now := e.now()
	inst := &models.WorkflowInstance{
		ID:            e.newID(),
		UserID:        userID,
		JobID:         jobID,
		WorkflowID:    def.ID,
		CurrentStepID: first.ID,
		Status:        models.InstanceStatusInProgress,
		StepHistory:   []models.StepRecord{newRecord(first, now)},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return inst, nil
}

// SubmitWork records the responsible agent's work on the current step. Gated
// steps move to awaiting_approval with one pending approval per declared
// approver; ungated steps pass immediately.
func (e *Engine) SubmitWork(def *models.WorkflowDefinition, inst *models.WorkflowInstance, sub Submission) (*models.WorkflowInstance, error) {
	const op = "submit_work"
	next, step, rec, err := e.begin(op, def, inst)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StepStatusInProgress && rec.Status != models.StepStatusFailed {
		return nil, &InvalidStateError{Op: op, StepID: rec.StepID, Status: string(rec.Status)}
	}
	now := e.now()
	if rec.Status == models.StepStatusFailed {
		// Resubmitting in place after a rejection: the rejected round is
		// archived and the step is decided afresh.
		archiveAttempt(rec, now)
		rec.Approvals = []models.Approval{}
		rec.Outcome = nil
		rec.Failure = nil
		rec.CompletedAt = nil
	}

	rec.Summary = sub.Summary
	rec.Artifacts = append(rec.Artifacts, sub.Artifacts...)

	if step.Gated() {
		rec.Status = models.StepStatusAwaitingApproval
		rec.Approvals = make([]models.Approval, 0, len(step.Approvals))
		for _, a := range step.Approvals {
			rec.Approvals = append(rec.Approvals, models.Approval{
				ApproverAgentID: a.Agent,
				Type:            a.Type,
				Status:          models.ApprovalStatusPending,
			})
		}
	} else {
		e.resolve(next, step, rec, models.Approved, now)
	}
	e.commit(next, now)
	return next, nil
}

// RecordApproval applies one approver's decision. Any declared approver with
// a pending approval may decide, in any order. A rejection fails the step
// and skips every other approval still pending; the step passes once every
// approval is approved.
func (e *Engine) RecordApproval(def *models.WorkflowDefinition, inst *models.WorkflowInstance, approverID string, decision models.ApprovalStatus, comments string) (*models.WorkflowInstance, error) {
	const op = "record_approval"
	next, step, rec, err := e.begin(op, def, inst)
	if err != nil {
		return nil, err
	}
	if decision != models.ApprovalStatusApproved && decision != models.ApprovalStatusRejected {
		return nil, ErrInvalidDecision
	}
	if _, ok := step.Approver(approverID); !ok {
		declared := make([]string, 0, len(step.Approvals))
		for _, a := range step.Approvals {
			declared = append(declared, a.Agent)
		}
		return nil, &UnknownApproverError{StepID: step.ID, Approver: approverID, Declared: declared}
	}
	if rec.Status != models.StepStatusAwaitingApproval {
		return nil, &InvalidStateError{Op: op, StepID: rec.StepID, Status: string(rec.Status)}
	}

	idx := -1
	for i := range rec.Approvals {
		if rec.Approvals[i].ApproverAgentID == approverID {
			idx = i
			break
		}
	}
	if idx < 0 || rec.Approvals[idx].Status != models.ApprovalStatusPending {
		return nil, &InvalidStateError{
			Op: op, StepID: rec.StepID, Status: string(rec.Status),
			Reason: "no pending approval for " + approverID,
		}
	}

	now := e.now()
	approval := &rec.Approvals[idx]
	approval.Status = decision
	approval.Comments = comments
	approval.DecidedAt = &now

	if decision == models.ApprovalStatusRejected {
		for i := range rec.Approvals {
			if i != idx && rec.Approvals[i].Status == models.ApprovalStatusPending {
				rec.Approvals[i].Status = models.ApprovalStatusSkipped
			}
		}
		e.resolve(next, step, rec, models.Rejected, now)
	} else if allApproved(rec.Approvals) {
		e.resolve(next, step, rec, models.Approved, now)
	}
	e.commit(next, now)
	return next, nil
}

// Signal resolves the current step with an outcome reported by its
// responsible agent instead of a submission. Only ungated steps that are
// still in progress accept a signal; gated steps resolve through their
// approvals alone.
func (e *Engine) Signal(def *models.WorkflowDefinition, inst *models.WorkflowInstance, cond models.Condition) (*models.WorkflowInstance, error) {
	const op = "signal"
	next, step, rec, err := e.begin(op, def, inst)
	if err != nil {
		return nil, err
	}
	if cond.IsZero() {
		return nil, &InvalidStateError{Op: op, StepID: rec.StepID, Status: string(rec.Status), Reason: "condition is empty"}
	}
	if step.Gated() {
		return nil, &InvalidStateError{
			Op: op, StepID: rec.StepID, Status: string(rec.Status),
			Reason: "gated steps resolve through approvals",
		}
	}
	if rec.Status != models.StepStatusInProgress {
		return nil, &InvalidStateError{Op: op, StepID: rec.StepID, Status: string(rec.Status)}
	}
	now := e.now()
	e.resolve(next, step, rec, cond, now)
	e.commit(next, now)
	return next, nil
}

// Advance follows the first transition declared for the current step's
// resolved condition. Entering a step that already has a record is a rework
// loop: the record is reused and its attempt counter bumped. When no
// transition matches, the returned instance is failed and the error is a
// *NoMatchingTransitionError; callers must persist that instance.
func (e *Engine) Advance(def *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
	const op = "advance"
	next, step, rec, err := e.begin(op, def, inst)
	if err != nil {
		return nil, err
	}
	if rec.Outcome == nil {
		return nil, &InvalidStateError{Op: op, StepID: rec.StepID, Status: string(rec.Status), Reason: "step has no resolved condition"}
	}
	cond := *rec.Outcome
	now := e.now()

	tr, ok := step.Route(cond)
	if !ok {
		rec.Failure = &models.TransitionFailure{
			StepID:     step.ID,
			Condition:  cond,
			Available:  append([]models.Transition(nil), step.Transitions...),
			OccurredAt: now,
		}
		next.Status = models.InstanceStatusFailed
		e.commit(next, now)
		return next, &NoMatchingTransitionError{
			WorkflowID: def.ID,
			StepID:     step.ID,
			Condition:  cond,
			Available:  rec.Failure.Available,
		}
	}

	target, ok := def.Step(tr.To)
	if !ok {
		return nil, &InvalidStateError{Op: op, StepID: step.ID, Status: string(rec.Status), Reason: "transition targets undefined step " + tr.To}
	}

	if existing := next.Record(target.ID); existing != nil {
		archiveAttempt(existing, now)
		existing.Attempts++
		existing.Status = models.StepStatusInProgress
		existing.Approvals = []models.Approval{}
		existing.Outcome = nil
		existing.Failure = nil
		existing.StartedAt = now
		existing.CompletedAt = nil
	} else {
		next.StepHistory = append(next.StepHistory, newRecord(target, now))
	}
	next.CurrentStepID = target.ID

	if target.Terminal() && !target.Gated() {
		e.resolve(next, target, next.Record(target.ID), models.Approved, now)
	}
	e.commit(next, now)
	return next, nil
}

// Block marks the instance blocked on an external dependency without
// touching step state. Blocking a blocked instance is a no-op.
func (e *Engine) Block(inst *models.WorkflowInstance, reason string) (*models.WorkflowInstance, error) {
	if inst.Status.Terminal() {
		return nil, &TerminalStateError{Op: "block", Status: inst.Status}
	}
	if inst.Status == models.InstanceStatusBlocked {
		return inst, nil
	}
	next := inst.Clone()
	next.Status = models.InstanceStatusBlocked
	next.BlockedReason = reason
	e.commit(next, e.now())
	return next, nil
}

// Unblock returns a blocked instance to in_progress. Unblocking an instance
// that is not blocked returns it unchanged.
func (e *Engine) Unblock(inst *models.WorkflowInstance) (*models.WorkflowInstance, error) {
	if inst.Status.Terminal() {
		return nil, &TerminalStateError{Op: "unblock", Status: inst.Status}
	}
	if inst.Status != models.InstanceStatusBlocked {
		return inst, nil
	}
	next := inst.Clone()
	next.Status = models.InstanceStatusInProgress
	next.BlockedReason = ""
	e.commit(next, e.now())
	return next, nil
}

// begin runs the shared preconditions of step operations and returns a
// private copy of the instance to mutate.
func (e *Engine) begin(op string, def *models.WorkflowDefinition, inst *models.WorkflowInstance) (*models.WorkflowInstance, *models.StepDefinition, *models.StepRecord, error) {
	if inst.Status.Terminal() {
		return nil, nil, nil, &TerminalStateError{Op: op, Status: inst.Status}
	}
	if inst.Status == models.InstanceStatusBlocked {
		return nil, nil, nil, &InvalidStateError{Op: op, StepID: inst.CurrentStepID, Status: string(inst.Status), Reason: "instance is blocked: " + inst.BlockedReason}
	}
	if def == nil || def.ID != inst.WorkflowID {
		return nil, nil, nil, &InvalidStateError{Op: op, StepID: inst.CurrentStepID, Status: string(inst.Status), Reason: "definition does not match instance workflow " + inst.WorkflowID}
	}
	step, ok := def.Step(inst.CurrentStepID)
	if !ok {
		return nil, nil, nil, &InvalidStateError{Op: op, StepID: inst.CurrentStepID, Status: string(inst.Status), Reason: "current step is not defined"}
	}
	next := inst.Clone()
	rec := next.CurrentRecord()
	if rec == nil {
		return nil, nil, nil, &InvalidStateError{Op: op, StepID: inst.CurrentStepID, Status: string(inst.Status), Reason: "current step has no record"}
	}
	return next, step, rec, nil
}

// resolve fixes the outcome of rec. A passed terminal step completes the
// instance.
func (e *Engine) resolve(inst *models.WorkflowInstance, step *models.StepDefinition, rec *models.StepRecord, cond models.Condition, now time.Time) {
	c := cond
	rec.Outcome = &c
	rec.CompletedAt = &now
	if cond == models.Rejected {
		rec.Status = models.StepStatusFailed
		return
	}
	rec.Status = models.StepStatusPassed
	if step.Terminal() {
		inst.Status = models.InstanceStatusCompleted
	}
}

func allApproved(approvals []models.Approval) bool {
	for _, a := range approvals {
		if a.Status != models.ApprovalStatusApproved {
			return false
		}
	}
	return true
}

func (e *Engine) commit(inst *models.WorkflowInstance, now time.Time) {
	inst.Version++
	inst.UpdatedAt = now
}

func newRecord(step *models.StepDefinition, now time.Time) models.StepRecord {
	return models.StepRecord{
		StepID:    step.ID,
		Agent:     step.Agent,
		Status:    models.StepStatusInProgress,
		Attempts:  1,
		Artifacts: []string{},
		Approvals: []models.Approval{},
		StartedAt: now,
	}
}

// archiveAttempt snapshots the decided round of rec into its history.
// Artifacts stay on the record as well; they accumulate across attempts.
func archiveAttempt(rec *models.StepRecord, now time.Time) {
	var outcome *models.Condition
	if rec.Outcome != nil {
		c := *rec.Outcome
		outcome = &c
	}
	approvals := make([]models.Approval, len(rec.Approvals))
	copy(approvals, rec.Approvals)
	rec.PriorAttempts = append(rec.PriorAttempts, models.AttemptRecord{
		Attempt:   rec.Attempts,
		Summary:   rec.Summary,
		Artifacts: append([]string{}, rec.Artifacts...),
		Approvals: approvals,
		Outcome:   outcome,
		EndedAt:   now,
	})
}
