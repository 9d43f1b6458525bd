package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

func testEngine() *Engine {
	clock := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	return NewEngine(
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
		WithIDGenerator(func() string { return "inst-1" }),
	)
}

// scenarioDefinition is A(no approvals)->B, B(approved->C, rejected->A), C terminal.
func scenarioDefinition() *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID: "abc",
		Steps: []models.StepDefinition{
			{ID: "A", Agent: "programmer", Transitions: []models.Transition{{To: "B", Condition: models.Approved}}},
			{
				ID:        "B",
				Agent:     "programmer",
				Approvals: []models.ApprovalRequirement{{Agent: "manager", Type: models.ApprovalTypeReview}},
				Transitions: []models.Transition{
					{To: "C", Condition: models.Approved},
					{To: "A", Condition: models.Rejected},
				},
			},
			{ID: "C", Agent: "programmer"},
		},
	}
	Normalize(def)
	return def
}

func gateDefinition(approvers ...string) *models.WorkflowDefinition {
	reqs := make([]models.ApprovalRequirement, 0, len(approvers))
	for _, a := range approvers {
		reqs = append(reqs, models.ApprovalRequirement{Agent: a, Type: models.ApprovalTypeReview})
	}
	def := &models.WorkflowDefinition{
		ID: "gate",
		Steps: []models.StepDefinition{
			{ID: "implementation", Agent: "programmer", Approvals: reqs, Transitions: []models.Transition{
				{To: "done", Condition: models.Approved},
				{To: "implementation", Condition: models.Rejected},
			}},
			{ID: "done", Agent: "programmer"},
		},
	}
	Normalize(def)
	return def
}

func inProgressCount(inst *models.WorkflowInstance) int {
	n := 0
	for _, r := range inst.StepHistory {
		if r.Status == models.StepStatusInProgress {
			n++
		}
	}
	return n
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestStart(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()

	inst, err := e.Start(def, "job-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, "A", inst.CurrentStepID)
	assert.Equal(t, models.InstanceStatusInProgress, inst.Status)
	assert.Equal(t, "abc", inst.WorkflowID)
	assert.Equal(t, "job-1", inst.JobID)
	assert.Equal(t, "user-1", inst.UserID)
	require.Len(t, inst.StepHistory, 1)
	assert.Equal(t, models.StepStatusInProgress, inst.StepHistory[0].Status)
	assert.Equal(t, 1, inst.StepHistory[0].Attempts)
	assert.Equal(t, int64(1), inst.Version)
}

func TestStart_EmptyDefinition(t *testing.T) {
	_, err := testEngine().Start(&models.WorkflowDefinition{ID: "empty"}, "job", "user")
	assert.ErrorIs(t, err, ErrDefinition)
}

func TestScenario_ReworkLoopToCompletion(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()

	inst, err := e.Start(def, "job-1", "user-1")
	require.NoError(t, err)

	inst, err = e.SubmitWork(def, inst, Submission{Artifacts: []string{"src/auth.go"}})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPassed, inst.Record("A").Status)

	inst, err = e.Advance(def, inst)
	require.NoError(t, err)
	assert.Equal(t, "B", inst.CurrentStepID)
	assert.Equal(t, 1, inst.Record("B").Attempts)

	inst, err = e.SubmitWork(def, inst, Submission{Summary: "ready for review"})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusAwaitingApproval, inst.Record("B").Status)
	assert.Equal(t, []string{"manager"}, inst.Record("B").PendingApprovers())

	inst, err = e.RecordApproval(def, inst, "manager", models.ApprovalStatusRejected, "missing tests")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, inst.Record("B").Status)

	inst, err = e.Advance(def, inst)
	require.NoError(t, err)
	assert.Equal(t, "A", inst.CurrentStepID)
	assert.Equal(t, 2, inst.Record("A").Attempts)
	assert.Equal(t, models.StepStatusInProgress, inst.Record("A").Status)
	assert.Equal(t, []string{"src/auth.go"}, inst.Record("A").Artifacts)
	require.Len(t, inst.Record("A").PriorAttempts, 1)
	assert.Equal(t, []string{"src/auth.go"}, inst.Record("A").PriorAttempts[0].Artifacts)

	inst, err = e.SubmitWork(def, inst, Submission{Artifacts: []string{"src/auth_test.go"}})
	require.NoError(t, err)
	inst, err = e.Advance(def, inst)
	require.NoError(t, err)
	assert.Equal(t, "B", inst.CurrentStepID)
	assert.Equal(t, 2, inst.Record("B").Attempts)
	assert.Len(t, inst.StepHistory, 2, "rework must reuse records, not duplicate them")

	inst, err = e.SubmitWork(def, inst, Submission{})
	require.NoError(t, err)
	inst, err = e.RecordApproval(def, inst, "manager", models.ApprovalStatusApproved, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPassed, inst.Record("B").Status)

	inst, err = e.Advance(def, inst)
	require.NoError(t, err)
	assert.Equal(t, "C", inst.CurrentStepID)
	assert.Equal(t, models.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, 0, inProgressCount(inst))
}

func TestAtMostOneStepInProgress(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()

	inst, err := e.Start(def, "job", "user")
	require.NoError(t, err)
	steps := []func(*models.WorkflowInstance) (*models.WorkflowInstance, error){
		func(i *models.WorkflowInstance) (*models.WorkflowInstance, error) {
			return e.SubmitWork(def, i, Submission{})
		},
		func(i *models.WorkflowInstance) (*models.WorkflowInstance, error) { return e.Advance(def, i) },
		func(i *models.WorkflowInstance) (*models.WorkflowInstance, error) {
			return e.SubmitWork(def, i, Submission{})
		},
		func(i *models.WorkflowInstance) (*models.WorkflowInstance, error) {
			return e.RecordApproval(def, i, "manager", models.ApprovalStatusRejected, "")
		},
		func(i *models.WorkflowInstance) (*models.WorkflowInstance, error) { return e.Advance(def, i) },
		func(i *models.WorkflowInstance) (*models.WorkflowInstance, error) {
			return e.SubmitWork(def, i, Submission{})
		},
		func(i *models.WorkflowInstance) (*models.WorkflowInstance, error) { return e.Advance(def, i) },
	}
	assert.LessOrEqual(t, inProgressCount(inst), 1)
	for _, step := range steps {
		inst, err = step(inst)
		require.NoError(t, err)
		assert.LessOrEqual(t, inProgressCount(inst), 1)
	}
}

func TestBlockUnblock_Idempotent(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()
	inst, err := e.Start(def, "job", "user")
	require.NoError(t, err)

	same, err := e.Unblock(inst)
	require.NoError(t, err)
	assert.Equal(t, mustJSON(t, inst), mustJSON(t, same))

	once, err := e.Block(inst, "waiting on credentials")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusBlocked, once.Status)
	assert.Equal(t, inst.CurrentStepID, once.CurrentStepID)
	assert.Equal(t, mustJSON(t, inst.StepHistory), mustJSON(t, once.StepHistory))

	twice, err := e.Block(once, "waiting on credentials")
	require.NoError(t, err)
	assert.Equal(t, mustJSON(t, once), mustJSON(t, twice))

	_, err = e.SubmitWork(def, twice, Submission{})
	assert.ErrorIs(t, err, ErrInvalidState)

	unblocked, err := e.Unblock(twice)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusInProgress, unblocked.Status)
	assert.Empty(t, unblocked.BlockedReason)
}

func TestRejectionSkipsRemainingApprovals(t *testing.T) {
	e := testEngine()
	def := gateDefinition("qa-engineer", "security", "manager")
	inst, err := e.Start(def, "job", "user")
	require.NoError(t, err)
	inst, err = e.SubmitWork(def, inst, Submission{})
	require.NoError(t, err)

	inst, err = e.RecordApproval(def, inst, "qa-engineer", models.ApprovalStatusRejected, "flaky tests")
	require.NoError(t, err)

	rec := inst.Record("implementation")
	assert.Equal(t, models.StepStatusFailed, rec.Status)
	require.Len(t, rec.Approvals, 3)
	assert.Equal(t, models.ApprovalStatusRejected, rec.Approvals[0].Status)
	assert.Equal(t, "flaky tests", rec.Approvals[0].Comments)
	assert.NotNil(t, rec.Approvals[0].DecidedAt)
	assert.Equal(t, models.ApprovalStatusSkipped, rec.Approvals[1].Status)
	assert.Equal(t, models.ApprovalStatusSkipped, rec.Approvals[2].Status)
	assert.Empty(t, rec.PendingApprovers())
}

func TestRejectionAfterPartialApproval(t *testing.T) {
	e := testEngine()
	def := gateDefinition("qa-engineer", "security", "manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})

	inst, err := e.RecordApproval(def, inst, "qa-engineer", models.ApprovalStatusApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusAwaitingApproval, inst.Record("implementation").Status)

	inst, err = e.RecordApproval(def, inst, "security", models.ApprovalStatusRejected, "sql injection")
	require.NoError(t, err)
	rec := inst.Record("implementation")
	assert.Equal(t, models.ApprovalStatusApproved, rec.Approvals[0].Status)
	assert.Equal(t, models.ApprovalStatusRejected, rec.Approvals[1].Status)
	assert.Equal(t, models.ApprovalStatusSkipped, rec.Approvals[2].Status)
}

func TestApprovalsAcceptedInAnyOrder(t *testing.T) {
	e := testEngine()
	def := gateDefinition("qa-engineer", "manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})

	inst, err := e.RecordApproval(def, inst, "manager", models.ApprovalStatusApproved, "")
	require.NoError(t, err)
	rec := inst.Record("implementation")
	assert.Equal(t, models.StepStatusAwaitingApproval, rec.Status)
	assert.Equal(t, []string{"qa-engineer"}, rec.PendingApprovers())

	inst, err = e.RecordApproval(def, inst, "qa-engineer", models.ApprovalStatusApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPassed, inst.Record("implementation").Status)
	assert.Equal(t, models.Approved, *inst.Record("implementation").Outcome)
}

func TestLaterApproverRejectionSkipsEarlierPending(t *testing.T) {
	e := testEngine()
	def := gateDefinition("qa-engineer", "manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})

	inst, err := e.RecordApproval(def, inst, "manager", models.ApprovalStatusRejected, "scope creep")
	require.NoError(t, err)

	rec := inst.Record("implementation")
	assert.Equal(t, models.StepStatusFailed, rec.Status)
	assert.Equal(t, models.Rejected, *rec.Outcome)
	assert.Equal(t, models.ApprovalStatusSkipped, rec.Approvals[0].Status)
	assert.Nil(t, rec.Approvals[0].DecidedAt)
	assert.Equal(t, models.ApprovalStatusRejected, rec.Approvals[1].Status)

	_, err = e.RecordApproval(def, inst, "qa-engineer", models.ApprovalStatusApproved, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordApproval_AlreadyDecided(t *testing.T) {
	e := testEngine()
	def := gateDefinition("qa-engineer", "manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, _ = e.RecordApproval(def, inst, "qa-engineer", models.ApprovalStatusApproved, "")

	_, err := e.RecordApproval(def, inst, "qa-engineer", models.ApprovalStatusRejected, "changed my mind")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Contains(t, stateErr.Reason, "no pending approval for qa-engineer")
}

func TestSelfLoopReworkIncrementsAttempts(t *testing.T) {
	e := testEngine()
	def := gateDefinition("manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{Artifacts: []string{"v1.patch"}})
	inst, err := e.RecordApproval(def, inst, "manager", models.ApprovalStatusRejected, "redo")
	require.NoError(t, err)

	inst, err = e.Advance(def, inst)
	require.NoError(t, err)
	rec := inst.Record("implementation")
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, models.StepStatusInProgress, rec.Status)
	assert.Empty(t, rec.Approvals)
	require.Len(t, rec.PriorAttempts, 1)
	assert.Equal(t, models.ApprovalStatusRejected, rec.PriorAttempts[0].Approvals[0].Status)
	assert.Equal(t, models.Rejected, *rec.PriorAttempts[0].Outcome)
	assert.Equal(t, []string{"v1.patch"}, rec.Artifacts)
}

func TestResubmitAfterRejectionWithoutAdvance(t *testing.T) {
	e := testEngine()
	def := gateDefinition("manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, _ = e.RecordApproval(def, inst, "manager", models.ApprovalStatusRejected, "no")

	inst, err := e.SubmitWork(def, inst, Submission{Artifacts: []string{"fix.patch"}})
	require.NoError(t, err)
	rec := inst.Record("implementation")
	assert.Equal(t, models.StepStatusAwaitingApproval, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Nil(t, rec.Outcome)
	assert.Equal(t, []string{"manager"}, rec.PendingApprovers())
	assert.Len(t, rec.PriorAttempts, 1)
}

func TestSubmitWork_InvalidState(t *testing.T) {
	e := testEngine()
	def := gateDefinition("manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})

	_, err := e.SubmitWork(def, inst, Submission{})
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "submit_work", stateErr.Op)
	assert.Equal(t, string(models.StepStatusAwaitingApproval), stateErr.Status)
}

func TestAdvance_Unresolved(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()
	inst, _ := e.Start(def, "job", "user")

	_, err := e.Advance(def, inst)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNoMatchingTransitionFailsInstance(t *testing.T) {
	e := testEngine()
	def := &models.WorkflowDefinition{
		ID: "partial",
		Steps: []models.StepDefinition{
			{ID: "security_gate", Agent: "programmer",
				Approvals:   []models.ApprovalRequirement{{Agent: "policy-gate"}},
				Transitions: []models.Transition{{To: "release"}}},
			{ID: "release", Agent: "programmer"},
		},
	}
	Normalize(def)
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, err := e.RecordApproval(def, inst, "policy-gate", models.ApprovalStatusRejected, "secrets in repo")
	require.NoError(t, err)
	before := mustJSON(t, inst)

	failed, err := e.Advance(def, inst)
	require.Error(t, err)
	var noMatch *NoMatchingTransitionError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, "security_gate", noMatch.StepID)
	assert.Equal(t, models.Rejected, noMatch.Condition)

	require.NotNil(t, failed)
	assert.Equal(t, models.InstanceStatusFailed, failed.Status)
	rec := failed.Record("security_gate")
	require.NotNil(t, rec.Failure)
	assert.Equal(t, models.Rejected, rec.Failure.Condition)
	assert.Equal(t, "release", rec.Failure.Available[0].To)
	assert.Equal(t, before, mustJSON(t, inst), "input snapshot must not change")
}

func TestTerminalInstancesAreImmutable(t *testing.T) {
	e := testEngine()
	def := gateDefinition("manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, _ = e.RecordApproval(def, inst, "manager", models.ApprovalStatusApproved, "")
	inst, err := e.Advance(def, inst)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusCompleted, inst.Status)

	before := mustJSON(t, inst)
	ops := map[string]func() error{
		"submit_work": func() error { _, err := e.SubmitWork(def, inst, Submission{}); return err },
		"record_approval": func() error {
			_, err := e.RecordApproval(def, inst, "manager", models.ApprovalStatusApproved, "")
			return err
		},
		"advance": func() error { _, err := e.Advance(def, inst); return err },
		"signal":  func() error { _, err := e.Signal(def, inst, models.Named("retry")); return err },
		"block":   func() error { _, err := e.Block(inst, "x"); return err },
		"unblock": func() error { _, err := e.Unblock(inst); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op()
			var terminal *TerminalStateError
			require.ErrorAs(t, err, &terminal)
			assert.Equal(t, models.InstanceStatusCompleted, terminal.Status)
			assert.Equal(t, before, mustJSON(t, inst))
		})
	}
}

func TestUnknownApprover(t *testing.T) {
	e := testEngine()
	def := gateDefinition("manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})
	before := mustJSON(t, inst.Record("implementation").Approvals)

	_, err := e.RecordApproval(def, inst, "qa-engineer", models.ApprovalStatusApproved, "looks fine")
	var unknown *UnknownApproverError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "qa-engineer", unknown.Approver)
	assert.Equal(t, []string{"manager"}, unknown.Declared)
	assert.True(t, errors.Is(err, ErrUnknownApprover))
	assert.Equal(t, before, mustJSON(t, inst.Record("implementation").Approvals))
}

func TestRecordApproval_InvalidDecision(t *testing.T) {
	e := testEngine()
	def := gateDefinition("manager")
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})

	_, err := e.RecordApproval(def, inst, "manager", models.ApprovalStatusSkipped, "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestSignalNamedOutcome(t *testing.T) {
	e := testEngine()
	def := &models.WorkflowDefinition{
		ID: "named",
		Steps: []models.StepDefinition{
			{ID: "triage", Agent: "programmer", Transitions: []models.Transition{
				{To: "fix", Condition: models.Named("bug")},
				{To: "done", Condition: models.Approved},
			}},
			{ID: "fix", Agent: "programmer", Transitions: []models.Transition{{To: "done"}}},
			{ID: "done", Agent: "programmer"},
		},
	}
	Normalize(def)
	inst, _ := e.Start(def, "job", "user")

	inst, err := e.Signal(def, inst, models.Named("bug"))
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPassed, inst.Record("triage").Status)

	inst, err = e.Advance(def, inst)
	require.NoError(t, err)
	assert.Equal(t, "fix", inst.CurrentStepID)
}

func TestSignalRejectedOnGatedStep(t *testing.T) {
	e := testEngine()
	def := gateDefinition("manager")
	inst, _ := e.Start(def, "job", "user")

	for _, cond := range []models.Condition{models.Approved, models.Rejected, models.Named("shipit")} {
		_, err := e.Signal(def, inst, cond)
		assert.ErrorIs(t, err, ErrInvalidState, cond.String())
	}
}

func TestSignalCannotBypassTerminalGate(t *testing.T) {
	e := testEngine()
	def := &models.WorkflowDefinition{
		ID: "release",
		Steps: []models.StepDefinition{
			{ID: "A", Agent: "programmer", Transitions: []models.Transition{{To: "release"}}},
			{ID: "release", Agent: "programmer", Approvals: []models.ApprovalRequirement{{Agent: "manager"}}},
		},
	}
	Normalize(def)
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, err := e.Advance(def, inst)
	require.NoError(t, err)
	require.Equal(t, "release", inst.CurrentStepID)

	_, err = e.Signal(def, inst, models.Named("shipit"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, models.InstanceStatusInProgress, inst.Status)
	assert.Equal(t, models.StepStatusInProgress, inst.Record("release").Status)
}

func TestSignalAfterApprovalKeepsOutcome(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()
	inst, _ := e.Start(def, "job", "user")
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, _ = e.Advance(def, inst)
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, err := e.RecordApproval(def, inst, "manager", models.ApprovalStatusApproved, "")
	require.NoError(t, err)

	_, err = e.Signal(def, inst, models.Named("hotfix"))
	assert.ErrorIs(t, err, ErrInvalidState)

	inst, err = e.Advance(def, inst)
	require.NoError(t, err)
	assert.Equal(t, "C", inst.CurrentStepID)
	assert.Equal(t, models.InstanceStatusCompleted, inst.Status)
}

func TestSignalOnlyWhileInProgress(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()
	inst, _ := e.Start(def, "job", "user")
	inst, err := e.SubmitWork(def, inst, Submission{})
	require.NoError(t, err)
	require.Equal(t, models.StepStatusPassed, inst.Record("A").Status)

	_, err = e.Signal(def, inst, models.Named("bug"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTerminalGatedStepCompletesOnApproval(t *testing.T) {
	e := testEngine()
	def := &models.WorkflowDefinition{
		ID: "single",
		Steps: []models.StepDefinition{
			{ID: "sign_off", Agent: "programmer", Approvals: []models.ApprovalRequirement{{Agent: "manager", Type: models.ApprovalTypeSignOff}}},
		},
	}
	inst, _ := e.Start(def, "job", "user")
	assert.Equal(t, models.InstanceStatusInProgress, inst.Status)
	inst, _ = e.SubmitWork(def, inst, Submission{})
	inst, err := e.RecordApproval(def, inst, "manager", models.ApprovalStatusApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, inst.Status)
}

func TestOperationsDoNotMutateInput(t *testing.T) {
	e := testEngine()
	def := scenarioDefinition()
	inst, _ := e.Start(def, "job", "user")
	before := mustJSON(t, inst)

	next, err := e.SubmitWork(def, inst, Submission{Artifacts: []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, before, mustJSON(t, inst))
	assert.Equal(t, inst.Version+1, next.Version)
}

func TestDefinitionMismatch(t *testing.T) {
	e := testEngine()
	inst, _ := e.Start(scenarioDefinition(), "job", "user")

	_, err := e.SubmitWork(gateDefinition("manager"), inst, Submission{})
	assert.ErrorIs(t, err, ErrInvalidState)
}
