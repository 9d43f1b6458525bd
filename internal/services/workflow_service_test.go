package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Cstolworthy/AgentParty/internal/logging"
	"github.com/Cstolworthy/AgentParty/internal/repository"
	"github.com/Cstolworthy/AgentParty/internal/workflow"
	"github.com/Cstolworthy/AgentParty/pkg/models"
)

type MockReviewer struct {
	mock.Mock
}

func (m *MockReviewer) Decide(ctx context.Context, req ReviewRequest) (*Verdict, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*Verdict), args.Error(1)
	}
	return nil, args.Error(1)
}

type fakeCatalog struct {
	workflows map[string]*models.WorkflowDefinition
	agents    map[string]*models.AgentDefinition
	jobs      map[string]*models.JobDefinition
}

func (c *fakeCatalog) Workflow(id string) (*models.WorkflowDefinition, bool) {
	wf, ok := c.workflows[id]
	return wf, ok
}

func (c *fakeCatalog) Agent(id string) (*models.AgentDefinition, bool) {
	a, ok := c.agents[id]
	return a, ok
}

func (c *fakeCatalog) Job(id string) (*models.JobDefinition, bool) {
	j, ok := c.jobs[id]
	return j, ok
}

// reviewCatalog has two workflows. review: build (gated by qa then manager)
// loops back on rejection and moves to ship on approval. spike: explore
// reports "prototype" or approved, prototype only handles approved.
func reviewCatalog() *fakeCatalog {
	def := &models.WorkflowDefinition{
		ID:   "review",
		Name: "Review",
		Steps: []models.StepDefinition{
			{
				ID: "build", Name: "Build", Description: "Build the feature", Agent: "programmer",
				Outputs: []string{"code"},
				Approvals: []models.ApprovalRequirement{
					{Agent: "qa", Type: models.ApprovalTypeReview},
					{Agent: "manager", Type: models.ApprovalTypeSignOff},
				},
				Transitions: []models.Transition{
					{To: "ship", Condition: models.Approved},
					{To: "build", Condition: models.Rejected},
				},
			},
			{ID: "ship", Name: "Ship", Agent: "programmer"},
		},
	}
	spike := &models.WorkflowDefinition{
		ID: "spike",
		Steps: []models.StepDefinition{
			{ID: "explore", Agent: "architect", Transitions: []models.Transition{
				{To: "prototype", Condition: models.Named("prototype")},
				{To: "done", Condition: models.Approved},
			}},
			{ID: "prototype", Agent: "programmer", Transitions: []models.Transition{{To: "done", Condition: models.Approved}}},
			{ID: "done", Agent: "programmer"},
		},
	}
	return &fakeCatalog{
		workflows: map[string]*models.WorkflowDefinition{"review": def, "spike": spike},
		agents: map[string]*models.AgentDefinition{
			"qa":        {ID: "qa", SystemPrompt: "You test things."},
			"manager":   {ID: "manager", SystemPrompt: "You sign off."},
			"architect": {ID: "architect", SystemPrompt: "You design systems."},
		},
		jobs: map[string]*models.JobDefinition{
			"feature": {ID: "feature", Title: "Add feature", WorkflowID: "review", ContextContent: "## brief.md\n\nDo it."},
			"search":  {ID: "search", Title: "Search spike", WorkflowID: "spike"},
			"orphan":  {ID: "orphan", Title: "Orphan", WorkflowID: "missing"},
		},
	}
}

func newTestService(reviewer Reviewer, opts ...Option) (*WorkflowService, *repository.MemoryInstanceStore) {
	store := repository.NewMemoryInstanceStore(time.Hour)
	ids := 0
	engine := workflow.NewEngine(workflow.WithIDGenerator(func() string {
		ids++
		return fmt.Sprintf("inst-%d", ids)
	}))
	return NewWorkflowService(reviewCatalog(), store, engine, reviewer, logging.Discard(), opts...), store
}

func TestStartJob(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)

	inst, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, "build", inst.CurrentStepID)
	assert.Equal(t, models.InstanceStatusInProgress, inst.Status)

	_, err = svc.StartJob(ctx, "alice", "feature")
	assert.ErrorIs(t, err, ErrInstanceExists)

	other, err := svc.StartJob(ctx, "bob", "feature")
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, other.ID)

	_, err = svc.StartJob(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = svc.StartJob(ctx, "alice", "orphan")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	list, err := svc.ListInstances(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStartJobReplacesFinishedInstance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)

	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{Summary: "done"})
	require.NoError(t, err)
	_, err = svc.RecordApproval(ctx, "alice", "feature", "qa", models.ApprovalStatusApproved, "")
	require.NoError(t, err)
	_, err = svc.RecordApproval(ctx, "alice", "feature", "manager", models.ApprovalStatusApproved, "")
	require.NoError(t, err)
	done, err := svc.Advance(ctx, "alice", "feature")
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusCompleted, done.Status)

	again, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.NotEqual(t, done.ID, again.ID)
	assert.Equal(t, "build", again.CurrentStepID)
}

func TestServicePersistsEachOperation(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(nil)

	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)

	submitted, err := svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{Summary: "v1", Artifacts: []string{"main.go"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), submitted.Version)

	stored, err := store.Get(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, submitted, stored)

	rejected, err := svc.RecordApproval(ctx, "alice", "feature", "qa", models.ApprovalStatusRejected, "no tests")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, rejected.CurrentRecord().Status)

	reworked, err := svc.Advance(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, "build", reworked.CurrentStepID)
	assert.Equal(t, 2, reworked.CurrentRecord().Attempts)

	_, err = svc.RecordApproval(ctx, "alice", "feature", "ghost", models.ApprovalStatusApproved, "")
	assert.ErrorIs(t, err, workflow.ErrUnknownApprover)

	_, err = svc.SubmitWork(ctx, "nobody", "feature", workflow.Submission{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestServiceBlockUnblock(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)

	blocked, err := svc.Block(ctx, "alice", "feature", "waiting on API keys")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusBlocked, blocked.Status)

	again, err := svc.Block(ctx, "alice", "feature", "other")
	require.NoError(t, err)
	assert.Equal(t, blocked.Version, again.Version)
	assert.Equal(t, "waiting on API keys", again.BlockedReason)

	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	task, err := svc.CurrentTask(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusBlocked, task.InstanceStatus)
	assert.Equal(t, "waiting on API keys", task.BlockedReason)

	resumed, err := svc.Unblock(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusInProgress, resumed.Status)
}

func TestServiceAdvancePersistsFailure(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(nil)
	_, err := svc.StartJob(ctx, "alice", "search")
	require.NoError(t, err)

	// prototype only handles approved; a named outcome nobody routes fails it
	_, err = svc.Signal(ctx, "alice", "search", models.Named("prototype"))
	require.NoError(t, err)
	_, err = svc.Advance(ctx, "alice", "search")
	require.NoError(t, err)
	_, err = svc.Signal(ctx, "alice", "search", models.Named("unplanned"))
	require.NoError(t, err)

	failed, err := svc.Advance(ctx, "alice", "search")
	require.ErrorIs(t, err, workflow.ErrNoMatchingTransition)
	require.NotNil(t, failed)
	assert.Equal(t, models.StepStatusFailed, failed.CurrentRecord().Status)

	stored, err := store.Get(ctx, "alice", "search")
	require.NoError(t, err)
	require.NotNil(t, stored.CurrentRecord().Failure)
	assert.Equal(t, models.Named("unplanned"), stored.CurrentRecord().Failure.Condition)
}

func TestCurrentTask(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{Summary: "v1"})
	require.NoError(t, err)

	task, err := svc.CurrentTask(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, "Add feature", task.JobTitle)
	assert.Equal(t, "build", task.StepID)
	assert.Equal(t, "Build the feature", task.Description)
	assert.Equal(t, "programmer", task.Agent)
	assert.Equal(t, []string{"code"}, task.Outputs)
	assert.Equal(t, models.StepStatusAwaitingApproval, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, []string{"qa", "manager"}, task.PendingApprovers)
	assert.Contains(t, task.JobContext, "Do it.")
	assert.Len(t, task.Transitions, 2)

	_, err = svc.CurrentTask(ctx, "bob", "feature")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRequestReviewApprovesInOrder(t *testing.T) {
	ctx := context.Background()
	reviewer := new(MockReviewer)
	svc, _ := newTestService(reviewer)

	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{Summary: "v1", Artifacts: []string{"a.go"}})
	require.NoError(t, err)

	qaCall := reviewer.On("Decide", mock.Anything, mock.MatchedBy(func(r ReviewRequest) bool {
		return r.Approver == "qa"
	})).Return(&Verdict{Approved: true, Comments: "tests pass", Reviewer: "qa"}, nil).Once()
	reviewer.On("Decide", mock.Anything, mock.MatchedBy(func(r ReviewRequest) bool {
		return r.Approver == "manager" && r.ApprovalType == models.ApprovalTypeSignOff &&
			r.SystemPrompt == "You sign off." && r.Summary == "v1" && r.JobTitle == "Add feature"
	})).Return(&Verdict{Approved: true, Reviewer: "manager"}, nil).Once().NotBefore(qaCall)

	inst, err := svc.RequestReview(ctx, "alice", "feature")
	require.NoError(t, err)
	rec := inst.CurrentRecord()
	assert.Equal(t, models.StepStatusPassed, rec.Status)
	assert.Equal(t, "tests pass", rec.Approvals[0].Comments)
	reviewer.AssertExpectations(t)
}

func TestRequestReviewStopsAtRejection(t *testing.T) {
	ctx := context.Background()
	reviewer := new(MockReviewer)
	svc, _ := newTestService(reviewer)

	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{Summary: "v1"})
	require.NoError(t, err)

	reviewer.On("Decide", mock.Anything, mock.MatchedBy(func(r ReviewRequest) bool {
		return r.Approver == "qa"
	})).Return(&Verdict{Approved: false, Comments: "flaky"}, nil).Once()

	inst, err := svc.RequestReview(ctx, "alice", "feature")
	require.NoError(t, err)
	rec := inst.CurrentRecord()
	assert.Equal(t, models.StepStatusFailed, rec.Status)
	assert.Equal(t, models.ApprovalStatusSkipped, rec.Approvals[1].Status)
	reviewer.AssertExpectations(t)
	reviewer.AssertNumberOfCalls(t, "Decide", 1)
}

func TestRequestReviewErrors(t *testing.T) {
	ctx := context.Background()

	svc, _ := newTestService(nil)
	_, err := svc.RequestReview(ctx, "alice", "feature")
	assert.ErrorIs(t, err, ErrNoReviewer)

	reviewer := new(MockReviewer)
	svc, store := newTestService(reviewer)
	_, err = svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)

	_, err = svc.RequestReview(ctx, "alice", "feature")
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{})
	require.NoError(t, err)
	reviewer.On("Decide", mock.Anything, mock.Anything).Return(nil, errors.New("sidecar down")).Once()

	_, err = svc.RequestReview(ctx, "alice", "feature")
	assert.ErrorContains(t, err, "sidecar down")

	stored, err := store.Get(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, []string{"qa", "manager"}, stored.CurrentRecord().PendingApprovers())
}

func TestServiceSerialisesSameInstance(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(nil)
	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Block(ctx, "alice", "feature", "busy")
			_, _ = svc.Unblock(ctx, "alice", "feature")
		}()
	}
	wg.Wait()

	final, err := store.Get(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusInProgress, final.Status)
	// every change toggles the status, so an even number of them happened
	assert.Equal(t, int64(1), final.Version%2)
}

type MockConsultant struct {
	mock.Mock
}

func (m *MockConsultant) Consult(ctx context.Context, req ConsultRequest) (*Guidance, error) {
	args := m.Called(ctx, req)
	if g := args.Get(0); g != nil {
		return g.(*Guidance), args.Error(1)
	}
	return nil, args.Error(1)
}

type countingMetrics struct {
	mu          sync.Mutex
	transitions int
	approvals   int
	finished    int
}

func (m *countingMetrics) Transition(string, string, string, models.Condition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions++
}

func (m *countingMetrics) Approval(string, string, models.ApprovalStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals++
}

func (m *countingMetrics) Finished(string, models.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished++
}

// conflictingStore fails every Save while conflict is set.
type conflictingStore struct {
	repository.InstanceStore
	conflict bool
}

func (s *conflictingStore) Save(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int64) error {
	if s.conflict {
		return repository.ErrVersionConflict
	}
	return s.InstanceStore.Save(ctx, inst, expectedVersion)
}

func TestServiceRecordsMetricsOnlyAfterSave(t *testing.T) {
	ctx := context.Background()
	metrics := &countingMetrics{}
	store := &conflictingStore{InstanceStore: repository.NewMemoryInstanceStore(time.Hour)}
	svc := NewWorkflowService(reviewCatalog(), store, workflow.NewEngine(), nil, logging.Discard(), WithMetrics(metrics))

	_, err := svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{})
	require.NoError(t, err)
	_, err = svc.RecordApproval(ctx, "alice", "feature", "qa", models.ApprovalStatusRejected, "")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.approvals)

	store.conflict = true
	_, err = svc.Advance(ctx, "alice", "feature")
	require.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.Zero(t, metrics.transitions, "an unsaved transition is not counted")

	store.conflict = false
	_, err = svc.Advance(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.transitions)

	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{})
	require.NoError(t, err)
	_, err = svc.RecordApproval(ctx, "alice", "feature", "manager", models.ApprovalStatusApproved, "")
	require.NoError(t, err)
	_, err = svc.RecordApproval(ctx, "alice", "feature", "qa", models.ApprovalStatusApproved, "")
	require.NoError(t, err)

	store.conflict = true
	_, err = svc.Advance(ctx, "alice", "feature")
	require.Error(t, err)
	assert.Zero(t, metrics.finished)

	store.conflict = false
	done, err := svc.Advance(ctx, "alice", "feature")
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusCompleted, done.Status)
	assert.Equal(t, 3, metrics.approvals)
	assert.Equal(t, 2, metrics.transitions)
	assert.Equal(t, 1, metrics.finished)
}

func TestConsultAgent(t *testing.T) {
	ctx := context.Background()
	consultant := new(MockConsultant)
	budget, err := NewBudgetTracker(BudgetConfig{LimitUSD: 1, ResetPeriod: "daily"}, logging.Discard(), nil)
	require.NoError(t, err)
	svc, _ := newTestService(nil, WithConsultant(consultant), WithBudget(budget))

	consultant.On("Consult", mock.Anything, mock.MatchedBy(func(r ConsultRequest) bool {
		return r.AgentID == "architect" && r.UserID == "alice" && r.SystemPrompt == "You design systems." &&
			r.JobID == "feature" && r.JobContext == "## brief.md\n\nDo it." && r.Question == "REST or gRPC?"
	})).Return(&Guidance{Agent: "architect", Guidance: "REST", Usage: Usage{TokensUsed: 900, CostUSD: 0.6}}, nil).Once()

	guidance, err := svc.ConsultAgent(ctx, "alice", "architect", "REST or gRPC?", "feature")
	require.NoError(t, err)
	assert.Equal(t, "REST", guidance.Guidance)

	st := svc.Budget("alice")
	assert.Equal(t, 0.6, st.UsedBudget)
	assert.Equal(t, 900, st.TokensUsed)

	consultant.On("Consult", mock.Anything, mock.Anything).
		Return(&Guidance{Guidance: "still REST", Usage: Usage{CostUSD: 0.6}}, nil).Once()
	_, err = svc.ConsultAgent(ctx, "alice", "architect", "sure?", "")
	require.NoError(t, err)

	_, err = svc.ConsultAgent(ctx, "alice", "architect", "really?", "")
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	consultant.AssertNumberOfCalls(t, "Consult", 2)
	consultant.AssertExpectations(t)
}

func TestConsultAgentErrors(t *testing.T) {
	ctx := context.Background()

	svc, _ := newTestService(nil)
	_, err := svc.ConsultAgent(ctx, "alice", "architect", "?", "")
	assert.ErrorIs(t, err, ErrNoReviewer)
	assert.False(t, svc.Budget("alice").IsLimited)

	consultant := new(MockConsultant)
	svc, _ = newTestService(nil, WithConsultant(consultant))
	_, err = svc.ConsultAgent(ctx, "alice", "ghost", "?", "")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = svc.ConsultAgent(ctx, "alice", "architect", "?", "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	consultant.On("Consult", mock.Anything, mock.Anything).Return(nil, errors.New("sidecar down")).Once()
	_, err = svc.ConsultAgent(ctx, "alice", "architect", "?", "")
	assert.ErrorContains(t, err, "sidecar down")
}

func TestRequestReviewChargesBudget(t *testing.T) {
	ctx := context.Background()
	reviewer := new(MockReviewer)
	budget, err := NewBudgetTracker(BudgetConfig{LimitUSD: 0.5, ResetPeriod: "daily"}, logging.Discard(), nil)
	require.NoError(t, err)
	svc, store := newTestService(reviewer, WithBudget(budget))

	_, err = svc.StartJob(ctx, "alice", "feature")
	require.NoError(t, err)
	_, err = svc.SubmitWork(ctx, "alice", "feature", workflow.Submission{})
	require.NoError(t, err)

	reviewer.On("Decide", mock.Anything, mock.Anything).
		Return(&Verdict{Approved: true, Usage: Usage{CostUSD: 0.5}}, nil).Once()

	_, err = svc.RequestReview(ctx, "alice", "feature")
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	reviewer.AssertNumberOfCalls(t, "Decide", 1)

	stored, err := store.Get(ctx, "alice", "feature")
	require.NoError(t, err)
	assert.Equal(t, []string{"manager"}, stored.CurrentRecord().PendingApprovers())
	assert.Equal(t, 0.5, svc.Budget("alice").UsedBudget)
}
