package workflow

import "github.com/Cstolworthy/AgentParty/pkg/models"

// Metrics receives workflow events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Transition(workflowID, from, to string, cond models.Condition, rework bool)
	Approval(workflowID, stepID string, status models.ApprovalStatus)
	Finished(workflowID string, status models.InstanceStatus)
}

// Observe reports the events that turned before into after. Both are
// snapshots of the same instance; after is normally the result of a single
// engine operation. Callers invoke it once after is durably saved, so
// counters only reflect committed changes.
func Observe(m Metrics, before, after *models.WorkflowInstance) {
	if m == nil || before == nil || after == nil || before.Version == after.Version {
		return
	}
	prev := before.CurrentRecord()

	if prev != nil {
		if rec := after.Record(prev.StepID); rec != nil && rec.Attempts == prev.Attempts {
			pending := make(map[string]bool, len(prev.Approvals))
			for _, a := range prev.Approvals {
				if a.Status == models.ApprovalStatusPending {
					pending[a.ApproverAgentID] = true
				}
			}
			for _, a := range rec.Approvals {
				decided := a.Status == models.ApprovalStatusApproved || a.Status == models.ApprovalStatusRejected
				if decided && pending[a.ApproverAgentID] {
					m.Approval(after.WorkflowID, rec.StepID, a.Status)
				}
			}
		}
	}

	moved := after.CurrentStepID != before.CurrentStepID
	if cur := after.CurrentRecord(); !moved && prev != nil && cur != nil && cur.Attempts > prev.Attempts {
		// self loop
		moved = true
	}
	if moved && prev != nil && prev.Outcome != nil {
		rework := before.Record(after.CurrentStepID) != nil
		m.Transition(after.WorkflowID, before.CurrentStepID, after.CurrentStepID, *prev.Outcome, rework)
	}

	if !before.Status.Terminal() && after.Status.Terminal() {
		m.Finished(after.WorkflowID, after.Status)
	}
}
