package workflow

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// AgentResolver reports whether an agent id is known. A nil resolver skips
// agent reference checks.
type AgentResolver interface {
	HasAgent(id string) bool
}

// ParseDefinition decodes a workflow YAML document, fills defaults and
// validates it. id is used when the document does not declare one.
func ParseDefinition(id string, data []byte, agents AgentResolver) (*models.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DefinitionError{WorkflowID: id, Reason: "definition payload is empty"}
	}
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &DefinitionError{WorkflowID: id, Reason: fmt.Sprintf("decode: %v", err)}
	}
	if strings.TrimSpace(def.ID) == "" {
		def.ID = id
	}
	Normalize(&def)
	if err := Validate(&def, agents); err != nil {
		return nil, err
	}
	return &def, nil
}

// Normalize applies definition defaults in place: step names fall back to
// ids, approval types default to review and transitions without a
// condition fire on approved.
func Normalize(def *models.WorkflowDefinition) {
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.Version == "" {
		def.Version = "1.0"
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		step.ID = strings.TrimSpace(step.ID)
		if step.Name == "" {
			step.Name = step.ID
		}
		for j := range step.Approvals {
			if step.Approvals[j].Type == "" {
				step.Approvals[j].Type = models.ApprovalTypeReview
			}
		}
		for j := range step.Transitions {
			if step.Transitions[j].Condition.IsZero() {
				step.Transitions[j].Condition = models.Approved
			}
		}
	}
}

// Validate checks the structural invariants of a definition and returns a
// *DefinitionError naming the first violation.
func Validate(def *models.WorkflowDefinition, agents AgentResolver) error {
	fail := func(stepID, format string, args ...any) error {
		return &DefinitionError{WorkflowID: def.ID, StepID: stepID, Reason: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(def.ID) == "" {
		return fail("", "workflow id is required")
	}
	if len(def.Steps) == 0 {
		return fail("", "workflow has no steps")
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return fail("", "step %d has no id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return fail(step.ID, "duplicate step id")
		}
		seen[step.ID] = struct{}{}

		if step.Agent == "" {
			return fail(step.ID, "responsible agent is required")
		}
		if agents != nil && !agents.HasAgent(step.Agent) {
			return fail(step.ID, "responsible agent %q is not defined", step.Agent)
		}

		approvers := make(map[string]struct{}, len(step.Approvals))
		for _, a := range step.Approvals {
			if a.Agent == "" {
				return fail(step.ID, "approval without agent")
			}
			if _, dup := approvers[a.Agent]; dup {
				return fail(step.ID, "approver %q declared twice", a.Agent)
			}
			approvers[a.Agent] = struct{}{}
			if !a.Type.Valid() {
				return fail(step.ID, "approver %q has unknown approval type %q", a.Agent, a.Type)
			}
			if agents != nil && !agents.HasAgent(a.Agent) {
				return fail(step.ID, "approver agent %q is not defined", a.Agent)
			}
		}

		for _, t := range step.Transitions {
			if t.To == "" {
				return fail(step.ID, "transition on %q has no target", t.Condition)
			}
			if t.Condition.IsZero() {
				return fail(step.ID, "transition to %q has no condition", t.To)
			}
			if step.Gated() && t.Condition.IsNamed() {
				return fail(step.ID, "gated step cannot route named outcome %q", t.Condition)
			}
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for _, t := range step.Transitions {
			if _, ok := seen[t.To]; !ok {
				return fail(step.ID, "transition on %q targets undefined step %q", t.Condition, t.To)
			}
		}
	}

	return checkTermination(def)
}

// checkTermination requires a terminal step reachable from the entry step,
// so that no reachable cycle is inescapable.
func checkTermination(def *models.WorkflowDefinition) error {
	hasTerminal := false
	for i := range def.Steps {
		if def.Steps[i].Terminal() {
			hasTerminal = true
			break
		}
	}
	if !hasTerminal {
		return &DefinitionError{WorkflowID: def.ID, Reason: "no terminal step (a step with no transitions)"}
	}

	first := def.FirstStep()
	visited := map[string]bool{first.ID: true}
	queue := []string{first.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step, _ := def.Step(id)
		if step.Terminal() {
			return nil
		}
		for _, t := range step.Transitions {
			if !visited[t.To] {
				visited[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	return &DefinitionError{
		WorkflowID: def.ID,
		StepID:     first.ID,
		Reason:     "cycle: no terminal step is reachable from the entry step",
	}
}
