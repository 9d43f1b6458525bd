package models

import (
	"fmt"
	"strings"
)

// ApprovalType distinguishes a review gate from a formal sign-off.
type ApprovalType string

const (
	ApprovalTypeReview  ApprovalType = "review"
	ApprovalTypeSignOff ApprovalType = "sign_off"
)

// Valid reports whether t is a known approval type.
func (t ApprovalType) Valid() bool {
	return t == ApprovalTypeReview || t == ApprovalTypeSignOff
}

type conditionKind uint8

const (
	conditionNone conditionKind = iota
	conditionApproved
	conditionRejected
	conditionNamed
)

// Condition is the resolved outcome of a step. It is either Approved,
// Rejected or a custom named outcome declared by the workflow author.
// The zero value is "no condition".
type Condition struct {
	kind conditionKind
	name string
}

var (
	Approved = Condition{kind: conditionApproved}
	Rejected = Condition{kind: conditionRejected}
)

// Named returns the condition for name. The reserved names "approved" and
// "rejected" map onto Approved and Rejected.
func Named(name string) Condition {
	c, err := ParseCondition(name)
	if err != nil {
		return Condition{}
	}
	return c
}

// ParseCondition converts the textual form used in definitions and
// persisted state into a Condition.
func ParseCondition(s string) (Condition, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return Condition{}, fmt.Errorf("condition is empty")
	case "approved":
		return Approved, nil
	case "rejected":
		return Rejected, nil
	}
	return Condition{kind: conditionNamed, name: name}, nil
}

// IsZero reports whether no condition has been resolved.
func (c Condition) IsZero() bool { return c.kind == conditionNone }

// IsNamed reports whether c is a custom outcome.
func (c Condition) IsNamed() bool { return c.kind == conditionNamed }

func (c Condition) String() string {
	switch c.kind {
	case conditionApproved:
		return "approved"
	case conditionRejected:
		return "rejected"
	case conditionNamed:
		return c.name
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler so conditions serialize as
// plain strings in both JSON and YAML.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty value decodes
// to the zero Condition.
func (c *Condition) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*c = Condition{}
		return nil
	}
	parsed, err := ParseCondition(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ApprovalRequirement declares one approver for a gated step.
type ApprovalRequirement struct {
	Agent string       `json:"approver_agent_id" yaml:"agent"`
	Type  ApprovalType `json:"approval_type" yaml:"type"`
}

// Transition routes a resolved step condition to the next step.
type Transition struct {
	To        string    `json:"to_step_id" yaml:"to"`
	Condition Condition `json:"condition" yaml:"condition"`
}

// StepDefinition is one node of a workflow step graph.
type StepDefinition struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name,omitempty" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description"`
	Agent       string                `json:"responsible_agent" yaml:"agent"`
	Inputs      []string              `json:"inputs,omitempty" yaml:"inputs"`
	Outputs     []string              `json:"outputs,omitempty" yaml:"outputs"`
	Approvals   []ApprovalRequirement `json:"required_approvals" yaml:"approvals"`
	Transitions []Transition          `json:"transitions" yaml:"transitions"`
}

// Terminal reports whether reaching this step completes the workflow.
func (s *StepDefinition) Terminal() bool { return len(s.Transitions) == 0 }

// Gated reports whether the step requires approvals before it can pass.
func (s *StepDefinition) Gated() bool { return len(s.Approvals) > 0 }

// Approver returns the declared requirement for agentID, if any.
func (s *StepDefinition) Approver(agentID string) (ApprovalRequirement, bool) {
	for _, a := range s.Approvals {
		if a.Agent == agentID {
			return a, true
		}
	}
	return ApprovalRequirement{}, false
}

// Route returns the first transition declared for cond.
func (s *StepDefinition) Route(cond Condition) (Transition, bool) {
	for _, t := range s.Transitions {
		if t.Condition == cond {
			return t, true
		}
	}
	return Transition{}, false
}

// WorkflowDefinition is an immutable, validated step graph. The first step
// in Steps is the entry point.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Version     string           `json:"version" yaml:"version"`
	Description string           `json:"description,omitempty" yaml:"description"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata"`
}

// Step looks up a step by id.
func (d *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// FirstStep returns the entry step, or nil for an empty definition.
func (d *WorkflowDefinition) FirstStep() *StepDefinition {
	if len(d.Steps) == 0 {
		return nil
	}
	return &d.Steps[0]
}
