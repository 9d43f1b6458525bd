package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// Sentinel errors matched with errors.Is against the typed errors below.
var (
	ErrDefinition           = errors.New("invalid workflow definition")
	ErrInvalidState         = errors.New("invalid state for operation")
	ErrUnknownApprover      = errors.New("unknown approver")
	ErrNoMatchingTransition = errors.New("no matching transition")
	ErrTerminalState        = errors.New("workflow instance is terminal")
	ErrInvalidDecision      = errors.New("decision must be approved or rejected")
)

// DefinitionError names the first invalid element of a workflow definition.
type DefinitionError struct {
	WorkflowID string
	StepID     string
	Reason     string
}

func (e *DefinitionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("workflow %q: step %q: %s", e.WorkflowID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("workflow %q: %s", e.WorkflowID, e.Reason)
}

func (e *DefinitionError) Is(target error) bool { return target == ErrDefinition }

// InvalidStateError reports an operation that is not valid for the current
// step or instance status.
type InvalidStateError struct {
	Op     string
	StepID string
	Status string
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("%s: step %q is %s", e.Op, e.StepID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// UnknownApproverError reports an approval from an agent the step does not declare.
type UnknownApproverError struct {
	StepID   string
	Approver string
	Declared []string
}

func (e *UnknownApproverError) Error() string {
	return fmt.Sprintf("step %q: approver %q is not declared (declared: %s)",
		e.StepID, e.Approver, strings.Join(e.Declared, ", "))
}

func (e *UnknownApproverError) Is(target error) bool { return target == ErrUnknownApprover }

// NoMatchingTransitionError is raised when a resolved condition has no
// transition. It drives the instance to failed and always reaches the caller.
type NoMatchingTransitionError struct {
	WorkflowID string
	StepID     string
	Condition  models.Condition
	Available  []models.Transition
}

func (e *NoMatchingTransitionError) Error() string {
	avail := make([]string, 0, len(e.Available))
	for _, t := range e.Available {
		avail = append(avail, t.Condition.String()+"->"+t.To)
	}
	return fmt.Sprintf("workflow %q: step %q has no transition for condition %q (available: [%s])",
		e.WorkflowID, e.StepID, e.Condition, strings.Join(avail, ", "))
}

func (e *NoMatchingTransitionError) Is(target error) bool { return target == ErrNoMatchingTransition }

// TerminalStateError reports a mutation attempted on a completed or failed instance.
type TerminalStateError struct {
	Op     string
	Status models.InstanceStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("%s: instance is %s", e.Op, e.Status)
}

func (e *TerminalStateError) Is(target error) bool { return target == ErrTerminalState }
