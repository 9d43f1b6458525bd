package models

import (
	"time"
)

// ModelConfig selects the LLM backing an agent.
type ModelConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// AgentDefinition describes an agent persona loaded from its directory.
type AgentDefinition struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description"`
	Model        ModelConfig    `json:"model" yaml:"model"`
	PromptFiles  []string       `json:"prompt_files,omitempty" yaml:"prompt_files"`
	SystemPrompt string         `json:"-" yaml:"-"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// JobDefinition is a unit of work bound to a workflow.
type JobDefinition struct {
	ID             string         `json:"id" yaml:"id"`
	Title          string         `json:"title" yaml:"title"`
	Description    string         `json:"description,omitempty" yaml:"description"`
	WorkflowID     string         `json:"workflow" yaml:"workflow"`
	AssignedTo     string         `json:"assigned_to" yaml:"assigned_to"`
	Priority       string         `json:"priority" yaml:"priority"`
	ContextFiles   []string       `json:"context_files,omitempty" yaml:"context_files"`
	ContextContent string         `json:"-" yaml:"-"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata"`
	CreatedAt      *time.Time     `json:"created_at,omitempty" yaml:"-"`
	Deadline       *time.Time     `json:"deadline,omitempty" yaml:"-"`
}
