// Package definitions loads workflow, agent and job definitions from disk
// and serves them read-only. Reload swaps the whole set atomically.
package definitions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Cstolworthy/AgentParty/internal/workflow"
	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dirs locates the definition roots.
type Dirs struct {
	Workflows string
	Agents    string
	Jobs      string
}

// LoadError reports a definition that failed to load. Other definitions
// still load.
type LoadError struct {
	Kind string
	ID   string
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Kind, e.ID, e.Err)
}

func (e LoadError) Unwrap() error { return e.Err }

type snapshot struct {
	workflows map[string]*models.WorkflowDefinition
	agents    map[string]*models.AgentDefinition
	jobs      map[string]*models.JobDefinition
}

// Store holds the currently loaded definitions.
type Store struct {
	dirs   Dirs
	logger Logger

	mu   sync.RWMutex
	snap *snapshot
}

// NewStore creates an empty Store. Call Load before use.
func NewStore(dirs Dirs, logger Logger) *Store {
	return &Store{
		dirs:   dirs,
		logger: logger,
		snap: &snapshot{
			workflows: map[string]*models.WorkflowDefinition{},
			agents:    map[string]*models.AgentDefinition{},
			jobs:      map[string]*models.JobDefinition{},
		},
	}
}

// Dirs returns the definition roots.
func (s *Store) Dirs() Dirs { return s.dirs }

// Load reads every definition root and replaces the served set. Agents load
// first, then workflows (validated against the agents), then jobs (which
// must reference a loaded workflow). The returned slice lists every
// definition that failed; err is set only when a root cannot be read.
func (s *Store) Load() ([]LoadError, error) {
	var failures []LoadError

	agents, errs, err := loadAgents(s.dirs.Agents, s.logger)
	if err != nil {
		return nil, err
	}
	failures = append(failures, errs...)

	var resolver workflow.AgentResolver
	if len(agents) > 0 {
		resolver = agentIndex(agents)
	} else {
		s.logger.Warn("No agents loaded; skipping agent reference checks", "dir", s.dirs.Agents)
	}
	workflows, errs, err := loadWorkflows(s.dirs.Workflows, resolver)
	if err != nil {
		return nil, err
	}
	failures = append(failures, errs...)

	jobs, errs, err := loadJobs(s.dirs.Jobs, workflows, s.logger)
	if err != nil {
		return nil, err
	}
	failures = append(failures, errs...)

	for _, f := range failures {
		s.logger.Error("Failed to load definition", "kind", f.Kind, "id", f.ID, "error", f.Err)
	}

	s.mu.Lock()
	s.snap = &snapshot{workflows: workflows, agents: agents, jobs: jobs}
	s.mu.Unlock()

	s.logger.Info("Definitions loaded",
		"workflows", len(workflows), "agents", len(agents), "jobs", len(jobs), "failed", len(failures))
	return failures, nil
}

func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Workflow returns a workflow definition by id.
func (s *Store) Workflow(id string) (*models.WorkflowDefinition, bool) {
	wf, ok := s.current().workflows[id]
	return wf, ok
}

// Workflows returns all workflow definitions ordered by id.
func (s *Store) Workflows() []*models.WorkflowDefinition {
	snap := s.current()
	out := make([]*models.WorkflowDefinition, 0, len(snap.workflows))
	for _, wf := range snap.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent returns an agent definition by id.
func (s *Store) Agent(id string) (*models.AgentDefinition, bool) {
	a, ok := s.current().agents[id]
	return a, ok
}

// HasAgent reports whether an agent is defined.
func (s *Store) HasAgent(id string) bool {
	_, ok := s.Agent(id)
	return ok
}

// Job returns a job definition by id.
func (s *Store) Job(id string) (*models.JobDefinition, bool) {
	j, ok := s.current().jobs[id]
	return j, ok
}

// Jobs lists job definitions ordered by id. A non-empty assignedTo keeps only
// jobs for that agent role.
func (s *Store) Jobs(assignedTo string) []*models.JobDefinition {
	snap := s.current()
	out := make([]*models.JobDefinition, 0, len(snap.jobs))
	for _, j := range snap.jobs {
		if assignedTo != "" && j.AssignedTo != assignedTo {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type agentIndex map[string]*models.AgentDefinition

func (a agentIndex) HasAgent(id string) bool {
	_, ok := a[id]
	return ok
}
