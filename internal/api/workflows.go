// Package api contains the HTTP handlers for the AgentParty REST surface
package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"github.com/Cstolworthy/AgentParty/internal/auth"
	"github.com/Cstolworthy/AgentParty/internal/services"
	"github.com/Cstolworthy/AgentParty/internal/workflow"
	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// Catalog lists loaded definitions.
type Catalog interface {
	Workflows() []*models.WorkflowDefinition
	Workflow(id string) (*models.WorkflowDefinition, bool)
	Jobs(assignedTo string) []*models.JobDefinition
}

// Server holds the dependencies for the API server.
type Server struct {
	Catalog  Catalog
	Workflow *services.WorkflowService
}

// NewServer creates a new Server.
func NewServer(catalog Catalog, workflowService *services.WorkflowService) *Server {
	return &Server{Catalog: catalog, Workflow: workflowService}
}

// RegisterHandlers mounts the REST routes on g, which is expected to run the
// auth middleware.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.GET("/jobs", s.ListJobs)
	g.GET("/instances", s.ListInstances)
	g.GET("/jobs/:job_id", s.GetInstance)
	g.GET("/jobs/:job_id/task", s.GetTask)
	g.POST("/jobs/:job_id/start", s.StartJob)
	g.POST("/jobs/:job_id/submit", s.SubmitWork)
	g.POST("/jobs/:job_id/review", s.RequestReview)
	g.POST("/jobs/:job_id/approvals", s.RecordApproval)
	g.POST("/jobs/:job_id/signal", s.Signal)
	g.POST("/jobs/:job_id/advance", s.Advance)
	g.POST("/jobs/:job_id/block", s.Block)
	g.POST("/jobs/:job_id/unblock", s.Unblock)
	g.POST("/agents/:agent_id/guidance", s.GetAgentGuidance)
	g.GET("/budget", s.GetBudget)
}

// SubmitWorkRequest is the body of POST /jobs/:job_id/submit.
type SubmitWorkRequest struct {
	Summary   string   `json:"summary"`
	Artifacts []string `json:"artifacts"`
}

// ApprovalRequest is the body of POST /jobs/:job_id/approvals.
type ApprovalRequest struct {
	ApproverAgentID string                `json:"approver_agent_id"`
	Decision        models.ApprovalStatus `json:"decision"`
	Comments        string                `json:"comments"`
}

// SignalRequest is the body of POST /jobs/:job_id/signal.
type SignalRequest struct {
	Condition string `json:"condition"`
}

// BlockRequest is the body of POST /jobs/:job_id/block.
type BlockRequest struct {
	Reason string `json:"reason"`
}

// GuidanceRequest is the body of POST /agents/:agent_id/guidance.
type GuidanceRequest struct {
	Question string `json:"question"`
	JobID    string `json:"job_id,omitempty"`
}

func currentUser(c echo.Context) (string, bool) {
	return auth.UserID(c.Request().Context())
}

// pathParam binds a required simple-style path parameter.
func pathParam(c echo.Context, name string) (string, error) {
	var value string
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), &value, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", fmt.Errorf("Invalid format for parameter %s: %w", name, err)
	}
	return value, nil
}

// instanceResponse writes the outcome of a step operation. An advance with
// no matching transition still persisted the failed instance, but the
// caller gets the problem document.
func instanceResponse(c echo.Context, inst *models.WorkflowInstance, err error) error {
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

// ListWorkflows returns every loaded workflow definition
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Catalog.Workflows())
}

// GetWorkflow returns one workflow definition
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, ok := s.Catalog.Workflow(c.Param("id"))
	if !ok {
		return writeError(c, http.StatusNotFound, "Not Found", "workflow "+c.Param("id")+" is not loaded")
	}
	return c.JSON(http.StatusOK, wf)
}

// ListJobs returns job definitions, optionally filtered by ?assigned_to=
// (GET /api/v1/jobs)
func (s *Server) ListJobs(c echo.Context) error {
	var assignedTo string
	if err := runtime.BindQueryParameter("form", true, false, "assigned_to", c.QueryParams(), &assignedTo); err != nil {
		return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid format for parameter assigned_to: "+err.Error())
	}
	return c.JSON(http.StatusOK, s.Catalog.Jobs(assignedTo))
}

// ListInstances returns the caller's live job instances
// (GET /api/v1/instances)
func (s *Server) ListInstances(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, "Unauthorized", "no authenticated user")
	}
	instances, err := s.Workflow.ListInstances(c.Request().Context(), userID)
	if err != nil {
		return writeDomainError(c, err)
	}
	if instances == nil {
		instances = []*models.WorkflowInstance{}
	}
	return c.JSON(http.StatusOK, instances)
}

// GetInstance returns the caller's instance of a job
// (GET /api/v1/jobs/:job_id)
func (s *Server) GetInstance(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		inst, err := s.Workflow.Instance(c.Request().Context(), userID, jobID)
		return instanceResponse(c, inst, err)
	})
}

// GetTask describes the current step of the caller's job
// (GET /api/v1/jobs/:job_id/task)
func (s *Server) GetTask(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		task, err := s.Workflow.CurrentTask(c.Request().Context(), userID, jobID)
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	})
}

// StartJob starts the caller's instance of a job
// (POST /api/v1/jobs/:job_id/start)
func (s *Server) StartJob(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		inst, err := s.Workflow.StartJob(c.Request().Context(), userID, jobID)
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusCreated, inst)
	})
}

// SubmitWork records work on the current step
// (POST /api/v1/jobs/:job_id/submit)
func (s *Server) SubmitWork(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		var req SubmitWorkRequest
		if err := c.Bind(&req); err != nil {
			return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		}
		inst, err := s.Workflow.SubmitWork(c.Request().Context(), userID, jobID, workflow.Submission{
			Summary:   req.Summary,
			Artifacts: req.Artifacts,
		})
		return instanceResponse(c, inst, err)
	})
}

// RequestReview asks the pending approvers for their decisions
// (POST /api/v1/jobs/:job_id/review)
func (s *Server) RequestReview(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		inst, err := s.Workflow.RequestReview(c.Request().Context(), userID, jobID)
		return instanceResponse(c, inst, err)
	})
}

// RecordApproval records one approver's decision
// (POST /api/v1/jobs/:job_id/approvals)
func (s *Server) RecordApproval(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		var req ApprovalRequest
		if err := c.Bind(&req); err != nil {
			return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		}
		if req.ApproverAgentID == "" {
			return writeError(c, http.StatusBadRequest, "Bad Request", "approver_agent_id is required")
		}
		inst, err := s.Workflow.RecordApproval(c.Request().Context(), userID, jobID, req.ApproverAgentID, req.Decision, req.Comments)
		return instanceResponse(c, inst, err)
	})
}

// Signal reports a named outcome for the current step
// (POST /api/v1/jobs/:job_id/signal)
func (s *Server) Signal(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		var req SignalRequest
		if err := c.Bind(&req); err != nil {
			return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		}
		cond, err := models.ParseCondition(req.Condition)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "Bad Request", err.Error())
		}
		inst, err := s.Workflow.Signal(c.Request().Context(), userID, jobID, cond)
		return instanceResponse(c, inst, err)
	})
}

// Advance moves the job to its next step
// (POST /api/v1/jobs/:job_id/advance)
func (s *Server) Advance(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		inst, err := s.Workflow.Advance(c.Request().Context(), userID, jobID)
		return instanceResponse(c, inst, err)
	})
}

// Block marks the job blocked
// (POST /api/v1/jobs/:job_id/block)
func (s *Server) Block(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		var req BlockRequest
		if err := c.Bind(&req); err != nil {
			return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		}
		inst, err := s.Workflow.Block(c.Request().Context(), userID, jobID, req.Reason)
		return instanceResponse(c, inst, err)
	})
}

// Unblock resumes a blocked job
// (POST /api/v1/jobs/:job_id/unblock)
func (s *Server) Unblock(c echo.Context) error {
	return s.withUser(c, func(userID, jobID string) error {
		inst, err := s.Workflow.Unblock(c.Request().Context(), userID, jobID)
		return instanceResponse(c, inst, err)
	})
}

// GetAgentGuidance asks an agent a question on the caller's behalf
// (POST /api/v1/agents/:agent_id/guidance)
func (s *Server) GetAgentGuidance(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, "Unauthorized", "no authenticated user")
	}
	agentID, err := pathParam(c, "agent_id")
	if err != nil {
		return writeError(c, http.StatusBadRequest, "Bad Request", err.Error())
	}
	var req GuidanceRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Question == "" {
		return writeError(c, http.StatusBadRequest, "Bad Request", "question is required")
	}
	guidance, err := s.Workflow.ConsultAgent(c.Request().Context(), userID, agentID, req.Question, req.JobID)
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, guidance)
}

// GetBudget reports the caller's agent spend in the current period
// (GET /api/v1/budget)
func (s *Server) GetBudget(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, "Unauthorized", "no authenticated user")
	}
	return c.JSON(http.StatusOK, s.Workflow.Budget(userID))
}

func (s *Server) withUser(c echo.Context, fn func(userID, jobID string) error) error {
	userID, ok := currentUser(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, "Unauthorized", "no authenticated user")
	}
	jobID, err := pathParam(c, "job_id")
	if err != nil {
		return writeError(c, http.StatusBadRequest, "Bad Request", err.Error())
	}
	return fn(userID, jobID)
}
