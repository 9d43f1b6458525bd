package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Cstolworthy/AgentParty/internal/auth"
	"github.com/Cstolworthy/AgentParty/internal/services"
	"github.com/Cstolworthy/AgentParty/internal/workflow"
	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// JobLister lists the loaded job definitions.
type JobLister interface {
	Jobs(assignedTo string) []*models.JobDefinition
}

type Server struct {
	mcpServer       *server.MCPServer
	workflowService *services.WorkflowService
	jobs            JobLister
}

func NewServer(workflowService *services.WorkflowService, jobs JobLister, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"AgentParty",
			version,
			server.WithToolCapabilities(true),
		),
		workflowService: workflowService,
		jobs:            jobs,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func userAndJob() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("user_id", mcp.Description("The user the job instance belongs to; ignored when the caller is authenticated")),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("The job to act on")),
	}
}

func tool(name, description string, opts ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, append([]mcp.ToolOption{mcp.WithDescription(description)}, opts...)...)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		tool("get_available_jobs", "List jobs, optionally only those assigned to an agent role",
			mcp.WithString("assigned_to", mcp.Description("Agent role to filter by"))),
		s.handleGetAvailableJobs,
	)

	s.mcpServer.AddTool(tool("start_job", "Start a job's workflow on its first step", userAndJob()...), s.handleStartJob)
	s.mcpServer.AddTool(tool("get_current_task", "Describe the current step of a job", userAndJob()...), s.handleGetCurrentTask)
	s.mcpServer.AddTool(tool("get_workflow_state", "Return the full workflow instance of a job", userAndJob()...), s.handleGetWorkflowState)

	s.mcpServer.AddTool(
		tool("submit_work", "Submit the responsible agent's work on the current step",
			append(userAndJob(),
				mcp.WithString("summary", mcp.Required(), mcp.Description("What was done")),
				mcp.WithArray("artifacts", mcp.Description("Paths or references produced"), mcp.WithStringItems()),
			)...),
		s.handleSubmitWork,
	)

	s.mcpServer.AddTool(tool("request_review", "Ask every pending approver of the current step for a decision", userAndJob()...), s.handleRequestReview)

	s.mcpServer.AddTool(
		tool("record_approval", "Record one approver's decision on the current step",
			append(userAndJob(),
				mcp.WithString("approver_agent_id", mcp.Required(), mcp.Description("The deciding approver")),
				mcp.WithString("decision", mcp.Required(), mcp.Enum("approved", "rejected"), mcp.Description("The decision")),
				mcp.WithString("comments", mcp.Description("Reasoning behind the decision")),
			)...),
		s.handleRecordApproval,
	)

	s.mcpServer.AddTool(
		tool("signal_outcome", "Report a named outcome for the current step",
			append(userAndJob(),
				mcp.WithString("condition", mcp.Required(), mcp.Description("Outcome name matching a transition condition")),
			)...),
		s.handleSignalOutcome,
	)

	s.mcpServer.AddTool(tool("advance", "Follow the transition matching the current step's outcome", userAndJob()...), s.handleAdvance)

	s.mcpServer.AddTool(
		tool("block_job", "Mark a job blocked on an external dependency",
			append(userAndJob(), mcp.WithString("reason", mcp.Required(), mcp.Description("What the job is waiting on")))...),
		s.handleBlockJob,
	)

	s.mcpServer.AddTool(tool("unblock_job", "Resume a blocked job", userAndJob()...), s.handleUnblockJob)

	s.mcpServer.AddTool(
		tool("get_agent_guidance", "Ask an agent for guidance outside any approval; the call is charged to the user's budget",
			mcp.WithString("user_id", mcp.Description("The user asking; ignored when the caller is authenticated")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent to consult, e.g. architect")),
			mcp.WithString("question", mcp.Required(), mcp.Description("The question to ask")),
			mcp.WithString("job_id", mcp.Description("A job whose context the agent should see")),
		),
		s.handleGetAgentGuidance,
	)

	s.mcpServer.AddTool(
		tool("get_budget_status", "Report the user's agent spend in the current budget period",
			mcp.WithString("user_id", mcp.Description("The user to report on; ignored when the caller is authenticated")),
		),
		s.handleGetBudgetStatus,
	)
}

type toolArgs map[string]interface{}

func arguments(request mcp.CallToolRequest) (toolArgs, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, errors.New("Invalid arguments type")
	}
	return args, nil
}

func (a toolArgs) required(name string) (string, error) {
	v, ok := a[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("Missing required parameter: %s", name)
	}
	return v, nil
}

func (a toolArgs) optional(name string) string {
	v, _ := a[name].(string)
	return v
}

func (a toolArgs) strings(name string) []string {
	raw, _ := a[name].([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// user resolves the acting user. An authenticated caller always acts as
// itself.
func (a toolArgs) user(ctx context.Context) (string, error) {
	if userID, ok := auth.UserID(ctx); ok {
		return userID, nil
	}
	return a.required("user_id")
}

// key resolves the instance key.
func (a toolArgs) key(ctx context.Context) (string, string, error) {
	userID, err := a.user(ctx)
	if err != nil {
		return "", "", err
	}
	jobID, err := a.required("job_id")
	if err != nil {
		return "", "", err
	}
	return userID, jobID, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// instanceResult reports a step operation. Domain failures become tool
// errors, never protocol errors.
func instanceResult(action string, inst *models.WorkflowInstance, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err)), nil
	}
	return jsonResult(inst)
}

func (s *Server) handleGetAvailableJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	assignedTo := ""
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		assignedTo = toolArgs(args).optional("assigned_to")
	}
	return jsonResult(s.jobs.Jobs(assignedTo))
}

func (s *Server) handleStartJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, _ toolArgs) (*mcp.CallToolResult, error) {
		inst, err := s.workflowService.StartJob(ctx, userID, jobID)
		return instanceResult("start job", inst, err)
	})
}

func (s *Server) handleGetCurrentTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, _ toolArgs) (*mcp.CallToolResult, error) {
		task, err := s.workflowService.CurrentTask(ctx, userID, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get current task: %v", err)), nil
		}
		return jsonResult(task)
	})
}

func (s *Server) handleGetWorkflowState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, _ toolArgs) (*mcp.CallToolResult, error) {
		inst, err := s.workflowService.Instance(ctx, userID, jobID)
		return instanceResult("get workflow state", inst, err)
	})
}

func (s *Server) handleSubmitWork(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, args toolArgs) (*mcp.CallToolResult, error) {
		summary, err := args.required("summary")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		inst, err := s.workflowService.SubmitWork(ctx, userID, jobID, workflow.Submission{
			Summary:   summary,
			Artifacts: args.strings("artifacts"),
		})
		return instanceResult("submit work", inst, err)
	})
}

func (s *Server) handleRequestReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, _ toolArgs) (*mcp.CallToolResult, error) {
		inst, err := s.workflowService.RequestReview(ctx, userID, jobID)
		return instanceResult("request review", inst, err)
	})
}

func (s *Server) handleRecordApproval(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, args toolArgs) (*mcp.CallToolResult, error) {
		approver, err := args.required("approver_agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		decision, err := args.required("decision")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		inst, err := s.workflowService.RecordApproval(ctx, userID, jobID, approver,
			models.ApprovalStatus(decision), args.optional("comments"))
		return instanceResult("record approval", inst, err)
	})
}

func (s *Server) handleSignalOutcome(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, args toolArgs) (*mcp.CallToolResult, error) {
		raw, err := args.required("condition")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cond, err := models.ParseCondition(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid condition: %v", err)), nil
		}
		inst, err := s.workflowService.Signal(ctx, userID, jobID, cond)
		return instanceResult("signal outcome", inst, err)
	})
}

func (s *Server) handleAdvance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, _ toolArgs) (*mcp.CallToolResult, error) {
		inst, err := s.workflowService.Advance(ctx, userID, jobID)
		return instanceResult("advance", inst, err)
	})
}

func (s *Server) handleBlockJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, args toolArgs) (*mcp.CallToolResult, error) {
		reason, err := args.required("reason")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		inst, err := s.workflowService.Block(ctx, userID, jobID, reason)
		return instanceResult("block job", inst, err)
	})
}

func (s *Server) handleUnblockJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withKey(ctx, request, func(userID, jobID string, _ toolArgs) (*mcp.CallToolResult, error) {
		inst, err := s.workflowService.Unblock(ctx, userID, jobID)
		return instanceResult("unblock job", inst, err)
	})
}

func (s *Server) handleGetAgentGuidance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userID, err := args.user(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agentID, err := args.required("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	question, err := args.required("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	guidance, err := s.workflowService.ConsultAgent(ctx, userID, agentID, question, args.optional("job_id"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent guidance: %v", err)), nil
	}
	return jsonResult(guidance)
}

func (s *Server) handleGetBudgetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	userID, err := toolArgs(args).user(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.workflowService.Budget(userID))
}

func (s *Server) withKey(ctx context.Context, request mcp.CallToolRequest, fn func(userID, jobID string, args toolArgs) (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userID, jobID, err := args.key(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return fn(userID, jobID, args)
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
