package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Cstolworthy/AgentParty/internal/repository"
	"github.com/Cstolworthy/AgentParty/internal/services"
	"github.com/Cstolworthy/AgentParty/internal/workflow"
	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the operational HTTP handlers
type Handler struct {
	version string
	store   Pinger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(version string, store Pinger) *Handler {
	return &Handler{version: version, store: store}
}

// HandleHealth reports service health. It returns 503 when the instance
// store is unreachable.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "agentparty",
		Version:   h.version,
		Checks:    map[string]string{"instance_store": "ok"},
	}
	code := http.StatusOK
	if err := h.store.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		status.Checks["instance_store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	problem := models.ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, problem)
}

// writeDomainError maps service, engine and store errors onto problem
// responses.
func writeDomainError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, services.ErrJobNotFound),
		errors.Is(err, services.ErrWorkflowNotFound),
		errors.Is(err, services.ErrAgentNotFound):
		return writeError(c, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, services.ErrInstanceExists),
		errors.Is(err, workflow.ErrInvalidState),
		errors.Is(err, workflow.ErrTerminalState),
		errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, repository.ErrAlreadyExists):
		return writeError(c, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, workflow.ErrUnknownApprover),
		errors.Is(err, workflow.ErrNoMatchingTransition),
		errors.Is(err, workflow.ErrInvalidDecision):
		return writeError(c, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	case errors.Is(err, services.ErrBudgetExceeded):
		return writeError(c, http.StatusTooManyRequests, "Too Many Requests", err.Error())
	case errors.Is(err, services.ErrNoReviewer):
		return writeError(c, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	default:
		c.Logger().Error(err)
		return writeError(c, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}
