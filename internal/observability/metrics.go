// Package observability exports workflow engine counters to Prometheus
// through an OpenTelemetry meter.
package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// WorkflowMetrics records engine events as OpenTelemetry counters.
type WorkflowMetrics struct {
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	transitions metric.Int64Counter
	rework      metric.Int64Counter
	finished    metric.Int64Counter
	approvals   metric.Int64Counter
}

// NewWorkflowMetrics builds a meter provider backed by a dedicated
// Prometheus registry.
func NewWorkflowMetrics() (*WorkflowMetrics, error) {
	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	meter := provider.Meter("agentparty")

	transitions, err := meter.Int64Counter(
		"agentparty_workflow_transitions_total",
		metric.WithDescription("Step transitions taken"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	rework, err := meter.Int64Counter(
		"agentparty_workflow_rework_total",
		metric.WithDescription("Transitions that re-entered an earlier step"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rework counter: %w", err)
	}

	finished, err := meter.Int64Counter(
		"agentparty_workflow_finished_total",
		metric.WithDescription("Workflow instances that reached a final status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}

	approvals, err := meter.Int64Counter(
		"agentparty_approvals_total",
		metric.WithDescription("Approval decisions recorded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approvals counter: %w", err)
	}

	return &WorkflowMetrics{
		provider:    provider,
		registry:    registry,
		transitions: transitions,
		rework:      rework,
		finished:    finished,
		approvals:   approvals,
	}, nil
}

// Transition counts a step transition.
func (m *WorkflowMetrics) Transition(workflowID, from, to string, cond models.Condition, rework bool) {
	ctx := context.Background()
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("condition", cond.String()),
	))
	if rework {
		m.rework.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow", workflowID),
			attribute.String("step", to),
		))
	}
}

// Approval counts an approval decision.
func (m *WorkflowMetrics) Approval(workflowID, stepID string, status models.ApprovalStatus) {
	m.approvals.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("step", stepID),
		attribute.String("decision", string(status)),
	))
}

// Finished counts an instance reaching a final status.
func (m *WorkflowMetrics) Finished(workflowID string, status models.InstanceStatus) {
	m.finished.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("status", string(status)),
	))
}

// Handler serves the Prometheus exposition of the registry.
func (m *WorkflowMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *WorkflowMetrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
