package service

import (
	"context"

	"github.com/vantorsec/opflow/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation scope. Spans are no-ops unless
// the host process installs a tracer provider.
const tracerName = "github.com/vantorsec/opflow/pkg/service"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startWorkflowSpan(ctx context.Context, workflowID string, taskCount int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "opflow.workflow")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Int("workflow.task_count", taskCount),
	)
	return ctx, span
}

func endWorkflowSpan(span trace.Span, result *models.WorkflowResult, err error) {
	if err != nil {
		span.RecordError(err)
	}
	if result != nil {
		span.SetAttributes(
			attribute.Bool("workflow.success", result.Success),
			attribute.Int("workflow.completed", result.Completed),
			attribute.Int("workflow.failed", result.Failed),
		)
	}
	span.End()
}

func startWaveSpan(ctx context.Context, workflowID string, wave int, size int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "opflow.wave")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Int("wave.number", wave),
		attribute.Int("wave.size", size),
	)
	return ctx, span
}

func startTaskSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "opflow.task")
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

func endTaskSpan(span trace.Span, outcome models.TaskOutcome) {
	span.SetAttributes(
		attribute.String("task.status", string(outcome.Status)),
		attribute.String("task.agent_id", outcome.AgentID),
	)
	if outcome.Error != "" {
		span.SetAttributes(attribute.String("task.error", outcome.Error))
	}
	span.End()
}

func startIterationSpan(ctx context.Context, loopID string, index int, agentID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "opflow.loop.iteration")
	span.SetAttributes(
		attribute.String("loop.id", loopID),
		attribute.Int("iteration.index", index),
		attribute.String("iteration.agent_id", agentID),
	)
	return ctx, span
}

func endIterationSpan(span trace.Span, success, exitMet bool, err error) {
	span.SetAttributes(
		attribute.Bool("iteration.success", success),
		attribute.Bool("iteration.exit_condition_met", exitMet),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
