package agent

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clew-ai/clew/internal/observability"
	"github.com/clew-ai/clew/internal/tools"
	"github.com/clew-ai/clew/internal/workflow"
	"github.com/clew-ai/clew/pkg/models"
)

// instrumentedTools wraps the tool registry with a span and a duration
// metric per execution.
type instrumentedTools struct {
	inner   workflow.ToolExecutor
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (it *instrumentedTools) ExecuteWithTimeout(ctx context.Context, name, argsJSON string, call tools.CallContext) (string, models.ToolCallStatus) {
	ctx, span := it.tracer.Start(ctx, "tool."+name,
		attribute.String("chat_id", call.ChatID))
	defer span.End()

	start := time.Now()
	result, status := it.inner.ExecuteWithTimeout(ctx, name, argsJSON, call)
	it.metrics.RecordToolExecution(name, string(status), time.Since(start).Seconds())
	return result, status
}

// instrumentedModel wraps the port manager's model dispatch with latency and
// outcome metrics. A nil response with nil error means no backend had
// capacity and is counted as "unavailable".
type instrumentedModel struct {
	inner   workflow.ModelCaller
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (im *instrumentedModel) SendToModel(ctx context.Context, req *models.ModelRequest) (*openai.ChatCompletionResponse, error) {
	ctx, span := im.tracer.Start(ctx, "model.request",
		attribute.String("model", req.Session.Model))
	defer span.End()

	start := time.Now()
	resp, err := im.inner.SendToModel(ctx, req)

	status := "success"
	switch {
	case err != nil:
		status = "error"
		im.tracer.RecordError(span, err)
	case resp == nil:
		status = "unavailable"
	}
	im.metrics.RecordModelRequest(req.Session.Model, status, time.Since(start).Seconds())
	return resp, err
}
