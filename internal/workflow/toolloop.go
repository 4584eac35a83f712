package workflow

import (
	"context"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/tools"
	"github.com/clew-ai/clew/pkg/models"
)

// runToolLoop drives the model until it stops requesting tools or the call
// budget is spent. Tool calls within a batch run serially in declared order;
// the whole loop holds the session lock so concurrent invocations for the
// same session cannot interleave.
func (e *Engine) runToolLoop(ctx context.Context, sessionID, chatID string, initial *openai.ChatCompletionResponse) *openai.ChatCompletionResponse {
	unlock := e.lockSession(sessionID)
	defer unlock()

	current := initial
	for count := 0; count < e.cfg.MaxToolCalls; count++ {
		calls := pendingToolCalls(current)
		if len(calls) == 0 {
			return current
		}

		assistant := openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   current.Choices[0].Message.Content,
			ToolCalls: calls,
		}
		if err := e.sessions.AddToolCallMessage(sessionID, assistant); err != nil {
			e.logger.Error("session update failed", "session_id", sessionID, "error", err)
			return current
		}

		results := make([]openai.ChatCompletionMessage, 0, len(calls))
		for _, call := range calls {
			results = append(results, e.executeCall(ctx, sessionID, chatID, call))
		}
		if err := e.sessions.AddToolResults(sessionID, results); err != nil {
			e.logger.Error("session update failed", "session_id", sessionID, "error", err)
			return current
		}

		sess, ok := e.sessions.Get(sessionID)
		if !ok {
			e.logger.Warn("session vanished during tool loop", "session_id", sessionID)
			return current
		}
		resp, err := e.callModel(ctx, chatID, sess)
		if err != nil || resp == nil {
			// The partial conversation is already in the session; the
			// extraction fallback reports the empty response.
			return nil
		}
		current = resp
	}

	e.logger.Warn("tool call budget exhausted", "session_id", sessionID,
		"max_tool_calls", e.cfg.MaxToolCalls)
	return current
}

// executeCall runs one tool call and returns its tool-role result message.
func (e *Engine) executeCall(ctx context.Context, sessionID, chatID string, call openai.ToolCall) openai.ChatCompletionMessage {
	record := &models.ToolCallRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  call.Function.Name,
		Status:    models.ToolCallRunning,
		StartedAt: e.nowFunc(),
	}
	e.track(record)

	content, status := e.tools.ExecuteWithTimeout(ctx, call.Function.Name, call.Function.Arguments, tools.CallContext{
		ChatID:    chatID,
		SessionID: sessionID,
	})

	e.trackMu.Lock()
	record.Status = status
	record.Result = content
	e.trackMu.Unlock()

	if status != models.ToolCallCompleted {
		e.logger.Warn("tool call did not complete", "session_id", sessionID,
			"tool", call.Function.Name, "status", status)
	}

	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    content,
		Name:       call.Function.Name,
		ToolCallID: call.ID,
	}
}

func pendingToolCalls(resp *openai.ChatCompletionResponse) []openai.ToolCall {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}
	return resp.Choices[0].Message.ToolCalls
}
