package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/clew-ai/clew/pkg/models"
)

// ExecuteWithTimeout runs the named tool with the model's JSON arguments
// under the tool's deadline. The returned string is always usable as tool
// message content: failures come back as descriptive strings, never as
// errors, so a bad tool call degrades the conversation instead of aborting
// the session.
func (r *Registry) ExecuteWithTimeout(ctx context.Context, name string, argsJSON string, call CallContext) (string, models.ToolCallStatus) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	timeout := r.cfg.DefaultToolTimeout()
	r.mu.RUnlock()

	if !ok {
		return "工具不存在: " + name, models.ToolCallFailed
	}
	if !reg.def.Enabled {
		return "工具已禁用: " + name, models.ToolCallFailed
	}
	if reg.def.Timeout > 0 {
		timeout = reg.def.Timeout
	}

	args := make(map[string]any)
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "工具执行失败: " + err.Error(), models.ToolCallFailed
		}
	}
	if reg.validator != nil {
		if err := reg.validator.Validate(map[string]any(args)); err != nil {
			return "工具执行失败: " + err.Error(), models.ToolCallFailed
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		content, err := reg.def.Handler(execCtx, call, args)
		done <- outcome{content, err}
	}()

	select {
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return "工具执行失败: " + ctx.Err().Error(), models.ToolCallFailed
		}
		r.logger.Warn("tool timed out", "tool", name, "timeout", timeout)
		return "工具执行超时 (超时时间: " + formatSeconds(timeout) + "s)", models.ToolCallTimeout
	case out := <-done:
		if out.err != nil {
			r.logger.Warn("tool failed", "tool", name, "error", out.err)
			return "工具执行失败: " + out.err.Error(), models.ToolCallFailed
		}
		return out.content, models.ToolCallCompleted
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
