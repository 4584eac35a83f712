package tools

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ContextAdmin is the slice of the context store that conversation-state
// tools need. The agent core passes the real store in; tests pass fakes.
type ContextAdmin interface {
	SetCustomPrompt(chatID, prompt string) error
	CustomPrompt(chatID string) (string, bool, error)
	DeleteCustomPrompt(chatID string) error
}

// PromptTools lets the model manage the chat's own prompt. The chat ID is
// injected from the call context, never trusted from model arguments.
type PromptTools struct {
	admin ContextAdmin
}

// NewPromptTools creates the prompt management provider.
func NewPromptTools(admin ContextAdmin) *PromptTools {
	return &PromptTools{admin: admin}
}

func (p *PromptTools) Name() string { return "prompt" }

func (p *PromptTools) Tools() []Definition {
	return []Definition{
		{
			Schema: openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "set_chat_prompt",
					Description: "为当前对话设定一段自定义提示词，追加在系统提示词之前",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"prompt": map[string]any{
								"type":        "string",
								"description": "要设定的提示词内容",
							},
						},
						"required": []any{"prompt"},
					},
				},
			},
			Handler:    p.setPrompt,
			Timeout:    10 * time.Second,
			Enabled:    true,
			MaxRetries: 1,
		},
		{
			Schema: openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "get_chat_prompt",
					Description: "查询当前对话的自定义提示词",
					Parameters: map[string]any{
						"type":       "object",
						"properties": map[string]any{},
					},
				},
			},
			Handler:    p.getPrompt,
			Timeout:    10 * time.Second,
			Enabled:    true,
			MaxRetries: 1,
		},
		{
			Schema: openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "delete_chat_prompt",
					Description: "删除当前对话的自定义提示词，恢复默认系统提示词",
					Parameters: map[string]any{
						"type":       "object",
						"properties": map[string]any{},
					},
				},
			},
			Handler:    p.deletePrompt,
			Timeout:    10 * time.Second,
			Enabled:    true,
			MaxRetries: 1,
		},
	}
}

func (p *PromptTools) setPrompt(_ context.Context, call CallContext, args map[string]any) (string, error) {
	prompt, _ := args["prompt"].(string)
	if err := p.admin.SetCustomPrompt(call.ChatID, prompt); err != nil {
		return "", err
	}
	return "提示词设定成功", nil
}

func (p *PromptTools) getPrompt(_ context.Context, call CallContext, _ map[string]any) (string, error) {
	prompt, has, err := p.admin.CustomPrompt(call.ChatID)
	if err != nil {
		return "", err
	}
	if !has {
		return "当前对话未设定自定义提示词", nil
	}
	return "当前对话的提示词: " + prompt, nil
}

func (p *PromptTools) deletePrompt(_ context.Context, call CallContext, _ map[string]any) (string, error) {
	if err := p.admin.DeleteCustomPrompt(call.ChatID); err != nil {
		return "", err
	}
	return "提示词已删除", nil
}
