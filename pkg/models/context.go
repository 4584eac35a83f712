package models

import (
	openai "github.com/sashabaranov/go-openai"
)

// Context is the persistent per-chat conversation state. Data holds the
// chat-completion request body that accumulates the dialogue: the first
// message is always the system prompt, followed by user/assistant/tool
// messages in dialogue order.
type Context struct {
	ChatID    string                       `json:"chat_id"`
	ChatMode  ChatMode                     `json:"chat_mode"`
	ToolsCall bool                         `json:"tools_call"`
	Data      openai.ChatCompletionRequest `json:"data"`
}

// Clone returns a deep copy safe to mutate independently of the original.
// Tool schemas are shared: they are immutable once registered.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Data.Messages = CloneMessages(c.Data.Messages)
	if c.Data.Tools != nil {
		out.Data.Tools = make([]openai.Tool, len(c.Data.Tools))
		copy(out.Data.Tools, c.Data.Tools)
	}
	return &out
}

// SystemMessage returns the context's system message, or nil when none
// exists.
func (c *Context) SystemMessage() *openai.ChatCompletionMessage {
	for i := range c.Data.Messages {
		if c.Data.Messages[i].Role == openai.ChatMessageRoleSystem {
			return &c.Data.Messages[i]
		}
	}
	return nil
}

// UserMessageCount counts messages with the user role.
func (c *Context) UserMessageCount() int {
	n := 0
	for _, msg := range c.Data.Messages {
		if msg.Role == openai.ChatMessageRoleUser {
			n++
		}
	}
	return n
}
