// Package models defines the shared data types that flow between the
// orchestrator's components: inbound frontend messages, outbound responses,
// queue tasks, workflow results, and the per-chat conversation context.
//
// Conversation messages use the OpenAI chat-completion wire format
// (openai.ChatCompletionMessage) end to end, so the context store persists
// exactly what the model backend consumes.
package models

import (
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatMode selects how multimodal content is presented to the model.
type ChatMode string

const (
	// ChatModeLLM is text-only: image parts are flattened away before a
	// model call.
	ChatModeLLM ChatMode = "LLM"

	// ChatModeMLLM is multimodal: image parts are preserved and resolved
	// to inline data URIs.
	ChatModeMLLM ChatMode = "MLLM"
)

// InboundMessage is a message delivered by a chat frontend.
// Exactly one of Content or Parts carries the payload; Parts is used for
// multimodal messages.
type InboundMessage struct {
	ChatID    string                   `json:"chat_id"`
	UserID    string                   `json:"user_id,omitempty"`
	Content   string                   `json:"content,omitempty"`
	Parts     []openai.ChatMessagePart `json:"parts,omitempty"`
	IsRespond bool                     `json:"is_respond"`
	Timestamp time.Time                `json:"timestamp"`

	// Assistant carries a verbatim assistant message when the agent core
	// writes a model reply back into the context through the message queue.
	// Nil for ordinary user messages.
	Assistant *openai.ChatCompletionMessage `json:"assistant,omitempty"`
}

// IsAssistant reports whether this entry is an assistant write-back rather
// than a user message.
func (m *InboundMessage) IsAssistant() bool {
	return m.Assistant != nil
}

// AsChatMessage converts the inbound payload to a chat-completion message.
func (m *InboundMessage) AsChatMessage() openai.ChatCompletionMessage {
	if m.Assistant != nil {
		return *m.Assistant
	}
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(m.Parts) > 0 {
		msg.MultiContent = cloneParts(m.Parts)
	} else {
		msg.Content = m.Content
	}
	return msg
}

// Text returns the textual portion of the message. For multimodal payloads
// the text parts are joined with single spaces; image parts are ignored.
func (m *InboundMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, part := range m.Parts {
		if part.Type == openai.ChatMessagePartTypeText && strings.TrimSpace(part.Text) != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, " ")
}

// Response is an outbound reply routed to every connected frontend.
type Response struct {
	ChatID    string                   `json:"chat_id"`
	Content   string                   `json:"content"`
	Parts     []openai.ChatMessagePart `json:"parts,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// ModelRequest is the envelope handed to a model backend adapter. Session
// carries a ready-to-send chat-completion request built by the session store.
type ModelRequest struct {
	ChatID    string                       `json:"chat_id"`
	Session   openai.ChatCompletionRequest `json:"session_data"`
	Timestamp time.Time                    `json:"timestamp"`
}

func cloneParts(parts []openai.ChatMessagePart) []openai.ChatMessagePart {
	if parts == nil {
		return nil
	}
	out := make([]openai.ChatMessagePart, len(parts))
	for i, p := range parts {
		out[i] = p
		if p.ImageURL != nil {
			img := *p.ImageURL
			out[i].ImageURL = &img
		}
	}
	return out
}

// CloneMessage returns a deep copy of a chat-completion message.
func CloneMessage(msg openai.ChatCompletionMessage) openai.ChatCompletionMessage {
	out := msg
	out.MultiContent = cloneParts(msg.MultiContent)
	if msg.ToolCalls != nil {
		out.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
		copy(out.ToolCalls, msg.ToolCalls)
	}
	return out
}

// CloneMessages returns a deep copy of a message slice.
func CloneMessages(msgs []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if msgs == nil {
		return nil
	}
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}
