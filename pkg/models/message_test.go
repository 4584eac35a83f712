package models

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestInboundMessage_Text(t *testing.T) {
	tests := []struct {
		name string
		msg  InboundMessage
		want string
	}{
		{
			name: "plain string",
			msg:  InboundMessage{Content: "hello"},
			want: "hello",
		},
		{
			name: "parts with text and image",
			msg: InboundMessage{Parts: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: "look"},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "http://x/a.png"}},
				{Type: openai.ChatMessagePartTypeText, Text: "here"},
			}},
			want: "look here",
		},
		{
			name: "image only",
			msg: InboundMessage{Parts: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "http://x/a.png"}},
			}},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInboundMessage_AsChatMessage(t *testing.T) {
	m := InboundMessage{Content: "hi"}
	msg := m.AsChatMessage()
	if msg.Role != openai.ChatMessageRoleUser {
		t.Errorf("role = %q, want user", msg.Role)
	}
	if msg.Content != "hi" {
		t.Errorf("content = %q, want hi", msg.Content)
	}

	assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "reply"}
	wb := InboundMessage{Assistant: &assistant}
	if !wb.IsAssistant() {
		t.Fatal("IsAssistant() = false for write-back")
	}
	if got := wb.AsChatMessage(); got.Content != "reply" {
		t.Errorf("write-back content = %q, want reply", got.Content)
	}
}

func TestCloneMessages_Independence(t *testing.T) {
	orig := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "http://a"}},
			},
		},
		{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{ID: "t1"}},
		},
	}

	cloned := CloneMessages(orig)
	cloned[0].MultiContent[0].ImageURL.URL = "http://b"
	cloned[1].ToolCalls[0].ID = "t2"

	if orig[0].MultiContent[0].ImageURL.URL != "http://a" {
		t.Error("clone shares image URL with original")
	}
	if orig[1].ToolCalls[0].ID != "t1" {
		t.Error("clone shares tool calls with original")
	}
}

func TestContext_Clone(t *testing.T) {
	ctx := &Context{
		ChatID:    "c1",
		ChatMode:  ChatModeLLM,
		ToolsCall: true,
		Data: openai.ChatCompletionRequest{
			Model: "local_model",
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "core"},
				{Role: openai.ChatMessageRoleUser, Content: "q"},
			},
		},
	}

	clone := ctx.Clone()
	clone.Data.Messages[1].Content = "changed"
	if ctx.Data.Messages[1].Content != "q" {
		t.Error("clone shares messages with original")
	}
	sys := clone.SystemMessage()
	if sys == nil || sys.Content != "core" {
		t.Errorf("SystemMessage() = %+v, want content core", sys)
	}
	if n := ctx.UserMessageCount(); n != 1 {
		t.Errorf("UserMessageCount() = %d, want 1", n)
	}
}

func TestContext_SystemMessage(t *testing.T) {
	ctx := &Context{
		Data: openai.ChatCompletionRequest{
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "core"},
				{Role: openai.ChatMessageRoleUser, Content: "q"},
			},
		},
	}

	sys := ctx.SystemMessage()
	if sys == nil || sys.Content != "core" {
		t.Fatalf("SystemMessage() = %+v, want content core", sys)
	}

	// The returned message aliases the live slice so mutators can edit
	// in place.
	sys.Content = "updated"
	if ctx.Data.Messages[0].Content != "updated" {
		t.Error("SystemMessage() returned a copy, not the live message")
	}

	empty := &Context{}
	if got := empty.SystemMessage(); got != nil {
		t.Errorf("SystemMessage() on empty context = %+v, want nil", got)
	}
}
