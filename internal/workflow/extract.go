package workflow

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// apologyReply is sent when the model only produced tool calls and no text
// survived the loop.
const apologyReply = "[抱歉，群聊太过抽象，响应失败啦]"

// emptyModelReply is sent when the backend returned nothing usable.
const emptyModelReply = "模型服务返回空响应"

// reasoningTags lists the open/close pairs of inline reasoning blocks some
// models emit before their answer.
var reasoningTags = [][2]string{
	{"<think>", "</think>"},
	{"<|thinking|>", "</|thinking|>"},
	{"[思考]", "[/思考]"},
}

// ExtractContent turns a chat-completion response into reply text. The first
// choice's message content wins; a tool-call-only message yields the apology
// reply; anything else is stringified so the operator can see what came back.
func ExtractContent(resp *openai.ChatCompletionResponse) string {
	if resp == nil {
		return emptyModelReply
	}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			return StripReasoning(msg.Content)
		}
		if len(msg.ToolCalls) > 0 {
			return apologyReply
		}
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return emptyModelReply
	}
	return string(raw)
}

// StripReasoning removes an inline reasoning block from reply text. A matched
// open/close pair is cut out entirely; a closing tag without its opener keeps
// only the text after it. Text without a closing tag passes through unchanged,
// including a dangling open tag.
func StripReasoning(text string) string {
	for _, tag := range reasoningTags {
		open, closing := tag[0], tag[1]
		closeAt := strings.Index(text, closing)
		if closeAt < 0 {
			continue
		}
		openAt := strings.Index(text, open)
		if openAt >= 0 && openAt < closeAt {
			return strings.TrimSpace(text[:openAt] + text[closeAt+len(closing):])
		}
		return strings.TrimSpace(text[closeAt+len(closing):])
	}
	return text
}
