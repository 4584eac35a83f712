package workflow

import (
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name string
		resp *openai.ChatCompletionResponse
		want string
	}{
		{
			name: "nil response",
			resp: nil,
			want: "模型服务返回空响应",
		},
		{
			name: "plain content",
			resp: textResponse("hello"),
			want: "hello",
		},
		{
			name: "content with reasoning block",
			resp: textResponse("<think>let me see</think>hello"),
			want: "hello",
		},
		{
			name: "tool calls without content",
			resp: toolResponse("call_1", "get_weather", `{}`),
			want: "[抱歉，群聊太过抽象，响应失败啦]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractContent(tt.resp); got != tt.want {
				t.Errorf("ExtractContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractContentStringifiesUnknownShape(t *testing.T) {
	resp := &openai.ChatCompletionResponse{ID: "resp-1"}

	got := ExtractContent(resp)
	if !strings.Contains(got, "resp-1") {
		t.Fatalf("ExtractContent() = %q, want stringified response", got)
	}
}

func TestStripReasoning(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "think pair removed",
			in:   "<think>reasoning here</think>the answer",
			want: "the answer",
		},
		{
			name: "thinking marker pair",
			in:   "<|thinking|>hmm</|thinking|>结果",
			want: "结果",
		},
		{
			name: "chinese bracket pair",
			in:   "[思考]分析[/思考]答案",
			want: "答案",
		},
		{
			name: "closing tag only keeps tail",
			in:   "leaked reasoning</think>the answer",
			want: "the answer",
		},
		{
			name: "open tag only unchanged",
			in:   "<think>still reasoning",
			want: "<think>still reasoning",
		},
		{
			name: "no tags unchanged",
			in:   "plain reply",
			want: "plain reply",
		},
		{
			name: "surrounding text survives",
			in:   "before <think>x</think> after",
			want: "before  after",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripReasoning(tt.in); got != tt.want {
				t.Errorf("StripReasoning(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
