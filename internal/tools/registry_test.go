package tools

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/pkg/models"
)

type staticProvider struct {
	name string
	defs []Definition
}

func (p *staticProvider) Name() string        { return p.name }
func (p *staticProvider) Tools() []Definition { return p.defs }

func echoTool(name string, timeout time.Duration, handler Handler) Definition {
	return Definition{
		Schema: openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name: name,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
					},
					"required": []any{"text"},
				},
			},
		},
		Handler: handler,
		Timeout: timeout,
		Enabled: true,
	}
}

func newTestRegistry(t *testing.T, cfg config.ToolsConfig, providers ...Provider) *Registry {
	t.Helper()
	r := NewRegistry(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	for _, p := range providers {
		if err := r.AddProvider(p); err != nil {
			t.Fatalf("AddProvider(%s) error = %v", p.Name(), err)
		}
	}
	return r
}

func TestExecuteSuccess(t *testing.T) {
	var gotCall CallContext
	p := &staticProvider{name: "test", defs: []Definition{
		echoTool("echo", 0, func(_ context.Context, call CallContext, args map[string]any) (string, error) {
			gotCall = call
			return "echo: " + args["text"].(string), nil
		}),
	}}
	r := newTestRegistry(t, config.Default().System.Tools, p)

	call := CallContext{ChatID: "chat1", SessionID: "sess1"}
	got, status := r.ExecuteWithTimeout(context.Background(), "echo", `{"text":"hi"}`, call)
	if status != models.ToolCallCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	if got != "echo: hi" {
		t.Errorf("result = %q", got)
	}
	if gotCall != call {
		t.Errorf("call context = %+v, want %+v", gotCall, call)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := newTestRegistry(t, config.Default().System.Tools)
	got, status := r.ExecuteWithTimeout(context.Background(), "nope", "{}", CallContext{})
	if got != "工具不存在: nope" {
		t.Errorf("result = %q", got)
	}
	if status != models.ToolCallFailed {
		t.Errorf("status = %s, want failed", status)
	}
}

func TestExecuteDisabledTool(t *testing.T) {
	def := echoTool("echo", 0, func(context.Context, CallContext, map[string]any) (string, error) {
		return "", nil
	})
	def.Enabled = false
	r := newTestRegistry(t, config.Default().System.Tools, &staticProvider{name: "test", defs: []Definition{def}})

	got, status := r.ExecuteWithTimeout(context.Background(), "echo", `{"text":"x"}`, CallContext{})
	if got != "工具已禁用: echo" {
		t.Errorf("result = %q", got)
	}
	if status != models.ToolCallFailed {
		t.Errorf("status = %s, want failed", status)
	}
	if len(r.Definitions()) != 0 {
		t.Error("disabled tool must not appear in Definitions()")
	}
}

func TestExecuteTimeout(t *testing.T) {
	p := &staticProvider{name: "test", defs: []Definition{
		echoTool("slow", 50*time.Millisecond, func(ctx context.Context, _ CallContext, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}}
	r := newTestRegistry(t, config.Default().System.Tools, p)

	got, status := r.ExecuteWithTimeout(context.Background(), "slow", `{"text":"x"}`, CallContext{})
	if status != models.ToolCallTimeout {
		t.Fatalf("status = %s, want timeout", status)
	}
	if got != "工具执行超时 (超时时间: 0.05s)" {
		t.Errorf("result = %q", got)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	p := &staticProvider{name: "test", defs: []Definition{
		echoTool("bad", 0, func(context.Context, CallContext, map[string]any) (string, error) {
			return "", errors.New("boom")
		}),
	}}
	r := newTestRegistry(t, config.Default().System.Tools, p)

	got, status := r.ExecuteWithTimeout(context.Background(), "bad", `{"text":"x"}`, CallContext{})
	if got != "工具执行失败: boom" {
		t.Errorf("result = %q", got)
	}
	if status != models.ToolCallFailed {
		t.Errorf("status = %s, want failed", status)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	called := false
	p := &staticProvider{name: "test", defs: []Definition{
		echoTool("echo", 0, func(context.Context, CallContext, map[string]any) (string, error) {
			called = true
			return "", nil
		}),
	}}
	r := newTestRegistry(t, config.Default().System.Tools, p)

	tests := []struct {
		name string
		args string
	}{
		{"missing required field", `{}`},
		{"wrong type", `{"text": 5}`},
		{"malformed json", `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, status := r.ExecuteWithTimeout(context.Background(), "echo", tt.args, CallContext{})
			if status != models.ToolCallFailed {
				t.Errorf("status = %s, want failed", status)
			}
			if !strings.HasPrefix(got, "工具执行失败: ") {
				t.Errorf("result = %q", got)
			}
		})
	}
	if called {
		t.Error("handler must not run on invalid arguments")
	}
}

func TestConfigOverrides(t *testing.T) {
	cfg := config.Default().System.Tools
	enabled := false
	timeout := 0.05
	cfg.Overrides = map[string]config.ToolOverride{
		"echo": {Enabled: &enabled},
		"slow": {TimeoutSeconds: &timeout},
	}

	p := &staticProvider{name: "test", defs: []Definition{
		echoTool("echo", 0, func(context.Context, CallContext, map[string]any) (string, error) {
			return "", nil
		}),
		echoTool("slow", time.Minute, func(ctx context.Context, _ CallContext, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}}
	r := newTestRegistry(t, cfg, p)

	if _, status := r.ExecuteWithTimeout(context.Background(), "echo", `{"text":"x"}`, CallContext{}); status != models.ToolCallFailed {
		t.Error("overridden-disabled tool should fail")
	}
	if _, status := r.ExecuteWithTimeout(context.Background(), "slow", `{"text":"x"}`, CallContext{}); status != models.ToolCallTimeout {
		t.Error("overridden timeout should apply")
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	p := &staticProvider{name: "test", defs: []Definition{
		echoTool("one", 0, func(context.Context, CallContext, map[string]any) (string, error) { return "1", nil }),
	}}
	r := newTestRegistry(t, config.Default().System.Tools, p)

	p.defs = []Definition{
		echoTool("two", 0, func(context.Context, CallContext, map[string]any) (string, error) { return "2", nil }),
	}
	if err := r.Reload(config.Default().System.Tools); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if _, ok := r.Get("one"); ok {
		t.Error("old tool should be gone after reload")
	}
	if _, ok := r.Get("two"); !ok {
		t.Error("new tool should be present after reload")
	}
}

type fakeAdmin struct {
	prompts map[string]string
}

func (f *fakeAdmin) SetCustomPrompt(chatID, prompt string) error {
	f.prompts[chatID] = prompt
	return nil
}
func (f *fakeAdmin) CustomPrompt(chatID string) (string, bool, error) {
	prompt, ok := f.prompts[chatID]
	return prompt, ok, nil
}
func (f *fakeAdmin) DeleteCustomPrompt(chatID string) error {
	delete(f.prompts, chatID)
	return nil
}

func TestPromptToolsRoundTrip(t *testing.T) {
	admin := &fakeAdmin{prompts: make(map[string]string)}
	r := newTestRegistry(t, config.Default().System.Tools, NewPromptTools(admin))

	call := CallContext{ChatID: "chat1", SessionID: "sess1"}
	if got, status := r.ExecuteWithTimeout(context.Background(), "set_chat_prompt", `{"prompt":"说话俏皮一点"}`, call); status != models.ToolCallCompleted {
		t.Fatalf("set_chat_prompt = %q, status %s", got, status)
	}
	if admin.prompts["chat1"] != "说话俏皮一点" {
		t.Errorf("stored prompt = %q", admin.prompts["chat1"])
	}

	got, _ := r.ExecuteWithTimeout(context.Background(), "get_chat_prompt", `{}`, call)
	if !strings.Contains(got, "说话俏皮一点") {
		t.Errorf("get_chat_prompt = %q", got)
	}

	if _, status := r.ExecuteWithTimeout(context.Background(), "delete_chat_prompt", `{}`, call); status != models.ToolCallCompleted {
		t.Fatal("delete_chat_prompt failed")
	}
	if _, ok := admin.prompts["chat1"]; ok {
		t.Error("prompt should be deleted")
	}
}
