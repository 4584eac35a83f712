package contextstore

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/pkg/models"
)

type fakeSchemas struct {
	tools []openai.Tool
}

func (f *fakeSchemas) Definitions() []openai.Tool { return f.tools }

func testConfig() config.ContextConfig {
	cfg := config.Default().System.Context
	cfg.DefaultModel = "test-model"
	cfg.ChatModels.LLM = []string{"test-model"}
	cfg.ChatModels.MLLM = []string{"test-vision"}
	cfg.CorePrompt = []string{"core prompt"}
	cfg.MaxUserMessagesPerChat = 20
	return cfg
}

func newTestStore(t *testing.T, cfg config.ContextConfig) *Store {
	t.Helper()
	s, err := New(t.TempDir(), cfg, &fakeSchemas{}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func userMsg(text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
}

func TestGetCreatesDefaults(t *testing.T) {
	s := newTestStore(t, testConfig())

	ctx, err := s.Get("chat1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ctx.Data.Model != "test-model" {
		t.Errorf("model = %q, want test-model", ctx.Data.Model)
	}
	if got := len(ctx.Data.Messages); got != 1 {
		t.Fatalf("message count = %d, want 1", got)
	}
	sys := ctx.Data.Messages[0]
	if sys.Role != openai.ChatMessageRoleSystem || sys.Content != "core prompt" {
		t.Errorf("system message = %+v", sys)
	}
	if !ctx.ToolsCall {
		t.Error("ToolsCall should default to true")
	}
}

func TestUpdateSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s, err := New(dir, cfg, &fakeSchemas{}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.Update("chat1", userMsg("hello")); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	s.Close()

	s2, err := New(dir, cfg, &fakeSchemas{}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, err := s2.Get("chat1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := len(ctx.Data.Messages); got != 2 {
		t.Fatalf("message count after reload = %d, want 2", got)
	}
	if ctx.Data.Messages[1].Content != "hello" {
		t.Errorf("reloaded message = %q, want hello", ctx.Data.Messages[1].Content)
	}
}

func TestTrimRemovesWholeRounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUserMessagesPerChat = 2
	s := newTestStore(t, cfg)

	msgs := []openai.ChatCompletionMessage{
		userMsg("A"),
		{Role: openai.ChatMessageRoleAssistant, Content: "a1"},
		userMsg("B"),
		{Role: openai.ChatMessageRoleAssistant, Content: "b1"},
		{Role: openai.ChatMessageRoleTool, Content: "b2", ToolCallID: "call_1"},
		userMsg("C"),
	}
	for _, m := range msgs {
		if _, err := s.Update("chat1", m); err != nil {
			t.Fatalf("Update(%q) error = %v", m.Content, err)
		}
	}

	ctx, err := s.Get("chat1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	wantRoles := []string{
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleUser,
		openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleTool,
		openai.ChatMessageRoleUser,
	}
	if len(ctx.Data.Messages) != len(wantRoles) {
		t.Fatalf("message count = %d, want %d: %+v", len(ctx.Data.Messages), len(wantRoles), ctx.Data.Messages)
	}
	for i, role := range wantRoles {
		if ctx.Data.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %s, want %s", i, ctx.Data.Messages[i].Role, role)
		}
	}
	if ctx.Data.Messages[1].Content != "B" || ctx.Data.Messages[4].Content != "C" {
		t.Errorf("trim kept wrong rounds: %+v", ctx.Data.Messages)
	}
}

func TestTrimDropsOrphanAssistant(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUserMessagesPerChat = 1
	s := newTestStore(t, cfg)

	// An assistant message stranded ahead of any user message must not
	// block trimming.
	if _, err := s.Update("chat1", openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant, Content: "orphan",
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	for _, text := range []string{"A", "B"} {
		if _, err := s.Update("chat1", userMsg(text)); err != nil {
			t.Fatalf("Update(%q) error = %v", text, err)
		}
	}

	ctx, err := s.Get("chat1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := len(ctx.Data.Messages); got != 2 {
		t.Fatalf("message count = %d, want 2: %+v", got, ctx.Data.Messages)
	}
	if ctx.Data.Messages[1].Content != "B" {
		t.Errorf("surviving user message = %q, want B", ctx.Data.Messages[1].Content)
	}
}

func TestNormalizeUserContent(t *testing.T) {
	textPart := openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: "look"}
	imgPart := openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: "http://example.com/a.png"},
	}

	tests := []struct {
		name        string
		parts       []openai.ChatMessagePart
		wantContent string
		wantParts   int
	}{
		{"text and image kept", []openai.ChatMessagePart{textPart, imgPart}, "", 2},
		{"single image collapses", []openai.ChatMessagePart{imgPart}, "[图片消息]", 0},
		{"multiple images collapse", []openai.ChatMessagePart{imgPart, imgPart, imgPart}, "[3张图片]", 0},
		{"empty list collapses", []openai.ChatMessagePart{}, "[消息]", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: tt.parts,
			}
			normalizeUserContent(&msg)
			if msg.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", msg.Content, tt.wantContent)
			}
			if len(msg.MultiContent) != tt.wantParts {
				t.Errorf("MultiContent len = %d, want %d", len(msg.MultiContent), tt.wantParts)
			}
		})
	}
}

func TestSetModelSwitchesMode(t *testing.T) {
	s := newTestStore(t, testConfig())

	if err := s.SetModel("chat1", "test-vision"); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	ctx, err := s.Get("chat1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ctx.Data.Model != "test-vision" {
		t.Errorf("model = %q, want test-vision", ctx.Data.Model)
	}
	if ctx.ChatMode != models.ChatModeMLLM {
		t.Errorf("chat mode = %s, want MLLM", ctx.ChatMode)
	}

	if err := s.SetModel("chat1", "test-model"); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	ctx, _ = s.Get("chat1")
	if ctx.ChatMode != models.ChatModeLLM {
		t.Errorf("chat mode = %s, want LLM", ctx.ChatMode)
	}

	if err := s.SetModel("chat1", "nope"); err == nil {
		t.Error("SetModel with unknown model should fail")
	}
}

func TestCustomPromptLifecycle(t *testing.T) {
	s := newTestStore(t, testConfig())

	if err := s.SetCustomPrompt("chat1", "be terse"); err != nil {
		t.Fatalf("SetCustomPrompt() error = %v", err)
	}
	ctx, _ := s.Get("chat1")
	if got := ctx.SystemMessage().Content; got != "be terse\ncore prompt" {
		t.Errorf("system = %q", got)
	}

	got, has, err := s.CustomPrompt("chat1")
	if err != nil {
		t.Fatalf("CustomPrompt() error = %v", err)
	}
	if !has || got != "be terse" {
		t.Errorf("CustomPrompt() = (%q, %v), want (be terse, true)", got, has)
	}

	if err := s.DeleteCustomPrompt("chat1"); err != nil {
		t.Fatalf("DeleteCustomPrompt() error = %v", err)
	}
	ctx, _ = s.Get("chat1")
	if got := ctx.SystemMessage().Content; got != "core prompt" {
		t.Errorf("system after delete = %q", got)
	}
	if _, has, _ := s.CustomPrompt("chat1"); has {
		t.Error("custom prompt still reported after delete")
	}
}

func TestCustomPromptUnsetChat(t *testing.T) {
	s := newTestStore(t, testConfig())

	got, has, err := s.CustomPrompt("chat_fresh")
	if err != nil {
		t.Fatalf("CustomPrompt() error = %v", err)
	}
	if has || got != "" {
		t.Errorf("CustomPrompt() on fresh chat = (%q, %v), want (\"\", false)", got, has)
	}
}

func TestClearKeepsSystemMessage(t *testing.T) {
	s := newTestStore(t, testConfig())
	if _, err := s.Update("chat1", userMsg("hello")); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := s.Clear("chat1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	ctx, _ := s.Get("chat1")
	if got := len(ctx.Data.Messages); got != 1 {
		t.Fatalf("message count = %d, want 1", got)
	}
	if ctx.Data.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("remaining message role = %s", ctx.Data.Messages[0].Role)
	}
}

func TestDeleteRecreatesDefaults(t *testing.T) {
	s := newTestStore(t, testConfig())
	if err := s.SetModel("chat1", "test-vision"); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	if err := s.Delete("chat1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	ctx, err := s.Get("chat1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ctx.Data.Model != "test-model" {
		t.Errorf("model after delete = %q, want default", ctx.Data.Model)
	}
}

func TestEvictionFlushesAndUnloads(t *testing.T) {
	cfg := testConfig()
	cfg.CacheInactiveUnloadSeconds = 60
	s := newTestStore(t, cfg)

	base := time.Now()
	s.nowFunc = func() time.Time { return base }
	if _, err := s.Update("chat1", userMsg("hello")); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	s.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }
	s.evictIdle()

	status := s.Status()
	if got := status["total_cached"].(int); got != 0 {
		t.Errorf("cached after eviction = %d, want 0", got)
	}
	if _, err := os.Stat(s.filePath("chat1")); err != nil {
		t.Errorf("context file missing after eviction flush: %v", err)
	}
}

func TestSanitizeChatID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want func(string) bool
	}{
		{
			"illegal characters replaced",
			`group/123:456`,
			func(got string) bool { return got == "group_123_456" },
		},
		{
			"plain id untouched",
			"private_42",
			func(got string) bool { return got == "private_42" },
		},
		{
			"overlong id truncated with hash",
			strings.Repeat("x", 300),
			func(got string) bool {
				return len(got) == 159 && strings.HasPrefix(got, strings.Repeat("x", 150)+"_")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeChatID(tt.in)
			if !tt.want(got) {
				t.Errorf("sanitizeChatID(%q) = %q", tt.in, got)
			}
		})
	}

	a := sanitizeChatID(strings.Repeat("a", 300))
	b := sanitizeChatID(strings.Repeat("a", 299) + "b")
	if a == b {
		t.Error("distinct overlong ids must not collide")
	}
}
