package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "system.json"), slog.Default())
	if cfg.System.Context.DefaultModel != "local_model" {
		t.Errorf("DefaultModel = %q, want local_model", cfg.System.Context.DefaultModel)
	}
	if !cfg.System.Context.DefaultToolsCall {
		t.Error("DefaultToolsCall = false, want true")
	}
	if cfg.System.Rules.Mode != RulesModeWait {
		t.Errorf("Mode = %q, want wait", cfg.System.Rules.Mode)
	}
}

func TestLoad_JSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	content := `{
		"system": {
			"context_manager": {
				"default_model": "gpt-4o",
				"max_user_messages_per_chat": 5,
				"chat_mode": {"LLM": ["gpt-4o"], "MLLM": []}
			},
			"rules_manager": {"mode": "all"}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path, slog.Default())
	if cfg.System.Context.DefaultModel != "gpt-4o" {
		t.Errorf("DefaultModel = %q, want gpt-4o", cfg.System.Context.DefaultModel)
	}
	if cfg.System.Context.MaxUserMessagesPerChat != 5 {
		t.Errorf("MaxUserMessagesPerChat = %d, want 5", cfg.System.Context.MaxUserMessagesPerChat)
	}
	if cfg.System.Rules.Mode != RulesModeAll {
		t.Errorf("Mode = %q, want all", cfg.System.Rules.Mode)
	}
	// Untouched sections keep defaults.
	if cfg.System.Session.MaxSessions != 100 {
		t.Errorf("MaxSessions = %d, want default 100", cfg.System.Session.MaxSessions)
	}
	// DefaultToolsCall was absent and must keep its true default.
	if !cfg.System.Context.DefaultToolsCall {
		t.Error("DefaultToolsCall = false, want true after partial override")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.yaml")
	content := `
system:
  session_manager:
    session_timeout_minutes: 3
    max_sessions: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path, slog.Default())
	if cfg.System.Session.SessionTimeoutMinutes != 3 {
		t.Errorf("SessionTimeoutMinutes = %d, want 3", cfg.System.Session.SessionTimeoutMinutes)
	}
	if cfg.System.Session.MaxSessions != 7 {
		t.Errorf("MaxSessions = %d, want 7", cfg.System.Session.MaxSessions)
	}
}

func TestLoad_MalformedFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path, slog.Default())
	if cfg.System.Context.MaxUserMessagesPerChat != 20 {
		t.Errorf("MaxUserMessagesPerChat = %d, want default 20", cfg.System.Context.MaxUserMessagesPerChat)
	}
}

func TestSanitize_ClampsInvalid(t *testing.T) {
	cfg := &Config{}
	cfg.System.Rules.Mode = "bogus"
	cfg.System.Session.MaxSessions = -1
	cfg.sanitize()

	if cfg.System.Rules.Mode != RulesModeWait {
		t.Errorf("Mode = %q, want wait", cfg.System.Rules.Mode)
	}
	if cfg.System.Session.MaxSessions != 100 {
		t.Errorf("MaxSessions = %d, want 100", cfg.System.Session.MaxSessions)
	}
}

func TestChatModels(t *testing.T) {
	c := ChatModels{LLM: []string{"a"}, MLLM: []string{"b"}}
	if !c.Contains("a") || !c.Contains("b") || c.Contains("c") {
		t.Errorf("Contains misbehaves: %v", c.All())
	}
}

func TestWriteDefault_DoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	if err := os.WriteFile(path, []byte(`{"system":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"system":{}}` {
		t.Error("WriteDefault overwrote an existing file")
	}
}
