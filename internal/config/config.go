// Package config loads and validates the orchestrator's file-driven
// configuration. A single system file (JSON, JSON5, or YAML) carries one
// section per component; missing sections and fields fall back to defaults,
// and a malformed file degrades to full defaults with a warning rather than
// failing startup.
package config

import (
	"strings"
	"time"
)

// Config is the top-level configuration document.
type Config struct {
	System SystemConfig `json:"system" yaml:"system"`
}

// SystemConfig groups the per-component sections.
type SystemConfig struct {
	Context       ContextConfig       `json:"context_manager" yaml:"context_manager"`
	Rules         RulesConfig         `json:"rules_manager" yaml:"rules_manager"`
	Ports         PortsConfig         `json:"port_manager" yaml:"port_manager"`
	Commands      CommandsConfig      `json:"essentials_manager" yaml:"essentials_manager"`
	Session       SessionConfig       `json:"session_manager" yaml:"session_manager"`
	Tools         ToolsConfig         `json:"tool_manager" yaml:"tool_manager"`
	Images        ImagesConfig        `json:"image_manager" yaml:"image_manager"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// ImagesConfig tunes the image fetch/encode cache. Privileged chats get the
// longer TTL and larger per-chat capacity.
type ImagesConfig struct {
	DefaultTTLSeconds      int      `json:"default_ttl_seconds" yaml:"default_ttl_seconds"`
	PrivilegeTTLSeconds    int      `json:"privilege_ttl_seconds" yaml:"privilege_ttl_seconds"`
	DefaultMaxPerChat      int      `json:"default_max_per_chat" yaml:"default_max_per_chat"`
	PrivilegeMaxPerChat    int      `json:"privilege_max_per_chat" yaml:"privilege_max_per_chat"`
	MaxConcurrentDownloads int      `json:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
	MaxEncodingWorkers     int      `json:"max_encoding_workers" yaml:"max_encoding_workers"`
	DownloadTimeoutSeconds int      `json:"download_timeout" yaml:"download_timeout"`
	PrivilegeChats         []string `json:"privilege" yaml:"privilege"`
}

// DownloadTimeout returns the per-download timeout as a duration.
func (c ImagesConfig) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// GenerationConfig carries the model generation parameters seeded into every
// new conversation context.
type GenerationConfig struct {
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	Stream      bool    `json:"stream" yaml:"stream"`
}

// ChatModels lists the configured model names per chat mode. A chat created
// while any LLM model is configured starts in LLM mode, otherwise MLLM.
type ChatModels struct {
	LLM  []string `json:"LLM" yaml:"LLM"`
	MLLM []string `json:"MLLM" yaml:"MLLM"`
}

// All returns every configured model name across both modes.
func (c ChatModels) All() []string {
	out := make([]string, 0, len(c.LLM)+len(c.MLLM))
	out = append(out, c.LLM...)
	out = append(out, c.MLLM...)
	return out
}

// Contains reports whether name is a configured model.
func (c ChatModels) Contains(name string) bool {
	for _, m := range c.All() {
		if m == name {
			return true
		}
	}
	return false
}

// ContextConfig configures the per-chat context store.
type ContextConfig struct {
	DefaultModel     string           `json:"default_model" yaml:"default_model"`
	ChatModels       ChatModels       `json:"chat_mode" yaml:"chat_mode"`
	DefaultToolsCall bool             `json:"default_tools_call" yaml:"default_tools_call"`
	Model            GenerationConfig `json:"model" yaml:"model"`

	// CorePrompt lines are joined with newlines to form the base system
	// message every context starts with.
	CorePrompt []string `json:"core_prompt" yaml:"core_prompt"`

	MaxUserMessagesPerChat     int `json:"max_user_messages_per_chat" yaml:"max_user_messages_per_chat"`
	CacheInactiveUnloadSeconds int `json:"cache_inactive_unload_seconds" yaml:"cache_inactive_unload_seconds"`
}

// CorePromptText returns the joined core prompt.
func (c ContextConfig) CorePromptText() string {
	return strings.Join(c.CorePrompt, "\n")
}

// CacheInactiveUnload returns the cache eviction threshold as a duration.
func (c ContextConfig) CacheInactiveUnload() time.Duration {
	return time.Duration(c.CacheInactiveUnloadSeconds) * time.Second
}

// RulesMode selects how workflow C is dispatched after workflow B.
type RulesMode string

const (
	// RulesModeWait enqueues workflow C on the chat's model queue,
	// serializing consecutive model turns per chat.
	RulesModeWait RulesMode = "wait"

	// RulesModeAll spawns workflow C immediately in a detached goroutine.
	// Higher throughput, no per-chat ordering between model turns.
	RulesModeAll RulesMode = "all"
)

// RulesConfig configures the rules manager.
type RulesConfig struct {
	Mode RulesMode `json:"mode" yaml:"mode"`
}

// PortsConfig configures adapter health monitoring, reconnection, and the
// built-in frontend and model adapters.
type PortsConfig struct {
	ReconnectIntervalSeconds int `json:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectAttempts     int `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`

	OneBot   OneBotConfig          `json:"onebot" yaml:"onebot"`
	Telegram TelegramConfig        `json:"telegram" yaml:"telegram"`
	Models   []ModelEndpointConfig `json:"models" yaml:"models"`
}

// OneBotConfig configures the OneBot v11 WebSocket frontend.
type OneBotConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	WSURL       string `json:"ws_url" yaml:"ws_url"`
	AccessToken string `json:"access_token" yaml:"access_token"`

	// BotIDs lists the bot's own account numbers; @-mentions of any of
	// them mark a group message as responding.
	BotIDs []string `json:"bot_qq_numbers" yaml:"bot_qq_numbers"`

	// RespondToAll enables probabilistic replies to unmentioned group
	// messages.
	RespondToAll       bool    `json:"respond_to_all" yaml:"respond_to_all"`
	RespondProbability float64 `json:"respond_to_all_probability" yaml:"respond_to_all_probability"`
}

// TelegramConfig configures the Telegram long-polling frontend.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

// ModelEndpointConfig configures one OpenAI-compatible model backend.
type ModelEndpointConfig struct {
	Name                  string `json:"name" yaml:"name"`
	BaseURL               string `json:"base_url" yaml:"base_url"`
	APIKey                string `json:"api_key" yaml:"api_key"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	RequestTimeoutSeconds int    `json:"request_timeout" yaml:"request_timeout"`
}

// RequestTimeout returns the per-request deadline.
func (c ModelEndpointConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ReconnectInterval returns the delay between reconnection attempts.
func (c PortsConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}

// CommandsConfig configures the command handler.
type CommandsConfig struct {
	// AdminChats lists chat IDs allowed to run admin-only commands.
	AdminChats []string `json:"admin_chats" yaml:"admin_chats"`
}

// SessionConfig configures the ephemeral session store.
type SessionConfig struct {
	SessionTimeoutMinutes int `json:"session_timeout_minutes" yaml:"session_timeout_minutes"`
	MaxSessions           int `json:"max_sessions" yaml:"max_sessions"`
}

// SessionTimeout returns the idle timeout as a duration.
func (c SessionConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	DefaultToolTimeoutSeconds float64 `json:"default_tool_timeout" yaml:"default_tool_timeout"`
	MaxToolCalls              int     `json:"max_tool_calls" yaml:"max_tool_calls"`

	// Overrides adjusts individual tools by name.
	Overrides map[string]ToolOverride `json:"tools" yaml:"tools"`
}

// ToolOverride tunes one registered tool. Nil fields keep the tool's own
// settings.
type ToolOverride struct {
	TimeoutSeconds *float64 `json:"timeout" yaml:"timeout"`
	Enabled        *bool    `json:"enabled" yaml:"enabled"`
	MaxRetries     *int     `json:"max_retries" yaml:"max_retries"`
}

// DefaultToolTimeout returns the fallback per-tool deadline.
func (c ToolsConfig) DefaultToolTimeout() time.Duration {
	return time.Duration(c.DefaultToolTimeoutSeconds * float64(time.Second))
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the endpoint.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// TraceEndpoint is the OTLP gRPC collector endpoint. Empty disables
	// tracing.
	TraceEndpoint string `json:"trace_endpoint" yaml:"trace_endpoint"`

	// TraceSamplingRate controls the fraction of traces recorded (0–1].
	TraceSamplingRate float64 `json:"trace_sampling_rate" yaml:"trace_sampling_rate"`
}

// Default returns the full default configuration. Loading unmarshals the
// system file over this value, so absent fields keep their defaults.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			Context: ContextConfig{
				DefaultModel:     "local_model",
				ChatModels:       ChatModels{LLM: []string{"local_model"}},
				DefaultToolsCall: true,
				Model: GenerationConfig{
					MaxTokens:   64000,
					Temperature: 0.1,
				},
				CorePrompt: []string{
					"你所处的环境是即时聊天平台，请关注当前问题，历史问题作为聊天背景。",
					"你可以使用工具来帮助用户解决问题。",
				},
				MaxUserMessagesPerChat:     20,
				CacheInactiveUnloadSeconds: 1800,
			},
			Rules: RulesConfig{Mode: RulesModeWait},
			Ports: PortsConfig{
				ReconnectIntervalSeconds: 10,
				MaxReconnectAttempts:     3,
			},
			Commands: CommandsConfig{},
			Session: SessionConfig{
				SessionTimeoutMinutes: 10,
				MaxSessions:           100,
			},
			Tools: ToolsConfig{
				DefaultToolTimeoutSeconds: 30,
				MaxToolCalls:              10,
			},
			Images: ImagesConfig{
				DefaultTTLSeconds:      60,
				PrivilegeTTLSeconds:    1800,
				DefaultMaxPerChat:      10,
				PrivilegeMaxPerChat:    20,
				MaxConcurrentDownloads: 8,
				MaxEncodingWorkers:     4,
				DownloadTimeoutSeconds: 30,
			},
			Observability: ObservabilityConfig{
				TraceSamplingRate: 1.0,
			},
		},
	}
}

// sanitize clamps out-of-range values back to their defaults.
func (c *Config) sanitize() {
	def := Default()
	sc := &c.System
	if sc.Context.DefaultModel == "" {
		sc.Context.DefaultModel = def.System.Context.DefaultModel
	}
	if sc.Context.MaxUserMessagesPerChat <= 0 {
		sc.Context.MaxUserMessagesPerChat = def.System.Context.MaxUserMessagesPerChat
	}
	if sc.Context.CacheInactiveUnloadSeconds <= 0 {
		sc.Context.CacheInactiveUnloadSeconds = def.System.Context.CacheInactiveUnloadSeconds
	}
	if sc.Context.Model.MaxTokens <= 0 {
		sc.Context.Model.MaxTokens = def.System.Context.Model.MaxTokens
	}
	if sc.Rules.Mode != RulesModeWait && sc.Rules.Mode != RulesModeAll {
		sc.Rules.Mode = RulesModeWait
	}
	if sc.Ports.ReconnectIntervalSeconds <= 0 {
		sc.Ports.ReconnectIntervalSeconds = def.System.Ports.ReconnectIntervalSeconds
	}
	if sc.Ports.MaxReconnectAttempts <= 0 {
		sc.Ports.MaxReconnectAttempts = def.System.Ports.MaxReconnectAttempts
	}
	if sc.Ports.OneBot.RespondProbability <= 0 || sc.Ports.OneBot.RespondProbability > 1 {
		sc.Ports.OneBot.RespondProbability = 0.1
	}
	for i := range sc.Ports.Models {
		m := &sc.Ports.Models[i]
		if m.MaxConcurrentRequests <= 0 {
			m.MaxConcurrentRequests = 10
		}
		if m.RequestTimeoutSeconds <= 0 {
			m.RequestTimeoutSeconds = 300
		}
	}
	if sc.Session.SessionTimeoutMinutes <= 0 {
		sc.Session.SessionTimeoutMinutes = def.System.Session.SessionTimeoutMinutes
	}
	if sc.Session.MaxSessions <= 0 {
		sc.Session.MaxSessions = def.System.Session.MaxSessions
	}
	if sc.Tools.DefaultToolTimeoutSeconds <= 0 {
		sc.Tools.DefaultToolTimeoutSeconds = def.System.Tools.DefaultToolTimeoutSeconds
	}
	if sc.Tools.MaxToolCalls <= 0 {
		sc.Tools.MaxToolCalls = def.System.Tools.MaxToolCalls
	}
	if sc.Images.DefaultTTLSeconds <= 0 {
		sc.Images.DefaultTTLSeconds = def.System.Images.DefaultTTLSeconds
	}
	if sc.Images.PrivilegeTTLSeconds <= 0 {
		sc.Images.PrivilegeTTLSeconds = def.System.Images.PrivilegeTTLSeconds
	}
	if sc.Images.DefaultMaxPerChat <= 0 {
		sc.Images.DefaultMaxPerChat = def.System.Images.DefaultMaxPerChat
	}
	if sc.Images.PrivilegeMaxPerChat <= 0 {
		sc.Images.PrivilegeMaxPerChat = def.System.Images.PrivilegeMaxPerChat
	}
	if sc.Images.MaxConcurrentDownloads <= 0 {
		sc.Images.MaxConcurrentDownloads = def.System.Images.MaxConcurrentDownloads
	}
	if sc.Images.MaxEncodingWorkers <= 0 {
		sc.Images.MaxEncodingWorkers = def.System.Images.MaxEncodingWorkers
	}
	if sc.Images.DownloadTimeoutSeconds <= 0 {
		sc.Images.DownloadTimeoutSeconds = def.System.Images.DownloadTimeoutSeconds
	}
	if sc.Observability.TraceSamplingRate <= 0 || sc.Observability.TraceSamplingRate > 1 {
		sc.Observability.TraceSamplingRate = 1.0
	}
}
