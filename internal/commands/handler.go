// Package commands implements the `#`-prefixed chat commands: model
// inspection and switching, tool toggling, prompt management, context
// cleanup, and the admin-only reload.
package commands

import (
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
)

// Prefix marks a message as a command.
const Prefix = "#"

// ContextOps is the slice of the context store the commands need.
type ContextOps interface {
	Model(chatID string) (string, error)
	SetModel(chatID, model string) error
	SetToolsCall(chatID string, enabled bool) error
	CustomPrompt(chatID string) (string, bool, error)
	SetCustomPrompt(chatID, prompt string) error
	DeleteCustomPrompt(chatID string) error
	Clear(chatID string) error
	SetToolsSchema(chatID string, tools []openai.Tool) error
}

// ToolOps is the slice of the tool registry the reload command needs.
type ToolOps interface {
	Reload(cfg config.ToolsConfig) error
	Definitions() []openai.Tool
}

// Result is the outcome of one command execution.
type Result struct {
	Success bool
	Content string
	ChatID  string
	Command string
	Error   string

	// Details carries command-specific extras (new model name, toggle
	// state) for logging and tests.
	Details map[string]any
}

// Handler parses and executes commands.
type Handler struct {
	logger  *slog.Logger
	cfg     func() *config.Config
	context ContextOps
	tools   ToolOps
}

// NewHandler creates a command handler. cfg is called per command so hot
// reloads take effect immediately.
func NewHandler(cfg func() *config.Config, context ContextOps, tools ToolOps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger.With("component", "commands"),
		cfg:     cfg,
		context: context,
		tools:   tools,
	}
}

// IsCommand reports whether the text is a command invocation.
func (h *Handler) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Prefix)
}

// parse splits "#name arg1 arg2" into name and args.
func parse(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, Prefix) {
		return "", nil
	}
	fields := strings.Fields(strings.TrimPrefix(text, Prefix))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func (h *Handler) isAdmin(chatID string) bool {
	for _, admin := range h.cfg().System.Commands.AdminChats {
		if admin == chatID {
			return true
		}
	}
	return false
}

func errorResult(chatID, msg string) *Result {
	return &Result{
		Success: false,
		Content: "错误: " + msg,
		ChatID:  chatID,
		Error:   msg,
	}
}

// Execute runs the command in text for chatID. Unknown and malformed
// commands come back as error results, never as Go errors.
func (h *Handler) Execute(chatID, text string) *Result {
	name, args := parse(text)
	if name == "" {
		return errorResult(chatID, "无效指令格式")
	}

	h.logger.Info("command received", "chat_id", chatID, "command", name)

	switch name {
	case "模型列表":
		return h.modelList(chatID)
	case "模型查询":
		return h.modelQuery(chatID)
	case "模型更换":
		return h.modelChange(chatID, args)
	case "工具支持":
		return h.toolsToggle(chatID, args)
	case "提示词":
		return h.promptQuery(chatID)
	case "设定提示词":
		return h.promptSet(chatID, args)
	case "删除提示词":
		return h.promptDelete(chatID)
	case "上下文清理", "删除上下文":
		return h.contextClear(chatID, name)
	case "重载", "热重载":
		if !h.isAdmin(chatID) {
			return errorResult(chatID, "权限不足，此指令仅限管理员使用")
		}
		return h.reload(chatID, name)
	case "帮助":
		return h.help(chatID)
	default:
		return errorResult(chatID, "未知指令: #"+name)
	}
}

func (h *Handler) modelList(chatID string) *Result {
	cm := h.cfg().System.Context.ChatModels
	var lines []string
	for _, group := range []struct {
		mode   string
		models []string
	}{
		{"LLM", cm.LLM},
		{"MLLM", cm.MLLM},
	} {
		if len(group.models) == 0 {
			continue
		}
		lines = append(lines, group.mode+"模式:")
		for _, m := range group.models {
			lines = append(lines, "  - "+m)
		}
	}
	return &Result{
		Success: true,
		Content: "可用模型列表:\n" + strings.Join(lines, "\n"),
		ChatID:  chatID,
		Command: "模型列表",
	}
}

func (h *Handler) modelQuery(chatID string) *Result {
	model, err := h.context.Model(chatID)
	if err != nil {
		return errorResult(chatID, err.Error())
	}
	return &Result{
		Success: true,
		Content: "当前对话使用的模型: " + model,
		ChatID:  chatID,
		Command: "模型查询",
		Details: map[string]any{"current_model": model},
	}
}

func (h *Handler) modelChange(chatID string, args []string) *Result {
	if len(args) == 0 {
		return errorResult(chatID, "请指定要更换的模型名称")
	}
	model := args[0]
	if !h.cfg().System.Context.ChatModels.Contains(model) {
		return errorResult(chatID, "模型 '"+model+"' 不可用")
	}
	if err := h.context.SetModel(chatID, model); err != nil {
		return errorResult(chatID, err.Error())
	}
	return &Result{
		Success: true,
		Content: "模型已更换为: " + model,
		ChatID:  chatID,
		Command: "模型更换",
		Details: map[string]any{"new_model": model},
	}
}

func (h *Handler) toolsToggle(chatID string, args []string) *Result {
	if len(args) == 0 {
		return errorResult(chatID, "请指定 true 或 false")
	}
	var enabled bool
	switch strings.ToLower(args[0]) {
	case "true":
		enabled = true
	case "false":
		enabled = false
	default:
		return errorResult(chatID, "参数必须是 true 或 false")
	}
	if err := h.context.SetToolsCall(chatID, enabled); err != nil {
		return errorResult(chatID, err.Error())
	}
	status := "禁用"
	if enabled {
		status = "启用"
	}
	return &Result{
		Success: true,
		Content: "工具支持已" + status,
		ChatID:  chatID,
		Command: "工具支持",
		Details: map[string]any{"tools_call_enabled": enabled},
	}
}

func (h *Handler) promptQuery(chatID string) *Result {
	prompt, has, err := h.context.CustomPrompt(chatID)
	if err != nil {
		return errorResult(chatID, err.Error())
	}
	content := "当前对话没有设置专属提示词，使用默认核心提示词"
	if has {
		content = "当前对话的专属提示词:\n" + prompt
	}
	return &Result{
		Success: true,
		Content: content,
		ChatID:  chatID,
		Command: "提示词",
		Details: map[string]any{"custom_prompt": prompt},
	}
}

func (h *Handler) promptSet(chatID string, args []string) *Result {
	if len(args) == 0 {
		return errorResult(chatID, "请指定要设置的提示词内容")
	}
	prompt := strings.Join(args, " ")
	if err := h.context.SetCustomPrompt(chatID, prompt); err != nil {
		return errorResult(chatID, err.Error())
	}
	return &Result{
		Success: true,
		Content: "专属提示词已设置:\n" + prompt,
		ChatID:  chatID,
		Command: "设定提示词",
		Details: map[string]any{"new_prompt": prompt},
	}
}

func (h *Handler) promptDelete(chatID string) *Result {
	if err := h.context.DeleteCustomPrompt(chatID); err != nil {
		return errorResult(chatID, err.Error())
	}
	return &Result{
		Success: true,
		Content: "专属提示词已删除",
		ChatID:  chatID,
		Command: "删除提示词",
	}
}

func (h *Handler) contextClear(chatID, name string) *Result {
	if err := h.context.Clear(chatID); err != nil {
		return errorResult(chatID, err.Error())
	}
	return &Result{
		Success: true,
		Content: "对话上下文已清理",
		ChatID:  chatID,
		Command: name,
	}
}

// reload rebuilds the tool registry with the current configuration and
// pushes the fresh schema into this chat's context.
func (h *Handler) reload(chatID, name string) *Result {
	if err := h.tools.Reload(h.cfg().System.Tools); err != nil {
		return errorResult(chatID, err.Error())
	}
	if err := h.context.SetToolsSchema(chatID, h.tools.Definitions()); err != nil {
		return errorResult(chatID, err.Error())
	}
	return &Result{
		Success: true,
		Content: "工具系统已重载",
		ChatID:  chatID,
		Command: name,
	}
}

func (h *Handler) help(chatID string) *Result {
	entries := []struct {
		cmd   string
		desc  string
		admin bool
	}{
		{"#模型列表", "查看所有可用模型", false},
		{"#模型查询", "查看当前对话使用的模型", false},
		{"#模型更换 <模型名>", "更换当前对话的模型", false},
		{"#工具支持 <true/false>", "启用/禁用工具调用", false},
		{"#提示词", "查看当前对话的专属提示词", false},
		{"#设定提示词 <内容>", "设置专属提示词", false},
		{"#删除提示词", "删除专属提示词", false},
		{"#上下文清理 / #删除上下文", "清理当前对话的上下文", false},
		{"#重载 / #热重载", "重新加载工具系统", true},
		{"#帮助", "显示此帮助信息", false},
	}

	var b strings.Builder
	b.WriteString("📚 可用指令列表:\n\n")
	for _, e := range entries {
		if e.admin {
			b.WriteString("🔒 " + e.cmd + "\n   " + e.desc + " (管理员指令)\n\n")
		} else {
			b.WriteString("📝 " + e.cmd + "\n   " + e.desc + "\n\n")
		}
	}
	b.WriteString("📌 说明:\n")
	b.WriteString("- 普通指令：所有用户均可使用\n")
	b.WriteString("- 管理员指令：仅限配置的管理员私聊使用\n")

	return &Result{
		Success: true,
		Content: b.String(),
		ChatID:  chatID,
		Command: "帮助",
	}
}
