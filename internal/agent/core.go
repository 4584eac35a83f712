// Package agent assembles the orchestrator: config, context store, sessions,
// images, tools, commands, queues, the workflow engine, the rules manager and
// the port manager, wired into one runnable core.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/commands"
	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/internal/contextstore"
	"github.com/clew-ai/clew/internal/images"
	"github.com/clew-ai/clew/internal/observability"
	"github.com/clew-ai/clew/internal/ports"
	"github.com/clew-ai/clew/internal/ports/onebot"
	"github.com/clew-ai/clew/internal/ports/openaicompat"
	"github.com/clew-ai/clew/internal/ports/telegram"
	"github.com/clew-ai/clew/internal/queue"
	"github.com/clew-ai/clew/internal/rules"
	"github.com/clew-ai/clew/internal/sessions"
	"github.com/clew-ai/clew/internal/tools"
	"github.com/clew-ai/clew/internal/workflow"
	"github.com/clew-ai/clew/pkg/models"
)

// errorReplyPrefix prefixes the reply sent when a responding turn fails.
const errorReplyPrefix = "处理消息时发生错误: "

// gaugePollInterval is how often cache and queue gauges are refreshed.
const gaugePollInterval = 15 * time.Second

// Options configures core construction.
type Options struct {
	// ConfigPath is the system configuration file. A missing file falls
	// back to defaults.
	ConfigPath string

	// DataDir is where chat contexts persist as JSON files.
	DataDir string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Core owns every component and routes messages between them: frontend
// adapters feed the per-chat queues, the queues drive the workflow engine,
// and results flow back out through the port manager.
type Core struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	watcher  *config.Watcher
	contexts *contextstore.Store
	sessions *sessions.Store
	images   *images.Fetcher
	tools    *tools.Registry
	commands *commands.Handler
	queue    *queue.Manager
	engine   *workflow.Engine
	rules    *rules.Manager
	ports    *ports.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph from the configuration at
// opts.ConfigPath. Frontend and model adapters are registered according to
// the port manager section; nothing connects until Start.
func New(opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := config.NewWatcher(opts.ConfigPath, logger)
	if err != nil {
		return nil, err
	}
	cfg := watcher.Current()

	fetcher := images.New(cfg.System.Images, logger)
	registry := tools.NewRegistry(cfg.System.Tools, logger)

	contexts, err := contextstore.New(opts.DataDir, cfg.System.Context, registry, logger)
	if err != nil {
		return nil, err
	}
	if err := registry.AddProvider(tools.NewPromptTools(contexts)); err != nil {
		return nil, err
	}

	sessionStore := sessions.NewStore(cfg.System.Session, fetcher, logger)
	handler := commands.NewHandler(watcher.Current, contexts, registry, logger)
	portMgr := ports.NewManager(cfg.System.Ports, logger)
	toolExec := &instrumentedTools{inner: registry, metrics: opts.Metrics, tracer: opts.Tracer}
	modelCaller := &instrumentedModel{inner: portMgr, metrics: opts.Metrics, tracer: opts.Tracer}
	engine := workflow.NewEngine(cfg.System.Tools, contexts, sessionStore, handler, toolExec, modelCaller, logger)
	queueMgr := queue.NewManager(logger)

	c := &Core{
		logger:   logger.With("component", "agent"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		watcher:  watcher,
		contexts: contexts,
		sessions: sessionStore,
		images:   fetcher,
		tools:    registry,
		commands: handler,
		queue:    queueMgr,
		engine:   engine,
		ports:    portMgr,
	}

	c.rules = rules.NewManager(cfg.System.Rules, queueMgr, engine, func(result *models.WorkflowResult) {
		c.handleResult(context.Background(), result)
	}, logger)

	queueMgr.SetTaskCallback(c.runTask)
	queueMgr.SetResultCallback(c.handleResult)
	watcher.OnChange(c.applyConfig)

	c.registerAdapters(cfg.System.Ports)
	return c, nil
}

func (c *Core) registerAdapters(cfg config.PortsConfig) {
	if cfg.OneBot.Enabled {
		c.ports.RegisterFrontend(onebot.New(cfg.OneBot, c.logger))
	}
	if cfg.Telegram.Enabled {
		c.ports.RegisterFrontend(telegram.New(cfg.Telegram, c.logger))
	}
	for _, m := range cfg.Models {
		c.ports.RegisterModel(openaicompat.New(m, c.logger))
	}
}

// Start launches the queues, background daemons and port adapters. It
// returns once everything is running; cancellation of ctx or a call to Stop
// shuts the core down.
func (c *Core) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.queue.Start(runCtx)

	daemons := []func(context.Context){
		c.watcher.Run,
		c.contexts.RunEviction,
		c.images.RunCleanup,
		c.sessions.RunSweeper,
	}
	if c.metrics != nil {
		daemons = append(daemons, c.pollGauges)
	}
	for _, run := range daemons {
		run := run
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			run(runCtx)
		}()
	}

	if err := c.ports.Start(runCtx, c.handleInbound); err != nil {
		cancel()
		return err
	}

	c.logger.Info("agent core started")
	return nil
}

// Stop drains the core: ports stop accepting messages, detached rule runs
// finish, queues drain, and the stores flush to disk.
func (c *Core) Stop(ctx context.Context) {
	c.ports.Stop(ctx)
	c.rules.Wait()
	c.queue.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.sessions.Close()
	c.contexts.Close()
	c.logger.Info("agent core stopped")
}

// handleInbound is the port manager's message callback. Image parts are
// analysed for the cache before the message enters its chat queue.
func (c *Core) handleInbound(msg *models.InboundMessage) {
	if msg == nil || msg.ChatID == "" {
		return
	}
	c.metrics.MessageReceived(frontendOf(msg.ChatID))

	if len(msg.Parts) > 0 {
		analyzeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c.images.AnalyzeMessage(analyzeCtx, msg.ChatID, msg.Parts)
		cancel()
	}

	if _, ok := c.queue.EnqueueMessage(msg); !ok {
		c.logger.Warn("message rejected by queue", "chat_id", msg.ChatID)
		c.metrics.RecordError("queue", "enqueue_rejected")
	}
}

// runTask executes one queued task through the workflow engine.
func (c *Core) runTask(ctx context.Context, task *models.Task) (*models.WorkflowResult, error) {
	ctx, span := c.tracer.Start(ctx, "workflow."+string(task.Workflow))
	defer span.End()

	start := time.Now()
	result, err := c.engine.Execute(ctx, task)
	c.tracer.RecordError(span, err)

	status := "success"
	if err != nil || (result != nil && !result.Success) {
		status = "error"
	}
	c.metrics.RecordWorkflow(string(task.Workflow), status, time.Since(start).Seconds())
	return result, err
}

// handleResult routes a workflow result: command and model replies go out
// through the ports, prepared sessions go to the rules manager, and model
// replies are written back into the context through the message queue so
// they cannot overtake queued user messages.
func (c *Core) handleResult(ctx context.Context, result *models.WorkflowResult) {
	if result == nil {
		return
	}

	switch result.Workflow {
	case models.WorkflowA:
		if result.Response != nil {
			c.send(ctx, result.Response)
		}
	case models.WorkflowB:
		if !result.Success {
			c.logger.Error("turn preparation failed",
				"chat_id", result.ChatID, "error", result.Error)
			c.metrics.RecordError("workflow", string(result.Workflow))
			return
		}
		c.rules.Dispatch(ctx, result)
	case models.WorkflowC:
		if !result.Success {
			c.sendError(ctx, result)
			return
		}
		if result.Response != nil {
			c.send(ctx, result.Response)
			if result.AppendAssistant {
				c.appendAssistant(result.ChatID, result.Response.Content)
			}
		}
	}
}

func (c *Core) send(ctx context.Context, resp *models.Response) {
	c.ports.SendResponse(ctx, resp)
	c.metrics.MessageSent(frontendOf(resp.ChatID))
}

func (c *Core) sendError(ctx context.Context, result *models.WorkflowResult) {
	c.logger.Error("workflow failed",
		"workflow", string(result.Workflow),
		"chat_id", result.ChatID,
		"error", result.Error)
	c.metrics.RecordError("workflow", string(result.Workflow))
	c.send(ctx, &models.Response{
		ChatID:    result.ChatID,
		Content:   errorReplyPrefix + result.Error,
		Timestamp: time.Now(),
	})
}

// appendAssistant records a delivered model reply into the chat context via
// the message queue, preserving arrival order with user messages.
func (c *Core) appendAssistant(chatID, content string) {
	msg := &models.InboundMessage{
		ChatID: chatID,
		Assistant: &openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content,
		},
		Timestamp: time.Now(),
	}
	if _, ok := c.queue.EnqueueMessage(msg); !ok {
		c.logger.Warn("assistant write-back rejected by queue", "chat_id", chatID)
	}
}

// applyConfig propagates a reloaded configuration to the live components.
// Port adapters keep their startup settings; everything else follows the
// file.
func (c *Core) applyConfig(cfg *config.Config) {
	c.contexts.ApplyConfig(cfg.System.Context)
	c.sessions.ApplyConfig(cfg.System.Session)
	c.rules.ApplyConfig(cfg.System.Rules)
	if err := c.tools.Reload(cfg.System.Tools); err != nil {
		c.logger.Error("tool registry reload failed", "error", err)
	}
	c.logger.Info("configuration applied")
}

// Status aggregates component status maps for the status command surface.
func (c *Core) Status() map[string]any {
	statusCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return map[string]any{
		"contexts": c.contexts.Status(),
		"sessions": c.sessions.Status(),
		"images":   c.images.Status(),
		"tools":    c.tools.Status(),
		"queues":   c.queue.Status(),
		"ports":    c.ports.Status(statusCtx),
		"rules":    string(c.rules.Mode()),
	}
}

func (c *Core) pollGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshGauges()
		}
	}
}

func (c *Core) refreshGauges() {
	if n, ok := c.sessions.Status()["active_sessions"].(int); ok {
		c.metrics.SetActiveSessions(n)
	}
	if n, ok := c.contexts.Status()["total_cached"].(int); ok {
		c.metrics.SetContextCacheEntries(n)
	}
	if depths, ok := c.queue.Status()["depths"].(map[string]map[string]int); ok {
		totals := map[string]int{}
		for _, byKind := range depths {
			for kind, n := range byKind {
				totals[kind] += n
			}
		}
		for kind, n := range totals {
			c.metrics.SetQueueDepth(kind, n)
		}
	}
}

// frontendOf labels a chat ID with its originating platform for metrics.
func frontendOf(chatID string) string {
	switch {
	case strings.HasPrefix(chatID, "qq_"):
		return "onebot"
	case strings.HasPrefix(chatID, "tg_"):
		return "telegram"
	default:
		return "unknown"
	}
}
