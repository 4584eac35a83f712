// Package workflow is the state machine at the heart of the orchestrator.
// Workflow A records a non-responding message, workflow B prepares a model
// turn (context update plus session creation), and workflow C executes the
// turn including the tool loop.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/commands"
	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/internal/sessions"
	"github.com/clew-ai/clew/internal/tools"
	"github.com/clew-ai/clew/pkg/models"
)

// ContextUpdater appends messages to a chat's persistent context.
type ContextUpdater interface {
	Update(chatID string, msg openai.ChatCompletionMessage) (*models.Context, error)
}

// SessionOps is the slice of the session store the engine drives.
type SessionOps interface {
	Create(ctx context.Context, snapshot *models.Context, opts sessions.CreateOptions) (string, error)
	Get(sessionID string) (*sessions.Session, bool)
	AddToolCallMessage(sessionID string, msg openai.ChatCompletionMessage) error
	AddToolResults(sessionID string, results []openai.ChatCompletionMessage) error
	Cleanup(sessionID string)
	OnCleanup(cb sessions.CleanupCallback)
}

// CommandRunner recognises and executes `#` commands.
type CommandRunner interface {
	IsCommand(text string) bool
	Execute(chatID, text string) *commands.Result
}

// ToolExecutor runs one tool call under its deadline.
type ToolExecutor interface {
	ExecuteWithTimeout(ctx context.Context, name, argsJSON string, call tools.CallContext) (string, models.ToolCallStatus)
}

// ModelCaller dispatches a request to an available model backend. A nil
// response with nil error means no backend had capacity.
type ModelCaller interface {
	SendToModel(ctx context.Context, req *models.ModelRequest) (*openai.ChatCompletionResponse, error)
}

// Engine executes queue tasks.
type Engine struct {
	logger   *slog.Logger
	cfg      config.ToolsConfig
	contexts ContextUpdater
	sessions SessionOps
	commands CommandRunner
	tools    ToolExecutor
	model    ModelCaller

	// Per-session locks guarantee at most one tool batch progresses per
	// session even if workflow-C invocations race.
	locksMu sync.Mutex
	locks   map[string]*sessionLock

	trackMu  sync.Mutex
	tracking map[string][]*models.ToolCallRecord

	nowFunc func() time.Time // for testing
}

// NewEngine wires the workflow engine. It registers a session cleanup
// callback so tool tracking records die with their session.
func NewEngine(cfg config.ToolsConfig, contexts ContextUpdater, sessionOps SessionOps,
	cmds CommandRunner, toolExec ToolExecutor, model ModelCaller, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:   logger.With("component", "workflow"),
		cfg:      cfg,
		contexts: contexts,
		sessions: sessionOps,
		commands: cmds,
		tools:    toolExec,
		model:    model,
		locks:    make(map[string]*sessionLock),
		tracking: make(map[string][]*models.ToolCallRecord),
		nowFunc:  time.Now,
	}
	sessionOps.OnCleanup(e.dropTracking)
	return e
}

// Execute runs one dequeued task and always returns a structured result;
// failures are reported inside it.
func (e *Engine) Execute(ctx context.Context, task *models.Task) (*models.WorkflowResult, error) {
	switch task.Workflow {
	case models.WorkflowA:
		return e.workflowA(task), nil
	case models.WorkflowB:
		return e.workflowB(ctx, task), nil
	case models.WorkflowC:
		return e.workflowC(ctx, task), nil
	default:
		return e.errorResult(task, "未知工作流类型: "+string(task.Workflow)), nil
	}
}

// workflowA records the message into the context. A recognised command still
// produces a reply even though no model is consulted.
func (e *Engine) workflowA(task *models.Task) *models.WorkflowResult {
	msg := task.Message
	if _, err := e.contexts.Update(task.ChatID, msg.AsChatMessage()); err != nil {
		e.logger.Error("context update failed", "chat_id", task.ChatID, "error", err)
	}

	result := &models.WorkflowResult{
		Workflow: models.WorkflowA,
		TaskID:   task.ID,
		ChatID:   task.ChatID,
		Success:  true,
	}

	text := msg.Text()
	if !msg.IsAssistant() && e.commands.IsCommand(text) {
		cmd := e.commands.Execute(task.ChatID, text)
		result.IsCommand = true
		result.Response = &models.Response{
			ChatID:    task.ChatID,
			Content:   cmd.Content,
			Timestamp: e.nowFunc(),
		}
	}
	return result
}

// workflowB prepares a model turn. Commands short-circuit with an A-shaped
// result; otherwise the context is updated and a session built from the
// resulting snapshot.
func (e *Engine) workflowB(ctx context.Context, task *models.Task) *models.WorkflowResult {
	msg := task.Message
	text := msg.Text()
	if e.commands.IsCommand(text) {
		cmd := e.commands.Execute(task.ChatID, text)
		return &models.WorkflowResult{
			Workflow:  models.WorkflowA,
			TaskID:    task.ID,
			ChatID:    task.ChatID,
			IsCommand: true,
			Success:   true,
			Response: &models.Response{
				ChatID:    task.ChatID,
				Content:   cmd.Content,
				Timestamp: e.nowFunc(),
			},
		}
	}

	snapshot, err := e.contexts.Update(task.ChatID, msg.AsChatMessage())
	if err != nil {
		return e.errorResult(task, "更新上下文失败: "+err.Error())
	}

	sessionID, err := e.sessions.Create(ctx, snapshot, sessions.CreateOptions{})
	if err != nil {
		e.logger.Error("session create failed", "chat_id", task.ChatID, "error", err)
		return e.errorResult(task, "无法创建会话缓存")
	}

	return &models.WorkflowResult{
		Workflow:        models.WorkflowB,
		TaskID:          task.ID,
		ChatID:          task.ChatID,
		SessionID:       sessionID,
		ContextSnapshot: snapshot,
		Success:         true,
	}
}

// workflowC executes the model turn: call the backend, run the tool loop if
// tools are requested, clean up the session, extract the reply text.
func (e *Engine) workflowC(ctx context.Context, task *models.Task) *models.WorkflowResult {
	sessionID := task.SessionID
	if sessionID == "" {
		return e.errorResult(task, "缺少session_id")
	}

	sess, ok := e.sessions.Get(sessionID)
	if !ok {
		return e.errorResult(task, "获取会话失败: "+sessionID)
	}

	resp, err := e.callModel(ctx, task.ChatID, sess)
	if err != nil || resp == nil {
		e.sessions.Cleanup(sessionID)
		return e.errorResult(task, "模型服务调用失败")
	}

	final := e.runToolLoop(ctx, sessionID, task.ChatID, resp)
	e.sessions.Cleanup(sessionID)

	return &models.WorkflowResult{
		Workflow:  models.WorkflowC,
		TaskID:    task.ID,
		ChatID:    task.ChatID,
		SessionID: sessionID,
		Success:   true,
		Response: &models.Response{
			ChatID:    task.ChatID,
			Content:   ExtractContent(final),
			Timestamp: e.nowFunc(),
		},
		AppendAssistant: true,
	}
}

func (e *Engine) callModel(ctx context.Context, chatID string, sess *sessions.Session) (*openai.ChatCompletionResponse, error) {
	req := &models.ModelRequest{
		ChatID:    chatID,
		Session:   sess.Data,
		Timestamp: e.nowFunc(),
	}
	resp, err := e.model.SendToModel(ctx, req)
	if err != nil {
		e.logger.Error("model call failed", "chat_id", chatID, "error", err)
		return nil, err
	}
	return resp, nil
}

func (e *Engine) errorResult(task *models.Task, msg string) *models.WorkflowResult {
	e.logger.Error("workflow failed", "task_id", task.ID, "chat_id", task.ChatID,
		"workflow", task.Workflow, "error", msg)
	return &models.WorkflowResult{
		Workflow: task.Workflow,
		TaskID:   task.ID,
		ChatID:   task.ChatID,
		Success:  false,
		Error:    msg,
	}
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession serializes tool batches per session. The returned func
// releases the lock and drops it once unreferenced.
func (e *Engine) lockSession(sessionID string) func() {
	e.locksMu.Lock()
	lock := e.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		e.locks[sessionID] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(e.locks, sessionID)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) track(record *models.ToolCallRecord) {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	e.tracking[record.SessionID] = append(e.tracking[record.SessionID], record)
}

// Records returns copies of the tracking records for a session.
func (e *Engine) Records(sessionID string) []models.ToolCallRecord {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	out := make([]models.ToolCallRecord, 0, len(e.tracking[sessionID]))
	for _, r := range e.tracking[sessionID] {
		out = append(out, *r)
	}
	return out
}

// dropTracking runs as a session cleanup callback.
func (e *Engine) dropTracking(sessionID string) {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	delete(e.tracking, sessionID)
}
