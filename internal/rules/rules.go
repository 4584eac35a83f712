// Package rules decides how a prepared model turn (workflow B result) is
// dispatched as workflow C: queued on the chat's model queue for strict
// per-chat ordering, or spawned immediately for throughput.
package rules

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/pkg/models"
)

// Enqueuer enqueues a workflow-C task on a chat's model queue.
type Enqueuer interface {
	EnqueueLLM(chatID, sessionID string) (string, bool)
}

// Runner executes a workflow task directly, bypassing the queues.
type Runner interface {
	Execute(ctx context.Context, task *models.Task) (*models.WorkflowResult, error)
}

// ResultSink receives results produced by detached workflow-C runs.
type ResultSink func(result *models.WorkflowResult)

// Manager routes workflow-B results according to the configured mode.
type Manager struct {
	logger *slog.Logger
	queue  Enqueuer
	runner Runner
	sink   ResultSink

	mu   sync.RWMutex
	mode config.RulesMode

	wg sync.WaitGroup
}

func NewManager(cfg config.RulesConfig, queue Enqueuer, runner Runner, sink ResultSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if mode != config.RulesModeAll {
		mode = config.RulesModeWait
	}
	return &Manager{
		logger: logger.With("component", "rules"),
		queue:  queue,
		runner: runner,
		sink:   sink,
		mode:   mode,
	}
}

// ApplyConfig updates the dispatch mode after a config reload. In-flight
// detached runs keep going.
func (m *Manager) ApplyConfig(cfg config.RulesConfig) {
	mode := cfg.Mode
	if mode != config.RulesModeAll {
		mode = config.RulesModeWait
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// Mode returns the current dispatch mode.
func (m *Manager) Mode() config.RulesMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Dispatch routes one workflow-B result. Results that carry no session
// (commands, failures) are ignored. Returns false when dispatch was refused,
// e.g. a full model queue.
func (m *Manager) Dispatch(ctx context.Context, result *models.WorkflowResult) bool {
	if result == nil || result.SessionID == "" {
		return false
	}

	switch m.Mode() {
	case config.RulesModeAll:
		m.wg.Add(1)
		go m.runDetached(ctx, result.ChatID, result.SessionID)
		return true
	default:
		_, ok := m.queue.EnqueueLLM(result.ChatID, result.SessionID)
		if !ok {
			m.logger.Warn("model queue refused task", "chat_id", result.ChatID,
				"session_id", result.SessionID)
		}
		return ok
	}
}

// runDetached executes workflow C outside the queues and feeds the result to
// the sink, matching what the queue consumer would have done.
func (m *Manager) runDetached(ctx context.Context, chatID, sessionID string) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("detached workflow panicked", "chat_id", chatID,
				"session_id", sessionID, "panic", r)
		}
	}()

	task := &models.Task{
		ID:        "detached_" + sessionID,
		ChatID:    chatID,
		Workflow:  models.WorkflowC,
		SessionID: sessionID,
	}
	result, err := m.runner.Execute(ctx, task)
	if err != nil {
		m.logger.Error("detached workflow failed", "chat_id", chatID,
			"session_id", sessionID, "error", err)
		return
	}
	if m.sink != nil && result != nil {
		m.sink(result)
	}
}

// Wait blocks until all detached runs have finished. Used during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
