// Package queue gives every chat two bounded FIFO queues — one for inbound
// messages, one for model turns — each drained by a single consumer
// goroutine created lazily on first enqueue. The split lets a model turn
// (workflow C) run while later messages for the same chat keep flowing.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clew-ai/clew/pkg/models"
)

// Capacity is the per-queue buffer size. Enqueue fails when full; the
// caller logs and drops.
const Capacity = 1000

// TaskCallback is the workflow engine entry point.
type TaskCallback func(ctx context.Context, task *models.Task) (*models.WorkflowResult, error)

// ResultCallback receives engine results that carry a workflow type; the
// agent core turns them into sends, rules dispatch, or context write-back.
type ResultCallback func(ctx context.Context, result *models.WorkflowResult)

type chatQueues struct {
	message chan *models.Task
	model   chan *models.Task
}

// Manager owns the per-chat queues and their consumers.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	chats   map[string]*chatQueues
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	taskCB   TaskCallback
	resultCB ResultCallback
}

// NewManager creates a queue manager. Callbacks must be set before Start.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "queue"),
		chats:  make(map[string]*chatQueues),
	}
}

// SetTaskCallback wires the workflow engine.
func (m *Manager) SetTaskCallback(cb TaskCallback) { m.taskCB = cb }

// SetResultCallback wires the agent core.
func (m *Manager) SetResultCallback(cb ResultCallback) { m.resultCB = cb }

// Start enables enqueueing. Consumers are spawned lazily per queue.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true
}

// Stop cancels every consumer and waits for them to exit. Queued items that
// were never consumed are discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("queue manager stopped")
}

// EnqueueMessage queues an inbound message for its chat. The workflow is B
// when the message wants a reply, A otherwise. Returns the task ID, or
// ("", false) on validation failure or a full queue.
func (m *Manager) EnqueueMessage(msg *models.InboundMessage) (string, bool) {
	if msg == nil || msg.ChatID == "" {
		m.logger.Warn("message rejected, missing chat_id")
		return "", false
	}

	workflow := models.WorkflowA
	if msg.IsRespond {
		workflow = models.WorkflowB
	}
	task := &models.Task{
		ID:        uuid.NewString(),
		ChatID:    msg.ChatID,
		Workflow:  workflow,
		Queue:     models.QueueMessage,
		Message:   msg,
		CreatedAt: time.Now(),
	}
	return m.enqueue(task)
}

// EnqueueLLM queues a workflow-C model turn on the chat's model queue.
func (m *Manager) EnqueueLLM(chatID, sessionID string) (string, bool) {
	if chatID == "" {
		m.logger.Warn("model task rejected, missing chat_id")
		return "", false
	}
	task := &models.Task{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Workflow:  models.WorkflowC,
		Queue:     models.QueueModel,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	return m.enqueue(task)
}

func (m *Manager) enqueue(task *models.Task) (string, bool) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		m.logger.Warn("enqueue after shutdown", "chat_id", task.ChatID)
		return "", false
	}
	ch := m.queueLocked(task.ChatID, task.Queue)
	m.mu.Unlock()

	select {
	case ch <- task:
		return task.ID, true
	default:
		m.logger.Warn("queue full, task dropped",
			"chat_id", task.ChatID, "queue", task.Queue, "workflow", task.Workflow)
		return "", false
	}
}

// queueLocked returns the chat's channel for the named queue, creating the
// channel and its consumer on first use. Callers hold m.mu.
func (m *Manager) queueLocked(chatID string, name models.QueueKind) chan *models.Task {
	cq, ok := m.chats[chatID]
	if !ok {
		cq = &chatQueues{}
		m.chats[chatID] = cq
	}

	switch name {
	case models.QueueModel:
		if cq.model == nil {
			cq.model = make(chan *models.Task, Capacity)
			m.spawnConsumer(chatID, name, cq.model)
		}
		return cq.model
	default:
		if cq.message == nil {
			cq.message = make(chan *models.Task, Capacity)
			m.spawnConsumer(chatID, name, cq.message)
		}
		return cq.message
	}
}

func (m *Manager) spawnConsumer(chatID string, name models.QueueKind, ch chan *models.Task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Debug("consumer started", "chat_id", chatID, "queue", name)
		for {
			select {
			case <-m.runCtx.Done():
				return
			case task := <-ch:
				m.handle(task)
			}
		}
	}()
}

// handle runs one task through the engine. A panic or error is logged and
// the consumer backs off briefly; a queue never dies silently.
func (m *Manager) handle(task *models.Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked", "task_id", task.ID, "chat_id", task.ChatID, "panic", r)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	result, err := m.taskCB(m.runCtx, task)
	if err != nil {
		m.logger.Error("task failed", "task_id", task.ID, "chat_id", task.ChatID,
			"workflow", task.Workflow, "error", err)
		time.Sleep(100 * time.Millisecond)
		return
	}
	if result != nil && result.Workflow != "" && m.resultCB != nil {
		m.resultCB(m.runCtx, result)
	}
}

// Status reports queue depths for diagnostics.
func (m *Manager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[string]map[string]int, len(m.chats))
	for chatID, cq := range m.chats {
		d := make(map[string]int, 2)
		if cq.message != nil {
			d["message"] = len(cq.message)
		}
		if cq.model != nil {
			d["model"] = len(cq.model)
		}
		depths[chatID] = d
	}
	return map[string]any{
		"chats":  len(m.chats),
		"depths": depths,
	}
}
