package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/commands"
	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/internal/sessions"
	"github.com/clew-ai/clew/internal/tools"
	"github.com/clew-ai/clew/pkg/models"
)

type fakeContexts struct {
	updates []openai.ChatCompletionMessage
	err     error
}

func (f *fakeContexts) Update(chatID string, msg openai.ChatCompletionMessage) (*models.Context, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, msg)
	return &models.Context{ChatID: chatID}, nil
}

type fakeSessions struct {
	createErr error
	nextID    string
	store     map[string]*sessions.Session
	callbacks []sessions.CleanupCallback
	cleaned   []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{nextID: "sess_test_1", store: make(map[string]*sessions.Session)}
}

func (f *fakeSessions) Create(_ context.Context, snapshot *models.Context, _ sessions.CreateOptions) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.store[f.nextID] = &sessions.Session{
		ID:     f.nextID,
		ChatID: snapshot.ChatID,
		Data:   openai.ChatCompletionRequest{Model: "test-model"},
	}
	return f.nextID, nil
}

func (f *fakeSessions) Get(sessionID string) (*sessions.Session, bool) {
	sess, ok := f.store[sessionID]
	return sess, ok
}

func (f *fakeSessions) AddToolCallMessage(sessionID string, msg openai.ChatCompletionMessage) error {
	sess, ok := f.store[sessionID]
	if !ok {
		return errors.New("no session")
	}
	sess.Data.Messages = append(sess.Data.Messages, msg)
	return nil
}

func (f *fakeSessions) AddToolResults(sessionID string, results []openai.ChatCompletionMessage) error {
	sess, ok := f.store[sessionID]
	if !ok {
		return errors.New("no session")
	}
	sess.Data.Messages = append(sess.Data.Messages, results...)
	return nil
}

func (f *fakeSessions) Cleanup(sessionID string) {
	if _, ok := f.store[sessionID]; !ok {
		return
	}
	delete(f.store, sessionID)
	f.cleaned = append(f.cleaned, sessionID)
	for _, cb := range f.callbacks {
		cb(sessionID)
	}
}

func (f *fakeSessions) OnCleanup(cb sessions.CleanupCallback) {
	f.callbacks = append(f.callbacks, cb)
}

type fakeCommands struct {
	executed []string
}

func (f *fakeCommands) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "#")
}

func (f *fakeCommands) Execute(chatID, text string) *commands.Result {
	f.executed = append(f.executed, text)
	return &commands.Result{Success: true, Content: "cmd reply", ChatID: chatID}
}

type fakeTools struct {
	calls   []tools.CallContext
	names   []string
	content string
	status  models.ToolCallStatus
}

func (f *fakeTools) ExecuteWithTimeout(_ context.Context, name, _ string, call tools.CallContext) (string, models.ToolCallStatus) {
	f.names = append(f.names, name)
	f.calls = append(f.calls, call)
	if f.status == "" {
		return f.content, models.ToolCallCompleted
	}
	return f.content, f.status
}

type fakeModel struct {
	responses []*openai.ChatCompletionResponse
	requests  []*models.ModelRequest
	err       error
}

func (f *fakeModel) SendToModel(_ context.Context, req *models.ModelRequest) (*openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type engineFixture struct {
	engine   *Engine
	contexts *fakeContexts
	sessions *fakeSessions
	commands *fakeCommands
	tools    *fakeTools
	model    *fakeModel
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		contexts: &fakeContexts{},
		sessions: newFakeSessions(),
		commands: &fakeCommands{},
		tools:    &fakeTools{content: "tool output"},
		model:    &fakeModel{},
	}
	cfg := config.ToolsConfig{MaxToolCalls: 3}
	f.engine = NewEngine(cfg, f.contexts, f.sessions, f.commands, f.tools, f.model, nil)
	f.engine.nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

func textResponse(content string) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

func toolResponse(callID, name, args string) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{
					{ID: callID, Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: name, Arguments: args}},
				},
			}},
		},
	}
}

func taskFor(workflow models.WorkflowType, text string) *models.Task {
	return &models.Task{
		ID:       "task-1",
		ChatID:   "chat1",
		Workflow: workflow,
		Message:  &models.InboundMessage{ChatID: "chat1", Content: text},
	}
}

func TestWorkflowARecordsMessage(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), taskFor(models.WorkflowA, "hello"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Response != nil || result.IsCommand {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(f.contexts.updates) != 1 || f.contexts.updates[0].Content != "hello" {
		t.Fatalf("context update missing: %+v", f.contexts.updates)
	}
}

func TestWorkflowACommandReply(t *testing.T) {
	f := newFixture(t)

	result, _ := f.engine.Execute(context.Background(), taskFor(models.WorkflowA, "#帮助"))
	if !result.IsCommand || result.Response == nil || result.Response.Content != "cmd reply" {
		t.Fatalf("unexpected result: %+v", result)
	}
	// Commands are still recorded into the context first.
	if len(f.contexts.updates) != 1 {
		t.Fatalf("expected context update before command execution")
	}
}

func TestWorkflowBCreatesSession(t *testing.T) {
	f := newFixture(t)

	result, _ := f.engine.Execute(context.Background(), taskFor(models.WorkflowB, "question"))
	if !result.Success {
		t.Fatalf("workflow B failed: %+v", result)
	}
	if result.SessionID != "sess_test_1" {
		t.Fatalf("SessionID = %q", result.SessionID)
	}
	if result.ContextSnapshot == nil || result.ContextSnapshot.ChatID != "chat1" {
		t.Fatalf("snapshot missing: %+v", result.ContextSnapshot)
	}
}

func TestWorkflowBCommandShortCircuit(t *testing.T) {
	f := newFixture(t)

	result, _ := f.engine.Execute(context.Background(), taskFor(models.WorkflowB, "#模型"))
	if result.Workflow != models.WorkflowA || !result.IsCommand {
		t.Fatalf("expected command short-circuit, got: %+v", result)
	}
	if result.SessionID != "" || len(f.sessions.store) != 0 {
		t.Fatalf("command must not create a session")
	}
	// Commands are never recorded into the context on the respond path.
	if len(f.contexts.updates) != 0 {
		t.Fatalf("unexpected context update: %+v", f.contexts.updates)
	}
}

func TestWorkflowBSessionFailure(t *testing.T) {
	f := newFixture(t)
	f.sessions.createErr = errors.New("boom")

	result, _ := f.engine.Execute(context.Background(), taskFor(models.WorkflowB, "question"))
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Error != "无法创建会话缓存" {
		t.Fatalf("Error = %q", result.Error)
	}
}

func runWorkflowC(t *testing.T, f *engineFixture) *models.WorkflowResult {
	t.Helper()
	prep, _ := f.engine.Execute(context.Background(), taskFor(models.WorkflowB, "question"))
	if prep.SessionID == "" {
		t.Fatalf("workflow B did not produce a session: %+v", prep)
	}
	task := &models.Task{ID: "task-2", ChatID: "chat1", Workflow: models.WorkflowC, SessionID: prep.SessionID}
	result, err := f.engine.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return result
}

func TestWorkflowCSimpleReply(t *testing.T) {
	f := newFixture(t)
	f.model.responses = []*openai.ChatCompletionResponse{textResponse("the answer")}

	result := runWorkflowC(t, f)
	if !result.Success || result.Response == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Response.Content != "the answer" {
		t.Fatalf("Content = %q", result.Response.Content)
	}
	if !result.AppendAssistant {
		t.Fatalf("expected AppendAssistant")
	}
	if len(f.sessions.cleaned) != 1 {
		t.Fatalf("session not cleaned up: %v", f.sessions.cleaned)
	}
}

func TestWorkflowCToolLoop(t *testing.T) {
	f := newFixture(t)
	f.model.responses = []*openai.ChatCompletionResponse{
		toolResponse("call_1", "get_weather", `{"city":"hangzhou"}`),
		textResponse("sunny"),
	}

	result := runWorkflowC(t, f)
	if result.Response.Content != "sunny" {
		t.Fatalf("Content = %q", result.Response.Content)
	}
	if len(f.tools.names) != 1 || f.tools.names[0] != "get_weather" {
		t.Fatalf("tool calls = %v", f.tools.names)
	}
	call := f.tools.calls[0]
	if call.ChatID != "chat1" || call.SessionID == "" {
		t.Fatalf("call context = %+v", call)
	}
	// The re-call request carries the assistant tool-call message plus the
	// tool result.
	if len(f.model.requests) != 2 {
		t.Fatalf("model calls = %d", len(f.model.requests))
	}
	msgs := f.model.requests[1].Session.Messages
	if len(msgs) != 2 {
		t.Fatalf("session messages = %d", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleAssistant || len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", msgs[0])
	}
	if msgs[1].Role != openai.ChatMessageRoleTool || msgs[1].Content != "tool output" || msgs[1].ToolCallID != "call_1" {
		t.Fatalf("tool message = %+v", msgs[1])
	}
}

func TestWorkflowCToolBudget(t *testing.T) {
	f := newFixture(t)
	// The model never stops asking for tools.
	for i := 0; i < 10; i++ {
		f.model.responses = append(f.model.responses, toolResponse("call_x", "loop_tool", `{}`))
	}

	result := runWorkflowC(t, f)
	if !result.Success {
		t.Fatalf("budget exhaustion is not a failure: %+v", result)
	}
	// MaxToolCalls bounds the loop iterations; the final response is still
	// tool-call-only, so the apology reply is extracted.
	if got := len(f.tools.names); got != 3 {
		t.Fatalf("tool executions = %d, want 3", got)
	}
	if result.Response.Content != "[抱歉，群聊太过抽象，响应失败啦]" {
		t.Fatalf("Content = %q", result.Response.Content)
	}
}

func TestWorkflowCMissingSession(t *testing.T) {
	f := newFixture(t)

	task := &models.Task{ID: "task-2", ChatID: "chat1", Workflow: models.WorkflowC, SessionID: "sess_gone"}
	result, _ := f.engine.Execute(context.Background(), task)
	if result.Success || !strings.HasPrefix(result.Error, "获取会话失败") {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWorkflowCModelUnavailable(t *testing.T) {
	f := newFixture(t)
	// No scripted responses: the backend returns nil on the first call.

	result := runWorkflowC(t, f)
	if result.Success || result.Error != "模型服务调用失败" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(f.sessions.cleaned) != 1 {
		t.Fatalf("session must be cleaned up on failure")
	}
}

func TestWorkflowCMidLoopNilModel(t *testing.T) {
	f := newFixture(t)
	// First call requests a tool; the re-call returns nothing.
	f.model.responses = []*openai.ChatCompletionResponse{
		toolResponse("call_1", "get_weather", `{}`),
	}

	result := runWorkflowC(t, f)
	if !result.Success {
		t.Fatalf("mid-loop nil is reported as content, not failure: %+v", result)
	}
	if result.Response.Content != "模型服务返回空响应" {
		t.Fatalf("Content = %q", result.Response.Content)
	}
}

func TestToolCallTracking(t *testing.T) {
	f := newFixture(t)

	prep, _ := f.engine.Execute(context.Background(), taskFor(models.WorkflowB, "question"))
	sessionID := prep.SessionID

	msg := f.engine.executeCall(context.Background(), sessionID, "chat1", openai.ToolCall{
		ID:       "call_1",
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: "get_weather", Arguments: `{}`},
	})
	if msg.Role != openai.ChatMessageRoleTool || msg.ToolCallID != "call_1" {
		t.Fatalf("tool message = %+v", msg)
	}

	records := f.engine.Records(sessionID)
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].ToolName != "get_weather" || records[0].Status != models.ToolCallCompleted || records[0].Result != "tool output" {
		t.Fatalf("record = %+v", records[0])
	}

	// Session cleanup drops the tracking via the registered callback.
	f.sessions.Cleanup(sessionID)
	if got := f.engine.Records(sessionID); len(got) != 0 {
		t.Fatalf("records survived cleanup: %v", got)
	}
}
