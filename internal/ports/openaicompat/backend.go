// Package openaicompat implements a model backend against any
// OpenAI-compatible chat-completions endpoint (LM Studio, vLLM, Ollama,
// hosted APIs).
package openaicompat

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/pkg/models"
)

// Backend sends ready-built chat-completion requests to one endpoint.
// Request failures return nil so the workflow engine degrades per chat
// instead of crashing the turn pipeline.
type Backend struct {
	logger *slog.Logger
	cfg    config.ModelEndpointConfig
	client *openai.Client

	connected atomic.Bool
	counter   atomic.Int64
}

func New(cfg config.ModelEndpointConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL + "/v1"
	}
	return &Backend{
		logger: logger.With("component", "model", "endpoint", cfg.Name),
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (b *Backend) Name() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}
	return "openai-compat"
}

func (b *Backend) MaxConcurrent() int { return b.cfg.MaxConcurrentRequests }

// Start probes the endpoint. A failed probe is not fatal: the health monitor
// keeps retrying through this method.
func (b *Backend) Start(ctx context.Context) error {
	if !b.probe(ctx) {
		return fmt.Errorf("openaicompat: endpoint %s unreachable", b.cfg.BaseURL)
	}
	b.connected.Store(true)
	b.logger.Info("connected", "base_url", b.cfg.BaseURL)
	return nil
}

// SendRequest forwards the session's chat-completion request under the
// configured per-request timeout. Returns nil on failure.
func (b *Backend) SendRequest(ctx context.Context, req *models.ModelRequest) (*openai.ChatCompletionResponse, error) {
	id := b.counter.Add(1)
	start := time.Now()

	callCtx := ctx
	if timeout := b.cfg.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := b.client.CreateChatCompletion(callCtx, req.Session)
	elapsed := time.Since(start)
	if err != nil {
		b.logger.Error("request failed", "request_id", id, "chat_id", req.ChatID,
			"elapsed", elapsed, "error", err)
		return nil, nil
	}

	b.logger.Info("request completed", "request_id", id, "chat_id", req.ChatID,
		"model", req.Session.Model, "elapsed", elapsed)
	return &resp, nil
}

// Connected re-probes the endpoint so the health monitor sees real
// connectivity, not the last known state.
func (b *Backend) Connected(ctx context.Context) bool {
	ok := b.probe(ctx)
	b.connected.Store(ok)
	return ok
}

// probe lists models with a short deadline, the cheapest call every
// OpenAI-compatible server implements.
func (b *Backend) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := b.client.ListModels(probeCtx); err != nil {
		b.logger.Debug("probe failed", "base_url", b.cfg.BaseURL, "error", err)
		return false
	}
	return true
}

func (b *Backend) Stop(context.Context) error {
	b.connected.Store(false)
	return nil
}
