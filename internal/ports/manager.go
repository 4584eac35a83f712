package ports

import (
	"context"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/internal/retry"
	"github.com/clew-ai/clew/pkg/models"
)

// healthInterval is how often each adapter's connectivity is polled.
const healthInterval = 30 * time.Second

type backendState struct {
	backend  ModelBackend
	inFlight int
}

// Manager owns every registered adapter: it fans outbound responses out to
// connected frontends, routes model requests to backends with spare capacity,
// and runs a health monitor with bounded reconnection per adapter.
type Manager struct {
	logger *slog.Logger
	cfg    config.PortsConfig

	mu        sync.Mutex
	frontends []Frontend
	backends  []*backendState
	started   bool

	pollInterval time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewManager(cfg config.PortsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:       logger.With("component", "ports"),
		cfg:          cfg,
		pollInterval: healthInterval,
	}
}

// RegisterFrontend adds a frontend adapter. Must be called before Start.
func (m *Manager) RegisterFrontend(f Frontend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frontends = append(m.frontends, f)
}

// RegisterModel adds a model backend adapter. Must be called before Start.
func (m *Manager) RegisterModel(b ModelBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends = append(m.backends, &backendState{backend: b})
}

// Start brings up every adapter and begins health monitoring. An adapter
// that fails to start is logged and left to the monitor's reconnect loop.
func (m *Manager) Start(ctx context.Context, cb MessageCallback) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	frontends := append([]Frontend(nil), m.frontends...)
	backends := append([]*backendState(nil), m.backends...)
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, f := range frontends {
		f := f
		if err := f.Start(ctx, cb); err != nil {
			m.logger.Error("frontend start failed", "adapter", f.Name(), "error", err)
		}
		m.monitor(runCtx, f.Name(), f.Connected, func(ctx context.Context) error {
			return f.Start(ctx, cb)
		})
	}
	for _, b := range backends {
		b := b
		if err := b.backend.Start(ctx); err != nil {
			m.logger.Error("model start failed", "adapter", b.backend.Name(), "error", err)
		}
		m.monitor(runCtx, b.backend.Name(), b.backend.Connected, b.backend.Start)
	}
	return nil
}

// Stop shuts down monitoring and every adapter.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	frontends := append([]Frontend(nil), m.frontends...)
	backends := append([]*backendState(nil), m.backends...)
	m.started = false
	m.mu.Unlock()

	for _, f := range frontends {
		if err := f.Stop(ctx); err != nil {
			m.logger.Warn("frontend stop failed", "adapter", f.Name(), "error", err)
		}
	}
	for _, b := range backends {
		if err := b.backend.Stop(ctx); err != nil {
			m.logger.Warn("model stop failed", "adapter", b.backend.Name(), "error", err)
		}
	}
}

// SendResponse fans the response out to every connected frontend
// concurrently and waits for all sends to finish.
func (m *Manager) SendResponse(ctx context.Context, resp *models.Response) {
	m.mu.Lock()
	frontends := append([]Frontend(nil), m.frontends...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range frontends {
		if !f.Connected(ctx) {
			continue
		}
		wg.Add(1)
		go func(f Frontend) {
			defer wg.Done()
			if err := f.Send(ctx, resp); err != nil {
				m.logger.Error("send failed", "adapter", f.Name(),
					"chat_id", resp.ChatID, "error", err)
			}
		}(f)
	}
	wg.Wait()
}

// SendToModel routes the request to the first backend with spare capacity.
// The in-flight counter is claimed under the lock and released when the call
// completes. Returns nil with nil error when every backend is saturated.
func (m *Manager) SendToModel(ctx context.Context, req *models.ModelRequest) (*openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	var picked *backendState
	for _, b := range m.backends {
		if b.inFlight < b.backend.MaxConcurrent() {
			picked = b
			break
		}
	}
	if picked == nil {
		m.mu.Unlock()
		m.logger.Warn("no model backend available", "chat_id", req.ChatID)
		return nil, nil
	}
	picked.inFlight++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		picked.inFlight--
		m.mu.Unlock()
	}()

	return picked.backend.SendRequest(ctx, req)
}

// monitor polls one adapter's connectivity and drives bounded reconnection
// on disconnect.
func (m *Manager) monitor(ctx context.Context, name string, connected func(context.Context) bool, reconnect func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if connected(ctx) {
				continue
			}
			m.logger.Warn("adapter disconnected", "adapter", name)
			cfg := retry.Linear(m.cfg.MaxReconnectAttempts, m.cfg.ReconnectInterval())
			result := retry.Do(ctx, cfg, func() error {
				return reconnect(ctx)
			})
			if result.Err != nil {
				m.logger.Error("reconnect failed", "adapter", name,
					"attempts", result.Attempts, "error", result.Err)
				continue
			}
			m.logger.Info("adapter reconnected", "adapter", name,
				"attempts", result.Attempts)
		}
	}()
}

// Status reports per-adapter connectivity and in-flight counts.
func (m *Manager) Status(ctx context.Context) map[string]any {
	m.mu.Lock()
	frontends := append([]Frontend(nil), m.frontends...)
	backends := append([]*backendState(nil), m.backends...)
	m.mu.Unlock()

	fs := make(map[string]any, len(frontends))
	for _, f := range frontends {
		fs[f.Name()] = map[string]any{"connected": f.Connected(ctx)}
	}
	bs := make(map[string]any, len(backends))
	for _, b := range backends {
		m.mu.Lock()
		inFlight := b.inFlight
		m.mu.Unlock()
		bs[b.backend.Name()] = map[string]any{
			"connected":      b.backend.Connected(ctx),
			"in_flight":      inFlight,
			"max_concurrent": b.backend.MaxConcurrent(),
		}
	}
	return map[string]any{"frontends": fs, "models": bs}
}
