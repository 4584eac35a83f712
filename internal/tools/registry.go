// Package tools holds the tool registry: providers declare OpenAI-style tool
// schemas with handlers, and the workflow engine executes them by name under
// per-tool deadlines.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
)

// CallContext carries the per-call identifiers available to handlers.
type CallContext struct {
	ChatID    string
	SessionID string
}

// Handler executes one tool call. Args are the model's JSON arguments after
// schema validation. The returned string becomes the tool message content.
type Handler func(ctx context.Context, call CallContext, args map[string]any) (string, error)

// Definition is one tool as declared by a provider.
type Definition struct {
	Schema  openai.Tool
	Handler Handler

	// Timeout overrides the global default deadline when positive.
	Timeout    time.Duration
	Enabled    bool
	MaxRetries int
}

// Provider contributes a batch of tool definitions. Reload re-queries every
// provider, so a provider may return different tools across calls.
type Provider interface {
	Name() string
	Tools() []Definition
}

type registered struct {
	def       Definition
	validator *jsonschema.Schema
	provider  string
}

// Registry aggregates tool definitions from providers with thread-safe
// lookup and atomic reload.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	cfg       config.ToolsConfig
	providers []Provider
	tools     map[string]*registered
	defs      []openai.Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.ToolsConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "tools"),
		cfg:    cfg,
		tools:  make(map[string]*registered),
	}
}

// AddProvider registers a provider and loads its tools.
func (r *Registry) AddProvider(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	return r.rebuildLocked()
}

// Reload re-queries every provider and swaps in the rebuilt registry
// atomically. On error the previous registry stays in place.
func (r *Registry) Reload(cfg config.ToolsConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	return r.rebuildLocked()
}

func (r *Registry) rebuildLocked() error {
	tools := make(map[string]*registered)
	var defs []openai.Tool

	for _, p := range r.providers {
		for _, def := range p.Tools() {
			name := def.Schema.Function.Name
			if name == "" {
				return fmt.Errorf("provider %s declared a tool without a name", p.Name())
			}
			if _, dup := tools[name]; dup {
				return fmt.Errorf("duplicate tool %q from provider %s", name, p.Name())
			}

			applyOverride(&def, r.cfg.Overrides[name])

			validator, err := compileSchema(name, def.Schema.Function.Parameters)
			if err != nil {
				return fmt.Errorf("compile schema for tool %q: %w", name, err)
			}
			tools[name] = &registered{def: def, validator: validator, provider: p.Name()}
			if def.Enabled {
				defs = append(defs, def.Schema)
			}
		}
	}

	r.tools = tools
	r.defs = defs
	r.logger.Info("tool registry rebuilt", "tools", len(tools), "enabled", len(defs))
	return nil
}

func applyOverride(def *Definition, ov config.ToolOverride) {
	if ov.TimeoutSeconds != nil {
		def.Timeout = time.Duration(*ov.TimeoutSeconds * float64(time.Second))
	}
	if ov.Enabled != nil {
		def.Enabled = *ov.Enabled
	}
	if ov.MaxRetries != nil {
		def.MaxRetries = *ov.MaxRetries
	}
}

func compileSchema(name string, params any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

// Definitions returns the schemas of every enabled tool, in provider order.
// The context store seeds new chats with this array.
func (r *Registry) Definitions() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]openai.Tool, len(r.defs))
	copy(out, r.defs)
	return out
}

// Get returns a tool's definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return reg.def, true
}

// Status reports registry occupancy for diagnostics.
func (r *Registry) Status() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byProvider := make(map[string]int)
	for _, reg := range r.tools {
		byProvider[reg.provider]++
	}
	return map[string]any{
		"total_tools": len(r.tools),
		"enabled":     len(r.defs),
		"by_provider": byProvider,
	}
}
