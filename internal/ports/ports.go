// Package ports adapts external chat frontends and model backends into
// uniform send/receive interfaces and supervises their health.
package ports

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/pkg/models"
)

// MessageCallback receives inbound messages from a frontend adapter.
type MessageCallback func(msg *models.InboundMessage)

// Frontend is a chat platform adapter. Start establishes the connection and
// begins delivering inbound messages through the callback; it returns once
// the adapter is running.
type Frontend interface {
	Name() string
	Start(ctx context.Context, cb MessageCallback) error
	Send(ctx context.Context, resp *models.Response) error
	Connected(ctx context.Context) bool
	Stop(ctx context.Context) error
}

// ModelBackend is an inference endpoint adapter. MaxConcurrent caps the
// in-flight requests the manager will route to it.
type ModelBackend interface {
	Name() string
	Start(ctx context.Context) error
	SendRequest(ctx context.Context, req *models.ModelRequest) (*openai.ChatCompletionResponse, error)
	Connected(ctx context.Context) bool
	Stop(ctx context.Context) error
	MaxConcurrent() int
}
