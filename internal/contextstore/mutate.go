package contextstore

import (
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/pkg/models"
)

// mutate runs a settings edit under the write-through discipline: the cached
// entry is flushed and evicted, the context is reloaded from disk, the edit
// is applied, and the result is written back immediately. This keeps setting
// changes durable even if the process dies before the next flush.
func (s *Store) mutate(chatID string, edit func(*models.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.cache[chatID]; ok {
		s.flushIfDirtyLocked(chatID, entry)
		delete(s.cache, chatID)
	}

	entry, err := s.getLocked(chatID)
	if err != nil {
		return err
	}
	if err := edit(entry.ctx); err != nil {
		return err
	}
	entry.lastAccess = s.nowFunc()
	return s.saveLocked(chatID, entry)
}

// SetModel switches the chat's model. The chat mode follows the model: a
// model named in the multimodal list puts the chat in MLLM mode, one in the
// text list in LLM mode. Unknown models are rejected.
func (s *Store) SetModel(chatID, model string) error {
	s.mu.Lock()
	cm := s.cfg.ChatModels
	s.mu.Unlock()

	if !cm.Contains(model) {
		return fmt.Errorf("unknown model %q", model)
	}

	return s.mutate(chatID, func(ctx *models.Context) error {
		ctx.Data.Model = model
		for _, m := range cm.MLLM {
			if m == model {
				ctx.ChatMode = models.ChatModeMLLM
				return nil
			}
		}
		ctx.ChatMode = models.ChatModeLLM
		return nil
	})
}

// Model returns the chat's current model name.
func (s *Store) Model(chatID string) (string, error) {
	ctx, err := s.Get(chatID)
	if err != nil {
		return "", err
	}
	return ctx.Data.Model, nil
}

// SetToolsCall toggles whether sessions built from this chat carry tool
// schemas.
func (s *Store) SetToolsCall(chatID string, enabled bool) error {
	return s.mutate(chatID, func(ctx *models.Context) error {
		ctx.ToolsCall = enabled
		return nil
	})
}

// SetToolsSchema replaces the chat's tool schema array, typically after a
// tool reload.
func (s *Store) SetToolsSchema(chatID string, tools []openai.Tool) error {
	return s.mutate(chatID, func(ctx *models.Context) error {
		ctx.Data.Tools = tools
		return nil
	})
}

// SetCustomPrompt places a per-chat prompt ahead of the core prompt in the
// system message. An empty prompt restores the core prompt alone.
func (s *Store) SetCustomPrompt(chatID, prompt string) error {
	core := s.CorePrompt()
	return s.mutate(chatID, func(ctx *models.Context) error {
		content := core
		if prompt != "" {
			content = prompt + "\n" + core
		}
		return setSystemMessage(ctx, content)
	})
}

// CustomPrompt returns the per-chat prompt prefix and whether one is set. A
// system message equal to the core prompt means no custom prompt.
func (s *Store) CustomPrompt(chatID string) (string, bool, error) {
	core := s.CorePrompt()
	ctx, err := s.Get(chatID)
	if err != nil {
		return "", false, err
	}
	sys := ctx.SystemMessage()
	if sys == nil || sys.Content == core {
		return "", false, nil
	}
	return strings.TrimSuffix(strings.TrimSuffix(sys.Content, core), "\n"), true, nil
}

// DeleteCustomPrompt restores the system message to the core prompt alone.
func (s *Store) DeleteCustomPrompt(chatID string) error {
	core := s.CorePrompt()
	return s.mutate(chatID, func(ctx *models.Context) error {
		return setSystemMessage(ctx, core)
	})
}

func setSystemMessage(ctx *models.Context, content string) error {
	for i := range ctx.Data.Messages {
		if ctx.Data.Messages[i].Role == openai.ChatMessageRoleSystem {
			ctx.Data.Messages[i].Content = content
			return nil
		}
	}
	ctx.Data.Messages = append([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: content},
	}, ctx.Data.Messages...)
	return nil
}

// Clear drops every message except the system message, keeping the chat's
// model, mode, and prompt intact.
func (s *Store) Clear(chatID string) error {
	return s.mutate(chatID, func(ctx *models.Context) error {
		sys := ctx.SystemMessage()
		if sys != nil {
			ctx.Data.Messages = []openai.ChatCompletionMessage{*sys}
		} else {
			ctx.Data.Messages = nil
		}
		return nil
	})
}

// Delete removes the chat's context entirely: cache entry and history file.
// The next Get recreates defaults.
func (s *Store) Delete(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, chatID)
	if err := os.Remove(s.filePath(chatID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove context file: %w", err)
	}
	return nil
}
