package contextstore

import (
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/pkg/models"
)

const (
	placeholderSingleImage = "[图片消息]"
	placeholderEmpty       = "[消息]"
)

// Update appends a message to the chat's context, normalizes user content,
// trims overflow dialogue rounds, and marks the entry dirty. It returns a
// deep copy of the context as it stands after the update.
func (s *Store) Update(chatID string, msg openai.ChatCompletionMessage) (*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.getLocked(chatID)
	if err != nil {
		return nil, err
	}

	if msg.Role == openai.ChatMessageRoleUser {
		normalizeUserContent(&msg)
	}
	entry.ctx.Data.Messages = append(entry.ctx.Data.Messages, msg)
	s.trimLocked(chatID, entry.ctx)
	entry.dirty = true
	entry.lastAccess = s.nowFunc()

	return entry.ctx.Clone(), nil
}

// normalizeUserContent reduces multi-part user content to a persistable
// form. A part list carrying any text survives unchanged; an image-only
// list collapses to a placeholder string, and an empty list to a generic
// one.
func normalizeUserContent(msg *openai.ChatCompletionMessage) {
	if msg.MultiContent == nil {
		return
	}

	images := 0
	for _, part := range msg.MultiContent {
		switch part.Type {
		case openai.ChatMessagePartTypeText:
			if part.Text != "" {
				return
			}
		case openai.ChatMessagePartTypeImageURL:
			images++
		}
	}

	msg.MultiContent = nil
	switch {
	case images == 1:
		msg.Content = placeholderSingleImage
	case images > 1:
		msg.Content = fmt.Sprintf("[%d张图片]", images)
	default:
		msg.Content = placeholderEmpty
	}
}

// trimLocked enforces the user-message cap by removing whole dialogue
// rounds from the front: the oldest user message together with the
// assistant and tool messages that follow it up to the next user message.
// Non-user messages stranded before the first user message are dropped
// with a warning so a round is never split.
func (s *Store) trimLocked(chatID string, ctx *models.Context) {
	maxUsers := s.cfg.MaxUserMessagesPerChat

	for ctx.UserMessageCount() > maxUsers {
		msgs := ctx.Data.Messages

		// First non-system message.
		start := -1
		for i, m := range msgs {
			if m.Role != openai.ChatMessageRoleSystem {
				start = i
				break
			}
		}
		if start < 0 {
			return
		}

		if msgs[start].Role != openai.ChatMessageRoleUser {
			s.logger.Warn("dropping orphan message during trim",
				"chat_id", chatID, "role", msgs[start].Role)
			ctx.Data.Messages = append(msgs[:start], msgs[start+1:]...)
			continue
		}

		// Remove the user message and its contiguous assistant/tool run.
		end := start + 1
		for end < len(msgs) && msgs[end].Role != openai.ChatMessageRoleUser {
			end++
		}
		ctx.Data.Messages = append(msgs[:start], msgs[end:]...)
	}
}
