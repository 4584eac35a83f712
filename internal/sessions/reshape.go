package sessions

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/pkg/models"
)

const (
	attentionHead = "当前请求：\n"
	attentionTail = "\n\n注意：以上是当前需要处理的具体问题，请优先关注并回应当前请求。历史对话仅作为背景信息参考。"
)

// reshape turns a context snapshot into the request body for one model turn.
// The most recent user message gets the attention prefix so the model treats
// earlier rounds as background; historic user messages lose any stale
// prefix. LLM mode flattens part lists to text; MLLM mode keeps image parts
// and resolves their URLs through the image cache.
func (s *Store) reshape(ctx context.Context, snapshot *models.Context) openai.ChatCompletionRequest {
	msgs := models.CloneMessages(snapshot.Data.Messages)

	lastUser := -1
	toolAfterLastUser := false
	for i, m := range msgs {
		if m.Role == openai.ChatMessageRoleUser {
			lastUser = i
			toolAfterLastUser = false
		} else if m.Role == openai.ChatMessageRoleTool {
			toolAfterLastUser = true
		}
	}

	for i := range msgs {
		if msgs[i].Role != openai.ChatMessageRoleUser {
			continue
		}

		switch snapshot.ChatMode {
		case models.ChatModeLLM:
			flattenToText(&msgs[i])
		default:
			s.resolveImages(ctx, snapshot.ChatID, &msgs[i])
		}

		if i == lastUser && !toolAfterLastUser {
			wrapAttention(&msgs[i])
		} else {
			stripAttention(&msgs[i])
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       snapshot.Data.Model,
		Messages:    msgs,
		MaxTokens:   snapshot.Data.MaxTokens,
		Temperature: snapshot.Data.Temperature,
		Stream:      snapshot.Data.Stream,
	}
	if len(snapshot.Data.Tools) > 0 {
		req.Tools = append([]openai.Tool(nil), snapshot.Data.Tools...)
	}
	return req
}

// flattenToText reduces a part list to its concatenated text, dropping image
// parts.
func flattenToText(msg *openai.ChatCompletionMessage) {
	if msg.MultiContent == nil {
		return
	}
	var texts []string
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	msg.MultiContent = nil
	msg.Content = strings.Join(texts, " ")
}

// resolveImages rewrites HTTP(S) image URLs to cached data URIs, dropping
// parts whose image is neither cached nor in flight. Inline data URIs pass
// through untouched.
func (s *Store) resolveImages(ctx context.Context, chatID string, msg *openai.ChatCompletionMessage) {
	if msg.MultiContent == nil {
		return
	}
	kept := msg.MultiContent[:0]
	for _, part := range msg.MultiContent {
		if part.Type != openai.ChatMessagePartTypeImageURL || part.ImageURL == nil {
			kept = append(kept, part)
			continue
		}
		url := part.ImageURL.URL
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			kept = append(kept, part)
			continue
		}
		if s.images == nil {
			s.logger.Warn("image dropped, no fetcher wired", "chat_id", chatID)
			continue
		}
		dataURI, ok := s.images.Resolve(ctx, chatID, url)
		if !ok {
			s.logger.Warn("image dropped, not cached", "chat_id", chatID, "url", url)
			continue
		}
		part.ImageURL = &openai.ChatMessageImageURL{URL: dataURI}
		kept = append(kept, part)
	}
	msg.MultiContent = kept
}

// wrapAttention wraps the message's text in the attention prefix. For part
// lists the first non-empty text part is wrapped; a list with no text is
// left alone.
func wrapAttention(msg *openai.ChatCompletionMessage) {
	if msg.MultiContent == nil {
		if msg.Content != "" && !strings.HasPrefix(msg.Content, attentionHead) {
			msg.Content = attentionHead + msg.Content + attentionTail
		}
		return
	}
	for i, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
			if !strings.HasPrefix(part.Text, attentionHead) {
				msg.MultiContent[i].Text = attentionHead + part.Text + attentionTail
			}
			return
		}
	}
}

// stripAttention removes a stale attention prefix from a historic message.
func stripAttention(msg *openai.ChatCompletionMessage) {
	if msg.MultiContent == nil {
		msg.Content = stripAttentionText(msg.Content)
		return
	}
	for i, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			msg.MultiContent[i].Text = stripAttentionText(part.Text)
		}
	}
}

func stripAttentionText(text string) string {
	if !strings.HasPrefix(text, attentionHead) {
		return text
	}
	text = strings.TrimPrefix(text, attentionHead)
	return strings.TrimSuffix(text, attentionTail)
}
