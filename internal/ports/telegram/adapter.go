// Package telegram implements a Telegram frontend over long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/internal/ports"
	"github.com/clew-ai/clew/pkg/models"
)

// Adapter bridges Telegram updates to the agent core. Private chats always
// respond; group messages respond when the bot is @-mentioned or the text is
// a `#` command.
type Adapter struct {
	logger *slog.Logger
	cfg    config.TelegramConfig

	mu        sync.Mutex
	bot       *bot.Bot
	cb        ports.MessageCallback
	username  string
	cancel    context.CancelFunc
	connected atomic.Bool
	wg        sync.WaitGroup

	nowFunc func() time.Time
}

func New(cfg config.TelegramConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:  logger.With("component", "telegram"),
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

func (a *Adapter) Name() string { return "telegram" }

// Start authenticates the bot and begins long polling in the background.
// A no-op when already connected, so the health monitor can call it freely.
func (a *Adapter) Start(ctx context.Context, cb ports.MessageCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected.Load() {
		return nil
	}
	if cb != nil {
		a.cb = cb
	}
	if a.cb == nil {
		return errors.New("telegram: message callback not set")
	}
	if a.cfg.Token == "" {
		return errors.New("telegram: token is required")
	}

	b, err := bot.New(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}

	a.bot = b
	a.username = me.Username
	a.connected.Store(true)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.connected.Store(false)
		b.Start(runCtx)
	}()

	a.logger.Info("connected", "username", me.Username)
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	private := msg.Chat.Type == "private"
	chatKind := "group"
	if private {
		chatKind = "private"
	}
	chatID := fmt.Sprintf("tg_%s_%d", chatKind, msg.Chat.ID)

	isRespond := private || a.mentioned(text) || strings.HasPrefix(strings.TrimSpace(text), "#")
	text = a.stripMention(text)

	var userID string
	displayName := "unknown"
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
		displayName = msg.From.FirstName
		if msg.From.Username != "" {
			displayName = msg.From.Username
		}
	}

	content := text
	if !strings.HasPrefix(strings.TrimSpace(text), "#") {
		content = "发言人：" + displayName + "。\n发言内容：" + text
	}

	a.cb(&models.InboundMessage{
		ChatID:    chatID,
		UserID:    userID,
		Content:   content,
		IsRespond: isRespond,
		Timestamp: a.nowFunc(),
	})
}

func (a *Adapter) mentioned(text string) bool {
	a.mu.Lock()
	username := a.username
	a.mu.Unlock()
	return username != "" && strings.Contains(text, "@"+username)
}

func (a *Adapter) stripMention(text string) string {
	a.mu.Lock()
	username := a.username
	a.mu.Unlock()
	if username == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "@"+username, ""))
}

// Send delivers the response text, then any image parts as photos.
func (a *Adapter) Send(ctx context.Context, resp *models.Response) error {
	chatID, err := parseChatID(resp.ChatID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	b := a.bot
	a.mu.Unlock()
	if b == nil || !a.connected.Load() {
		return errors.New("telegram: not connected")
	}

	if resp.Content != "" {
		if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   resp.Content,
		}); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	for _, part := range resp.Parts {
		if part.Type != openai.ChatMessagePartTypeImageURL || part.ImageURL == nil {
			continue
		}
		if _, err := b.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: chatID,
			Photo:  &tgmodels.InputFileString{Data: part.ImageURL.URL},
		}); err != nil {
			a.logger.Error("send photo failed", "chat_id", resp.ChatID, "error", err)
		}
	}
	return nil
}

func parseChatID(chatID string) (int64, error) {
	parts := strings.SplitN(chatID, "_", 3)
	if len(parts) != 3 || parts[0] != "tg" {
		return 0, fmt.Errorf("telegram: not a telegram chat id: %q", chatID)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	return id, nil
}

func (a *Adapter) Connected(context.Context) bool {
	return a.connected.Load()
}

// Stop halts long polling and waits for the poll goroutine to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.connected.Store(false)
	return nil
}
