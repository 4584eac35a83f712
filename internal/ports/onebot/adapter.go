// Package onebot implements an OneBot v11 frontend over a forward WebSocket
// connection, as spoken by NapCat, go-cqhttp, and compatible QQ bridges.
package onebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/internal/ports"
	"github.com/clew-ai/clew/pkg/models"
)

// Adapter bridges OneBot message events to the agent core and relays
// responses back as send_group_msg / send_private_msg actions.
type Adapter struct {
	logger *slog.Logger
	cfg    config.OneBotConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	cb        ports.MessageCallback
	connected atomic.Bool
	wg        sync.WaitGroup

	randFloat func() float64 // for testing
	nowFunc   func() time.Time
}

func New(cfg config.OneBotConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:    logger.With("component", "onebot"),
		cfg:       cfg,
		randFloat: rand.Float64,
		nowFunc:   time.Now,
	}
}

func (a *Adapter) Name() string { return "onebot" }

// Start dials the WebSocket endpoint and begins the read loop. Calling Start
// on a connected adapter is a no-op, which makes it safe as a reconnect hook.
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
		return errors.New("onebot: message callback not set")
	}

	header := http.Header{}
	if a.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("onebot: dial %s: %w", a.cfg.WSURL, err)
	}

	a.conn = conn
	a.connected.Store(true)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.readLoop(runCtx, conn)

	a.logger.Info("connected", "url", a.cfg.WSURL)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()
	defer a.connected.Store(false)

	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("read failed", "error", err)
			}
			return
		}
		a.handleEvent(&ev)
	}
}

func (a *Adapter) handleEvent(ev *event) {
	switch ev.PostType {
	case "message":
		a.handleMessage(ev)
	case "meta_event":
		// heartbeats keep the connection warm, nothing to do
	case "notice", "request":
		a.logger.Debug("ignoring event", "post_type", ev.PostType)
	default:
		a.logger.Debug("unknown event", "post_type", ev.PostType)
	}
}

func (a *Adapter) handleMessage(ev *event) {
	var chatID string
	var isRespond bool

	ex := extract(ev, a.cfg.BotIDs)
	switch ev.MessageType {
	case "private":
		chatID = fmt.Sprintf("qq_private_%d", ev.UserID)
		isRespond = true
	case "group":
		chatID = fmt.Sprintf("qq_group_%d", ev.GroupID)
		isRespond = a.shouldRespondGroup(ex)
	default:
		a.logger.Debug("unknown message type", "message_type", ev.MessageType)
		return
	}

	parts := buildParts(ex, ev.displayName())
	if len(parts) == 0 {
		return
	}

	ts := a.nowFunc()
	if ev.Time > 0 {
		ts = time.Unix(ev.Time, 0)
	}
	a.cb(&models.InboundMessage{
		ChatID:    chatID,
		UserID:    strconv.FormatInt(ev.UserID, 10),
		Parts:     parts,
		IsRespond: isRespond,
		Timestamp: ts,
	})
}

// shouldRespondGroup: mentions and commands always respond; otherwise the
// configured response probability applies.
func (a *Adapter) shouldRespondGroup(ex extracted) bool {
	if ex.mentioned || ex.command {
		return true
	}
	if a.cfg.RespondToAll {
		return a.randFloat() < a.cfg.RespondProbability
	}
	return false
}

// action is an OneBot API request frame.
type action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

// Send relays a response to the chat named by its ID. Content and image
// parts are converted to OneBot message segments.
func (a *Adapter) Send(_ context.Context, resp *models.Response) error {
	targetType, targetID, err := parseChatID(resp.ChatID)
	if err != nil {
		return err
	}

	segments := toSegments(resp)
	if len(segments) == 0 {
		return nil
	}

	req := action{
		Echo: fmt.Sprintf("%s_%d_%d", targetType, targetID, a.nowFunc().Unix()),
	}
	switch targetType {
	case "private":
		req.Action = "send_private_msg"
		req.Params = map[string]any{"user_id": targetID, "message": segments, "auto_escape": false}
	case "group":
		req.Action = "send_group_msg"
		req.Params = map[string]any{"group_id": targetID, "message": segments, "auto_escape": false}
	default:
		return fmt.Errorf("onebot: unsupported chat type %q", targetType)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || !a.connected.Load() {
		return errors.New("onebot: not connected")
	}
	return a.conn.WriteJSON(req)
}

func parseChatID(chatID string) (string, int64, error) {
	parts := strings.SplitN(chatID, "_", 3)
	if len(parts) != 3 || parts[0] != "qq" {
		return "", 0, fmt.Errorf("onebot: not an onebot chat id: %q", chatID)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("onebot: bad chat id %q: %w", chatID, err)
	}
	return parts[1], id, nil
}

func toSegments(resp *models.Response) []map[string]any {
	var segments []map[string]any
	if resp.Content != "" {
		segments = append(segments, map[string]any{
			"type": "text",
			"data": map[string]any{"text": resp.Content},
		})
	}
	for _, part := range resp.Parts {
		switch part.Type {
		case openai.ChatMessagePartTypeText:
			if part.Text != "" {
				segments = append(segments, map[string]any{
					"type": "text",
					"data": map[string]any{"text": part.Text},
				})
			}
		case openai.ChatMessagePartTypeImageURL:
			if part.ImageURL != nil && part.ImageURL.URL != "" {
				segments = append(segments, map[string]any{
					"type": "image",
					"data": map[string]any{"file": part.ImageURL.URL, "url": part.ImageURL.URL},
				})
			}
		}
	}
	return segments
}

func (a *Adapter) Connected(context.Context) bool {
	return a.connected.Load()
}

// Stop closes the connection and waits for the read loop to exit.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	a.wg.Wait()
	a.connected.Store(false)
	return nil
}
