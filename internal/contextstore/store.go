// Package contextstore owns the persistent per-chat conversation state. Each
// chat's context lives in one JSON file under the history directory and is
// cached in memory with write-back semantics: updates mark the entry dirty,
// and an eviction daemon flushes and unloads entries that have been inactive
// beyond the configured threshold.
package contextstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/pkg/models"
)

// SchemaProvider supplies the current tool schema array for new and reloaded
// contexts. The tool registry implements it; the indirection keeps the
// dependency one-way.
type SchemaProvider interface {
	Definitions() []openai.Tool
}

type cacheEntry struct {
	ctx        *models.Context
	lastAccess time.Time
	dirty      bool
}

// Store is the context store. All public methods are safe for concurrent use;
// internal state is guarded by one mutex, which the eviction daemon also
// takes.
type Store struct {
	dir     string
	logger  *slog.Logger
	schemas SchemaProvider

	mu         sync.Mutex
	cfg        config.ContextConfig
	corePrompt string
	cache      map[string]*cacheEntry

	nowFunc func() time.Time // for testing
}

// New creates a context store writing per-chat files under dir.
func New(dir string, cfg config.ContextConfig, schemas SchemaProvider, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{
		dir:        dir,
		logger:     logger.With("component", "contextstore"),
		schemas:    schemas,
		cfg:        cfg,
		corePrompt: cfg.CorePromptText(),
		cache:      make(map[string]*cacheEntry),
		nowFunc:    time.Now,
	}, nil
}

// ApplyConfig installs a freshly loaded configuration section. Existing
// cached contexts are unaffected; new contexts pick up the new defaults.
func (s *Store) ApplyConfig(cfg config.ContextConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.corePrompt = cfg.CorePromptText()
}

// CorePrompt returns the configured base system prompt.
func (s *Store) CorePrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corePrompt
}

// Get returns a deep copy of the chat's context, loading it from disk or
// creating defaults as needed. A fresh context is marked dirty so it reaches
// disk on the next flush.
func (s *Store) Get(chatID string) (*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.getLocked(chatID)
	if err != nil {
		return nil, err
	}
	return entry.ctx.Clone(), nil
}

// getLocked returns the live cache entry for chatID, populating the cache
// from disk or defaults. Callers hold s.mu.
func (s *Store) getLocked(chatID string) (*cacheEntry, error) {
	if entry, ok := s.cache[chatID]; ok {
		entry.lastAccess = s.nowFunc()
		return entry, nil
	}

	ctx, err := s.loadFile(chatID)
	if err != nil {
		s.logger.Warn("context file unreadable, recreating defaults", "chat_id", chatID, "error", err)
		ctx = nil
	}

	fresh := ctx == nil
	if fresh {
		ctx = s.defaultContext(chatID)
	} else if s.schemas != nil {
		// Keep the persisted tool schema in sync with the registry.
		ctx.Data.Tools = s.schemas.Definitions()
	}

	entry := &cacheEntry{ctx: ctx, lastAccess: s.nowFunc(), dirty: fresh}
	s.cache[chatID] = entry
	return entry, nil
}

// defaultContext builds a fresh context: LLM mode when any LLM model is
// configured, the default model and tools flag, and a single system message
// holding the core prompt.
func (s *Store) defaultContext(chatID string) *models.Context {
	mode := models.ChatModeMLLM
	if len(s.cfg.ChatModels.LLM) > 0 {
		mode = models.ChatModeLLM
	}

	ctx := &models.Context{
		ChatID:    chatID,
		ChatMode:  mode,
		ToolsCall: s.cfg.DefaultToolsCall,
		Data: openai.ChatCompletionRequest{
			Model: s.cfg.DefaultModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: s.corePrompt},
			},
			MaxTokens:   s.cfg.Model.MaxTokens,
			Temperature: s.cfg.Model.Temperature,
			Stream:      s.cfg.Model.Stream,
		},
	}
	if s.schemas != nil {
		ctx.Data.Tools = s.schemas.Definitions()
	}
	return ctx
}

// filePath maps a chat ID to its history file. Characters that are illegal
// in file names become underscores; overlong names are truncated and suffixed
// with the first 8 hex digits of the MD5 of the original ID so distinct chats
// never collide.
func (s *Store) filePath(chatID string) string {
	safe := sanitizeChatID(chatID)
	return filepath.Join(s.dir, safe+".json")
}

func sanitizeChatID(chatID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, chatID)

	if len(safe) > 200 {
		sum := md5.Sum([]byte(chatID))
		safe = safe[:150] + "_" + hex.EncodeToString(sum[:])[:8]
	}
	return safe
}

func (s *Store) loadFile(chatID string) (*models.Context, error) {
	data, err := os.ReadFile(s.filePath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ctx models.Context
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &ctx, nil
}

// saveLocked writes the entry to disk and clears the dirty flag. Callers
// hold s.mu.
func (s *Store) saveLocked(chatID string, entry *cacheEntry) error {
	data, err := json.MarshalIndent(entry.ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := os.WriteFile(s.filePath(chatID), data, 0o644); err != nil {
		return fmt.Errorf("write context file: %w", err)
	}
	entry.dirty = false
	return nil
}

func (s *Store) flushIfDirtyLocked(chatID string, entry *cacheEntry) {
	if !entry.dirty {
		return
	}
	if err := s.saveLocked(chatID, entry); err != nil {
		s.logger.Error("flush context failed", "chat_id", chatID, "error", err)
	}
}

// RunEviction scans the cache every minute and unloads entries that have
// been inactive for at least the configured threshold, flushing dirty state
// first. It returns when ctx is cancelled.
func (s *Store) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Store) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	threshold := s.cfg.CacheInactiveUnload()
	for chatID, entry := range s.cache {
		if now.Sub(entry.lastAccess) < threshold {
			continue
		}
		s.flushIfDirtyLocked(chatID, entry)
		delete(s.cache, chatID)
		s.logger.Debug("context unloaded", "chat_id", chatID)
	}
}

// Status reports cache occupancy for diagnostics.
func (s *Store) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := make([]string, 0, len(s.cache))
	dirty := 0
	for chatID, entry := range s.cache {
		chats = append(chats, chatID)
		if entry.dirty {
			dirty++
		}
	}
	return map[string]any{
		"total_cached":               len(s.cache),
		"dirty":                      dirty,
		"cached_chats":               chats,
		"max_user_messages_per_chat": s.cfg.MaxUserMessagesPerChat,
	}
}

// Close flushes every dirty context. Called on shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID, entry := range s.cache {
		s.flushIfDirtyLocked(chatID, entry)
	}
}
