// Package sessions manages the ephemeral per-turn sessions handed to the
// model backend. A session is built once from a context snapshot, mutated
// only by the tool loop, and discarded when the turn completes or expires.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/pkg/models"
)

// ImageResolver resolves an HTTP(S) image URL to a cached base64 data URI.
// A fetch already in flight is awaited; a cold miss returns false.
type ImageResolver interface {
	Resolve(ctx context.Context, chatID, url string) (string, bool)
}

// Session is one in-flight model turn.
type Session struct {
	ID            string
	ChatID        string
	Data          openai.ChatCompletionRequest
	CreatedAt     time.Time
	LastUpdated   time.Time
	ToolCallCount int
}

// CreateOptions adjusts session construction.
type CreateOptions struct {
	// SuppressTools omits the tool schema even when the chat has tool
	// calling enabled. Used for turns that must produce plain text.
	SuppressTools bool
}

// CleanupCallback runs when a session is removed, before the store forgets
// it. The workflow engine registers one to drop its tool-tracking records.
type CleanupCallback func(sessionID string)

// Store holds active sessions with idle expiry and an LRU population cap.
type Store struct {
	logger *slog.Logger
	images ImageResolver

	mu        sync.Mutex
	cfg       config.SessionConfig
	sessions  map[string]*Session
	callbacks []CleanupCallback
	counter   uint64

	nowFunc func() time.Time // for testing
}

// NewStore creates a session store. images may be nil when no fetcher is
// wired; image parts then resolve only if already inline.
func NewStore(cfg config.SessionConfig, images ImageResolver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:   logger.With("component", "sessions"),
		images:   images,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		nowFunc:  time.Now,
	}
}

// ApplyConfig installs a freshly loaded configuration section.
func (s *Store) ApplyConfig(cfg config.SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Create builds a session from a context snapshot and registers it. The
// snapshot is reshaped for the model: the current request is wrapped with an
// attention prefix, historic prefixes are stripped, content is flattened or
// image-resolved per chat mode.
func (s *Store) Create(ctx context.Context, snapshot *models.Context, opts CreateOptions) (string, error) {
	if snapshot == nil {
		return "", fmt.Errorf("nil context snapshot")
	}

	data := s.reshape(ctx, snapshot)
	if !snapshot.ToolsCall || opts.SuppressTools {
		data.Tools = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	now := s.nowFunc()
	id := fmt.Sprintf("sess_%s_%d_%d_%s",
		snapshot.ChatID, now.Unix(), s.counter, uuid.NewString()[:8])

	s.sessions[id] = &Session{
		ID:          id,
		ChatID:      snapshot.ChatID,
		Data:        data,
		CreatedAt:   now,
		LastUpdated: now,
	}
	s.evictOverCapLocked()

	s.logger.Debug("session created", "session_id", id, "chat_id", snapshot.ChatID,
		"messages", len(data.Messages), "tools", len(data.Tools))
	return id, nil
}

// Get returns a deep copy of the session, or false if it is gone.
func (s *Store) Get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	sess.LastUpdated = s.nowFunc()
	return s.cloneLocked(sess), true
}

func (s *Store) cloneLocked(sess *Session) *Session {
	out := *sess
	out.Data.Messages = models.CloneMessages(sess.Data.Messages)
	out.Data.Tools = append([]openai.Tool(nil), sess.Data.Tools...)
	return &out
}

// AddToolCallMessage appends the assistant message that requested tools.
func (s *Store) AddToolCallMessage(sessionID string, msg openai.ChatCompletionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Data.Messages = append(sess.Data.Messages, msg)
	sess.LastUpdated = s.nowFunc()
	return nil
}

// AddToolResults appends tool result messages and counts the batch toward
// the session's tool-call total.
func (s *Store) AddToolResults(sessionID string, results []openai.ChatCompletionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Data.Messages = append(sess.Data.Messages, results...)
	sess.ToolCallCount += len(results)
	sess.LastUpdated = s.nowFunc()
	return nil
}

// OnCleanup registers a callback invoked for every removed session.
func (s *Store) OnCleanup(cb CleanupCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Cleanup removes a session and fires the cleanup callbacks. Removing a
// session that is already gone is not an error.
func (s *Store) Cleanup(sessionID string) {
	s.mu.Lock()
	_, existed := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	callbacks := append([]CleanupCallback(nil), s.callbacks...)
	s.mu.Unlock()

	if !existed {
		return
	}
	for _, cb := range callbacks {
		cb(sessionID)
	}
}

// RunSweeper expires idle sessions every minute until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	now := s.nowFunc()
	timeout := s.cfg.SessionTimeout()
	var expired []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastUpdated) >= timeout {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.logger.Info("session expired", "session_id", id)
		s.Cleanup(id)
	}
}

// evictOverCapLocked drops LRU sessions while the population exceeds the
// cap. Callers hold s.mu, so callbacks fire on a fresh goroutine.
func (s *Store) evictOverCapLocked() {
	for len(s.sessions) > s.cfg.MaxSessions {
		var lruID string
		var lruAt time.Time
		for id, sess := range s.sessions {
			if lruID == "" || sess.LastUpdated.Before(lruAt) {
				lruID = id
				lruAt = sess.LastUpdated
			}
		}
		delete(s.sessions, lruID)
		s.logger.Warn("session evicted over capacity", "session_id", lruID)
		callbacks := append([]CleanupCallback(nil), s.callbacks...)
		go func(id string) {
			for _, cb := range callbacks {
				cb(id)
			}
		}(lruID)
	}
}

// Close cleans every remaining session. Called on shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cleanup(id)
	}
}

// Status reports store occupancy for diagnostics.
func (s *Store) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"active_sessions": len(s.sessions),
		"max_sessions":    s.cfg.MaxSessions,
		"timeout_minutes": s.cfg.SessionTimeoutMinutes,
	}
}
