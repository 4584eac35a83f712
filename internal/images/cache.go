package images

import (
	"context"
	"time"
)

// chatLimits returns the TTL and per-chat capacity for chatID, honoring the
// privilege list.
func (f *Fetcher) chatLimits(chatID string) (time.Duration, int) {
	for _, c := range f.cfg.PrivilegeChats {
		if c == chatID {
			return time.Duration(f.cfg.PrivilegeTTLSeconds) * time.Second, f.cfg.PrivilegeMaxPerChat
		}
	}
	return time.Duration(f.cfg.DefaultTTLSeconds) * time.Second, f.cfg.DefaultMaxPerChat
}

// lookupLocked returns the cache item if it exists and belongs to chatID,
// refreshing its LRU position. Callers hold f.mu.
func (f *Fetcher) lookupLocked(chatID, id string) *cacheItem {
	item, ok := f.byID[id]
	if !ok || item.chatID != chatID {
		return nil
	}
	item.lastAccessed = f.nowFunc()
	f.touchLocked(chatID, id)
	return item
}

// removeFromOrderLocked drops id from chatID's LRU order list. Callers hold
// f.mu.
func (f *Fetcher) removeFromOrderLocked(chatID, id string) {
	order := f.byChat[chatID]
	for i, existing := range order {
		if existing == id {
			f.byChat[chatID] = append(order[:i:i], order[i+1:]...)
			return
		}
	}
}

func (f *Fetcher) touchLocked(chatID, id string) {
	order := f.byChat[chatID]
	for i, existing := range order {
		if existing == id {
			f.byChat[chatID] = append(append(order[:i:i], order[i+1:]...), id)
			return
		}
	}
}

// storeLocked inserts an item and evicts the chat's oldest entries past
// capacity. Image IDs hash the URL, so a second chat caching the same URL
// takes over the entry; the previous owner's order list is cleaned up.
// Callers hold f.mu.
func (f *Fetcher) storeLocked(item *cacheItem) {
	if prev, ok := f.byID[item.imageID]; ok && prev.chatID != item.chatID {
		f.removeFromOrderLocked(prev.chatID, item.imageID)
	}
	f.byID[item.imageID] = item
	present := false
	for _, id := range f.byChat[item.chatID] {
		if id == item.imageID {
			present = true
			break
		}
	}
	if !present {
		f.byChat[item.chatID] = append(f.byChat[item.chatID], item.imageID)
	}
	f.touchLocked(item.chatID, item.imageID)

	_, maxItems := f.chatLimits(item.chatID)
	for len(f.byChat[item.chatID]) > maxItems {
		oldest := f.byChat[item.chatID][0]
		f.byChat[item.chatID] = f.byChat[item.chatID][1:]
		delete(f.byID, oldest)
	}
}

// RunCleanup evicts expired cache entries every 30 seconds until ctx is
// cancelled.
func (f *Fetcher) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.evictExpired()
		}
	}
}

func (f *Fetcher) evictExpired() {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.nowFunc()

	for id, item := range f.byID {
		ttl, _ := f.chatLimits(item.chatID)
		if now.Sub(item.lastAccessed) < ttl {
			continue
		}
		delete(f.byID, id)
		f.removeFromOrderLocked(item.chatID, id)
	}

	for chatID, order := range f.byChat {
		if len(order) == 0 {
			delete(f.byChat, chatID)
		}
	}
}

// ClearChat drops every cached image for one chat.
func (f *Fetcher) ClearChat(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.byChat[chatID] {
		delete(f.byID, id)
	}
	delete(f.byChat, chatID)
}

// ClearAll drops the whole cache.
func (f *Fetcher) ClearAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID = make(map[string]*cacheItem)
	f.byChat = make(map[string][]string)
}

// Status reports cache occupancy and counters for diagnostics.
func (f *Fetcher) Status() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	byChat := make(map[string]int, len(f.byChat))
	for chatID, order := range f.byChat {
		byChat[chatID] = len(order)
	}
	return map[string]any{
		"total_cached":  len(f.byID),
		"total_chats":   len(f.byChat),
		"in_flight":     len(f.inFlight),
		"cache_by_chat": byChat,
		"stats":         f.stats,
	}
}
