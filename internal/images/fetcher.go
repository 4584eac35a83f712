// Package images downloads chat images and caches them as base64 data URIs
// for inline delivery to multimodal models. Downloads are bounded by a
// semaphore, encoding runs on a capped worker pool, and each chat's cache is
// LRU-evicted with a TTL that depends on whether the chat is privileged.
package images

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/clew-ai/clew/internal/config"
)

type cacheItem struct {
	imageID      string
	chatID       string
	url          string
	dataURI      string
	mimeType     string
	createdAt    time.Time
	lastAccessed time.Time
	size         int
}

// inflight tracks a download in progress so concurrent requests for the same
// URL share one fetch.
type inflight struct {
	done    chan struct{}
	dataURI string
	err     error
}

// Stats counts fetcher activity.
type Stats struct {
	TotalProcessed int `json:"total_processed"`
	CacheHits      int `json:"cache_hits"`
	CacheMisses    int `json:"cache_misses"`
	Downloads      int `json:"downloads"`
	Encodings      int `json:"encodings"`
	Errors         int `json:"errors"`
}

// Fetcher resolves image URLs to cached base64 data URIs.
type Fetcher struct {
	logger *slog.Logger
	client *http.Client

	downloadSem chan struct{}
	encodeSem   chan struct{}

	mu        sync.Mutex
	cfg       config.ImagesConfig
	byID      map[string]*cacheItem
	byChat    map[string][]string // image IDs in LRU order, oldest first
	inFlight  map[string]*inflight
	stats     Stats

	nowFunc func() time.Time // for testing
}

// New creates a fetcher using cfg's concurrency and cache limits.
func New(cfg config.ImagesConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		logger:      logger.With("component", "images"),
		client:      &http.Client{Timeout: cfg.DownloadTimeout()},
		downloadSem: make(chan struct{}, cfg.MaxConcurrentDownloads),
		encodeSem:   make(chan struct{}, cfg.MaxEncodingWorkers),
		cfg:         cfg,
		byID:        make(map[string]*cacheItem),
		byChat:      make(map[string][]string),
		inFlight:    make(map[string]*inflight),
		nowFunc:     time.Now,
	}
}

func imageID(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

func isHTTPURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// AnalyzeMessage pre-fetches every HTTP(S) image URL in the message parts so
// the images are already cached when a session is later built for the chat.
// It blocks until all fetches settle and returns the number of images now
// cached.
func (f *Fetcher) AnalyzeMessage(ctx context.Context, chatID string, parts []openai.ChatMessagePart) int {
	var urls []string
	for _, part := range parts {
		if part.Type != openai.ChatMessagePartTypeImageURL || part.ImageURL == nil {
			continue
		}
		if isHTTPURL(part.ImageURL.URL) {
			urls = append(urls, part.ImageURL.URL)
		}
	}
	if len(urls) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	results := make([]bool, len(urls))
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			_, ok := f.fetch(ctx, chatID, url)
			results[i] = ok
		}(i, url)
	}
	wg.Wait()

	cached := 0
	for _, ok := range results {
		if ok {
			cached++
		}
	}
	return cached
}

// Resolve returns the chat's cached data URI for url. A fetch already in
// flight is awaited; a cold miss returns false without starting a download,
// so session building never stalls on the network.
func (f *Fetcher) Resolve(ctx context.Context, chatID, url string) (string, bool) {
	id := imageID(url)

	f.mu.Lock()
	if item := f.lookupLocked(chatID, id); item != nil {
		f.stats.CacheHits++
		uri := item.dataURI
		f.mu.Unlock()
		return uri, true
	}
	fl, inFlight := f.inFlight[url]
	f.stats.CacheMisses++
	f.mu.Unlock()

	if !inFlight {
		return "", false
	}
	select {
	case <-fl.done:
	case <-ctx.Done():
		return "", false
	}
	if fl.err != nil {
		return "", false
	}
	return fl.dataURI, true
}

// fetch returns the cached data URI for url, downloading and encoding on a
// miss. Concurrent callers for the same URL share one download.
func (f *Fetcher) fetch(ctx context.Context, chatID, url string) (string, bool) {
	id := imageID(url)

	f.mu.Lock()
	if item := f.lookupLocked(chatID, id); item != nil {
		f.stats.CacheHits++
		uri := item.dataURI
		f.mu.Unlock()
		return uri, true
	}
	f.stats.CacheMisses++

	if fl, ok := f.inFlight[url]; ok {
		f.mu.Unlock()
		select {
		case <-fl.done:
		case <-ctx.Done():
			return "", false
		}
		if fl.err != nil {
			return "", false
		}
		return fl.dataURI, true
	}

	fl := &inflight{done: make(chan struct{})}
	f.inFlight[url] = fl
	f.mu.Unlock()

	fl.dataURI, fl.err = f.downloadAndEncode(ctx, chatID, url, id)
	close(fl.done)

	f.mu.Lock()
	delete(f.inFlight, url)
	if fl.err != nil {
		f.stats.Errors++
	} else {
		f.stats.TotalProcessed++
	}
	f.mu.Unlock()

	if fl.err != nil {
		f.logger.Error("image fetch failed", "url", url, "error", fl.err)
		return "", false
	}
	return fl.dataURI, true
}

func (f *Fetcher) downloadAndEncode(ctx context.Context, chatID, url, id string) (string, error) {
	select {
	case f.downloadSem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	data, mimeType, err := f.download(ctx, url)
	<-f.downloadSem
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.stats.Downloads++
	f.mu.Unlock()

	select {
	case f.encodeSem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	dataURI := encodeDataURI(data, mimeType)
	<-f.encodeSem

	f.mu.Lock()
	f.stats.Encodings++
	f.storeLocked(&cacheItem{
		imageID:      id,
		chatID:       chatID,
		url:          url,
		dataURI:      dataURI,
		mimeType:     mimeType,
		createdAt:    f.nowFunc(),
		lastAccessed: f.nowFunc(),
		size:         len(dataURI),
	})
	f.mu.Unlock()

	return dataURI, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}

func encodeDataURI(data []byte, mimeType string) string {
	imageType := "jpeg"
	if strings.HasPrefix(mimeType, "image/") {
		imageType = strings.TrimPrefix(mimeType, "image/")
	}
	return "data:image/" + imageType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
