package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "eventsync/internal/log"
)

// maxPageBytes bounds a single listing page body.
const maxPageBytes = 8 << 20

// StatusError is returned for non-2xx, non-304 responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Page is the outcome of fetching one listing page.
type Page struct {
	URL       string
	Body      []byte
	FromCache bool // true if the cached body was reused after a 304
}

// cacheEntry holds HTTP validators for a single page URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PageFetcher performs GETs for static listing pages with conditional
// requests (ETag / Last-Modified) backed by a disk cache.
//
// The cache only ever answers a 304. A network error or any other status is
// a failure even when a cached body exists, because serving a stale body
// would refresh events the source no longer lists.
type PageFetcher struct {
	client    *http.Client
	cacheDir  string
	userAgent string
}

// NewPageFetcher creates a fetcher. An empty cacheDir disables the disk
// cache.
func NewPageFetcher(cacheDir, userAgent string) *PageFetcher {
	return &PageFetcher{
		client:    &http.Client{Timeout: 30 * time.Second},
		cacheDir:  cacheDir,
		userAgent: userAgent,
	}
}

// Fetch GETs pageURL, honoring cached validators.
func (f *PageFetcher) Fetch(ctx context.Context, pageURL string) (Page, error) {
	if pageURL == "" {
		return Page{}, errors.New("page URL is empty")
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(pageURL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return Page{}, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body.html"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-AU,en;q=0.5")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("page fetch start", "url", logURL(pageURL))

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Page{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("page not modified; using cache", "url", logURL(pageURL))
		return Page{URL: pageURL, Body: cachedBody, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
		if err != nil {
			return Page{}, err
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          pageURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("page cache save failed", err, "url", logURL(pageURL))
			}
		}
		appLog.Debug("page fetch success", "url", logURL(pageURL), "status", resp.StatusCode, "bytes", len(body))
		return Page{URL: pageURL, Body: body}, nil

	default:
		return Page{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

func (f *PageFetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.html"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}
