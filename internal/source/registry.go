package source

import (
	"fmt"

	"eventsync/internal/config"
	"eventsync/internal/datenorm"
	appLog "eventsync/internal/log"
)

// Deps are the shared collaborators handed to every adapter.
type Deps struct {
	Fetcher    *PageFetcher
	Normalizer *datenorm.Normalizer
	Failures   FailureRecorder
	// Renderer replaces headless Chromium for dynamic sources when set.
	Renderer Renderer
}

// NewFromConfig builds adapters for the enabled sources in cfg, in config
// order.
func NewFromConfig(cfg *config.Config, deps Deps) ([]Adapter, error) {
	if deps.Fetcher == nil {
		deps.Fetcher = NewPageFetcher(cfg.CacheDir, cfg.UserAgent)
	}
	if deps.Normalizer == nil {
		deps.Normalizer = datenorm.New(cfg.Location())
	}

	adapters := make([]Adapter, 0, len(cfg.Sources))
	seen := make(map[string]bool)
	for i, sc := range cfg.Sources {
		if sc.Disabled {
			appLog.Info("source disabled", "type", sc.Type, "url", logURL(sc.URL))
			continue
		}
		if seen[sc.Type] {
			return nil, fmt.Errorf("sources[%d]: %s configured more than once", i, sc.Type)
		}
		seen[sc.Type] = true

		switch sc.Type {
		case config.SourceTypeEventbrite:
			adapters = append(adapters, NewEventbrite(EventbriteOptions{
				URL:          sc.URL,
				City:         cfg.City,
				Timeout:      sc.Timeout,
				ReadyTimeout: sc.ReadyTimeout,
				UserAgent:    cfg.UserAgent,
				Normalizer:   deps.Normalizer,
				Failures:     deps.Failures,
				Renderer:     deps.Renderer,
			}))
		case config.SourceTypeTimeOut:
			adapters = append(adapters, NewTimeOut(TimeOutOptions{
				URL:        sc.URL,
				City:       cfg.City,
				Timeout:    sc.Timeout,
				Fetcher:    deps.Fetcher,
				Normalizer: deps.Normalizer,
				Failures:   deps.Failures,
			}))
		default:
			return nil, fmt.Errorf("sources[%d]: unknown type %q", i, sc.Type)
		}
	}
	return adapters, nil
}
