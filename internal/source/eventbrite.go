package source

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/chromedp/chromedp"

	"eventsync/internal/datenorm"
	appLog "eventsync/internal/log"
	"eventsync/internal/model"
)

// Viewport used for the rendered Eventbrite listing.
const (
	eventbriteWidth  = 1280
	eventbriteHeight = 800
)

// eventbriteReadySelector marks that listing cards have been rendered.
const eventbriteReadySelector = `[data-testid="event-card"]`

var eventbriteIDPattern = regexp.MustCompile(`(\d+)(?:\?|$)`)

// eventbriteExtractScript runs in the page and returns raw cards. Card
// selectors are tried in order; when none matches, event links are scanned
// directly.
const eventbriteExtractScript = `(() => {
  const text = (el) => (el && el.textContent ? el.textContent.trim() : '');
  const strategies = ['[data-testid="event-card"]', '.discover-search-desktop-card', '.eds-event-card'];
  let cards = [];
  for (const sel of strategies) {
    cards = Array.from(document.querySelectorAll(sel));
    if (cards.length > 0) break;
  }
  const out = [];
  if (cards.length > 0) {
    for (const card of cards) {
      const title = card.querySelector('h2, h3, [data-testid="event-card-title"], .eds-event-card__formatted-name--is-clamped');
      const date = card.querySelector('[data-testid="event-card-date"], .eds-event-card-content__sub-title, time');
      const venue = card.querySelector('[data-testid="event-card-venue"], .card-text--truncated__one');
      const img = card.querySelector('img');
      const link = card.querySelector('a[href*="eventbrite"]');
      out.push({
        title: text(title),
        date: (date && date.getAttribute('datetime')) || text(date),
        venue: text(venue),
        image: img ? (img.src || img.getAttribute('data-src') || '') : '',
        url: link ? link.href : ''
      });
    }
    return out;
  }
  for (const a of document.querySelectorAll('a[href*="/e/"]')) {
    const t = text(a);
    if (t.length > 10 && t.length < 200) {
      out.push({ title: t, date: '', venue: '', image: '', url: a.href });
    }
  }
  return out;
})()`

// RawCard is one listing card as read from the rendered page.
type RawCard struct {
	Title string `json:"title"`
	Date  string `json:"date"`
	Venue string `json:"venue"`
	Image string `json:"image"`
	URL   string `json:"url"`
}

// Renderer loads a dynamic page and returns its raw cards.
type Renderer func(ctx context.Context, pageURL string) ([]RawCard, error)

// ChromeRenderer renders pages in headless Chromium. The readiness wait is
// bounded by readyTimeout; extraction proceeds when it expires.
func ChromeRenderer(userAgent string, readyTimeout time.Duration) Renderer {
	return func(parentCtx context.Context, pageURL string) ([]RawCard, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoSandbox,
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(userAgent),
			chromedp.WindowSize(eventbriteWidth, eventbriteHeight),
		)
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(parentCtx, opts...)
		defer cancelAlloc()

		ctx, cancel := chromedp.NewContext(allocCtx)
		defer cancel()

		var cards []RawCard
		tasks := chromedp.Tasks{
			chromedp.EmulateViewport(eventbriteWidth, eventbriteHeight),
			chromedp.Navigate(pageURL),
			waitReady(eventbriteReadySelector, readyTimeout),
			// Small extra delay to allow lazy content to paint.
			chromedp.Sleep(500 * time.Millisecond),
			chromedp.Evaluate(eventbriteExtractScript, &cards),
		}
		if err := chromedp.Run(ctx, tasks); err != nil {
			return nil, fmt.Errorf("render: chromedp run failed: %w", err)
		}
		return cards, nil
	}
}

func waitReady(selector string, d time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(waitCtx)
		if err != nil && ctx.Err() == nil {
			appLog.Warn("ready marker not visible; extracting anyway", "selector", selector, "wait", d)
			return nil
		}
		return err
	})
}

// EventbriteOptions configures the dynamic-render Eventbrite adapter.
type EventbriteOptions struct {
	URL          string
	City         string
	Timeout      time.Duration
	ReadyTimeout time.Duration
	UserAgent    string
	Normalizer   *datenorm.Normalizer
	Failures     FailureRecorder
	// Renderer overrides headless Chromium.
	Renderer Renderer
}

// Eventbrite extracts candidates from a client-rendered Eventbrite listing.
type Eventbrite struct {
	url      string
	city     string
	timeout  time.Duration
	render   Renderer
	norm     *datenorm.Normalizer
	failures FailureRecorder
}

func NewEventbrite(opts EventbriteOptions) *Eventbrite {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.Normalizer == nil {
		opts.Normalizer = datenorm.New(time.Local)
	}
	if opts.Renderer == nil {
		opts.Renderer = ChromeRenderer(opts.UserAgent, opts.ReadyTimeout)
	}
	return &Eventbrite{
		url:      opts.URL,
		city:     opts.City,
		timeout:  opts.Timeout,
		render:   opts.Renderer,
		norm:     opts.Normalizer,
		failures: recorderOrNop(opts.Failures),
	}
}

func (e *Eventbrite) Name() model.SourceName { return model.SourceEventbrite }

func (e *Eventbrite) FetchCandidates(ctx context.Context) []model.Candidate {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	appLog.Info("eventbrite render start", "url", logURL(e.url))
	cards, err := e.render(ctx, e.url)
	if err != nil {
		reason := ReasonRender
		if ctx.Err() != nil {
			reason = ReasonTimeout
		}
		e.failures.AdapterFailure(model.SourceEventbrite, reason)
		appLog.Error("eventbrite render failed", err, "url", logURL(e.url), "reason", reason)
		return nil
	}

	out := finalize(model.SourceEventbrite, e.buildCandidates(cards), e.failures)
	if len(out) == 0 {
		e.failures.AdapterFailure(model.SourceEventbrite, ReasonNoMatches)
		appLog.Warn("eventbrite produced no candidates", "url", logURL(e.url), "cards", len(cards))
	}
	appLog.Info("eventbrite render complete", "cards", len(cards), "candidates", len(out), "duration", time.Since(start))
	return out
}

func (e *Eventbrite) buildCandidates(cards []RawCard) []model.Candidate {
	base, _ := url.Parse(e.url)
	out := make([]model.Candidate, 0, len(cards))
	for _, card := range cards {
		title := collapseSpace(card.Title)
		link := resolveURL(base, card.URL)
		if title == "" || link == "" {
			e.failures.AdapterFailure(model.SourceEventbrite, ReasonItem)
			continue
		}
		venue := collapseSpace(card.Venue)

		id := ""
		if m := eventbriteIDPattern.FindStringSubmatch(link); m != nil {
			id = m[1]
		} else {
			id = HashID(model.SourceEventbrite, title, venue, link)
		}

		when, ok := e.norm.Parse(card.Date)
		out = append(out, model.Candidate{
			Title:         title,
			DateTime:      when,
			DateEstimated: !ok,
			VenueName:     venue,
			City:          e.city,
			CategoryTags:  []string{"eventbrite"},
			ImageURL:      resolveURL(base, card.Image),
			Source:        model.SourceEventbrite,
			ExternalID:    id,
			OriginalURL:   link,
		})
	}
	return out
}
