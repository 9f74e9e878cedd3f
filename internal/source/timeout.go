package source

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"eventsync/internal/datenorm"
	appLog "eventsync/internal/log"
	"eventsync/internal/model"
)

// Card selectors tried in order; the first one that matches anything wins.
var timeOutCardSelectors = []string{
	`article[class*="card"]`,
	`[class*="tile_tile"]`,
	`.feature-item`,
	`[data-testid*="tile"]`,
	`.articleContent`,
}

const (
	timeOutTitleSelector    = `h2, h3, [class*="title"], [class*="heading"]`
	timeOutDescSelector     = `p, [class*="description"], [class*="summary"]`
	timeOutCategorySelector = `[class*="category"], [class*="tag"]`
	timeOutDefaultCategory  = "Things to Do"
)

// TimeOutOptions configures the static TimeOut adapter.
type TimeOutOptions struct {
	URL        string
	City       string
	Timeout    time.Duration
	Fetcher    *PageFetcher
	Normalizer *datenorm.Normalizer
	Failures   FailureRecorder
}

// TimeOut extracts candidates from a server-rendered TimeOut listing page.
type TimeOut struct {
	url      string
	city     string
	timeout  time.Duration
	fetcher  *PageFetcher
	norm     *datenorm.Normalizer
	failures FailureRecorder
}

func NewTimeOut(opts TimeOutOptions) *TimeOut {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewPageFetcher("", "")
	}
	if opts.Normalizer == nil {
		opts.Normalizer = datenorm.New(time.Local)
	}
	return &TimeOut{
		url:      opts.URL,
		city:     opts.City,
		timeout:  opts.Timeout,
		fetcher:  opts.Fetcher,
		norm:     opts.Normalizer,
		failures: recorderOrNop(opts.Failures),
	}
}

func (t *TimeOut) Name() model.SourceName { return model.SourceTimeOut }

func (t *TimeOut) FetchCandidates(ctx context.Context) []model.Candidate {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	page, err := t.fetcher.Fetch(ctx, t.url)
	if err != nil {
		reason := failureReason(ctx, err)
		t.failures.AdapterFailure(model.SourceTimeOut, reason)
		appLog.Error("timeout fetch failed", err, "url", logURL(t.url), "reason", reason)
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		t.failures.AdapterFailure(model.SourceTimeOut, ReasonParse)
		appLog.Error("timeout parse failed", err, "url", logURL(t.url))
		return nil
	}

	out := finalize(model.SourceTimeOut, t.extract(doc), t.failures)
	if len(out) == 0 {
		t.failures.AdapterFailure(model.SourceTimeOut, ReasonNoMatches)
		appLog.Warn("timeout produced no candidates", "url", logURL(t.url))
	}
	appLog.Info("timeout fetch complete", "candidates", len(out), "from_cache", page.FromCache, "duration", time.Since(start))
	return out
}

func (t *TimeOut) extract(doc *goquery.Document) []model.Candidate {
	base, _ := url.Parse(t.url)

	for _, sel := range timeOutCardSelectors {
		cards := doc.Find(sel)
		if cards.Length() == 0 {
			continue
		}
		appLog.Debug("timeout cards matched", "selector", sel, "count", cards.Length())
		out := make([]model.Candidate, 0, cards.Length())
		cards.Each(func(_ int, card *goquery.Selection) {
			if c, ok := t.fromCard(card, base); ok {
				out = append(out, c)
			}
		})
		return out
	}

	appLog.Debug("timeout no card selector matched; scanning anchors")
	return t.fromAnchors(doc, base)
}

func (t *TimeOut) fromCard(card *goquery.Selection, base *url.URL) (model.Candidate, bool) {
	title := collapseSpace(card.Find(timeOutTitleSelector).First().Text())
	if title == "" {
		t.failures.AdapterFailure(model.SourceTimeOut, ReasonItem)
		return model.Candidate{}, false
	}

	link := card.Find(`a[href*="timeout.com"]`).First()
	if link.Length() == 0 {
		link = card.Find(`a[href]`).First()
	}
	href := resolveURL(base, link.AttrOr("href", ""))

	img := card.Find("img").First()
	imgSrc := img.AttrOr("src", "")
	if imgSrc == "" {
		imgSrc = img.AttrOr("data-src", "")
	}

	category := collapseSpace(card.Find(timeOutCategorySelector).First().Text())
	if category == "" {
		category = timeOutDefaultCategory
	}

	c := model.Candidate{
		Title:        title,
		City:         t.city,
		Description:  truncateRunes(collapseSpace(card.Find(timeOutDescSelector).First().Text()), MaxDescriptionRunes),
		CategoryTags: []string{category, "things-to-do"},
		ImageURL:     resolveURL(base, imgSrc),
		Source:       model.SourceTimeOut,
	}

	if href != "" {
		c.OriginalURL = href
		c.ExternalID = lastPathSegment(href)
	} else {
		c.OriginalURL = t.url
	}
	if c.ExternalID == "" {
		c.ExternalID = HashID(model.SourceTimeOut, title, "", c.OriginalURL)
	}

	if raw, ok := card.Find("time[datetime]").First().Attr("datetime"); ok {
		c.DateTime, ok = t.norm.Parse(raw)
		c.DateEstimated = !ok
	} else {
		c.DateTime = t.norm.Normalize("")
		c.DateEstimated = true
	}
	return c, true
}

// fromAnchors is the generic fallback: links under the listing's city path
// whose text looks like a headline.
func (t *TimeOut) fromAnchors(doc *goquery.Document, base *url.URL) []model.Candidate {
	var out []model.Candidate
	doc.Find(`a[href*="` + cityPath(base) + `"]`).Each(func(_ int, a *goquery.Selection) {
		title := collapseSpace(a.Text())
		n := len([]rune(title))
		if n <= 10 || n >= 200 {
			return
		}
		href := resolveURL(base, a.AttrOr("href", ""))
		if href == "" {
			return
		}
		id := lastPathSegment(href)
		if id == "" {
			id = HashID(model.SourceTimeOut, title, "", href)
		}
		out = append(out, model.Candidate{
			Title:         title,
			DateTime:      t.norm.Normalize(""),
			DateEstimated: true,
			City:          t.city,
			CategoryTags:  []string{timeOutDefaultCategory, "things-to-do"},
			Source:        model.SourceTimeOut,
			ExternalID:    id,
			OriginalURL:   href,
		})
	})
	return out
}

// cityPath returns "/<first path segment>/" of the listing URL, e.g.
// "/sydney/".
func cityPath(base *url.URL) string {
	if base != nil {
		if seg := strings.SplitN(strings.Trim(base.Path, "/"), "/", 2)[0]; seg != "" {
			return "/" + seg + "/"
		}
	}
	return "/sydney/"
}
