// Package source extracts event candidates from external listing pages.
//
// Adapters never return errors. Every failure is logged, reported to the
// FailureRecorder and results in fewer (possibly zero) candidates, so one
// broken source never aborts a run.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	appLog "eventsync/internal/log"
	"eventsync/internal/model"
)

// MaxDescriptionRunes caps candidate descriptions.
const MaxDescriptionRunes = 500

// Failure reasons reported to the FailureRecorder.
const (
	ReasonTimeout   = "timeout"
	ReasonFetch     = "fetch"
	ReasonStatus    = "status"
	ReasonParse     = "parse"
	ReasonRender    = "render"
	ReasonNoMatches = "no_matches"
	ReasonItem      = "item"
)

// Adapter fetches candidates from one source.
type Adapter interface {
	Name() model.SourceName
	FetchCandidates(ctx context.Context) []model.Candidate
}

// FailureRecorder receives soft adapter failures. metrics.Metrics
// implements it.
type FailureRecorder interface {
	AdapterFailure(source model.SourceName, reason string)
}

type nopRecorder struct{}

func (nopRecorder) AdapterFailure(model.SourceName, string) {}

func recorderOrNop(r FailureRecorder) FailureRecorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

// HashID synthesizes a stable external id for listings that expose none.
// The same listing observed twice yields the same id.
func HashID(src model.SourceName, title, venue, link string) string {
	h := sha256.New()
	for _, part := range []string{string(src), strings.ToLower(collapseSpace(title)), strings.ToLower(collapseSpace(venue)), link} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "h-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// finalize validates candidates and drops repeated external ids, keeping
// the first occurrence.
func finalize(src model.SourceName, in []model.Candidate, rec FailureRecorder) []model.Candidate {
	out := make([]model.Candidate, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c.Source = src
		c.CategoryTags = model.NormalizeTags(c.CategoryTags)
		if err := c.Validate(); err != nil {
			rec.AdapterFailure(src, ReasonItem)
			appLog.Debug("candidate dropped", "source", src, "title", c.Title, "reason", err.Error())
			continue
		}
		if _, dup := seen[c.ExternalID]; dup {
			continue
		}
		seen[c.ExternalID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// failureReason classifies a fetch error for metrics.
func failureReason(ctx context.Context, err error) string {
	var se *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &se):
		return ReasonStatus
	default:
		return ReasonFetch
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// resolveURL makes href absolute against base. Unparseable input yields "".
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		if !ref.IsAbs() {
			return ""
		}
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// lastPathSegment returns the final non-empty path segment of a URL.
func lastPathSegment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	return segs[len(segs)-1]
}

// logURL strips query and fragment before a URL reaches the logs.
func logURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(invalid url)"
	}
	return u.Scheme + "://" + u.Host + u.Path
}
