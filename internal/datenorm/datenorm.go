// Package datenorm turns free-text listing dates into absolute instants.
//
// Normalization is best effort and never fails: text that cannot be read
// resolves to the current instant and Parse reports ok=false so callers can
// flag the value as estimated.
package datenorm

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

// yearlessLookback bounds how far in the past a date without a year may be
// before it is moved to the following year.
const yearlessLookback = 30 * 24 * time.Hour

// machineLayouts cover <time datetime> attributes and feeds; they are read
// directly before the natural-language parser runs.
var machineLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	decorations = regexp.MustCompile(`[•·|]+`)
	spaces      = regexp.MustCompile(`\s+`)
	meridiem    = regexp.MustCompile(`(?i)(\d)\s*(am|pm)\b`)
	bareHour    = regexp.MustCompile(`(^|[^:\d])(\d{1,2})\s+(AM|PM)\b`)
	tonight     = regexp.MustCompile(`(?i)\btonight\b`)

	relativeWord = regexp.MustCompile(`(?i)\b(today|tomorrow)\b`)
	clockTime    = regexp.MustCompile(`\d{1,2}:\d{2}`)
	fourDigitYr  = regexp.MustCompile(`\b\d{4}\b`)

	monthName = `(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?`
	dayMonth  = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+` + monthName + `\b`)
	monthDay  = regexp.MustCompile(`(?i)\b` + monthName + `\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
)

// Normalizer converts raw date strings relative to a display location and
// clock. The zero value uses time.Local and time.Now.
type Normalizer struct {
	Location *time.Location
	Now      func() time.Time
}

// New returns a Normalizer for loc; nil means time.Local.
func New(loc *time.Location) *Normalizer {
	return &Normalizer{Location: loc, Now: time.Now}
}

// Normalize returns the instant described by raw, or the current instant
// when raw is empty or unreadable.
func (n *Normalizer) Normalize(raw string) time.Time {
	t, _ := n.Parse(raw)
	return t
}

// Parse is Normalize that also reports whether raw was understood.
func (n *Normalizer) Parse(raw string) (t time.Time, ok bool) {
	now := n.now()
	defer func() {
		if r := recover(); r != nil {
			t, ok = now, false
		}
	}()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now, false
	}
	if t, ok := n.direct(raw); ok {
		return t, true
	}

	text := clean(raw)
	// "Tonight" or "Tomorrow" alone names a day but no time of day.
	if relativeWord.MatchString(text) && !clockTime.MatchString(text) {
		return now, false
	}

	d, err := dps.Parse(n.config(now), text)
	if err != nil || d.IsZero() {
		return now, false
	}
	out := d.Time.In(n.loc())

	// Feb 29 in a common year must not drift to another day.
	if day, found := explicitDay(text); found && day != out.Day() {
		return now, false
	}
	if !fourDigitYr.MatchString(text) {
		out = withInferredYear(out, now)
	}
	return out, true
}

func (n *Normalizer) config(now time.Time) *dps.Configuration {
	return &dps.Configuration{
		Languages:           []string{"en"},
		DateOrder:           dps.DMY,
		CurrentTime:         now,
		DefaultTimezone:     n.loc(),
		PreferredDateSource: dps.Future,
	}
}

func (n *Normalizer) loc() *time.Location {
	if n.Location == nil {
		return time.Local
	}
	return n.Location
}

func (n *Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now().In(n.loc())
	}
	return n.Now().In(n.loc())
}

func (n *Normalizer) direct(s string) (time.Time, bool) {
	for _, layout := range machineLayouts {
		if t, err := time.ParseInLocation(layout, s, n.loc()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// withInferredYear pulls a yearless date that the parser pushed into next
// year back to this year when it lies at most yearlessLookback in the past,
// so an event that started last week is not read as eleven months away.
func withInferredYear(t, now time.Time) time.Time {
	if !t.After(now) {
		return t
	}
	prev := t.AddDate(-1, 0, 0)
	if prev.Day() != t.Day() {
		return t
	}
	if !prev.Before(now.Add(-yearlessLookback)) {
		return prev
	}
	return t
}

// explicitDay returns the day of month written next to a month name.
func explicitDay(s string) (int, bool) {
	m := monthDay.FindStringSubmatch(s)
	if m == nil {
		if m = dayMonth.FindStringSubmatch(s); m == nil {
			return 0, false
		}
		m = []string{m[0], m[2], m[1]}
	}
	day, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return day, true
}

// clean strips decorative separators, collapses whitespace and canonicalizes
// meridiem markers before the text reaches the parser.
func clean(s string) string {
	s = decorations.ReplaceAllString(s, " ")
	s = tonight.ReplaceAllString(s, "today")
	s = meridiem.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiem.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2])
	})
	s = bareHour.ReplaceAllString(s, "${1}${2}:00 $3")
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
