package ics

import (
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"eventsync/internal/model"
)

// DefaultEventDuration is used for DTEND since listings publish start
// times only.
const DefaultEventDuration = 2 * time.Hour

// Options controls calendar-level properties of an export.
type Options struct {
	// Name is shown by calendar clients (NAME and X-WR-CALNAME).
	Name string
	// Duration of each VEVENT; zero means DefaultEventDuration.
	Duration time.Duration
	// Now stamps DTSTAMP; zero means time.Now.
	Now time.Time
}

// UID returns the stable iCalendar UID of an event.
func UID(ev model.Event) string {
	return ev.ID + "@eventsync"
}

// Build converts events into a PUBLISH calendar, one VEVENT per event.
func Build(events []model.Event, opts Options) *ical.Calendar {
	if opts.Duration <= 0 {
		opts.Duration = DefaultEventDuration
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cal := ical.NewCalendarFor("eventsync")
	cal.SetMethod(ical.MethodPublish)
	if opts.Name != "" {
		cal.SetName(opts.Name)
		cal.SetXWRCalName(opts.Name)
	}

	for _, ev := range events {
		ve := cal.AddEvent(UID(ev))
		ve.SetDtStampTime(opts.Now)
		ve.SetStartAt(ev.DateTime)
		ve.SetEndAt(ev.DateTime.Add(opts.Duration))
		ve.SetSummary(ev.Title)
		if loc := location(ev); loc != "" {
			ve.SetLocation(loc)
		}
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.OriginalURL != "" {
			ve.SetURL(ev.OriginalURL)
		}
		for _, tag := range ev.CategoryTags {
			ve.AddCategory(tag)
		}
		if !ev.UpdatedAt.IsZero() {
			ve.SetLastModifiedAt(ev.UpdatedAt)
		}
		if ev.DateEstimated {
			ve.SetStatus(ical.ObjectStatusTentative)
		} else {
			ve.SetStatus(ical.ObjectStatusConfirmed)
		}
	}
	return cal
}

// WriteCalendar serializes events as an iCalendar stream to w.
func WriteCalendar(w io.Writer, events []model.Event, opts Options) error {
	return Build(events, opts).SerializeTo(w)
}

func location(ev model.Event) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{ev.VenueName, ev.VenueAddress, ev.City} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
