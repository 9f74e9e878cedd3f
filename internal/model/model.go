package model

import (
	"errors"
	"strings"
	"time"
)

// SourceName identifies one of the fixed set of upstream listing sources.
type SourceName string

const (
	SourceEventbrite SourceName = "eventbrite"
	SourceTimeOut    SourceName = "timeout"
)

// Valid reports whether s is one of the known sources.
func (s SourceName) Valid() bool {
	switch s {
	case SourceEventbrite, SourceTimeOut:
		return true
	default:
		return false
	}
}

// Status is the persisted lifecycle state of an Event.
type Status string

const (
	StatusNew      Status = "new"
	StatusUpdated  Status = "updated"
	StatusInactive Status = "inactive"
	StatusImported Status = "imported"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusInactive, StatusImported:
		return true
	default:
		return false
	}
}

var (
	ErrMissingTitle  = errors.New("candidate has no title")
	ErrMissingURL    = errors.New("candidate has no original url")
	ErrUnknownSource = errors.New("candidate has unknown source")
)

// Key is the natural key of an event: at most one Event exists per Key.
type Key struct {
	Source     SourceName
	ExternalID string
}

func (k Key) String() string {
	return string(k.Source) + "/" + k.ExternalID
}

// Candidate is one freshly extracted listing from a single source
// observation. It is never persisted as-is.
type Candidate struct {
	Title    string    `json:"title"`
	DateTime time.Time `json:"dateTime"`
	// DateEstimated is set when the source published no usable date and
	// DateTime holds the normalizer's fallback instant.
	DateEstimated bool `json:"dateEstimated"`

	VenueName    string   `json:"venueName"`
	VenueAddress string   `json:"venueAddress"`
	City         string   `json:"city"`
	Description  string   `json:"description"`
	CategoryTags []string `json:"categoryTags"`
	ImageURL     string   `json:"imageUrl"`

	Source      SourceName `json:"sourceName"`
	ExternalID  string     `json:"sourceEventId"`
	OriginalURL string     `json:"originalEventUrl"`
}

func (c Candidate) Key() Key {
	return Key{Source: c.Source, ExternalID: c.ExternalID}
}

// Validate rejects candidates that must never reach the diff stage.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return ErrMissingTitle
	}
	if strings.TrimSpace(c.OriginalURL) == "" {
		return ErrMissingURL
	}
	if !c.Source.Valid() {
		return ErrUnknownSource
	}
	return nil
}

// Event is the durable record reconciled against candidates across runs.
type Event struct {
	ID string `json:"id"`
	Candidate

	LastRefreshedAt time.Time `json:"lastScrapedAt"`
	Status          Status    `json:"status"`

	// Owned by the import action; the ingestion pipeline never writes these.
	ImportedAt  *time.Time `json:"importedAt,omitempty"`
	ImportedBy  *string    `json:"importedBy,omitempty"`
	ImportNotes *string    `json:"importNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e Event) Key() Key {
	return e.Candidate.Key()
}

// NormalizeTags trims tags and drops empties and duplicates, keeping the
// first occurrence order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TicketRequest records a visitor's email consent before being redirected
// to the original listing.
type TicketRequest struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Consent   bool      `json:"consent"`
	EventID   string    `json:"eventId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TicketStat aggregates ticket requests per event.
type TicketStat struct {
	EventID      string `json:"eventId"`
	EventTitle   string `json:"eventTitle"`
	Count        int    `json:"count"`
	ConsentCount int    `json:"consentCount"`
}
