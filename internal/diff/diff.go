// Package diff classifies an incoming candidate against the stored record
// sharing its natural key and derives the status to persist.
package diff

import (
	"fmt"
	"strings"
	"time"

	"eventsync/internal/model"
)

// Watched field names, in comparison order.
const (
	FieldTitle        = "title"
	FieldDateTime     = "dateTime"
	FieldVenueName    = "venueName"
	FieldVenueAddress = "venueAddress"
	FieldDescription  = "description"
	FieldImageURL     = "imageUrl"
)

// Fields lists the watched fields. Other candidate fields (city, tags, url)
// are refreshed on update but never trigger one.
var Fields = []string{
	FieldTitle,
	FieldDateTime,
	FieldVenueName,
	FieldVenueAddress,
	FieldDescription,
	FieldImageURL,
}

// FieldChange holds the stored and incoming values of a differing field.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Result is the outcome of Classify. Changes is for observability only and
// is never persisted.
type Result struct {
	IsNew     bool                   `json:"isNew"`
	IsUpdated bool                   `json:"isUpdated"`
	Changes   map[string]FieldChange `json:"changes,omitempty"`
}

// Classify compares c with existing (nil when no record has c's key).
//
// Text fields compare trimmed, with absent and empty equivalent. dateTime
// compares as an instant. A candidate whose date is only estimated carries
// no date evidence, so its dateTime is not compared.
func Classify(c model.Candidate, existing *model.Event) Result {
	if existing == nil {
		return Result{IsNew: true}
	}

	changes := make(map[string]FieldChange)

	compareText(changes, FieldTitle, existing.Title, c.Title)
	if !c.DateEstimated && !existing.DateTime.Equal(c.DateTime) {
		changes[FieldDateTime] = FieldChange{Old: formatInstant(existing.DateTime), New: formatInstant(c.DateTime)}
	}
	compareText(changes, FieldVenueName, existing.VenueName, c.VenueName)
	compareText(changes, FieldVenueAddress, existing.VenueAddress, c.VenueAddress)
	compareText(changes, FieldDescription, existing.Description, c.Description)
	compareText(changes, FieldImageURL, existing.ImageURL, c.ImageURL)

	if len(changes) == 0 {
		return Result{}
	}
	return Result{IsUpdated: true, Changes: changes}
}

func compareText(changes map[string]FieldChange, field, old, incoming string) {
	if strings.TrimSpace(old) != strings.TrimSpace(incoming) {
		changes[field] = FieldChange{Old: old, New: incoming}
	}
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Policy selects how an imported record reacts to an upstream change.
type Policy string

const (
	// PolicyStickyImported keeps status=imported when watched fields change.
	// The fields themselves are still refreshed.
	PolicyStickyImported Policy = "sticky"
	// PolicyRevertImported moves an imported record to updated on any
	// watched-field change.
	PolicyRevertImported Policy = "revert"
)

// ParsePolicy maps a config value to a Policy. Empty means sticky.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyStickyImported:
		return PolicyStickyImported, nil
	case PolicyRevertImported:
		return PolicyRevertImported, nil
	default:
		return "", fmt.Errorf("unknown imported policy %q (want %q or %q)", s, PolicyStickyImported, PolicyRevertImported)
	}
}

// DeriveStatus returns the status to persist for r given the stored status.
//
//	new                      -> new
//	updated, prev imported   -> imported (sticky) / updated (revert)
//	updated, prev other      -> updated
//	unchanged                -> prev
func DeriveStatus(r Result, prev model.Status, p Policy) model.Status {
	switch {
	case r.IsNew:
		return model.StatusNew
	case r.IsUpdated:
		if prev == model.StatusImported && p != PolicyRevertImported {
			return model.StatusImported
		}
		return model.StatusUpdated
	default:
		return prev
	}
}
