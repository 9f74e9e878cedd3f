package postgres

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"gorm.io/gorm"

	"eventsync/internal/model"
	"eventsync/internal/store"
)

func TestDomainRoundTrip(t *testing.T) {
	at := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	by := "alice"
	ev := model.Event{
		ID: "2f1c4c1e-8f65-4d8e-9c47-1d1a4cf5b0a1",
		Candidate: model.Candidate{
			Title:         "Jazz Night",
			DateTime:      at.Add(48 * time.Hour),
			DateEstimated: true,
			VenueName:     "The Basement",
			City:          "Sydney",
			CategoryTags:  []string{"music", "jazz"},
			Source:        model.SourceEventbrite,
			ExternalID:    "123",
			OriginalURL:   "https://www.eventbrite.com.au/e/123",
		},
		LastRefreshedAt: at,
		Status:          model.StatusImported,
		ImportedAt:      &at,
		ImportedBy:      &by,
	}

	got := toDomain(fromDomain(ev))
	if !reflect.DeepEqual(got, ev) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, ev)
	}
}

func TestFromDomain_NilTagsBecomeEmpty(t *testing.T) {
	m := fromDomain(model.Event{})
	if m.CategoryTags == nil || len(m.CategoryTags) != 0 {
		t.Fatalf("expected empty non-nil tags, got %#v", m.CategoryTags)
	}
	s, err := encodeTags(nil)
	if err != nil || s != "[]" {
		t.Fatalf("encodeTags(nil) = %q, %v", s, err)
	}
}

func TestTranslate(t *testing.T) {
	if !errors.Is(translate(gorm.ErrRecordNotFound), store.ErrNotFound) {
		t.Fatal("record not found should map to store.ErrNotFound")
	}
	if !errors.Is(translate(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)), store.ErrDuplicateKey) {
		t.Fatal("duplicated key should map to store.ErrDuplicateKey")
	}
	other := errors.New("connection reset")
	if translate(other) != other {
		t.Fatal("unknown errors pass through")
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0001_events.sql", "0002_ticket_requests.sql"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("migrations = %v, want %v", names, want)
	}
}
