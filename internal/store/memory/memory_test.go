package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventsync/internal/model"
	"eventsync/internal/store"
)

func newEvent(id string, status model.Status, refreshed time.Time) *model.Event {
	return &model.Event{
		Candidate: model.Candidate{
			Title:        "Event " + id,
			DateTime:     refreshed.Add(48 * time.Hour),
			City:         "Sydney",
			CategoryTags: []string{"music"},
			Source:       model.SourceTimeOut,
			ExternalID:   id,
			OriginalURL:  "https://www.timeout.com/sydney/" + id,
		},
		Status:          status,
		LastRefreshedAt: refreshed,
	}
}

func TestInsertAndFindByKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	ev := newEvent("a", model.StatusNew, time.Now())

	if err := s.Insert(ctx, ev); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if ev.ID == "" {
		t.Fatal("insert should assign an id")
	}

	got, err := s.FindByKey(ctx, model.Key{Source: model.SourceTimeOut, ExternalID: "a"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if got.ID != ev.ID || got.Title != "Event a" {
		t.Fatalf("unexpected event: %+v", got)
	}

	_, err = s.FindByKey(ctx, model.Key{Source: model.SourceEventbrite, ExternalID: "a"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("natural key is source-scoped, expected ErrNotFound, got %v", err)
	}
}

func TestInsert_DuplicateKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if err := s.Insert(ctx, newEvent("a", model.StatusNew, time.Now())); err != nil {
		t.Fatal(err)
	}
	err := s.Insert(ctx, newEvent("a", model.StatusNew, time.Now()))
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestUpdateObserved_LeavesImportFields(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	ev := newEvent("a", model.StatusNew, time.Now())
	if err := s.Insert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	at := time.Now()
	if _, err := s.MarkImported(ctx, ev.ID, "alice", "curated", at); err != nil {
		t.Fatal(err)
	}

	c := ev.Candidate
	c.Description = "new copy"
	refreshed := at.Add(time.Hour)
	if err := s.UpdateObserved(ctx, ev.ID, c, model.StatusImported, refreshed); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ := s.Get(ctx, ev.ID)
	if got.Description != "new copy" || !got.LastRefreshedAt.Equal(refreshed) {
		t.Fatalf("candidate fields not refreshed: %+v", got)
	}
	if got.ImportedBy == nil || *got.ImportedBy != "alice" || got.ImportNotes == nil || *got.ImportNotes != "curated" {
		t.Fatalf("import fields must survive updates: %+v", got)
	}
}

func TestTouch_OnlyRefreshTime(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	ev := newEvent("a", model.StatusUpdated, time.Now().Add(-time.Hour))
	if err := s.Insert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := s.Touch(ctx, ev.ID, now); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, ev.ID)
	if !got.LastRefreshedAt.Equal(now) || got.Status != model.StatusUpdated {
		t.Fatalf("unexpected after touch: %+v", got)
	}
	if err := s.Touch(ctx, "missing", now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkStale(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	stale := newEvent("stale", model.StatusNew, now.Add(-8*24*time.Hour))
	imported := newEvent("imported", model.StatusImported, now.Add(-30*24*time.Hour))
	already := newEvent("inactive", model.StatusInactive, now.Add(-30*24*time.Hour))
	fresh := newEvent("fresh", model.StatusUpdated, now.Add(-time.Hour))
	for _, ev := range []*model.Event{stale, imported, already, fresh} {
		if err := s.Insert(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.MarkStale(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale event, got %d", n)
	}

	want := map[string]model.Status{
		stale.ID:    model.StatusInactive,
		imported.ID: model.StatusImported,
		already.ID:  model.StatusInactive,
		fresh.ID:    model.StatusUpdated,
	}
	for id, status := range want {
		got, _ := s.Get(ctx, id)
		if got.Status != status {
			t.Errorf("event %s: status %q, want %q", got.ExternalID, got.Status, status)
		}
	}
}

func TestList_FiltersAndPaging(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"c", "a", "b"} {
		ev := newEvent(id, model.StatusNew, now)
		ev.DateTime = now.Add(time.Duration(i+1) * time.Hour)
		if id == "b" {
			ev.Status = model.StatusInactive
		}
		if id == "a" {
			ev.Title = "Harbour Jazz"
		}
		if err := s.Insert(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, total, err := s.List(ctx, store.Query{ExcludeInactive: true})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(got) != 2 || got[0].ExternalID != "c" || got[1].ExternalID != "a" {
		t.Fatalf("unexpected list: total=%d %+v", total, got)
	}

	got, total, _ = s.List(ctx, store.Query{Keyword: "jazz"})
	if total != 1 || got[0].ExternalID != "a" {
		t.Fatalf("keyword filter failed: %+v", got)
	}

	got, total, _ = s.List(ctx, store.Query{Offset: 1, Limit: 1})
	if total != 3 || len(got) != 1 || got[0].ExternalID != "a" {
		t.Fatalf("paging failed: total=%d %+v", total, got)
	}

	got, _, _ = s.List(ctx, store.Query{Offset: 10})
	if len(got) != 0 {
		t.Fatalf("offset past end should be empty, got %d", len(got))
	}
}

func TestTicketRequestsAndStats(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	a := newEvent("a", model.StatusNew, time.Now())
	b := newEvent("b", model.StatusNew, time.Now())
	_ = s.Insert(ctx, a)
	_ = s.Insert(ctx, b)

	for _, tr := range []model.TicketRequest{
		{Email: "x@example.com", Consent: true, EventID: b.ID},
		{Email: "y@example.com", Consent: false, EventID: b.ID},
		{Email: "z@example.com", Consent: true, EventID: a.ID},
	} {
		tr := tr
		if err := s.CreateTicketRequest(ctx, &tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateTicketRequest(ctx, &model.TicketRequest{EventID: "nope"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown event, got %v", err)
	}

	stats, err := s.TicketStats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].EventID != b.ID || stats[0].Count != 2 || stats[0].ConsentCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats[0].EventTitle != "Event b" {
		t.Fatalf("stats should carry the event title, got %q", stats[0].EventTitle)
	}
}
