package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventsync/internal/model"
	"eventsync/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps events and ticket requests in process memory. It backs
// development runs without a database and the package tests.
type Store struct {
	mu      sync.RWMutex
	now     func() time.Time
	events  map[string]model.Event
	byKey   map[model.Key]string
	tickets []model.TicketRequest
}

func NewStore() *Store {
	return &Store{
		now:    time.Now,
		events: make(map[string]model.Event),
		byKey:  make(map[model.Key]string),
	}
}

func (s *Store) FindByKey(_ context.Context, key model.Key) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return model.Event{}, store.ErrNotFound
	}
	return clone(s.events[id]), nil
}

func (s *Store) Insert(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.Key()
	if _, ok := s.byKey[key]; ok {
		return store.ErrDuplicateKey
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := s.now()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	s.events[ev.ID] = clone(*ev)
	s.byKey[key] = ev.ID
	return nil
}

func (s *Store) UpdateObserved(_ context.Context, id string, c model.Candidate, status model.Status, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	oldKey := ev.Key()
	ev.Candidate = c
	ev.CategoryTags = append([]string(nil), c.CategoryTags...)
	ev.Status = status
	ev.LastRefreshedAt = refreshedAt
	ev.UpdatedAt = s.now()
	if newKey := ev.Key(); newKey != oldKey {
		if other, taken := s.byKey[newKey]; taken && other != id {
			return store.ErrDuplicateKey
		}
		delete(s.byKey, oldKey)
		s.byKey[newKey] = id
	}
	s.events[id] = ev
	return nil
}

func (s *Store) Touch(_ context.Context, id string, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.LastRefreshedAt = refreshedAt
	s.events[id] = ev
	return nil
}

func (s *Store) MarkStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for id, ev := range s.events {
		if !ev.LastRefreshedAt.Before(before) {
			continue
		}
		if ev.Status == model.StatusInactive || ev.Status == model.StatusImported {
			continue
		}
		ev.Status = model.StatusInactive
		ev.UpdatedAt = now
		s.events[id] = ev
		n++
	}
	return n, nil
}

func (s *Store) Get(_ context.Context, id string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return model.Event{}, store.ErrNotFound
	}
	return clone(ev), nil
}

func (s *Store) List(_ context.Context, q store.Query) ([]model.Event, int, error) {
	s.mu.RLock()
	matched := make([]model.Event, 0, len(s.events))
	for _, ev := range s.events {
		if matches(ev, q) {
			matched = append(matched, clone(ev))
		}
	}
	s.mu.RUnlock()

	switch q.Sort {
	case store.SortByRefreshed:
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].LastRefreshedAt.After(matched[j].LastRefreshedAt)
		})
	default:
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].DateTime.Before(matched[j].DateTime)
		})
	}

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < total {
		end = start + q.Limit
	}
	return matched[start:end], total, nil
}

func (s *Store) MarkImported(_ context.Context, id, by, notes string, at time.Time) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return model.Event{}, store.ErrNotFound
	}
	ev.Status = model.StatusImported
	ev.ImportedAt = &at
	ev.ImportedBy = &by
	ev.ImportNotes = &notes
	ev.UpdatedAt = s.now()
	s.events[id] = ev
	return clone(ev), nil
}

func (s *Store) CreateTicketRequest(_ context.Context, tr *model.TicketRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[tr.EventID]; !ok {
		return store.ErrNotFound
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	tr.CreatedAt = s.now()
	s.tickets = append(s.tickets, *tr)
	return nil
}

func (s *Store) TicketStats(_ context.Context, limit int) ([]model.TicketStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byEvent := make(map[string]*model.TicketStat)
	for _, tr := range s.tickets {
		st, ok := byEvent[tr.EventID]
		if !ok {
			ev, exists := s.events[tr.EventID]
			if !exists {
				continue
			}
			st = &model.TicketStat{EventID: tr.EventID, EventTitle: ev.Title}
			byEvent[tr.EventID] = st
		}
		st.Count++
		if tr.Consent {
			st.ConsentCount++
		}
	}
	out := make([]model.TicketStat, 0, len(byEvent))
	for _, st := range byEvent {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(ev model.Event, q store.Query) bool {
	if q.ExcludeInactive && ev.Status == model.StatusInactive {
		return false
	}
	if q.Status != "" && ev.Status != q.Status {
		return false
	}
	if q.City != "" && !containsFold(ev.City, q.City) {
		return false
	}
	if q.Keyword != "" &&
		!containsFold(ev.Title, q.Keyword) &&
		!containsFold(ev.VenueName, q.Keyword) &&
		!containsFold(ev.Description, q.Keyword) {
		return false
	}
	if q.From != nil && ev.DateTime.Before(*q.From) {
		return false
	}
	if q.To != nil && ev.DateTime.After(*q.To) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// clone copies the slice and pointer fields so callers never alias stored
// state.
func clone(ev model.Event) model.Event {
	ev.CategoryTags = append([]string(nil), ev.CategoryTags...)
	if ev.ImportedAt != nil {
		t := *ev.ImportedAt
		ev.ImportedAt = &t
	}
	if ev.ImportedBy != nil {
		s := *ev.ImportedBy
		ev.ImportedBy = &s
	}
	if ev.ImportNotes != nil {
		s := *ev.ImportNotes
		ev.ImportNotes = &s
	}
	return ev
}
