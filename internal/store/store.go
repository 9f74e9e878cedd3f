// Package store defines the persistence contract shared by the ingestion
// pipeline and the HTTP read side.
package store

import (
	"context"
	"errors"
	"time"

	"eventsync/internal/model"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrDuplicateKey = errors.New("store: duplicate natural key")
)

// Store is implemented by store/memory and store/postgres.
type Store interface {
	// FindByKey returns the event with the given natural key or ErrNotFound.
	FindByKey(ctx context.Context, key model.Key) (model.Event, error)
	// Insert assigns ev.ID (and timestamps) and stores it. A second event
	// with the same natural key fails with ErrDuplicateKey.
	Insert(ctx context.Context, ev *model.Event) error
	// UpdateObserved overwrites the candidate fields of event id together
	// with status and lastRefreshedAt. Import fields are left untouched.
	UpdateObserved(ctx context.Context, id string, c model.Candidate, status model.Status, refreshedAt time.Time) error
	// Touch only advances lastRefreshedAt.
	Touch(ctx context.Context, id string, refreshedAt time.Time) error
	// MarkStale sets status=inactive on every event refreshed before the
	// cutoff whose status is not inactive or imported, and returns how many
	// changed.
	MarkStale(ctx context.Context, before time.Time) (int64, error)

	Get(ctx context.Context, id string) (model.Event, error)
	List(ctx context.Context, q Query) ([]model.Event, int, error)
	// MarkImported is the import action: the only writer of status=imported
	// and the import fields.
	MarkImported(ctx context.Context, id, by, notes string, at time.Time) (model.Event, error)

	CreateTicketRequest(ctx context.Context, tr *model.TicketRequest) error
	TicketStats(ctx context.Context, limit int) ([]model.TicketStat, error)
}

// Sort orders List results.
type Sort string

const (
	SortByDate      Sort = "date"
	SortByRefreshed Sort = "refreshed"
)

// Query filters List. Zero values mean "no filter".
type Query struct {
	City            string
	Keyword         string
	From            *time.Time
	To              *time.Time
	Status          model.Status
	ExcludeInactive bool
	Sort            Sort
	Offset          int
	Limit           int
}
