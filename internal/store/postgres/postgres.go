package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"eventsync/internal/model"
	"eventsync/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store persists events and ticket requests in PostgreSQL.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

type eventModel struct {
	ID               string     `gorm:"column:id;type:uuid;primaryKey"`
	Title            string     `gorm:"column:title"`
	DateTime         time.Time  `gorm:"column:date_time"`
	DateEstimated    bool       `gorm:"column:date_estimated"`
	VenueName        string     `gorm:"column:venue_name"`
	VenueAddress     string     `gorm:"column:venue_address"`
	City             string     `gorm:"column:city"`
	Description      string     `gorm:"column:description"`
	CategoryTags     []string   `gorm:"column:category_tags;type:jsonb;serializer:json"`
	ImageURL         string     `gorm:"column:image_url"`
	SourceName       string     `gorm:"column:source_name"`
	SourceExternalID string     `gorm:"column:source_external_id"`
	OriginalURL      string     `gorm:"column:original_url"`
	LastRefreshedAt  time.Time  `gorm:"column:last_refreshed_at"`
	Status           string     `gorm:"column:status"`
	ImportedAt       *time.Time `gorm:"column:imported_at"`
	ImportedBy       *string    `gorm:"column:imported_by"`
	ImportNotes      *string    `gorm:"column:import_notes"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (eventModel) TableName() string { return "events" }

type ticketRequestModel struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey"`
	Email     string    `gorm:"column:email"`
	Consent   bool      `gorm:"column:consent"`
	EventID   string    `gorm:"column:event_id;type:uuid"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ticketRequestModel) TableName() string { return "ticket_requests" }

type ticketStatRow struct {
	EventID      string `gorm:"column:event_id"`
	EventTitle   string `gorm:"column:event_title"`
	Count        int    `gorm:"column:count"`
	ConsentCount int    `gorm:"column:consent_count"`
}

func (s *Store) FindByKey(ctx context.Context, key model.Key) (model.Event, error) {
	var m eventModel
	err := s.db.WithContext(ctx).
		Where("source_name = ? AND source_external_id = ?", string(key.Source), key.ExternalID).
		First(&m).Error
	if err != nil {
		return model.Event{}, translate(err)
	}
	return toDomain(m), nil
}

func (s *Store) Insert(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	m := fromDomain(*ev)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) UpdateObserved(ctx context.Context, id string, c model.Candidate, status model.Status, refreshedAt time.Time) error {
	tags, err := encodeTags(c.CategoryTags)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&eventModel{}).Where("id = ?", id).Updates(map[string]any{
		"title":              c.Title,
		"date_time":          c.DateTime,
		"date_estimated":     c.DateEstimated,
		"venue_name":         c.VenueName,
		"venue_address":      c.VenueAddress,
		"city":               c.City,
		"description":        c.Description,
		"category_tags":      tags,
		"image_url":          c.ImageURL,
		"source_name":        string(c.Source),
		"source_external_id": c.ExternalID,
		"original_url":       c.OriginalURL,
		"status":             string(status),
		"last_refreshed_at":  refreshedAt,
		"updated_at":         time.Now().UTC(),
	})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, refreshedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&eventModel{}).Where("id = ?", id).
		UpdateColumn("last_refreshed_at", refreshedAt)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkStale(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&eventModel{}).
		Where("last_refreshed_at < ? AND status NOT IN ?", before,
			[]string{string(model.StatusInactive), string(model.StatusImported)}).
		Updates(map[string]any{
			"status":     string(model.StatusInactive),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Event{}, store.ErrNotFound
	}
	var m eventModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return model.Event{}, translate(err)
	}
	return toDomain(m), nil
}

func (s *Store) List(ctx context.Context, q store.Query) ([]model.Event, int, error) {
	tx := s.db.WithContext(ctx).Model(&eventModel{})
	if q.ExcludeInactive {
		tx = tx.Where("status <> ?", string(model.StatusInactive))
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", string(q.Status))
	}
	if q.City != "" {
		tx = tx.Where("city ILIKE ?", "%"+q.City+"%")
	}
	if q.Keyword != "" {
		kw := "%" + q.Keyword + "%"
		tx = tx.Where("(title ILIKE ? OR venue_name ILIKE ? OR description ILIKE ?)", kw, kw, kw)
	}
	if q.From != nil {
		tx = tx.Where("date_time >= ?", *q.From)
	}
	if q.To != nil {
		tx = tx.Where("date_time <= ?", *q.To)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	order := "date_time ASC"
	if q.Sort == store.SortByRefreshed {
		order = "last_refreshed_at DESC"
	}
	tx = tx.Order(order).Offset(q.Offset)
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []eventModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, m := range rows {
		out = append(out, toDomain(m))
	}
	return out, int(total), nil
}

func (s *Store) MarkImported(ctx context.Context, id, by, notes string, at time.Time) (model.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Event{}, store.ErrNotFound
	}
	res := s.db.WithContext(ctx).Model(&eventModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":       string(model.StatusImported),
		"imported_at":  at,
		"imported_by":  by,
		"import_notes": notes,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return model.Event{}, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Event{}, store.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) CreateTicketRequest(ctx context.Context, tr *model.TicketRequest) error {
	if _, err := s.Get(ctx, tr.EventID); err != nil {
		return err
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	tr.CreatedAt = time.Now().UTC()
	m := ticketRequestModel{
		ID:        tr.ID,
		Email:     tr.Email,
		Consent:   tr.Consent,
		EventID:   tr.EventID,
		CreatedAt: tr.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) TicketStats(ctx context.Context, limit int) ([]model.TicketStat, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []ticketStatRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT t.event_id::text AS event_id,
		       e.title AS event_title,
		       COUNT(*) AS count,
		       SUM(CASE WHEN t.consent THEN 1 ELSE 0 END) AS consent_count
		FROM ticket_requests t
		JOIN events e ON e.id = t.event_id
		GROUP BY t.event_id, e.title
		ORDER BY count DESC, t.event_id
		LIMIT ?`, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ticket stats: %w", err)
	}
	out := make([]model.TicketStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TicketStat(r))
	}
	return out, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrDuplicateKey
	default:
		return err
	}
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode category tags: %w", err)
	}
	return string(b), nil
}

func toDomain(m eventModel) model.Event {
	return model.Event{
		ID: m.ID,
		Candidate: model.Candidate{
			Title:         m.Title,
			DateTime:      m.DateTime,
			DateEstimated: m.DateEstimated,
			VenueName:     m.VenueName,
			VenueAddress:  m.VenueAddress,
			City:          m.City,
			Description:   m.Description,
			CategoryTags:  m.CategoryTags,
			ImageURL:      m.ImageURL,
			Source:        model.SourceName(m.SourceName),
			ExternalID:    m.SourceExternalID,
			OriginalURL:   m.OriginalURL,
		},
		LastRefreshedAt: m.LastRefreshedAt,
		Status:          model.Status(m.Status),
		ImportedAt:      m.ImportedAt,
		ImportedBy:      m.ImportedBy,
		ImportNotes:     m.ImportNotes,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func fromDomain(ev model.Event) eventModel {
	tags := ev.CategoryTags
	if tags == nil {
		tags = []string{}
	}
	return eventModel{
		ID:               ev.ID,
		Title:            ev.Title,
		DateTime:         ev.DateTime,
		DateEstimated:    ev.DateEstimated,
		VenueName:        ev.VenueName,
		VenueAddress:     ev.VenueAddress,
		City:             ev.City,
		Description:      ev.Description,
		CategoryTags:     tags,
		ImageURL:         ev.ImageURL,
		SourceName:       string(ev.Source),
		SourceExternalID: ev.ExternalID,
		OriginalURL:      ev.OriginalURL,
		LastRefreshedAt:  ev.LastRefreshedAt,
		Status:           string(ev.Status),
		ImportedAt:       ev.ImportedAt,
		ImportedBy:       ev.ImportedBy,
		ImportNotes:      ev.ImportNotes,
		CreatedAt:        ev.CreatedAt,
		UpdatedAt:        ev.UpdatedAt,
	}
}
