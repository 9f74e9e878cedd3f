package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"eventsync/internal/config"
	"eventsync/internal/ics"
	appLog "eventsync/internal/log"
	"eventsync/internal/metrics"
	"eventsync/internal/model"
	"eventsync/internal/scheduler"
	"eventsync/internal/scrape"
	"eventsync/internal/store"
)

const (
	defaultPublicLimit    = 20
	defaultDashboardLimit = 50
	maxLimit              = 200
	statsLimit            = 10

	// importedByAnonymous is recorded when basic auth is not configured.
	importedByAnonymous = "anonymous"
)

// Runs is the part of the scheduler the API drives.
type Runs interface {
	Trigger(ctx context.Context, dryRun bool) (scrape.Summary, error)
	Status() scheduler.Status
}

// Server provides the events read side, the import action, manual run
// control, ticket requests and the calendar feed.
type Server struct {
	cfg      *config.Config
	store    store.Store
	runs     Runs
	gatherer prometheus.Gatherer
	now      func() time.Time
	router   chi.Router
}

type Option func(*Server)

// WithGatherer exposes g on /metrics. Without it /metrics is not mounted.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithClock overrides the clock used for import timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer constructs a new Server. runs may be nil, in which case the
// scrape routes answer 503.
func NewServer(cfg *config.Config, st store.Store, runs Runs, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		runs:  runs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}
	r.Get("/calendar.ics", s.handleCalendar)

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.With(s.basicAuth).Get("/dashboard", s.handleDashboard)
			r.Get("/{id}", s.handleGetEvent)
			r.With(s.basicAuth).Post("/{id}/import", s.handleImport)
		})
		r.Route("/scrape", func(r chi.Router) {
			r.Use(s.basicAuth)
			r.Post("/trigger", s.handleTrigger)
			r.Get("/status", s.handleScrapeStatus)
		})
		r.Route("/ticket-requests", func(r chi.Router) {
			r.Post("/", s.handleCreateTicketRequest)
			r.Get("/stats", s.handleTicketStats)
		})
	})

	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled for dashboard, import and scrape routes")
	}
	return r
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

type ctxKeyUser struct{}

// basicAuth guards a route group. When auth is not configured the request
// passes through unauthenticated.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	if !s.basicAuthEnabled() {
		return next
	}
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="eventsync", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUser{}, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(ctxKeyUser{}).(string); ok && u != "" {
		return u
	}
	return importedByAnonymous
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type eventsResponse struct {
	Events     []model.Event `json:"events"`
	Pagination pagination    `json:"pagination"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q, page, err := s.parseEventQuery(r, defaultPublicLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Status == "" {
		q.ExcludeInactive = true
	}
	q.Sort = store.SortByDate
	s.listEvents(w, r, q, page)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	q, page, err := s.parseEventQuery(r, defaultDashboardLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Sort = store.SortByRefreshed
	s.listEvents(w, r, q, page)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, q store.Query, page int) {
	events, total, err := s.store.List(r.Context(), q)
	if err != nil {
		appLog.Error("failed to list events", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Events: events,
		Pagination: pagination{
			Page:  page,
			Limit: q.Limit,
			Total: total,
			Pages: int(math.Ceil(float64(total) / float64(q.Limit))),
		},
	})
}

// parseEventQuery reads the shared filter parameters of the list routes.
func (s *Server) parseEventQuery(r *http.Request, defLimit int) (store.Query, int, error) {
	v := r.URL.Query()

	page := parseIntDefault(v.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	limit := parseIntDefault(v.Get("limit"), defLimit)
	if limit < 1 {
		limit = defLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	q := store.Query{
		City:    strings.TrimSpace(v.Get("city")),
		Keyword: strings.TrimSpace(v.Get("keyword")),
		Offset:  (page - 1) * limit,
		Limit:   limit,
	}
	if q.City == "" && s.cfg != nil {
		q.City = s.cfg.City
	}

	if raw := v.Get("status"); raw != "" {
		st := model.Status(raw)
		if !st.Valid() {
			return store.Query{}, 0, errors.New("invalid status " + strconv.Quote(raw))
		}
		q.Status = st
	}

	var err error
	if q.From, err = parseDateParam(v.Get("startDate"), s.location()); err != nil {
		return store.Query{}, 0, errors.New("invalid startDate")
	}
	if q.To, err = parseDateParam(v.Get("endDate"), s.location()); err != nil {
		return store.Query{}, 0, errors.New("invalid endDate")
	}
	return q, page, nil
}

func (s *Server) location() *time.Location {
	if s.cfg == nil {
		return time.UTC
	}
	return s.cfg.Location()
}

// parseDateParam accepts RFC 3339 instants and plain YYYY-MM-DD dates, the
// latter taken as midnight in loc.
func parseDateParam(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type eventResponse struct {
	Event   model.Event `json:"event"`
	Message string      `json:"message,omitempty"`
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "event not found", "failed to fetch event")
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: ev})
}

type importRequest struct {
	ImportNotes string `json:"importNotes"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	id := chi.URLParam(r, "id")
	by := userFromContext(r.Context())
	ev, err := s.store.MarkImported(r.Context(), id, by, strings.TrimSpace(req.ImportNotes), s.now().UTC())
	if err != nil {
		writeStoreError(w, err, "event not found", "failed to import event")
		return
	}
	appLog.Info("event imported", "id", id, "by", by, "title", ev.Title)
	writeJSON(w, http.StatusOK, eventResponse{Event: ev, Message: "event imported"})
}

type triggerResponse struct {
	Summary scrape.Summary `json:"summary"`
	Error   string         `json:"error,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dryRun"))

	// A client disconnect must not abort a live run halfway.
	sum, err := s.runs.Trigger(context.WithoutCancel(r.Context()), dryRun)
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress), errors.Is(err, scheduler.ErrLocked):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		// The partial summary is still useful to the caller.
		writeJSON(w, http.StatusInternalServerError, triggerResponse{Summary: sum, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, triggerResponse{Summary: sum})
	}
}

func (s *Server) handleScrapeStatus(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	writeJSON(w, http.StatusOK, s.runs.Status())
}

type ticketRequestBody struct {
	Email   string `json:"email"`
	Consent *bool  `json:"consent"`
	EventID string `json:"eventId"`
}

type ticketRequestResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	RedirectURL string `json:"redirectUrl"`
}

func (s *Server) handleCreateTicketRequest(w http.ResponseWriter, r *http.Request) {
	var body ticketRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	eventID := strings.TrimSpace(body.EventID)
	if email == "" || body.Consent == nil || eventID == "" {
		writeError(w, http.StatusBadRequest, "missing required fields: email, consent, eventId")
		return
	}
	if !validEmail(email) {
		writeError(w, http.StatusBadRequest, "invalid email format")
		return
	}

	ev, err := s.store.Get(r.Context(), eventID)
	if err != nil {
		writeStoreError(w, err, "event not found", "failed to process request")
		return
	}
	tr := &model.TicketRequest{Email: email, Consent: *body.Consent, EventID: ev.ID}
	if err := s.store.CreateTicketRequest(r.Context(), tr); err != nil {
		writeStoreError(w, err, "event not found", "failed to process request")
		return
	}
	writeJSON(w, http.StatusCreated, ticketRequestResponse{
		Success:     true,
		Message:     "ticket request recorded",
		RedirectURL: ev.OriginalURL,
	})
}

// validEmail accepts a bare address with a dotted domain.
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	domain := s[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}

type statsResponse struct {
	Stats []model.TicketStat `json:"stats"`
}

func (s *Server) handleTicketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TicketStats(r.Context(), statsLimit)
	if err != nil {
		appLog.Error("failed to compute ticket stats", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch statistics")
		return
	}
	if stats == nil {
		stats = []model.TicketStat{}
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats})
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	q := store.Query{ExcludeInactive: true, Sort: store.SortByDate}
	if s.cfg != nil {
		q.City = s.cfg.City
	}
	events, _, err := s.store.List(r.Context(), q)
	if err != nil {
		appLog.Error("failed to list events for calendar", err)
		writeError(w, http.StatusInternalServerError, "failed to build calendar")
		return
	}

	name := "eventsync"
	if s.cfg != nil && s.cfg.CalendarName != "" {
		name = s.cfg.CalendarName
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := ics.WriteCalendar(w, events, ics.Options{Name: name, Now: s.now()}); err != nil {
		appLog.Error("failed to write calendar", err)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeStoreError(w http.ResponseWriter, err error, notFound, internal string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	appLog.Error(internal, err)
	writeError(w, http.StatusInternalServerError, internal)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
