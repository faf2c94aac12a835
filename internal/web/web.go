// Package web serves the admin HTTP API: health, the event catalog as the
// bot sees it, opt-in management and reminder state.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"communitybot/internal/catalog"
	"communitybot/internal/config"
	appLog "communitybot/internal/log"
	"communitybot/internal/model"
	"communitybot/internal/optin"
	"communitybot/internal/reminder"
)

const (
	defaultEventsLimit = 10
	maxEventsLimit     = 100
	shutdownTimeout    = 5 * time.Second
)

// Deps are the components the API exposes.
type Deps struct {
	Catalog   catalog.Source
	Registry  optin.Registry
	Evaluator *reminder.Evaluator
	Clock     clock.Clock
	Location  *time.Location
}

// Server provides the admin API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router chi.Router
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	s := &Server{cfg: cfg, deps: deps, router: chi.NewRouter()}
	s.registerRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		appLog.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuth)
		}
		r.Get("/api/next-event", s.handleNextEvent)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/optins", s.handleListOptIns)
		r.Put("/api/optins/{userID}", s.handleOptIn)
		r.Delete("/api/optins/{userID}", s.handleOptOut)
		r.Get("/api/reminders", s.handleReminders)
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. An empty
// username or password disables it.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="communitybot", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is the JSON view of a scheduled event.
type eventDTO struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Start        string `json:"start"`
	Location     string `json:"location,omitempty"`
	Link         string `json:"link,omitempty"`
	Description  string `json:"description,omitempty"`
	ImageRef     string `json:"image_ref,omitempty"`
	MinutesUntil int    `json:"minutes_until"`
}

type nextEventResponse struct {
	Event        eventDTO `json:"event"`
	MinutesUntil int      `json:"minutes_until"`
}

type eventsResponse struct {
	Events   []eventDTO `json:"events"`
	Timezone string     `json:"timezone"`
}

func (s *Server) toDTO(ev model.ScheduledEvent, now time.Time) eventDTO {
	return eventDTO{
		ID:           ev.ID,
		Title:        ev.Title,
		Start:        ev.StartAt.In(s.deps.Location).Format(time.RFC3339),
		Location:     ev.Location,
		Link:         ev.Link,
		Description:  ev.Description,
		ImageRef:     ev.ImageRef,
		MinutesUntil: reminder.MinutesUntil(now, ev.StartAt),
	}
}

func (s *Server) now() time.Time {
	return s.deps.Clock.Now().In(s.deps.Location)
}

func (s *Server) handleNextEvent(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	next, ok := catalog.SelectNext(s.deps.Catalog.Load(r.Context()), now, s.deps.Location)
	if !ok {
		writeError(w, http.StatusNotFound, "no upcoming event")
		return
	}
	dto := s.toDTO(next, now)
	writeJSON(w, http.StatusOK, nextEventResponse{Event: dto, MinutesUntil: dto.MinutesUntil})
}

// handleEvents lists upcoming events in start order.
//
// GET /api/events?limit=10
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultEventsLimit)
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	now := s.now()
	upcoming := catalog.Upcoming(s.deps.Catalog.Load(r.Context()), now, s.deps.Location, limit)
	dtos := make([]eventDTO, 0, len(upcoming))
	for _, ev := range upcoming {
		dtos = append(dtos, s.toDTO(ev, now))
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: dtos, Timezone: s.deps.Location.String()})
}

type optInsResponse struct {
	UserIDs []string `json:"user_ids"`
}

type changedResponse struct {
	Changed bool `json:"changed"`
}

func (s *Server) handleListOptIns(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Registry.List(r.Context())
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, optInsResponse{UserIDs: ids})
}

func (s *Server) handleOptIn(w http.ResponseWriter, r *http.Request) {
	s.mutateOptIn(w, r, "opt-in", s.deps.Registry.OptIn)
}

func (s *Server) handleOptOut(w http.ResponseWriter, r *http.Request) {
	s.mutateOptIn(w, r, "opt-out", s.deps.Registry.OptOut)
}

func (s *Server) mutateOptIn(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (bool, error)) {
	userID := chi.URLParam(r, "userID")
	changed, err := fn(r.Context(), userID)
	if errors.Is(err, optin.ErrInvalidUserID) {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err != nil {
		appLog.Error("api "+action+" failed", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, action+" failed")
		return
	}
	appLog.Info("api "+action, "user_id", userID, "changed", changed)
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

type remindersResponse struct {
	Fired      int               `json:"fired"`
	Thresholds []model.Threshold `json:"thresholds"`
}

func (s *Server) handleReminders(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Evaluator == nil {
		writeError(w, http.StatusServiceUnavailable, "reminder engine not running")
		return
	}
	writeJSON(w, http.StatusOK, remindersResponse{
		Fired:      s.deps.Evaluator.Tracker().Len(),
		Thresholds: s.deps.Evaluator.Thresholds(),
	})
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
