package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"activitysync/internal/cache"
	"activitysync/internal/models"
	"activitysync/internal/syncer"
)

type errorResponse struct {
	Error string `json:"error"`
}

type syncResponse struct {
	Status  string `json:"status"`
	TimeMin string `json:"time_min"`
	TimeMax string `json:"time_max"`
}

type userEvent struct {
	EventID     string           `json:"event_id"`
	Start       string           `json:"start"`
	Summary     string           `json:"summary"`
	CalendarID  string           `json:"calendar_id"`
	IsRecurring bool             `json:"is_recurring"`
	Attendance  []cache.Interval `json:"attendance"`
}

type userEventsResponse struct {
	User     string      `json:"user"`
	Calendar string      `json:"calendar"`
	Events   []userEvent `json:"events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync starts a pull over the requested window, clamped to the audit
// log retention, and returns without waiting for it.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	window, err := s.parseWindow(r, "time_min", "time_max", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	window, err = syncer.ClampToRetention(window, now, s.opts.Retention)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		// The pipeline logs its own outcome.
		_ = s.syncer.PullCalendarHistory(s.runCtx, window)
	}()

	writeJSON(w, http.StatusAccepted, syncResponse{
		Status:  "accepted",
		TimeMin: window.Start.Format(time.RFC3339),
		TimeMax: window.End.Format(time.RFC3339),
	})
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.Calendars(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cals)
}

// handleUserEvents lists a user's attended occurrences on one calendar alias
// with their details and attendance intervals.
func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	alias := r.URL.Query().Get("calendar")
	if alias == "" {
		alias = models.PersonalAlias
	}

	window, err := s.parseWindow(r, "from", "to", s.now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	index, err := s.store.UserEvents(ctx, alias, user, window.Start, window.End)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	eventIDs := make([]string, 0, len(index))
	baseIDs := make([]string, 0, len(index))
	for _, e := range index {
		eventIDs = append(eventIDs, e.EventID)
		baseIDs = append(baseIDs, models.BaseEventID(e.EventID))
	}

	details, err := s.store.EventDetails(ctx, baseIDs)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	attendance, err := s.store.Attendance(ctx, user, eventIDs)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	resp := userEventsResponse{User: user, Calendar: alias, Events: make([]userEvent, 0, len(index))}
	for _, e := range index {
		d := details[models.BaseEventID(e.EventID)]
		intervals := attendance[e.EventID]
		if intervals == nil {
			intervals = []cache.Interval{}
		}
		resp.Events = append(resp.Events, userEvent{
			EventID:     e.EventID,
			Start:       e.Start.Format(time.RFC3339),
			Summary:     d.Summary,
			CalendarID:  d.CalendarID,
			IsRecurring: d.IsRecurring,
			Attendance:  intervals,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseWindow reads an RFC 3339 window from the query. A missing start
// defaults to the beginning of the retention period and a missing end to now.
func (s *Server) parseWindow(r *http.Request, startParam, endParam string, now time.Time) (models.Window, error) {
	w := models.Window{Start: now.Add(-s.opts.Retention), End: now}

	q := r.URL.Query()
	if v := q.Get(startParam); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, fmt.Errorf("invalid %s: %w", startParam, err)
		}
		w.Start = t.UTC()
	}
	if v := q.Get(endParam); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, fmt.Errorf("invalid %s: %w", endParam, err)
		}
		w.End = t.UTC()
	}
	if !w.Start.Before(w.End) {
		return w, errors.New(startParam + " must be before " + endParam)
	}
	return w, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
