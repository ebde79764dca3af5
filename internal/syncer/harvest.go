package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	"google.golang.org/api/calendar/v3"

	"activitysync/internal/metrics"
	"activitysync/internal/models"
)

// Reasons an event is dropped while harvesting.
const (
	skipCancelled  = "cancelled"
	skipThirdParty = "third_party"
	skipNoMeet     = "no_meet"
	skipNoStart    = "no_start"
)

// FetchEvents harvests every Meet-conferenced occurrence of calendarIDs
// within w, keyed by occurrence id. When an occurrence is visible through
// several calendars, a shared calendar wins over a personal one.
func (s *Syncer) FetchEvents(ctx context.Context, calendarIDs []string, w models.Window) (map[string]models.CalendarEvent, error) {
	ids := append([]string(nil), calendarIDs...)
	sort.Strings(ids)

	logger := s.log(ctx)
	events := make(map[string]models.CalendarEvent)

	b := batcher{
		api:    "calendar",
		size:   s.opts.BatchSize,
		policy: s.deps.CalendarPolicy,
		logger: logger.With().Str("api", "calendar").Logger(),
	}

	fetch := func(ctx context.Context, calendarID, token string) (*calendar.Events, string, error) {
		page, err := s.deps.Calendars.ListEvents(ctx, calendarID, w, token)
		if err != nil {
			return nil, "", err
		}
		return page, page.NextPageToken, nil
	}

	handle := func(calendarID string, page *calendar.Events) error {
		if page == nil {
			return errors.New("empty events page")
		}
		for _, item := range page.Items {
			ev, reason := s.parseEvent(item, calendarID)
			if reason != "" {
				metrics.EventsSkipped.WithLabelValues(reason).Inc()
				s.logSkip(ctx, item, calendarID, reason)
				continue
			}
			s.addEvent(events, ev)
		}
		return nil
	}

	if err := runPaged(ctx, b, ids, fetch, handle); err != nil {
		return nil, err
	}

	metrics.EventsHarvested.Add(float64(len(events)))
	logger.Info().Int("calendars", len(ids)).Int("events", len(events)).Msg("Harvested calendar events")
	return events, nil
}

// parseEvent converts an API event into a CalendarEvent, or returns the
// reason it must be skipped.
func (s *Syncer) parseEvent(item *calendar.Event, calendarID string) (models.CalendarEvent, string) {
	if item == nil || item.Id == "" {
		return models.CalendarEvent{}, skipNoStart
	}
	if item.Status == "cancelled" {
		return models.CalendarEvent{}, skipCancelled
	}

	code, kind := ExtractConferencingCode(item, s.opts.ThirdPartyMarkers)
	switch kind {
	case ConferencingThirdParty:
		return models.CalendarEvent{}, skipThirdParty
	case ConferencingNone:
		return models.CalendarEvent{}, skipNoMeet
	}

	// All-day events only carry a date and have no concrete start.
	if item.Start == nil || item.Start.DateTime == "" {
		return models.CalendarEvent{}, skipNoStart
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return models.CalendarEvent{}, skipNoStart
	}

	return models.CalendarEvent{
		ID:               item.Id,
		CalendarID:       calendarID,
		Summary:          item.Summary,
		Start:            start.UTC(),
		Recurring:        item.RecurringEventId != "",
		ConferencingCode: code,
	}, ""
}

func (s *Syncer) logSkip(ctx context.Context, item *calendar.Event, calendarID, reason string) {
	logger := s.log(ctx)
	var e = logger.Debug()
	switch reason {
	case skipThirdParty:
		e = logger.Info()
	case skipNoMeet:
		e = logger.Warn()
	}
	id, summary := "", ""
	if item != nil {
		id, summary = item.Id, item.Summary
	}
	e.Str("calendar_id", calendarID).Str("event_id", id).Str("summary", summary).Str("reason", reason).Msg("Skipping event")
}

// addEvent applies the ownership rule: the first calendar an occurrence is
// seen through keeps it, except that a shared calendar replaces a personal
// one.
func (s *Syncer) addEvent(events map[string]models.CalendarEvent, ev models.CalendarEvent) {
	existing, ok := events[ev.ID]
	if ok && !(s.isPersonal(existing.CalendarID) && !s.isPersonal(ev.CalendarID)) {
		return
	}
	events[ev.ID] = ev
}
