package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/calendar/v3"

	"activitysync/internal/cache"
	"activitysync/internal/metrics"
	"activitysync/internal/models"
	"activitysync/internal/retry"
)

// CalendarAPI is the subset of the Calendar API the syncer reads.
type CalendarAPI interface {
	ListCalendars(ctx context.Context, pageToken string) (*calendar.CalendarList, error)
	ListEvents(ctx context.Context, calendarID string, w models.Window, pageToken string) (*calendar.Events, error)
}

// AuditAPI is the subset of the Reports API the syncer reads.
type AuditAPI interface {
	ListCallEnded(ctx context.Context, code string, w models.Window, pageToken string) (*reports.Activities, error)
}

// Personnel lists the identifiers of every internal user.
type Personnel interface {
	ListIdentifiers(ctx context.Context) ([]string, error)
}

// CacheWriter persists sync results.
type CacheWriter interface {
	ReplaceCalendars(ctx context.Context, cals []models.Calendar) error
	WriteEvents(ctx context.Context, entries []cache.EventEntry) error
	WriteAttendance(ctx context.Context, entries []cache.AttendanceEntry) error
}

// StaticPersonnel is a fixed list of user identifiers.
type StaticPersonnel []string

// ListIdentifiers returns the list.
func (s StaticPersonnel) ListIdentifiers(context.Context) ([]string, error) {
	return s, nil
}

// Deps are the collaborators of a Syncer, built once at startup.
type Deps struct {
	Calendars CalendarAPI
	Audit     AuditAPI
	Personnel Personnel
	Cache     CacheWriter

	CalendarPolicy *retry.Policy
	AuditPolicy    *retry.Policy
}

// Options tune a Syncer.
type Options struct {
	Domain                 string
	ResourceCalendarSuffix string
	ThirdPartyMarkers      []string
	BatchSize              int
	AuditBatchSize         int
	AuditBatchInterval     time.Duration
	MatchWindow            time.Duration
}

// Syncer pulls calendar and Meet attendance history into the cache. It
// keeps no state between runs; concurrent runs are safe because every cache
// write is idempotent.
type Syncer struct {
	logger zerolog.Logger
	deps   Deps
	opts   Options
}

// New creates a Syncer.
func New(logger zerolog.Logger, deps Deps, opts Options) *Syncer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 10
	}
	if opts.AuditBatchSize < 1 {
		opts.AuditBatchSize = 10
	}
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = DefaultMatchWindow
	}
	return &Syncer{logger: logger, deps: deps, opts: opts}
}

// PullCalendarHistory runs the whole pipeline over w: calendar directory,
// events of directory and personal calendars, then attendance.
//
// w must already be clamped to the audit log retention (ClampToRetention);
// the pipeline does not clamp. A failure partway leaves the writes of earlier
// stages in place.
func (s *Syncer) PullCalendarHistory(ctx context.Context, w models.Window) (err error) {
	runID := uuid.NewString()
	logger := s.logger.With().Str("run_id", runID).Time("time_min", w.Start).Time("time_max", w.End).Logger()
	ctx = logger.WithContext(ctx)

	started := time.Now()
	defer func() {
		metrics.SyncRunDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.SyncRuns.WithLabelValues("failure").Inc()
			logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("Calendar history pull failed")
			return
		}
		metrics.SyncRuns.WithLabelValues("success").Inc()
		logger.Info().Dur("elapsed", time.Since(started)).Msg("Calendar history pull finished")
	}()

	logger.Info().Msg("Starting calendar history pull")

	directoryIDs, err := s.CacheCalendars(ctx)
	if err != nil {
		return err
	}

	personalIDs := s.personalCalendarIDs(ctx)
	calendarIDs := union(directoryIDs, personalIDs)
	logger.Info().Int("directory", len(directoryIDs)).Int("personal", len(personalIDs)).Int("total", len(calendarIDs)).Msg("Resolved calendars to harvest")

	events, err := s.CacheCalendarEvents(ctx, calendarIDs, w)
	if err != nil {
		return err
	}

	return s.CacheEventsAttendees(ctx, events, w)
}

// CacheCalendars replaces the cached calendar directory and returns the ids
// of the calendars written (personal and resource calendars excluded).
func (s *Syncer) CacheCalendars(ctx context.Context) ([]string, error) {
	cals := s.ListAccessibleCalendars(ctx)

	var kept []models.Calendar
	ids := make([]string, 0, len(cals))
	for _, c := range cals {
		if s.isPersonal(c.ID) || models.IsResourceCalendar(c.ID, s.opts.ResourceCalendarSuffix) {
			continue
		}
		kept = append(kept, c)
		ids = append(ids, c.ID)
	}

	if err := s.deps.Cache.ReplaceCalendars(ctx, kept); err != nil {
		return nil, err
	}
	return ids, nil
}

// CacheCalendarEvents harvests the events of calendarIDs over w and caches
// their details under the base event id. The harvested events are returned
// for attendance resolution.
func (s *Syncer) CacheCalendarEvents(ctx context.Context, calendarIDs []string, w models.Window) (map[string]models.CalendarEvent, error) {
	events, err := s.FetchEvents(ctx, calendarIDs, w)
	if err != nil {
		return nil, err
	}

	entries := make([]cache.EventEntry, 0, len(events))
	for _, id := range sortedKeys(events) {
		ev := events[id]
		entries = append(entries, cache.EventEntry{
			BaseID:     ev.BaseID(),
			CalendarID: s.calendarAlias(ev.CalendarID),
			Summary:    ev.Summary,
			Recurring:  ev.Recurring,
		})
	}

	if err := s.deps.Cache.WriteEvents(ctx, entries); err != nil {
		return nil, err
	}
	return events, nil
}

// CacheEventsAttendees resolves Meet attendance for events over w and
// caches it per event and per user.
func (s *Syncer) CacheEventsAttendees(ctx context.Context, events map[string]models.CalendarEvent, w models.Window) error {
	attendance, err := s.ResolveAttendance(ctx, events, w)
	if err != nil {
		return err
	}

	var entries []cache.AttendanceEntry
	for _, id := range sortedKeys(attendance) {
		ev, ok := events[id]
		if !ok {
			continue
		}
		for _, rec := range attendance[id] {
			if rec.User == "" {
				continue
			}
			entries = append(entries, cache.AttendanceEntry{
				EventID:       id,
				CalendarAlias: s.calendarAlias(ev.CalendarID),
				User:          rec.User,
				EventStart:    ev.Start,
				Join:          rec.Join,
				Leave:         rec.Leave,
			})
		}
	}

	return s.deps.Cache.WriteAttendance(ctx, entries)
}

// personalCalendarIDs derives every internal user's primary calendar id. A
// personnel failure degrades to no personal calendars.
func (s *Syncer) personalCalendarIDs(ctx context.Context) []string {
	if s.deps.Personnel == nil {
		return nil
	}
	users, err := s.deps.Personnel.ListIdentifiers(ctx)
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("Failed to list personnel, personal calendars will not be harvested")
		return nil
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u != "" {
			ids = append(ids, models.PersonalCalendarID(u, s.opts.Domain))
		}
	}
	return ids
}

// log returns the run logger carried by ctx, or the syncer's own logger.
func (s *Syncer) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func (s *Syncer) isPersonal(calendarID string) bool {
	return models.IsPersonalCalendar(calendarID, s.opts.Domain)
}

// calendarAlias folds personal calendars into the "personal" alias.
func (s *Syncer) calendarAlias(calendarID string) string {
	if s.isPersonal(calendarID) {
		return models.PersonalAlias
	}
	return calendarID
}

// ErrEmptyWindow is returned by ClampToRetention when nothing of the window
// is left inside the retention period.
var ErrEmptyWindow = errors.New("time window is empty after clamping to retention")

// ClampToRetention narrows w to [now-retention, now]. Callers must clamp
// before PullCalendarHistory because the audit log holds no older data.
func ClampToRetention(w models.Window, now time.Time, retention time.Duration) (models.Window, error) {
	earliest := now.Add(-retention)
	if w.Start.Before(earliest) {
		w.Start = earliest
	}
	if w.End.IsZero() || w.End.After(now) {
		w.End = now
	}
	if !w.Start.Before(w.End) {
		return w, fmt.Errorf("%w: %s - %s", ErrEmptyWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return w, nil
}

func union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, v := range l {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
