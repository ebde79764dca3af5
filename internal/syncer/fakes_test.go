package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/calendar/v3"

	"activitysync/internal/cache"
	"activitysync/internal/models"
	"activitysync/internal/retry"
)

const testDomain = "example.com"

// fakeCalendars serves pages keyed "p<N>" from an in-memory calendar set.
type fakeCalendars struct {
	mu      sync.Mutex
	list    []*calendar.CalendarListEntry
	listErr error
	pages   map[string][]*calendar.Events
	errs    map[string]error
	calls   []string

	// flaky is the number of transient failures each calendar returns
	// before it starts serving pages.
	flaky map[string]int
}

func (f *fakeCalendars) ListCalendars(_ context.Context, _ string) (*calendar.CalendarList, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &calendar.CalendarList{Items: f.list}, nil
}

func (f *fakeCalendars) ListEvents(_ context.Context, calendarID string, _ models.Window, pageToken string) (*calendar.Events, error) {
	f.mu.Lock()
	f.calls = append(f.calls, calendarID+"|"+pageToken)
	if f.flaky[calendarID] > 0 {
		f.flaky[calendarID]--
		f.mu.Unlock()
		return nil, errors.New("backendError")
	}
	f.mu.Unlock()

	if err := f.errs[calendarID]; err != nil {
		return nil, err
	}
	pages := f.pages[calendarID]
	idx := pageIndex(pageToken)
	if idx >= len(pages) {
		return &calendar.Events{}, nil
	}
	page := &calendar.Events{Items: pages[idx].Items}
	if idx+1 < len(pages) {
		page.NextPageToken = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

type fakeAudit struct {
	mu    sync.Mutex
	pages map[string][]*reports.Activities
	errs  map[string]error
	codes []string
}

func (f *fakeAudit) ListCallEnded(_ context.Context, code string, _ models.Window, pageToken string) (*reports.Activities, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code+"|"+pageToken)
	f.mu.Unlock()

	if err := f.errs[code]; err != nil {
		return nil, err
	}
	pages := f.pages[code]
	idx := pageIndex(pageToken)
	if idx >= len(pages) {
		return &reports.Activities{}, nil
	}
	page := &reports.Activities{Items: pages[idx].Items}
	if idx+1 < len(pages) {
		page.NextPageToken = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

func pageIndex(token string) int {
	if token == "" {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimPrefix(token, "p"))
	return n
}

type failingPersonnel struct{ err error }

func (f failingPersonnel) ListIdentifiers(context.Context) ([]string, error) { return nil, f.err }

// recordingWriter captures cache writes instead of sending them to Redis.
type recordingWriter struct {
	calendars       []models.Calendar
	events          []cache.EventEntry
	attendance      []cache.AttendanceEntry
	eventWrites     int
	attendanceCalls int
}

func (r *recordingWriter) ReplaceCalendars(_ context.Context, cals []models.Calendar) error {
	r.calendars = cals
	return nil
}

func (r *recordingWriter) WriteEvents(_ context.Context, entries []cache.EventEntry) error {
	r.eventWrites++
	r.events = append(r.events, entries...)
	return nil
}

func (r *recordingWriter) WriteAttendance(_ context.Context, entries []cache.AttendanceEntry) error {
	r.attendanceCalls++
	r.attendance = append(r.attendance, entries...)
	return nil
}

func newTestSyncer(logger zerolog.Logger, deps Deps) *Syncer {
	policy := retry.New("test", retry.Config{Attempts: 1}, zerolog.Nop())
	if deps.CalendarPolicy == nil {
		deps.CalendarPolicy = policy
	}
	if deps.AuditPolicy == nil {
		deps.AuditPolicy = policy
	}
	if deps.Calendars == nil {
		deps.Calendars = &fakeCalendars{}
	}
	if deps.Audit == nil {
		deps.Audit = &fakeAudit{}
	}
	if deps.Cache == nil {
		deps.Cache = &recordingWriter{}
	}
	return New(logger, deps, Options{
		Domain:                 testDomain,
		ResourceCalendarSuffix: "@resource.calendar.google.com",
		ThirdPartyMarkers:      []string{"zoom.us"},
		BatchSize:              10,
		AuditBatchSize:         10,
	})
}

func meetEvent(id, summary string, start time.Time, code string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: summary,
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		ConferenceData: &calendar.ConferenceData{
			EntryPoints: []*calendar.EntryPoint{
				{EntryPointType: "video", Uri: "https://meet.google.com/" + code},
			},
		},
	}
}

func callEndedActivity(email string, join time.Time, durationSeconds int64) *reports.Activity {
	return &reports.Activity{
		Actor: &reports.ActivityActor{Email: email},
		Events: []*reports.ActivityEvents{{
			Name: "call_ended",
			Parameters: []*reports.ActivityEventsParameters{
				{Name: "start_timestamp_seconds", IntValue: join.Unix()},
				{Name: "duration_seconds", IntValue: durationSeconds},
			},
		}},
	}
}

func eventsPage(items ...*calendar.Event) []*calendar.Events {
	return []*calendar.Events{{Items: items}}
}

func activitiesPage(items ...*reports.Activity) []*reports.Activities {
	return []*reports.Activities{{Items: items}}
}
