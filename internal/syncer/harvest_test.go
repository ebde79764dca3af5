package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"activitysync/internal/models"
	"activitysync/internal/retry"
)

var (
	testWindow = models.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	tenAM = time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
)

func TestFetchEvents_ExcludesCancelled(t *testing.T) {
	cancelled := meetEvent("gone", "Cancelled", tenAM, "abc-defg-hij")
	cancelled.Status = "cancelled"

	cals := &fakeCalendars{pages: map[string][]*calendar.Events{
		"team@group.calendar.google.com": eventsPage(
			cancelled,
			meetEvent("kept", "Standup", tenAM, "abc-defg-hij"),
		),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals})

	events, err := s.FetchEvents(context.Background(), []string{"team@group.calendar.google.com"}, testWindow)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Contains(t, events, "kept")
	assert.Equal(t, "abcdefghij", events["kept"].ConferencingCode)
	assert.Equal(t, tenAM, events["kept"].Start)
}

func TestFetchEvents_SharedCalendarWinsOverPersonal(t *testing.T) {
	tests := []struct {
		name     string
		shared   string
		expected string
	}{
		// Calendars are processed in sorted order.
		{name: "personal seen first", shared: "team@group.calendar.google.com", expected: "team@group.calendar.google.com"},
		{name: "shared seen first", shared: "a-team@group.calendar.google.com", expected: "a-team@group.calendar.google.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := meetEvent("evt1", "Planning", tenAM, "abc-defg-hij")
			cals := &fakeCalendars{pages: map[string][]*calendar.Events{
				"alice@example.com": eventsPage(ev),
				tt.shared:           eventsPage(ev),
			}}
			s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals})

			events, err := s.FetchEvents(context.Background(), []string{tt.shared, "alice@example.com"}, testWindow)
			require.NoError(t, err)

			require.Len(t, events, 1)
			assert.Equal(t, tt.expected, events["evt1"].CalendarID)
		})
	}
}

func TestFetchEvents_FirstSharedCalendarKeepsEvent(t *testing.T) {
	ev := meetEvent("evt1", "Planning", tenAM, "abc-defg-hij")
	cals := &fakeCalendars{pages: map[string][]*calendar.Events{
		"a@group.calendar.google.com": eventsPage(ev),
		"b@group.calendar.google.com": eventsPage(ev),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals})

	events, err := s.FetchEvents(context.Background(), []string{"b@group.calendar.google.com", "a@group.calendar.google.com"}, testWindow)
	require.NoError(t, err)
	assert.Equal(t, "a@group.calendar.google.com", events["evt1"].CalendarID)
}

func TestFetchEvents_ThirdPartyLogsInfoNotWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	zoom := &calendar.Event{
		Id:       "zoom1",
		Summary:  "Vendor sync",
		Location: "https://us02web.zoom.us/j/123456",
		Start:    &calendar.EventDateTime{DateTime: tenAM.Format(time.RFC3339)},
	}
	cals := &fakeCalendars{pages: map[string][]*calendar.Events{
		"team@group.calendar.google.com": eventsPage(zoom),
	}}
	s := newTestSyncer(logger, Deps{Calendars: cals})

	events, err := s.FetchEvents(context.Background(), []string{"team@group.calendar.google.com"}, testWindow)
	require.NoError(t, err)

	assert.Empty(t, events)
	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.Contains(t, buf.String(), `"reason":"third_party"`)
	assert.NotContains(t, buf.String(), `"level":"warn"`)
}

func TestFetchEvents_MissingMeetLinkLogsWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	plain := &calendar.Event{
		Id:      "plain",
		Summary: "Lunch",
		Start:   &calendar.EventDateTime{DateTime: tenAM.Format(time.RFC3339)},
	}
	cals := &fakeCalendars{pages: map[string][]*calendar.Events{
		"team@group.calendar.google.com": eventsPage(plain),
	}}
	s := newTestSyncer(logger, Deps{Calendars: cals})

	events, err := s.FetchEvents(context.Background(), []string{"team@group.calendar.google.com"}, testWindow)
	require.NoError(t, err)

	assert.Empty(t, events)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"reason":"no_meet"`)
}

func TestFetchEvents_SkipsEventsWithoutStartTime(t *testing.T) {
	allDay := meetEvent("allday", "Offsite", tenAM, "abc-defg-hij")
	allDay.Start = &calendar.EventDateTime{Date: "2024-01-05"}
	noStart := meetEvent("nostart", "Broken", tenAM, "abc-defg-hij")
	noStart.Start = nil
	badStart := meetEvent("bad", "Broken", tenAM, "abc-defg-hij")
	badStart.Start = &calendar.EventDateTime{DateTime: "tomorrow"}

	cals := &fakeCalendars{pages: map[string][]*calendar.Events{
		"team@group.calendar.google.com": eventsPage(allDay, noStart, badStart, meetEvent("ok", "Standup", tenAM, "abc-defg-hij")),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals})

	events, err := s.FetchEvents(context.Background(), []string{"team@group.calendar.google.com"}, testWindow)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, sortedKeys(events))
}

func TestFetchEvents_RecurringInstances(t *testing.T) {
	occ := meetEvent("series_20240105T100000Z", "Weekly", tenAM, "abc-defg-hij")
	occ.RecurringEventId = "series"

	cals := &fakeCalendars{pages: map[string][]*calendar.Events{
		"team@group.calendar.google.com": eventsPage(occ),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals})

	events, err := s.FetchEvents(context.Background(), []string{"team@group.calendar.google.com"}, testWindow)
	require.NoError(t, err)

	ev := events["series_20240105T100000Z"]
	assert.True(t, ev.Recurring)
	assert.Equal(t, "series", ev.BaseID())
}

func TestFetchEvents_FollowsPaginationAndIsolatesFailures(t *testing.T) {
	cals := &fakeCalendars{
		pages: map[string][]*calendar.Events{
			"team@group.calendar.google.com": {
				{Items: []*calendar.Event{meetEvent("p0", "First", tenAM, "abc-defg-hij")}},
				{Items: []*calendar.Event{meetEvent("p1", "Second", tenAM.Add(24*time.Hour), "abc-defg-hij")}},
			},
		},
		errs: map[string]error{
			"broken@group.calendar.google.com": retry.Permanent(errors.New("notFound")),
		},
	}
	s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals})

	events, err := s.FetchEvents(context.Background(), []string{"team@group.calendar.google.com", "broken@group.calendar.google.com"}, testWindow)
	require.NoError(t, err)

	assert.Equal(t, []string{"p0", "p1"}, sortedKeys(events))
	assert.Contains(t, cals.calls, "team@group.calendar.google.com|p1")
}

func TestFetchEvents_TransientFailuresAcrossAGroupAreRetried(t *testing.T) {
	cals := &fakeCalendars{
		pages: map[string][]*calendar.Events{},
		flaky: map[string]int{},
	}
	var ids []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("team-%d@group.calendar.google.com", i)
		ids = append(ids, id)
		cals.pages[id] = eventsPage(meetEvent(fmt.Sprintf("evt%d", i), "Standup", tenAM, "abc-defg-hij"))
		cals.flaky[id] = 1
	}

	policy := retry.New("calendar-flaky", retry.Config{
		Attempts:        3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BreakerFailures: 10,
		BreakerTimeout:  time.Minute,
	}, zerolog.Nop())
	s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals, CalendarPolicy: policy})

	events, err := s.FetchEvents(context.Background(), ids, testWindow)
	require.NoError(t, err)
	assert.Len(t, events, 10)
}

func TestCacheCalendarEvents_EmptyHarvestStillWrites(t *testing.T) {
	w := &recordingWriter{}
	s := newTestSyncer(zerolog.Nop(), Deps{Cache: w})

	events, err := s.CacheCalendarEvents(context.Background(), nil, testWindow)
	require.NoError(t, err)

	assert.Empty(t, events)
	assert.Equal(t, 1, w.eventWrites)
	assert.Empty(t, w.events)
}

func TestCacheCalendarEvents_PersonalAlias(t *testing.T) {
	occ := meetEvent("series_20240105T100000Z", "1:1", tenAM, "abc-defg-hij")
	occ.RecurringEventId = "series"

	w := &recordingWriter{}
	cals := &fakeCalendars{pages: map[string][]*calendar.Events{
		"alice@example.com": eventsPage(occ),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Calendars: cals, Cache: w})

	_, err := s.CacheCalendarEvents(context.Background(), []string{"alice@example.com"}, testWindow)
	require.NoError(t, err)

	require.Len(t, w.events, 1)
	assert.Equal(t, "series", w.events[0].BaseID)
	assert.Equal(t, models.PersonalAlias, w.events[0].CalendarID)
	assert.True(t, w.events[0].Recurring)
}
