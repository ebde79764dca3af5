package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	reports "google.golang.org/api/admin/reports/v1"

	"activitysync/internal/models"
	"activitysync/internal/retry"
)

func TestMatchOccurrence(t *testing.T) {
	morning := models.CalendarEvent{ID: "m", Start: tenAM}
	afternoon := models.CalendarEvent{ID: "a", Start: tenAM.Add(4 * time.Hour)}
	candidates := []models.CalendarEvent{morning, afternoon}

	tests := []struct {
		name     string
		join     time.Time
		expected string
		ok       bool
	}{
		{name: "closest start wins", join: tenAM.Add(5 * time.Minute), expected: "m", ok: true},
		{name: "afternoon join", join: tenAM.Add(4*time.Hour - 3*time.Minute), expected: "a", ok: true},
		{name: "just inside window", join: tenAM.Add(-(2*time.Hour - time.Second)), expected: "m", ok: true},
		{name: "exactly at window is rejected", join: tenAM.Add(-2 * time.Hour), ok: false},
		{name: "three hours off is rejected", join: tenAM.Add(-3 * time.Hour), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := MatchOccurrence(candidates, tt.join, DefaultMatchWindow)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, ev.ID)
		})
	}
}

func TestMatchOccurrence_NoCandidates(t *testing.T) {
	_, ok := MatchOccurrence(nil, tenAM, DefaultMatchWindow)
	assert.False(t, ok)
}

func TestResolveAttendance(t *testing.T) {
	morning := models.CalendarEvent{ID: "series_0", CalendarID: "team@group.calendar.google.com", Start: tenAM, ConferencingCode: "abcdefghij"}
	afternoon := models.CalendarEvent{ID: "series_1", CalendarID: "team@group.calendar.google.com", Start: tenAM.Add(4 * time.Hour), ConferencingCode: "abcdefghij"}
	quiet := models.CalendarEvent{ID: "quiet", CalendarID: "team@group.calendar.google.com", Start: tenAM, ConferencingCode: "zzzyyyyxxx"}

	identifierOnly := &reports.Activity{
		Events: []*reports.ActivityEvents{{
			Name: "call_ended",
			Parameters: []*reports.ActivityEventsParameters{
				{Name: "identifier", Value: "carol@example.com"},
				{Name: "start_timestamp_seconds", IntValue: tenAM.Add(4 * time.Hour).Unix()},
				{Name: "duration_seconds", IntValue: 60},
			},
		}},
	}

	audit := &fakeAudit{pages: map[string][]*reports.Activities{
		"abcdefghij": activitiesPage(
			callEndedActivity("alice@example.com", tenAM.Add(5*time.Minute), 3300),
			callEndedActivity("Bob@Example.com", tenAM.Add(4*time.Hour+10*time.Minute), 600),
			callEndedActivity("guest@partner.org", tenAM, 600),
			callEndedActivity("dave@example.com", tenAM.Add(-3*time.Hour), 600),
			identifierOnly,
		),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Audit: audit})

	events := map[string]models.CalendarEvent{morning.ID: morning, afternoon.ID: afternoon, quiet.ID: quiet}
	got, err := s.ResolveAttendance(context.Background(), events, testWindow)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.NotNil(t, got["quiet"])
	assert.Empty(t, got["quiet"])

	require.Len(t, got["series_0"], 1)
	alice := got["series_0"][0]
	assert.Equal(t, "alice", alice.User)
	assert.Equal(t, tenAM.Add(5*time.Minute), alice.Join)
	assert.Equal(t, tenAM.Add(60*time.Minute), alice.Leave)

	var users []string
	for _, r := range got["series_1"] {
		users = append(users, r.User)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, users)

	assert.ElementsMatch(t, []string{"abcdefghij|", "zzzyyyyxxx|"}, audit.codes)
}

func TestResolveAttendance_ThreeHourOffsetYieldsNothing(t *testing.T) {
	ev := models.CalendarEvent{ID: "evt", Start: tenAM, ConferencingCode: "abcdefghij"}
	audit := &fakeAudit{pages: map[string][]*reports.Activities{
		"abcdefghij": activitiesPage(callEndedActivity("alice@example.com", tenAM.Add(3*time.Hour), 600)),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Audit: audit})

	got, err := s.ResolveAttendance(context.Background(), map[string]models.CalendarEvent{"evt": ev}, testWindow)
	require.NoError(t, err)
	assert.Empty(t, got["evt"])
}

func TestResolveAttendance_FailedCodeLeavesOthersIntact(t *testing.T) {
	ok := models.CalendarEvent{ID: "ok", Start: tenAM, ConferencingCode: "aaabbbbccc"}
	broken := models.CalendarEvent{ID: "broken", Start: tenAM, ConferencingCode: "dddeeeefff"}
	audit := &fakeAudit{
		pages: map[string][]*reports.Activities{
			"aaabbbbccc": activitiesPage(callEndedActivity("alice@example.com", tenAM, 60)),
		},
		errs: map[string]error{"dddeeeefff": retry.Permanent(errors.New("badRequest"))},
	}
	s := newTestSyncer(zerolog.Nop(), Deps{Audit: audit})

	got, err := s.ResolveAttendance(context.Background(), map[string]models.CalendarEvent{"ok": ok, "broken": broken}, testWindow)
	require.NoError(t, err)
	assert.Len(t, got["ok"], 1)
	assert.Empty(t, got["broken"])
}

func TestResolveAttendance_EventWithoutCodeIsNotQueried(t *testing.T) {
	coded := models.CalendarEvent{ID: "coded", Start: tenAM, ConferencingCode: "abcdefghij"}
	bare := models.CalendarEvent{ID: "bare", Start: tenAM}
	audit := &fakeAudit{pages: map[string][]*reports.Activities{
		"abcdefghij": activitiesPage(callEndedActivity("alice@example.com", tenAM, 60)),
	}}
	s := newTestSyncer(zerolog.Nop(), Deps{Audit: audit})

	got, err := s.ResolveAttendance(context.Background(), map[string]models.CalendarEvent{"coded": coded, "bare": bare}, testWindow)
	require.NoError(t, err)

	assert.Equal(t, []string{"abcdefghij|"}, audit.codes)
	assert.Len(t, got["coded"], 1)
	require.Contains(t, got, "bare")
	assert.Empty(t, got["bare"])
}

func TestParseActivity(t *testing.T) {
	act := callEndedActivity("alice@example.com", tenAM, 90)
	act.Events = append(act.Events, &reports.ActivityEvents{Name: "presentation_started"}, nil)

	recs := parseActivity(act)
	require.Len(t, recs, 1)
	assert.Equal(t, "alice@example.com", recs[0].Email)
	assert.Equal(t, tenAM, recs[0].Join)
	assert.Equal(t, 90*time.Second, recs[0].Duration)

	assert.Nil(t, parseActivity(nil))
}

func TestCacheEventsAttendees(t *testing.T) {
	personal := models.CalendarEvent{ID: "p1", CalendarID: "alice@example.com", Start: tenAM, ConferencingCode: "abcdefghij"}
	audit := &fakeAudit{pages: map[string][]*reports.Activities{
		"abcdefghij": activitiesPage(callEndedActivity("alice@example.com", tenAM.Add(time.Minute), 600)),
	}}
	w := &recordingWriter{}
	s := newTestSyncer(zerolog.Nop(), Deps{Audit: audit, Cache: w})

	err := s.CacheEventsAttendees(context.Background(), map[string]models.CalendarEvent{"p1": personal}, testWindow)
	require.NoError(t, err)

	require.Len(t, w.attendance, 1)
	entry := w.attendance[0]
	assert.Equal(t, "p1", entry.EventID)
	assert.Equal(t, models.PersonalAlias, entry.CalendarAlias)
	assert.Equal(t, "alice", entry.User)
	assert.Equal(t, tenAM, entry.EventStart)
	assert.Equal(t, tenAM.Add(11*time.Minute), entry.Leave)
}

func TestCacheEventsAttendees_NoEventsStillWrites(t *testing.T) {
	w := &recordingWriter{}
	s := newTestSyncer(zerolog.Nop(), Deps{Cache: w})

	err := s.CacheEventsAttendees(context.Background(), map[string]models.CalendarEvent{}, testWindow)
	require.NoError(t, err)
	assert.Equal(t, 1, w.attendanceCalls)
	assert.Empty(t, w.attendance)
}
