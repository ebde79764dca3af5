package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	reports "google.golang.org/api/admin/reports/v1"

	"activitysync/internal/metrics"
	"activitysync/internal/models"
)

// DefaultMatchWindow bounds the distance between a join and the scheduled
// start of the occurrence it is attributed to.
const DefaultMatchWindow = 2 * time.Hour

// Meet audit parameter names.
const (
	paramIdentifier     = "identifier"
	paramStartTimestamp = "start_timestamp_seconds"
	paramDuration       = "duration_seconds"
)

// callRecord is one participant's call_ended entry.
type callRecord struct {
	Email    string
	Join     time.Time
	Duration time.Duration
}

// ResolveAttendance fetches Meet call_ended records for the conferencing
// codes of events and attributes each internal participant to the
// occurrence starting closest to the join time. Every event has an entry in
// the result, empty when nobody was matched to it.
func (s *Syncer) ResolveAttendance(ctx context.Context, events map[string]models.CalendarEvent, w models.Window) (map[string][]models.AttendanceRecord, error) {
	logger := s.log(ctx)
	out := make(map[string][]models.AttendanceRecord, len(events))

	candidates := make(map[string][]models.CalendarEvent)
	for id, ev := range events {
		out[id] = []models.AttendanceRecord{}
		if ev.ConferencingCode == "" {
			continue
		}
		candidates[ev.ConferencingCode] = append(candidates[ev.ConferencingCode], ev)
	}
	for code := range candidates {
		sortCandidates(candidates[code])
	}
	codes := sortedKeys(candidates)

	b := batcher{
		api:     "reports",
		size:    s.opts.AuditBatchSize,
		limiter: newLimiter(s.opts.AuditBatchInterval),
		policy:  s.deps.AuditPolicy,
		logger:  logger.With().Str("api", "reports").Logger(),
	}

	fetch := func(ctx context.Context, code, token string) (*reports.Activities, string, error) {
		page, err := s.deps.Audit.ListCallEnded(ctx, code, w, token)
		if err != nil {
			return nil, "", err
		}
		return page, page.NextPageToken, nil
	}

	matched := 0
	handle := func(code string, page *reports.Activities) error {
		if page == nil {
			return errors.New("empty activities page")
		}
		for _, act := range page.Items {
			for _, rec := range parseActivity(act) {
				user := models.UserFromEmail(rec.Email, s.opts.Domain)
				if user == "" {
					metrics.AttendanceDropped.WithLabelValues("external").Inc()
					continue
				}
				if rec.Join.IsZero() {
					metrics.AttendanceDropped.WithLabelValues("no_join").Inc()
					continue
				}
				ev, ok := MatchOccurrence(candidates[code], rec.Join, s.opts.MatchWindow)
				if !ok {
					metrics.AttendanceDropped.WithLabelValues("orphaned").Inc()
					logger.Debug().Str("conferencing_code", code).Str("user", user).Time("join", rec.Join).Msg("No occurrence within match window")
					continue
				}
				out[ev.ID] = append(out[ev.ID], models.AttendanceRecord{
					EventID: ev.ID,
					User:    user,
					Join:    rec.Join,
					Leave:   rec.Join.Add(rec.Duration),
				})
				matched++
			}
		}
		return nil
	}

	if err := runPaged(ctx, b, codes, fetch, handle); err != nil {
		return nil, err
	}

	metrics.AttendanceMatched.Add(float64(matched))
	logger.Info().Int("codes", len(codes)).Int("records", matched).Msg("Resolved meet attendance")
	return out, nil
}

// MatchOccurrence picks the candidate whose start is closest to join, if
// that distance is strictly below window. Ties go to the earlier candidate
// in the given order.
func MatchOccurrence(candidates []models.CalendarEvent, join time.Time, window time.Duration) (models.CalendarEvent, bool) {
	var best models.CalendarEvent
	bestDiff := time.Duration(-1)
	for _, c := range candidates {
		diff := c.Start.Sub(join)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = c, diff
		}
	}
	if bestDiff < 0 || bestDiff >= window {
		return models.CalendarEvent{}, false
	}
	return best, true
}

// parseActivity extracts the call_ended records of one audit activity. The
// participant is the actor, or the "identifier" parameter when the actor is
// missing.
func parseActivity(act *reports.Activity) []callRecord {
	if act == nil {
		return nil
	}
	actorEmail := ""
	if act.Actor != nil {
		actorEmail = act.Actor.Email
	}

	var out []callRecord
	for _, ev := range act.Events {
		if ev == nil || ev.Name != callEnded {
			continue
		}
		rec := callRecord{Email: actorEmail}
		for _, p := range ev.Parameters {
			if p == nil {
				continue
			}
			switch p.Name {
			case paramIdentifier:
				if rec.Email == "" {
					rec.Email = p.Value
				}
			case paramStartTimestamp:
				if p.IntValue > 0 {
					rec.Join = time.Unix(p.IntValue, 0).UTC()
				}
			case paramDuration:
				if p.IntValue > 0 {
					rec.Duration = time.Duration(p.IntValue) * time.Second
				}
			}
		}
		out = append(out, rec)
	}
	return out
}

const callEnded = "call_ended"

func sortCandidates(evs []models.CalendarEvent) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Start.Equal(evs[j].Start) {
			return evs[i].Start.Before(evs[j].Start)
		}
		return evs[i].ID < evs[j].ID
	})
}
