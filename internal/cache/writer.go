package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"activitysync/internal/metrics"
	"activitysync/internal/models"
)

// EventEntry is one event detail to write.
type EventEntry struct {
	BaseID     string
	CalendarID string // "personal" for personal calendars
	Summary    string
	Recurring  bool
}

// AttendanceEntry is one matched attendance interval to write.
type AttendanceEntry struct {
	EventID       string
	CalendarAlias string
	User          string
	EventStart    time.Time
	Join          time.Time
	Leave         time.Time
}

// Writer persists sync results. Each method runs as a single MULTI/EXEC
// transaction, and every write is idempotent.
type Writer struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// NewWriter creates a Writer.
func NewWriter(rdb redis.UniversalClient, logger zerolog.Logger) *Writer {
	return &Writer{rdb: rdb, logger: logger}
}

// ReplaceCalendars replaces the calendar directory hash with the personal
// alias plus cals.
func (w *Writer) ReplaceCalendars(ctx context.Context, cals []models.Calendar) error {
	fields := make([]any, 0, 2*len(cals)+2)
	fields = append(fields, models.PersonalAlias, models.PersonalDisplayName)
	for _, c := range cals {
		fields = append(fields, c.ID, c.DisplayName)
	}

	err := w.exec(ctx, "calendars", func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, CalendarsKey)
		pipe.HSet(ctx, CalendarsKey, fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache calendars: %w", err)
	}
	w.logger.Info().Int("count", len(cals)).Msg("Cached calendar directory")
	return nil
}

// WriteEvents stores event details. An empty slice still executes (as a
// no-op) so every sync run has the same shape.
func (w *Writer) WriteEvents(ctx context.Context, entries []EventEntry) error {
	err := w.exec(ctx, "events", func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			b, err := json.Marshal(EventDetail{Summary: e.Summary, CalendarID: e.CalendarID, IsRecurring: e.Recurring})
			if err != nil {
				return fmt.Errorf("marshal event %s: %w", e.BaseID, err)
			}
			pipe.Set(ctx, EventKey(e.BaseID), b, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache calendar events: %w", err)
	}
	w.logger.Info().Int("count", len(entries)).Msg("Cached calendar events")
	return nil
}

// WriteAttendance appends attendance intervals and indexes each occurrence
// under the attending user. Entries without a user are skipped.
func (w *Writer) WriteAttendance(ctx context.Context, entries []AttendanceEntry) error {
	written := 0
	err := w.exec(ctx, "attendance", func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			if e.User == "" {
				continue
			}
			b, err := json.Marshal(NewInterval(e.Join, e.Leave))
			if err != nil {
				return fmt.Errorf("marshal attendance %s/%s: %w", e.EventID, e.User, err)
			}
			pipe.SAdd(ctx, AttendanceKey(e.EventID, e.User), string(b))
			pipe.ZAdd(ctx, UserEventsKey(e.CalendarAlias, e.User), redis.Z{
				Score:  float64(e.EventStart.Unix()),
				Member: e.EventID,
			})
			written++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache event attendees: %w", err)
	}
	w.logger.Info().Int("count", written).Msg("Cached event attendees")
	return nil
}

func (w *Writer) exec(ctx context.Context, op string, fn func(redis.Pipeliner) error) error {
	metrics.CachePipelines.WithLabelValues(op).Inc()
	_, err := w.rdb.TxPipelined(ctx, fn)
	return err
}
