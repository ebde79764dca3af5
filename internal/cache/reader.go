package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// IndexEntry is one member of a user's event index.
type IndexEntry struct {
	EventID string
	Start   time.Time
}

// Reader serves cached data to the HTTP API.
type Reader struct {
	rdb redis.UniversalClient
}

// NewReader creates a Reader.
func NewReader(rdb redis.UniversalClient) *Reader {
	return &Reader{rdb: rdb}
}

// Calendars returns the calendar directory.
func (r *Reader) Calendars(ctx context.Context) (map[string]string, error) {
	var cmd *redis.MapStringStringCmd
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cmd = pipe.HGetAll(ctx, CalendarsKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read calendars: %w", err)
	}
	return cmd.Val(), nil
}

// UserEvents returns the user's indexed occurrences on a calendar alias with
// start in [from, to), ordered by start.
func (r *Reader) UserEvents(ctx context.Context, calendarAlias, user string, from, to time.Time) ([]IndexEntry, error) {
	zs, err := r.rdb.ZRangeByScoreWithScores(ctx, UserEventsKey(calendarAlias, user), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: "(" + strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read user events: %w", err)
	}

	out := make([]IndexEntry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, IndexEntry{EventID: id, Start: time.Unix(int64(z.Score), 0).UTC()})
	}
	return out, nil
}

// EventDetails returns details for the given base event ids. Missing keys
// are absent from the result.
func (r *Reader) EventDetails(ctx context.Context, baseIDs []string) (map[string]EventDetail, error) {
	cmds := make(map[string]*redis.StringCmd, len(baseIDs))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range baseIDs {
			cmds[id] = pipe.Get(ctx, EventKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read event details: %w", err)
	}

	out := make(map[string]EventDetail, len(cmds))
	for id, cmd := range cmds {
		b, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read event %s: %w", id, err)
		}
		var d EventDetail
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", id, err)
		}
		out[id] = d
	}
	return out, nil
}

// Attendance returns a user's intervals for each of the given occurrences.
func (r *Reader) Attendance(ctx context.Context, user string, eventIDs []string) (map[string][]Interval, error) {
	cmds := make(map[string]*redis.StringSliceCmd, len(eventIDs))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range eventIDs {
			cmds[id] = pipe.SMembers(ctx, AttendanceKey(id, user))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read attendance: %w", err)
	}

	out := make(map[string][]Interval, len(cmds))
	for id, cmd := range cmds {
		for _, m := range cmd.Val() {
			var iv Interval
			if err := json.Unmarshal([]byte(m), &iv); err != nil {
				return nil, fmt.Errorf("decode attendance %s: %w", id, err)
			}
			out[id] = append(out[id], iv)
		}
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].JoinTime < out[id][j].JoinTime })
	}
	return out, nil
}
