package catalog

import (
	"errors"
	"sort"
	"strings"
	"time"

	"communitybot/internal/model"
)

// ErrUnparseableStart marks an event whose start cannot be read. Such events
// are excluded from scheduling, never fatal.
var ErrUnparseableStart = errors.New("catalog: unparseable start instant")

// zonedLayouts carry an explicit offset or Z, with or without seconds.
var zonedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z0700",
}

// localLayouts are accepted for starts without an explicit zone; they are
// interpreted in the configured location.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseStart parses an ISO-8601 start. An explicit offset is honored; a
// missing one means loc. The result is always expressed in loc.
func ParseStart(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrUnparseableStart
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrUnparseableStart
}

// Upcoming returns the events starting strictly after now, ascending by start.
// Events with an unparseable start are dropped. Equal starts keep catalog
// order. limit <= 0 means no limit.
func Upcoming(events []model.Event, now time.Time, loc *time.Location, limit int) []model.ScheduledEvent {
	out := make([]model.ScheduledEvent, 0, len(events))
	for _, ev := range events {
		start, err := ParseStart(ev.Start, loc)
		if err != nil || !start.After(now) {
			continue
		}
		out = append(out, model.ScheduledEvent{Event: ev, StartAt: start})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartAt.Before(out[j].StartAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SelectNext returns the soonest event starting strictly after now.
func SelectNext(events []model.Event, now time.Time, loc *time.Location) (model.ScheduledEvent, bool) {
	next := Upcoming(events, now, loc, 1)
	if len(next) == 0 {
		return model.ScheduledEvent{}, false
	}
	return next[0], true
}
