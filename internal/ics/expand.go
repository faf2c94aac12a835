package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "communitybot/internal/log"
	"communitybot/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the zone occurrences are converted into. Nil means time.Local.
	Location *time.Location

	// RangeStart / RangeEnd bound occurrence starts (inclusive).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway series. Zero means the default.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed VEVENTs into catalog events, one per occurrence that
// starts inside the configured range. It handles single events, RRULE series,
// EXDATE removals and RECURRENCE-ID overrides. Occurrence IDs are
// "<uid>@<RFC3339 start>" so each instance of a series is reminded about
// separately.
func Expand(events []VEvent, cfg ExpandConfig) ([]model.Event, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("ics: expand range end is before range start")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group series and overrides by UID.
	base := make(map[string][]VEvent)
	overrides := make(map[string][]VEvent)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := base[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		base[ev.UID] = append(base[ev.UID], ev)
	}

	out := make([]model.Event, 0)
	for _, uid := range uids {
		for _, ev := range base[uid] {
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, overrides[uid], cfg)...)
				continue
			}
			occ, truncated := expandRecurring(ev, overrides[uid], cfg)
			if truncated {
				appLog.Warn("ics expand truncated series", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

func expandSingle(ev VEvent, overrides []VEvent, cfg ExpandConfig) []model.Event {
	slot, start := ev.Start, ev.Start
	if o, ok := findOverride(overrides, slot); ok {
		ev, start = o, o.Start
	}
	if !inRange(start, cfg) {
		return nil
	}
	return []model.Event{toEvent(ev, slot, start, cfg.Location)}
}

func expandRecurring(ev VEvent, overrides []VEvent, cfg ExpandConfig) ([]model.Event, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	starts := set.Between(cfg.RangeStart.In(ev.Start.Location()), cfg.RangeEnd.In(ev.Start.Location()), true)
	truncated := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		truncated = true
	}

	out := make([]model.Event, 0, len(starts))
	seen := make(map[int64]bool, len(starts))
	for _, s := range starts {
		seen[s.Unix()] = true
		inst, at := ev, s
		if o, ok := findOverride(overrides, s); ok {
			inst, at = o, o.Start
		}
		if !inRange(at, cfg) {
			continue
		}
		out = append(out, toEvent(inst, s, at, cfg.Location))
	}

	// An override may move an instance from a slot outside the range into it.
	for _, o := range overrides {
		if o.Recurrence == nil || seen[o.Recurrence.Unix()] || !inRange(o.Start, cfg) {
			continue
		}
		out = append(out, toEvent(o, *o.Recurrence, o.Start, cfg.Location))
	}
	return out, truncated
}

// findOverride finds the override whose RECURRENCE-ID equals start.
func findOverride(overrides []VEvent, start time.Time) (VEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return VEvent{}, false
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && !t.After(cfg.RangeEnd)
}

// toEvent builds the catalog record. The ID is derived from the series slot,
// not the (possibly moved) start, so rescheduling an instance keeps its ID.
func toEvent(ev VEvent, slot, start time.Time, loc *time.Location) model.Event {
	local := start.In(loc)
	id := ev.UID + "@" + slot.UTC().Format(time.RFC3339)
	if ev.Feed.ID != "" {
		id = ev.Feed.ID + "/" + id
	}
	return model.Event{
		ID:          id,
		Title:       ev.Summary,
		Start:       local.Format(time.RFC3339),
		Location:    ev.Location,
		Link:        ev.URL,
		Description: ev.Description,
		ImageRef:    ev.Attach,
	}
}
