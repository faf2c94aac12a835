package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/yaml.v3"

	"communitybot/internal/ics"
	appLog "communitybot/internal/log"
	"communitybot/internal/model"
)

// Source loads the event catalog. Implementations never fail the caller: a
// read or parse problem is logged and yields an empty (or partial) list.
type Source interface {
	Load(ctx context.Context) []model.Event
}

// document is the on-disk catalog shape.
type document struct {
	Events []model.Event `json:"events" yaml:"events"`
}

// FileSource reads a JSON or YAML catalog document on every Load, so edits
// take effect on the next tick.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Load(_ context.Context) []model.Event {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		appLog.Debug("catalog file not found", "path", s.path)
		return []model.Event{}
	}
	if err != nil {
		appLog.Error("catalog read failed", err, "path", s.path)
		return []model.Event{}
	}
	events, err := decodeDocument(s.path, data)
	if err != nil {
		appLog.Error("catalog parse failed", err, "path", s.path)
		return []model.Event{}
	}
	return withIDs(s.path, events)
}

// withIDs drops records without an id; reminders are tracked per id, so two
// anonymous events would silence each other.
func withIDs(path string, events []model.Event) []model.Event {
	out := events[:0]
	for _, ev := range events {
		if strings.TrimSpace(ev.ID) == "" {
			appLog.Warn("catalog record without id skipped", "path", path, "title", ev.Title, "start", ev.Start)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// decodeDocument accepts {"events": [...]} or a bare list.
func decodeDocument(path string, data []byte) ([]model.Event, error) {
	unmarshal := json.Unmarshal
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	}

	var doc document
	if err := unmarshal(data, &doc); err == nil {
		return orEmpty(doc.Events), nil
	}
	var list []model.Event
	if err := unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}
	return orEmpty(list), nil
}

func orEmpty(events []model.Event) []model.Event {
	if events == nil {
		return []model.Event{}
	}
	return events
}

// ICSSource builds the catalog from ICS feeds, expanding recurrences from
// now up to the horizon.
type ICSSource struct {
	fetcher *ics.Fetcher
	feeds   []ics.Feed
	clock   clock.Clock
	loc     *time.Location
	horizon time.Duration
}

func NewICSSource(fetcher *ics.Fetcher, feeds []ics.Feed, clk clock.Clock, loc *time.Location, horizon time.Duration) *ICSSource {
	if clk == nil {
		clk = clock.New()
	}
	return &ICSSource{fetcher: fetcher, feeds: feeds, clock: clk, loc: loc, horizon: horizon}
}

func (s *ICSSource) Load(ctx context.Context) []model.Event {
	results, _ := s.fetcher.FetchAll(ctx, s.feeds)

	var parsed []ics.VEvent
	for _, res := range results {
		evs, err := ics.Parse(res.Feed, res.Body, s.loc)
		if err != nil {
			appLog.Error("catalog ics parse failed", err, "id", res.Feed.ID)
			continue
		}
		parsed = append(parsed, evs...)
	}

	now := s.clock.Now().In(s.loc)
	events, err := ics.Expand(parsed, ics.ExpandConfig{
		Location:   s.loc,
		RangeStart: now,
		RangeEnd:   now.Add(s.horizon),
	})
	if err != nil {
		appLog.Error("catalog ics expand failed", err)
		return []model.Event{}
	}
	return events
}

// MultiSource concatenates several sources in order.
type MultiSource []Source

func (m MultiSource) Load(ctx context.Context) []model.Event {
	out := make([]model.Event, 0)
	for _, s := range m {
		out = append(out, s.Load(ctx)...)
	}
	return out
}

// StaticSource serves a fixed list; useful for tests and dry runs.
type StaticSource []model.Event

func (s StaticSource) Load(context.Context) []model.Event {
	return append([]model.Event(nil), s...)
}
