package model

import "time"

// Event is one catalog record as read from the external source. Start is kept
// raw so that a record with an unparseable start can still be loaded and then
// excluded at selection time.
type Event struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Start       string `json:"startInstant" yaml:"startInstant"`
	Location    string `json:"location,omitempty" yaml:"location,omitempty"`
	Link        string `json:"link,omitempty" yaml:"link,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	ImageRef    string `json:"imageRef,omitempty" yaml:"imageRef,omitempty"`
}

// ScheduledEvent is an Event whose start parsed successfully, normalized into
// the configured timezone.
type ScheduledEvent struct {
	Event
	StartAt time.Time
}

// Threshold is a reminder point relative to an event's start.
type Threshold struct {
	Label         string `json:"label" yaml:"label"`
	MinutesBefore int    `json:"minutes_before" yaml:"minutes_before"`
}
