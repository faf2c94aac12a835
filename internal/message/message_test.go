package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"communitybot/internal/model"
)

func TestUntil(t *testing.T) {
	tests := []struct {
		minutes int
		want    string
	}{
		{1440, "1 day"},
		{120, "2 hours"},
		{1, "1 minute"},
		{45, "45 minutes"},
		{1440 + 150, "1 day 2 hours 30 minutes"},
		{10080, "7 days"},
		{0, "a moment"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Until(tt.minutes), "Until(%d)", tt.minutes)
	}
}

func TestEventRendering(t *testing.T) {
	ev := model.ScheduledEvent{
		Event: model.Event{
			ID:          "meetup",
			Title:       "Monthly meetup",
			Location:    "Town hall",
			Link:        "https://example.com",
			Description: "Bring snacks.\n",
		},
		StartAt: time.Date(2025, 2, 7, 14, 0, 0, 0, time.UTC),
	}

	out := Event(ev)
	assert.Contains(t, out, "**Monthly meetup**")
	assert.Contains(t, out, "When: Friday, 7 February 2025 14:00 UTC")
	assert.Contains(t, out, "Where: Town hall")
	assert.Contains(t, out, "Bring snacks.")
	assert.Contains(t, out, "More info: https://example.com")

	th := model.Threshold{Label: "24h", MinutesBefore: 1440}
	assert.Contains(t, ChannelReminder(ev, th), "starts in 1 day")
	assert.Contains(t, DirectReminder(ev, th), "/stop-reminding")

	bare := model.ScheduledEvent{StartAt: ev.StartAt}
	assert.Contains(t, Event(bare), "Untitled event")
	assert.NotContains(t, Event(bare), "Where:")
}

func TestCommandReplies(t *testing.T) {
	assert.NotEqual(t, OptedIn(true), OptedIn(false))
	assert.NotEqual(t, OptedOut(true), OptedOut(false))
	assert.Contains(t, Welcome("<@1>"), "<@1>")
	assert.Contains(t, Failure("save your preference"), "save your preference")
}
