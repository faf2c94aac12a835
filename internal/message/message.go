// Package message renders the text the bot posts.
package message

import (
	"fmt"
	"strings"
	"time"

	"communitybot/internal/model"
)

const startLayout = "Monday, 2 January 2006 15:04 MST"

// Event renders a full event description, used by the next-event command.
func Event(ev model.ScheduledEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", title(ev))
	fmt.Fprintf(&b, "When: %s\n", ev.StartAt.Format(startLayout))
	if ev.Location != "" {
		fmt.Fprintf(&b, "Where: %s\n", ev.Location)
	}
	if ev.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(ev.Description))
	}
	if ev.Link != "" {
		fmt.Fprintf(&b, "\nMore info: %s\n", ev.Link)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NoEvent is the reply when nothing is scheduled.
func NoEvent() string {
	return "There are no upcoming events scheduled right now."
}

// ChannelReminder is the announcement posted in the reminder channel.
func ChannelReminder(ev model.ScheduledEvent, th model.Threshold) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ Reminder: **%s** starts in %s (%s).", title(ev), Until(th.MinutesBefore), ev.StartAt.Format(startLayout))
	if ev.Location != "" {
		fmt.Fprintf(&b, "\nWhere: %s", ev.Location)
	}
	if ev.Link != "" {
		fmt.Fprintf(&b, "\nMore info: %s", ev.Link)
	}
	return b.String()
}

// DirectReminder is the shorter variant sent to opted-in users.
func DirectReminder(ev model.ScheduledEvent, th model.Threshold) string {
	s := fmt.Sprintf("Hi! **%s** starts in %s, on %s.", title(ev), Until(th.MinutesBefore), ev.StartAt.Format(startLayout))
	if ev.Link != "" {
		s += " " + ev.Link
	}
	return s + "\nUse /stop-reminding to stop these messages."
}

// Welcome greets a member who just joined.
func Welcome(mention string) string {
	return fmt.Sprintf("Welcome, %s! 👋 Check the pinned messages for community info, and use /next-event to see what's coming up.", mention)
}

// OptedIn / OptedOut are the command replies.
func OptedIn(changed bool) string {
	if changed {
		return "Done! You'll get a direct message before upcoming events."
	}
	return "You're already signed up for event reminders."
}

func OptedOut(changed bool) string {
	if changed {
		return "You won't get event reminders by direct message anymore."
	}
	return "You weren't signed up for event reminders."
}

// Failure is the reply when a command could not be completed.
func Failure(action string) string {
	return fmt.Sprintf("Sorry, I couldn't %s right now. Please try again later.", action)
}

// Until renders a minute count as "1 day", "2 hours", "1 day 2 hours",
// "45 minutes".
func Until(minutes int) string {
	if minutes <= 0 {
		return "a moment"
	}
	d := time.Duration(minutes) * time.Minute
	days := int(d / (24 * time.Hour))
	hours := int(d%(24*time.Hour)) / int(time.Hour)
	mins := int(d%time.Hour) / int(time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if mins > 0 {
		parts = append(parts, plural(mins, "minute"))
	}
	return strings.Join(parts, " ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func title(ev model.ScheduledEvent) string {
	if t := strings.TrimSpace(ev.Title); t != "" {
		return t
	}
	return "Untitled event"
}
