package reminder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"communitybot/internal/catalog"
	appLog "communitybot/internal/log"
	"communitybot/internal/message"
	"communitybot/internal/model"
	"communitybot/internal/optin"
)

const defaultSendTimeout = 10 * time.Second

// ErrDelivery is wrapped by every Dispatcher failure.
var ErrDelivery = errors.New("delivery failed")

// Dispatcher is the chat platform as seen by the evaluator.
type Dispatcher interface {
	PostChannelMessage(ctx context.Context, channel, content string) error
	SendDirectMessage(ctx context.Context, userID, content string) error
}

// Options wires an Evaluator. Catalog, Registry and Dispatcher are required.
type Options struct {
	Clock      clock.Clock
	Location   *time.Location
	Catalog    catalog.Source
	Tracker    *Tracker
	Registry   optin.Registry
	Dispatcher Dispatcher

	// Channel receives announcements; empty skips them.
	Channel    string
	Thresholds []model.Threshold
	// Tolerance is the ± minute window around each threshold.
	Tolerance int
	// SendTimeout bounds each dispatcher call.
	SendTimeout time.Duration
}

// Delivery is the outcome of one direct message.
type Delivery struct {
	UserID string
	Err    error
}

// Firing describes one threshold that dispatched during a tick.
type Firing struct {
	Threshold      model.Threshold
	ChannelSkipped bool
	ChannelErr     error
	Deliveries     []Delivery
}

// Failed counts the direct messages that could not be delivered.
func (f Firing) Failed() int {
	n := 0
	for _, d := range f.Deliveries {
		if d.Err != nil {
			n++
		}
	}
	return n
}

// Report summarizes one tick.
type Report struct {
	At           time.Time
	Event        *model.ScheduledEvent
	MinutesUntil int
	Firings      []Firing
	// MissedGap is set when the previous tick was too long ago for the
	// tolerance window to have covered the interval in between.
	MissedGap time.Duration
}

// Evaluator decides, once per tick, whether a reminder threshold for the next
// event has been reached and dispatches it at most once per process.
//
// A threshold whose window passed while no tick ran (process paused, clock
// jump) is skipped permanently; the gap is logged but nothing fires late.
type Evaluator struct {
	opts Options

	mu       sync.Mutex
	lastTick time.Time
}

func NewEvaluator(opts Options) (*Evaluator, error) {
	if opts.Catalog == nil {
		return nil, errors.New("reminder: catalog source is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("reminder: opt-in registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("reminder: dispatcher is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Tracker == nil {
		opts.Tracker = NewTracker()
	}
	if opts.Tolerance < 0 {
		opts.Tolerance = 0
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	opts.Thresholds = append([]model.Threshold(nil), opts.Thresholds...)
	return &Evaluator{opts: opts}, nil
}

// Tracker exposes the fired-marker set.
func (e *Evaluator) Tracker() *Tracker {
	return e.opts.Tracker
}

func (e *Evaluator) Thresholds() []model.Threshold {
	return append([]model.Threshold(nil), e.opts.Thresholds...)
}

// Evaluate runs one tick. It never returns an error: every failure is either
// recovered locally or recorded in the report.
func (e *Evaluator) Evaluate(ctx context.Context) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Clock.Now().In(e.opts.Location)
	report := Report{At: now}

	if gap := e.checkGap(now); gap > 0 {
		report.MissedGap = gap
	}

	next, ok := catalog.SelectNext(e.opts.Catalog.Load(ctx), now, e.opts.Location)
	if !ok {
		appLog.Debug("reminder tick: no upcoming events")
		return report
	}
	report.Event = &next
	report.MinutesUntil = MinutesUntil(now, next.StartAt)

	for _, th := range e.opts.Thresholds {
		if !Due(report.MinutesUntil, th.MinutesBefore, e.opts.Tolerance) {
			continue
		}
		if e.opts.Tracker.HasFired(next.ID, th.Label) {
			continue
		}
		// Mark before sending: a partial failure must not cause a resend.
		e.opts.Tracker.MarkFired(next.ID, th.Label)
		report.Firings = append(report.Firings, e.dispatch(ctx, next, th))
	}
	return report
}

// MinutesUntil is start-now rounded to the nearest whole minute.
func MinutesUntil(now, start time.Time) int {
	return int(math.Round(start.Sub(now).Minutes()))
}

// Due reports whether minutesUntil is within tolerance of minutesBefore.
func Due(minutesUntil, minutesBefore, tolerance int) bool {
	diff := minutesUntil - minutesBefore
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func (e *Evaluator) checkGap(now time.Time) time.Duration {
	prev := e.lastTick
	e.lastTick = now
	if prev.IsZero() {
		return 0
	}
	limit := time.Duration(max(2*e.opts.Tolerance, 1))*time.Minute + 30*time.Second
	gap := now.Sub(prev)
	if gap <= limit {
		return 0
	}
	appLog.Warn("reminder tick: missed tick window, thresholds in the gap are skipped",
		"gap", gap.String(),
		"previous_tick", prev.Format(time.RFC3339),
		"tolerance_minutes", e.opts.Tolerance,
	)
	return gap
}

func (e *Evaluator) dispatch(ctx context.Context, ev model.ScheduledEvent, th model.Threshold) Firing {
	f := Firing{Threshold: th}

	if e.opts.Channel == "" {
		f.ChannelSkipped = true
		appLog.Warn("reminder channel not configured, skipping announcement", "event_id", ev.ID, "threshold", th.Label)
	} else {
		f.ChannelErr = e.send(ctx, func(ctx context.Context) error {
			return e.opts.Dispatcher.PostChannelMessage(ctx, e.opts.Channel, message.ChannelReminder(ev, th))
		})
		if f.ChannelErr != nil {
			appLog.Error("reminder announcement failed", f.ChannelErr, "event_id", ev.ID, "threshold", th.Label, "channel", e.opts.Channel)
		}
	}

	content := message.DirectReminder(ev, th)
	for _, userID := range e.opts.Registry.List(ctx) {
		err := e.send(ctx, func(ctx context.Context) error {
			return e.opts.Dispatcher.SendDirectMessage(ctx, userID, content)
		})
		if err != nil {
			appLog.Warn("reminder dm failed", "event_id", ev.ID, "threshold", th.Label, "user_id", userID, "err", err)
		}
		f.Deliveries = append(f.Deliveries, Delivery{UserID: userID, Err: err})
	}

	appLog.Info("reminder dispatched",
		"event_id", ev.ID,
		"title", ev.Title,
		"threshold", th.Label,
		"channel_posted", !f.ChannelSkipped && f.ChannelErr == nil,
		"dm_total", len(f.Deliveries),
		"dm_failed", f.Failed(),
	)
	return f
}

// send runs one dispatcher call under SendTimeout. A panicking dispatcher is
// turned into a delivery error so one bad recipient cannot stop the batch.
func (e *Evaluator) send(ctx context.Context, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(ErrDelivery, fmt.Errorf("dispatcher panic: %v", r))
		}
	}()
	return fn(ctx)
}
