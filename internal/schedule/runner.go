// Package schedule drives periodic jobs from a cron spec.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "communitybot/internal/log"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context)

// Runner invokes a Job on a cron schedule. Invocations never overlap: a tick
// that arrives while the previous one is still running is skipped, and a
// panicking job is recovered and logged.
type Runner struct {
	name    string
	spec    string
	job     Job
	timeout time.Duration

	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRunner validates spec (standard 5-field cron or descriptors such as
// "@every 1m") and prepares the runner. Each invocation gets a context
// bounded by timeout; zero means no bound beyond Stop.
func NewRunner(name, spec string, loc *time.Location, timeout time.Duration, job Job) (*Runner, error) {
	if job == nil {
		return nil, errors.New("schedule: job is required")
	}
	if loc == nil {
		loc = time.Local
	}

	logger := cronLogger{name: name}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{name: name, spec: spec, job: job, timeout: timeout, cron: c, ctx: ctx, cancel: cancel}

	id, err := c.AddFunc(spec, func() { r.RunOnce(r.ctx) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("schedule: invalid spec %q for %s: %w", spec, name, err)
	}
	r.entryID = id
	return r, nil
}

// Start begins firing in the background.
func (r *Runner) Start() {
	appLog.Info("scheduler started", "job", r.name, "spec", r.spec)
	r.cron.Start()
}

// Stop prevents further ticks, cancels the running one and waits for it to
// return or for ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	r.cancel()
	select {
	case <-done.Done():
		appLog.Info("scheduler stopped", "job", r.name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce invokes the job synchronously with the runner's timeout.
func (r *Runner) RunOnce(ctx context.Context) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	r.job(ctx)
}

// Next reports when the job fires next; zero before Start.
func (r *Runner) Next() time.Time {
	return r.cron.Entry(r.entryID).Next
}

// cronLogger adapts cron's logr-style logger to the app logger.
type cronLogger struct {
	name string
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, append([]any{"job", l.name}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, append([]any{"job", l.name}, keysAndValues...)...)
}
