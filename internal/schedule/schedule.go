// Package schedule runs backups on a cron expression until the context is
// cancelled.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ahwetekm/bread-backup/internal/logging"
)

// Job is one scheduled backup invocation. Errors are logged and do not stop
// the schedule.
type Job func(ctx context.Context) error

// Validate parses a standard five-field cron expression (descriptors like
// @daily included) and returns its schedule.
func Validate(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Runner fires a job on a cron schedule. Runs never overlap: a trigger that
// fires while the previous run is still going is skipped.
type Runner struct {
	logger *logging.Logger
	sched  cron.Schedule
	job    Job
	now    func() time.Time
}

// New builds a runner from a cron expression.
func New(logger *logging.Logger, expr string, job Job) (*Runner, error) {
	sched, err := Validate(expr)
	if err != nil {
		return nil, err
	}
	return newRunner(logger, sched, job), nil
}

func newRunner(logger *logging.Logger, sched cron.Schedule, job Job) *Runner {
	return &Runner{
		logger: logger,
		sched:  sched,
		job:    job,
		now:    time.Now,
	}
}

// Run blocks until ctx is cancelled, firing the job at each scheduled time.
// Because the job runs inline, triggers that land mid-run collapse into the
// next computed one; the skip is logged with the missed times.
func (r *Runner) Run(ctx context.Context) error {
	for {
		started := r.now()
		next := r.sched.Next(started)
		r.logger.Info("Next backup scheduled for %s", next.Format(time.RFC1123))

		timer := time.NewTimer(next.Sub(started))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := r.job(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("Scheduled backup failed: %v", err)
		}

		if missed := r.missedTriggers(next, r.now()); missed > 0 {
			r.logger.Warning("Backup ran past %d scheduled trigger(s), skipping them", missed)
		}
	}
}

// missedTriggers counts schedule points that fell inside the run window
// (fired, finished].
func (r *Runner) missedTriggers(fired, finished time.Time) int {
	missed := 0
	for t := r.sched.Next(fired); !t.After(finished) && missed <= 1000; t = r.sched.Next(t) {
		missed++
	}
	return missed
}
