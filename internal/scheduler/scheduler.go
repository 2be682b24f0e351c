// Package scheduler invokes processing runs from the timer and on demand,
// one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/biequity/reconciler/internal/engine"
	"github.com/biequity/reconciler/internal/lock"
)

// DefaultSchedule runs a cycle every minute.
const DefaultSchedule = "@every 1m"

// Runner executes one processing cycle.
type Runner interface {
	Run(ctx context.Context) (engine.Summary, error)
}

// Trigger is the single entry point shared by the timer and the HTTP handler.
type Trigger struct {
	runner Runner
	guard  *lock.Guard
	log    *slog.Logger
}

// NewTrigger wraps runner with guard.
func NewTrigger(runner Runner, guard *lock.Guard, log *slog.Logger) *Trigger {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Trigger{runner: runner, guard: guard, log: log}
}

// Process runs one cycle, or returns lock.ErrAlreadyRunning immediately when
// another cycle is in flight.
func (t *Trigger) Process(ctx context.Context) (engine.Summary, error) {
	var sum engine.Summary
	err := t.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		sum, err = t.runner.Run(ctx)
		return err
	})
	return sum, err
}

// Cron fires the trigger on a schedule.
type Cron struct {
	cron     *cron.Cron
	trigger  *Trigger
	schedule string
	log      *slog.Logger
}

// NewCron validates schedule (standard five-field expression or @every/@hourly descriptors).
func NewCron(trigger *Trigger, schedule string, log *slog.Logger) (*Cron, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Cron{cron: c, trigger: trigger, schedule: schedule, log: log}, nil
}

// Start registers the job and starts the timer. Runs use ctx as their parent.
func (c *Cron) Start(ctx context.Context) error {
	if _, err := c.cron.AddFunc(c.schedule, func() { c.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule processing job: %w", err)
	}
	c.log.Info("scheduled processing job", "schedule", c.schedule)
	c.cron.Start()
	return nil
}

// Stop halts the timer; the returned context is done when a running job finishes.
func (c *Cron) Stop() context.Context {
	return c.cron.Stop()
}

func (c *Cron) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	sum, err := c.trigger.Process(ctx)
	switch {
	case errors.Is(err, lock.ErrAlreadyRunning):
		c.log.Info("scheduled run skipped", "reason", err.Error())
	case err != nil:
		c.log.Error("scheduled run failed", "error", err, "duration", time.Since(started))
	default:
		c.log.Info("scheduled run finished", "buys", len(sum.Buys), "sells", len(sum.Sells),
			"settled", sum.Settled, "failed", sum.Failed, "duration", time.Since(started))
	}
}
