package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

// DefaultSchedule runs a cycle every five minutes.
const DefaultSchedule = "@every 5m"

// RuntimeConfig controls the in-process periodic runtime.
type RuntimeConfig struct {
	// Schedule is a standard 5-field cron expression or a descriptor such as "@every 5m".
	Schedule   string
	RunOnStart bool
}

func (c *RuntimeConfig) normalize() {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
}

// ParseSchedule validates a schedule expression.
func ParseSchedule(expression string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(strings.TrimSpace(expression))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid schedule "+expression), err)
	}
	return schedule, nil
}

// Runtime triggers cycles on a schedule. A tick that arrives while a cycle is
// still running is skipped, never queued.
type Runtime struct {
	runner   Runner
	log      logger.Logger
	config   RuntimeConfig
	schedule cron.Schedule

	busy atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRuntime(runner Runner, log logger.Logger, cfg RuntimeConfig) (*Runtime, error) {
	if runner == nil {
		return nil, schedulerError(ErrInvalidArgument, "cycle runner is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Runtime{runner: runner, log: log, config: cfg, schedule: schedule}, nil
}

// Start runs the schedule loop until ctx is cancelled, then waits for the
// in-flight cycle.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "runtime")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "runtime already running")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.log.Info("scheduler runtime started", "schedule", r.config.Schedule, "run_on_start", r.config.RunOnStart)
	if r.config.RunOnStart {
		r.trigger(runningCtx, time.Now().UTC())
	}

	r.loop(runningCtx)
	return r.Stop(context.Background())
}

// Stop cancels the loop and waits for the in-flight cycle or ctx, whichever ends first.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.log.Info("scheduler runtime stopped")
		return nil
	}
}

func (r *Runtime) loop(ctx context.Context) {
	now := time.Now().UTC()
	for {
		next := r.schedule.Next(now)
		if next.IsZero() {
			r.log.Error("schedule has no future activation", "schedule", r.config.Schedule)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		r.trigger(ctx, next)
		now = next
	}
}

func (r *Runtime) trigger(ctx context.Context, tick time.Time) {
	if !r.busy.CompareAndSwap(false, true) {
		recordSkippedTick()
		r.log.Warn("skipping scheduled cycle, previous cycle still running", "tick", tick)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		if _, err := r.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("scheduled cycle failed", "tick", tick, "error", err)
		}
	}()
}
