package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

type fakeRunner struct {
	calls   atomic.Int32
	release chan struct{}
	ran     chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan struct{}, 16)}
}

func (r *fakeRunner) Run(ctx context.Context) (*CycleReport, error) {
	r.calls.Add(1)
	r.ran <- struct{}{}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &CycleReport{State: StateDone}, nil
}

func TestParseSchedule(t *testing.T) {
	for _, expression := range []string{"@every 5m", "*/5 * * * *", "0 3 * * *"} {
		if _, err := ParseSchedule(expression); err != nil {
			t.Fatalf("expected %q to parse: %v", expression, err)
		}
	}
	if _, err := ParseSchedule("every five minutes"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewRuntime_Validation(t *testing.T) {
	if _, err := NewRuntime(nil, logger.NewNop(), RuntimeConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil runner, got %v", err)
	}
	if _, err := NewRuntime(newFakeRunner(), nil, RuntimeConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil logger, got %v", err)
	}
	if _, err := NewRuntime(newFakeRunner(), logger.NewNop(), RuntimeConfig{Schedule: "bogus"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for bad schedule, got %v", err)
	}
	runtime, err := NewRuntime(newFakeRunner(), logger.NewNop(), RuntimeConfig{})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if runtime.config.Schedule != DefaultSchedule {
		t.Fatalf("expected default schedule, got %q", runtime.config.Schedule)
	}
}

func TestRuntime_RunOnStartAndStop(t *testing.T) {
	runner := newFakeRunner()
	runtime, err := NewRuntime(runner, logger.NewNop(), RuntimeConfig{Schedule: "@every 1h", RunOnStart: true})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runtime.Start(ctx) }()

	select {
	case <-runner.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a cycle on start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("expected one cycle, got %d", runner.calls.Load())
	}
}

func TestRuntime_TicksOnSchedule(t *testing.T) {
	runner := newFakeRunner()
	runtime, err := NewRuntime(runner, logger.NewNop(), RuntimeConfig{Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runtime.Start(ctx) }()

	select {
	case <-runner.ran:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a scheduled cycle")
	}
}

func TestRuntime_SkipsTickWhileBusy(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	runtime, err := NewRuntime(runner, logger.NewNop(), RuntimeConfig{})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	ctx := context.Background()
	runtime.trigger(ctx, time.Now())
	<-runner.ran
	runtime.trigger(ctx, time.Now())
	runtime.trigger(ctx, time.Now())

	close(runner.release)
	runtime.wg.Wait()
	if runner.calls.Load() != 1 {
		t.Fatalf("overlapping ticks must be skipped, got %d runs", runner.calls.Load())
	}

	runtime.trigger(ctx, time.Now())
	runtime.wg.Wait()
	if runner.calls.Load() != 2 {
		t.Fatalf("expected a new run once idle, got %d", runner.calls.Load())
	}
}

func TestRuntime_StartTwiceConflicts(t *testing.T) {
	runtime, err := NewRuntime(newFakeRunner(), logger.NewNop(), RuntimeConfig{Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runtime.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		runtime.mu.Lock()
		running := runtime.running
		runtime.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("runtime never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := runtime.Start(context.Background()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
}

func TestRuntime_StopWhenIdle(t *testing.T) {
	runtime, err := NewRuntime(newFakeRunner(), logger.NewNop(), RuntimeConfig{})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if err := runtime.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on idle runtime: %v", err)
	}
}
