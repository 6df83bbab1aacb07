package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCheckable struct {
	err   error
	delay time.Duration
}

func (f *fakeCheckable) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestPingChecker(t *testing.T) {
	checker := NewPingChecker("liveness")
	result := checker.Check(context.Background())
	if checker.Name() != "liveness" || result.Status != StatusHealthy || result.Message == "" {
		t.Fatalf("unexpected ping result %+v", result)
	}
}

func TestAdapterChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		result := NewAdapterChecker("lock-store", &fakeCheckable{}, time.Second).Check(context.Background())
		if result.Status != StatusHealthy || result.Message != "OK" || result.Name != "lock-store" {
			t.Fatalf("unexpected result %+v", result)
		}
	})

	t.Run("failing", func(t *testing.T) {
		result := NewAdapterChecker("lock-store", &fakeCheckable{err: errors.New("table not found")}, time.Second).Check(context.Background())
		if result.Status != StatusUnhealthy || result.Error != "table not found" {
			t.Fatalf("unexpected result %+v", result)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		checker := NewAdapterChecker("slow", &fakeCheckable{delay: time.Second}, 50*time.Millisecond)
		start := time.Now()
		result := checker.Check(context.Background())
		if result.Status != StatusUnhealthy {
			t.Fatalf("expected unhealthy on timeout, got %+v", result)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Fatal("timeout was not enforced")
		}
	})

	t.Run("default timeout", func(t *testing.T) {
		if checker := NewAdapterChecker("x", &fakeCheckable{}, 0); checker.timeout != defaultCheckTimeout {
			t.Fatalf("expected default timeout, got %v", checker.timeout)
		}
	})
}

func TestCustomChecker(t *testing.T) {
	degraded := NewCustomChecker("stale-locks", func(context.Context) (Status, string, error) {
		return StatusDegraded, "2 stale locks", nil
	})
	if result := degraded.Check(context.Background()); result.Status != StatusDegraded || result.Message != "2 stale locks" {
		t.Fatalf("unexpected result %+v", result)
	}

	failing := NewCustomChecker("stale-locks", func(context.Context) (Status, string, error) {
		return "", "", errors.New("scan failed")
	})
	result := failing.Check(context.Background())
	if result.Status != StatusUnhealthy || result.Error != "scan failed" {
		t.Fatalf("an error without a status must be unhealthy, got %+v", result)
	}
}
