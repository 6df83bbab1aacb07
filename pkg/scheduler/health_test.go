package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/findings-scheduler/pkg/health"
	"github.com/nimburion/findings-scheduler/pkg/lockstore"
)

func TestNewLockStoreHealthChecker(t *testing.T) {
	store := lockstore.NewMemoryStore()
	checker := NewLockStoreHealthChecker("", store, time.Second)
	if checker.Name() != "lock-store" {
		t.Fatalf("expected default name, got %q", checker.Name())
	}
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %+v", result)
	}

	_ = store.Close()
	if result := checker.Check(context.Background()); result.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy after close, got %+v", result)
	}
}

type unhealthyTarget struct {
	recordingTarget
}

func (*unhealthyTarget) HealthCheck(context.Context) error { return errors.New("function not found") }

func TestNewTargetHealthChecker(t *testing.T) {
	checker := NewTargetHealthChecker("", newRecordingTarget(), time.Second)
	if checker.Name() != "dispatch-target:recording" {
		t.Fatalf("unexpected name %q", checker.Name())
	}
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %+v", result)
	}

	failing := NewTargetHealthChecker("processor", &unhealthyTarget{}, time.Second)
	result := failing.Check(context.Background())
	if failing.Name() != "processor" || result.Status != health.StatusUnhealthy || result.Error != "function not found" {
		t.Fatalf("unexpected result %+v", result)
	}
}

type failingLister struct{}

func (failingLister) ListRecords(context.Context) ([]lockstore.Record, error) {
	return nil, errors.New("scan denied")
}

func TestNewStaleLockChecker(t *testing.T) {
	reconciler := newTestReconciler()
	store := lockstore.NewMemoryStore(
		lockstore.Record{ProviderID: "free"},
		lockedRow("held", reconcileNow.Add(-time.Hour)),
	)

	checker := NewStaleLockChecker(store, reconciler)
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy without stale locks, got %+v", result)
	}

	if err := store.BatchPut(context.Background(), []lockstore.Record{lockedRow("stuck", reconcileNow.Add(-72*time.Hour))}); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}
	result := checker.Check(context.Background())
	if result.Status != health.StatusDegraded || result.Message != "1 of 3 locks are stale" {
		t.Fatalf("expected degraded, got %+v", result)
	}

	if result := NewStaleLockChecker(failingLister{}, reconciler).Check(context.Background()); result.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy on list failure, got %+v", result)
	}
}
