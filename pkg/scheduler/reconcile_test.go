package scheduler

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nimburion/findings-scheduler/pkg/lockstore"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

var reconcileNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler() *Reconciler {
	return NewReconciler(timewindow.FixedClock{At: reconcileNow}, ReconcilerConfig{})
}

func lockedRow(id string, lockedAt time.Time) lockstore.Record {
	return lockstore.Record{
		ProviderID:      id,
		Locked:          true,
		LastLockedAt:    lockedAt,
		LastProcessedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func decisionFor(t *testing.T, result Reconciliation, id string) Decision {
	t.Helper()
	for _, decision := range result.Decisions {
		if decision.ProviderID == id {
			return decision
		}
	}
	t.Fatalf("no decision for %q", id)
	return Decision{}
}

func TestReconcile_Classes(t *testing.T) {
	unlocked := lockstore.Record{ProviderID: "unlocked", LastProcessedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	stale := lockedRow("stale", reconcileNow.Add(-48*time.Hour))
	held := lockedRow("held", reconcileNow.Add(-time.Hour))

	result := newTestReconciler().Reconcile(
		[]string{"unlocked", "stale", "held", "fresh"},
		[]lockstore.Record{unlocked, stale, held},
	)

	if len(result.Unlocked) != 1 || result.Unlocked[0] != unlocked {
		t.Fatalf("unexpected unlocked rows: %+v", result.Unlocked)
	}
	if len(result.Repaired) != 1 || result.Repaired[0].ProviderID != "stale" || result.Repaired[0].Locked {
		t.Fatalf("unexpected repaired rows: %+v", result.Repaired)
	}
	if !result.Repaired[0].LastLockedAt.Equal(stale.LastLockedAt) || !result.Repaired[0].LastProcessedAt.Equal(stale.LastProcessedAt) {
		t.Fatalf("repair must only flip the lock flag: %+v", result.Repaired[0])
	}
	if len(result.New) != 1 || result.New[0] != lockstore.NewRecord("fresh") {
		t.Fatalf("unexpected new rows: %+v", result.New)
	}

	if got := decisionFor(t, result, "held"); got.Class != ClassLocked || got.Verdict != VerdictSkipped || got.Reason != ReasonLockHeld {
		t.Fatalf("unexpected decision for held lock: %+v", got)
	}
	if got := decisionFor(t, result, "stale"); got.Class != ClassRepaired || got.Verdict != VerdictSkipped || got.Reason != ReasonStaleLockReleased {
		t.Fatalf("unexpected decision for stale lock: %+v", got)
	}
	if got := decisionFor(t, result, "fresh"); got.Class != ClassNew || got.Verdict != VerdictEligible {
		t.Fatalf("unexpected decision for new provider: %+v", got)
	}
	if result.Count(ClassLocked) != 1 {
		t.Fatalf("expected one locked provider, got %d", result.Count(ClassLocked))
	}
}

func TestReconcile_EligibleAndPersistSets(t *testing.T) {
	result := newTestReconciler().Reconcile(
		[]string{"a", "b", "c"},
		[]lockstore.Record{
			{ProviderID: "a"},
			lockedRow("b", reconcileNow.Add(-72*time.Hour)),
		},
	)

	eligible := result.Eligible()
	if len(eligible) != 2 || eligible[0].ProviderID != "a" || eligible[1].ProviderID != "c" {
		t.Fatalf("expected unlocked then new, got %+v", eligible)
	}
	persist := result.ToPersist()
	if len(persist) != 2 || persist[0].ProviderID != "c" || persist[1].ProviderID != "b" {
		t.Fatalf("expected new then repaired, got %+v", persist)
	}
	for _, record := range eligible {
		if record.ProviderID == "b" {
			t.Fatal("a repaired provider must not be eligible in the same cycle")
		}
	}
}

func TestReconcile_StaleBoundaryIsInclusive(t *testing.T) {
	tests := []struct {
		name     string
		lockedAt time.Time
		want     Class
	}{
		{name: "exactly one day", lockedAt: reconcileNow.Add(-24 * time.Hour), want: ClassRepaired},
		{name: "just under one day", lockedAt: reconcileNow.Add(-24*time.Hour + time.Minute), want: ClassLocked},
		{name: "locked in the future", lockedAt: reconcileNow.Add(time.Hour), want: ClassLocked},
		{name: "a year old", lockedAt: reconcileNow.AddDate(-1, 0, 0), want: ClassRepaired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := newTestReconciler().Reconcile([]string{"p"}, []lockstore.Record{lockedRow("p", tt.lockedAt)})
			if got := decisionFor(t, result, "p").Class; got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestReconcile_CustomThreshold(t *testing.T) {
	r := NewReconciler(timewindow.FixedClock{At: reconcileNow}, ReconcilerConfig{StaleLockThresholdDays: 3})
	result := r.Reconcile([]string{"p"}, []lockstore.Record{lockedRow("p", reconcileNow.Add(-48*time.Hour))})
	if got := decisionFor(t, result, "p").Class; got != ClassLocked {
		t.Fatalf("two-day-old lock under a three-day threshold must stay locked, got %s", got)
	}
}

func TestReconcile_FreshLockLeavesRowUnchanged(t *testing.T) {
	held := lockedRow("held", reconcileNow.Add(-time.Hour))
	result := newTestReconciler().Reconcile([]string{"held"}, []lockstore.Record{held})
	if len(result.ToPersist()) != 0 || len(result.Eligible()) != 0 {
		t.Fatalf("fresh lock must not be persisted or dispatched: %+v", result)
	}
}

func TestReconcile_EmptyIDFails(t *testing.T) {
	result := newTestReconciler().Reconcile([]string{"", "  ", "ok"}, nil)
	failures := result.Failures()
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %+v", failures)
	}
	for _, failure := range failures {
		if !errors.Is(failure.Err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", failure.Err)
		}
	}
	if len(result.New) != 1 || result.New[0].ProviderID != "ok" {
		t.Fatalf("valid id must still be classified: %+v", result.New)
	}
}

func TestReconcile_DuplicatesAndInactiveRows(t *testing.T) {
	result := newTestReconciler().Reconcile(
		[]string{"a", "a", "b"},
		[]lockstore.Record{{ProviderID: "a"}, {ProviderID: "gone"}},
	)
	if len(result.Decisions) != 2 {
		t.Fatalf("expected one decision per distinct id, got %+v", result.Decisions)
	}
	for _, decision := range result.Decisions {
		if decision.ProviderID == "gone" {
			t.Fatal("rows of inactive providers must be ignored")
		}
	}
}

func TestReconcile_DoesNotMutateInputs(t *testing.T) {
	existing := []lockstore.Record{lockedRow("stale", reconcileNow.Add(-48*time.Hour))}
	active := []string{"stale"}
	newTestReconciler().Reconcile(active, existing)
	if !existing[0].Locked {
		t.Fatal("input rows must not be mutated")
	}
	if active[0] != "stale" {
		t.Fatal("input ids must not be mutated")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	active := []string{"p1", "p2", "p3", "p4"}
	existing := []lockstore.Record{
		{ProviderID: "p1", LastProcessedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		lockedRow("p2", reconcileNow.Add(-48*time.Hour)),
		lockedRow("p3", reconcileNow.Add(-time.Minute)),
	}
	r := newTestReconciler()
	first := r.Reconcile(active, existing)
	second := r.Reconcile(active, existing)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reconciliation must be deterministic:\nfirst=%+v\nsecond=%+v", first, second)
	}
}

func TestReconcile_EmptyInputs(t *testing.T) {
	result := newTestReconciler().Reconcile(nil, nil)
	if len(result.Eligible()) != 0 || len(result.ToPersist()) != 0 || len(result.Decisions) != 0 {
		t.Fatalf("expected empty reconciliation, got %+v", result)
	}
}

func TestReconciler_IsStale(t *testing.T) {
	r := newTestReconciler()

	if r.IsStale(lockstore.Record{ProviderID: "free", LastLockedAt: reconcileNow.Add(-48 * time.Hour)}) {
		t.Fatal("an unlocked row is never stale")
	}
	if r.IsStale(lockedRow("fresh", reconcileNow.Add(-time.Hour))) {
		t.Fatal("a fresh lock is not stale")
	}
	if !r.IsStale(lockedRow("stuck", reconcileNow.Add(-24*time.Hour))) {
		t.Fatal("a lock held for the whole threshold is stale")
	}
}
