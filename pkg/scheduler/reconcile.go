package scheduler

import (
	"strings"
	"time"

	"github.com/nimburion/findings-scheduler/pkg/lockstore"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

// DefaultStaleLockThresholdDays is the lock age, in whole days, after which a
// held lock is considered abandoned.
const DefaultStaleLockThresholdDays = 1

// Class is the reconciliation class of an active provider.
type Class string

const (
	ClassNew      Class = "new"
	ClassUnlocked Class = "unlocked"
	ClassRepaired Class = "repaired"
	ClassLocked   Class = "locked"
)

// Verdict is the per-provider outcome of a reconciliation.
type Verdict string

const (
	VerdictEligible Verdict = "eligible"
	VerdictSkipped  Verdict = "skipped"
	VerdictFailed   Verdict = "failed"
)

// Skip reasons.
const (
	ReasonStaleLockReleased = "stale lock released"
	ReasonLockHeld          = "lock held"
)

// Decision records what the reconciler decided for one provider.
type Decision struct {
	ProviderID string
	Class      Class
	Verdict    Verdict
	Reason     string
	Err        error
}

// Reconciliation splits the active providers into the three row sets the
// cycle acts on. Rows for held locks appear only in Decisions.
type Reconciliation struct {
	Unlocked  []lockstore.Record
	Repaired  []lockstore.Record
	New       []lockstore.Record
	Decisions []Decision
}

// Eligible returns the rows that get a task this cycle: Unlocked then New.
func (r Reconciliation) Eligible() []lockstore.Record {
	out := make([]lockstore.Record, 0, len(r.Unlocked)+len(r.New))
	out = append(out, r.Unlocked...)
	return append(out, r.New...)
}

// ToPersist returns the rows written before dispatch: New then Repaired.
func (r Reconciliation) ToPersist() []lockstore.Record {
	out := make([]lockstore.Record, 0, len(r.New)+len(r.Repaired))
	out = append(out, r.New...)
	return append(out, r.Repaired...)
}

// Count returns how many decisions carry class.
func (r Reconciliation) Count(class Class) int {
	n := 0
	for _, decision := range r.Decisions {
		if decision.Class == class {
			n++
		}
	}
	return n
}

// Failures returns the decisions that could not be classified.
func (r Reconciliation) Failures() []Decision {
	var out []Decision
	for _, decision := range r.Decisions {
		if decision.Verdict == VerdictFailed {
			out = append(out, decision)
		}
	}
	return out
}

// ReconcilerConfig tunes stale-lock detection.
type ReconcilerConfig struct {
	StaleLockThresholdDays int
}

func (c *ReconcilerConfig) normalize() {
	if c.StaleLockThresholdDays <= 0 {
		c.StaleLockThresholdDays = DefaultStaleLockThresholdDays
	}
}

// Reconciler classifies active providers against their stored lock rows.
type Reconciler struct {
	clock  timewindow.Clock
	config ReconcilerConfig
}

func NewReconciler(clock timewindow.Clock, cfg ReconcilerConfig) *Reconciler {
	if clock == nil {
		clock = timewindow.SystemClock{}
	}
	cfg.normalize()
	return &Reconciler{clock: clock, config: cfg}
}

// Reconcile is pure apart from reading the clock once. Neither input is
// mutated, duplicate active ids are classified once, and rows of inactive
// providers are ignored.
func (r *Reconciler) Reconcile(activeIDs []string, existing []lockstore.Record) Reconciliation {
	now := r.clock.Now()

	byID := make(map[string]lockstore.Record, len(existing))
	for _, record := range existing {
		if _, ok := byID[record.ProviderID]; !ok {
			byID[record.ProviderID] = record
		}
	}

	result := Reconciliation{
		Unlocked: []lockstore.Record{},
		Repaired: []lockstore.Record{},
		New:      []lockstore.Record{},
	}
	seen := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		if strings.TrimSpace(id) == "" {
			result.Decisions = append(result.Decisions, Decision{
				ProviderID: id,
				Verdict:    VerdictFailed,
				Err:        schedulerError(ErrValidation, "empty provider id"),
			})
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		record, found := byID[id]
		switch {
		case !found:
			result.New = append(result.New, lockstore.NewRecord(id))
			result.Decisions = append(result.Decisions, Decision{ProviderID: id, Class: ClassNew, Verdict: VerdictEligible})
		case !record.Locked:
			result.Unlocked = append(result.Unlocked, record)
			result.Decisions = append(result.Decisions, Decision{ProviderID: id, Class: ClassUnlocked, Verdict: VerdictEligible})
		case r.isStale(record, now):
			released := record
			released.Locked = false
			result.Repaired = append(result.Repaired, released)
			result.Decisions = append(result.Decisions, Decision{ProviderID: id, Class: ClassRepaired, Verdict: VerdictSkipped, Reason: ReasonStaleLockReleased})
		default:
			result.Decisions = append(result.Decisions, Decision{ProviderID: id, Class: ClassLocked, Verdict: VerdictSkipped, Reason: ReasonLockHeld})
		}
	}
	return result
}

func (r *Reconciler) isStale(record lockstore.Record, now time.Time) bool {
	return timewindow.WholeDaysBetween(record.LastLockedAt, now) >= r.config.StaleLockThresholdDays
}

// IsStale reports whether record is a held lock old enough to be released
// by the next cycle.
func (r *Reconciler) IsStale(record lockstore.Record) bool {
	return record.Locked && r.isStale(record, r.clock.Now())
}
