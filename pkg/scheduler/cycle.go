package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/findings-scheduler/pkg/directory"
	"github.com/nimburion/findings-scheduler/pkg/dispatch"
	"github.com/nimburion/findings-scheduler/pkg/lockstore"
	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/observability/tracing"
)

// State is a step of the cycle state machine.
type State string

const (
	StateFetchDirectory State = "FETCH_DIRECTORY"
	StateFetchLocks     State = "FETCH_LOCKS"
	StateReconcile      State = "RECONCILE"
	StatePersist        State = "PERSIST"
	StateBuildTasks     State = "BUILD_TASKS"
	StateDispatch       State = "DISPATCH"
	StateDone           State = "DONE"
)

// ClassCounts holds the number of active providers per class.
type ClassCounts struct {
	New      int `json:"new"`
	Unlocked int `json:"unlocked"`
	Repaired int `json:"repaired"`
	Locked   int `json:"locked"`
	Invalid  int `json:"invalid"`
}

// CycleReport summarises one cycle. On a fatal error it describes the cycle
// up to the failing state.
type CycleReport struct {
	CycleID    string        `json:"cycle_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	State      State         `json:"state"`
	Pages      int           `json:"directory_pages"`
	Active     int           `json:"active_providers"`
	Counts     ClassCounts   `json:"counts"`
	Persisted  int           `json:"persisted_rows"`
	Dispatched []string      `json:"dispatched"`
	Failed     []string      `json:"failed"`
	Error      string        `json:"error,omitempty"`
}

// Runner runs one cycle.
type Runner interface {
	Run(ctx context.Context) (*CycleReport, error)
}

// CycleDependencies are the collaborators of a cycle.
type CycleDependencies struct {
	Directory  directory.Directory
	Store      lockstore.Store
	Dispatcher *dispatch.Dispatcher
	Reconciler *Reconciler
	Builder    *TaskBuilder
}

func (d CycleDependencies) validate() error {
	var errs []error
	if d.Directory == nil {
		errs = append(errs, schedulerError(ErrInvalidArgument, "directory is required"))
	}
	if d.Store == nil {
		errs = append(errs, schedulerError(ErrInvalidArgument, "lock store is required"))
	}
	if d.Dispatcher == nil {
		errs = append(errs, schedulerError(ErrInvalidArgument, "dispatcher is required"))
	}
	if d.Reconciler == nil {
		errs = append(errs, schedulerError(ErrInvalidArgument, "reconciler is required"))
	}
	if d.Builder == nil {
		errs = append(errs, schedulerError(ErrInvalidArgument, "task builder is required"))
	}
	return errors.Join(errs...)
}

// Cycle runs FETCH_DIRECTORY -> FETCH_LOCKS -> RECONCILE -> PERSIST ->
// BUILD_TASKS -> DISPATCH -> DONE. Directory, lock read and persist failures
// abort the cycle before anything is dispatched; dispatch failures do not.
type Cycle struct {
	deps    CycleDependencies
	log     logger.Logger
	running atomic.Bool
	newID   func() string
}

func NewCycle(deps CycleDependencies, log logger.Logger) (*Cycle, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Cycle{deps: deps, log: log, newID: uuid.NewString}, nil
}

// Run executes one cycle. Concurrent calls on the same Cycle fail with ErrConflict.
func (c *Cycle) Run(ctx context.Context) (*CycleReport, error) {
	if c == nil {
		return nil, schedulerError(ErrNotInitialized, "cycle")
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil, schedulerError(ErrConflict, "a cycle is already running")
	}
	defer c.running.Store(false)

	report := &CycleReport{
		CycleID:    c.newID(),
		StartedAt:  time.Now().UTC(),
		Dispatched: []string{},
		Failed:     []string{},
	}
	ctx = logger.ContextWithCycleID(ctx, report.CycleID)
	ctx, span := tracing.StartCycleSpan(ctx, report.CycleID)
	defer span.End()
	log := c.log.WithContext(ctx)
	log.Info("scheduling cycle started")

	err := c.run(ctx, log, report)
	report.Duration = time.Since(report.StartedAt)
	if err != nil {
		report.Error = err.Error()
		tracing.RecordError(span, err)
		recordCycle("failed", report.Duration)
		log.Error("scheduling cycle failed", "state", report.State, "error", err, "duration", report.Duration)
		return report, err
	}

	status := "success"
	if len(report.Failed) > 0 {
		status = "partial"
	}
	tracing.RecordSuccess(span)
	recordCycle(status, report.Duration)
	log.Info("scheduling cycle finished",
		"status", status,
		"dispatched", len(report.Dispatched),
		"failed", len(report.Failed),
		"duration", report.Duration,
	)
	return report, nil
}

func (c *Cycle) run(ctx context.Context, log logger.Logger, report *CycleReport) error {
	var (
		activeIDs      []string
		existing       []lockstore.Record
		reconciliation Reconciliation
		tasks          []Task
	)

	err := c.step(ctx, log, report, StateFetchDirectory, func(ctx context.Context, span trace.Span) error {
		ids, pages, err := directory.Collect(ctx, c.deps.Directory)
		if err != nil {
			return err
		}
		activeIDs = ids
		report.Pages = pages
		report.Active = len(ids)
		span.SetAttributes(tracing.AttrCount.Int(len(ids)))
		log.Info("fetched active providers", "directory", c.deps.Directory.Name(), "pages", pages, "count", len(ids))
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, log, report, StateFetchLocks, func(ctx context.Context, span trace.Span) error {
		rows, err := c.deps.Store.BatchGet(ctx, activeIDs)
		if err != nil {
			return err
		}
		existing = rows
		span.SetAttributes(tracing.AttrCount.Int(len(rows)))
		log.Info("fetched lock rows", "requested", len(activeIDs), "found", len(rows))
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, log, report, StateReconcile, func(context.Context, trace.Span) error {
		reconciliation = c.deps.Reconciler.Reconcile(activeIDs, existing)
		report.Counts = ClassCounts{
			New:      len(reconciliation.New),
			Unlocked: len(reconciliation.Unlocked),
			Repaired: len(reconciliation.Repaired),
			Locked:   reconciliation.Count(ClassLocked),
			Invalid:  len(reconciliation.Failures()),
		}
		for _, class := range []Class{ClassNew, ClassUnlocked, ClassRepaired, ClassLocked} {
			recordProviders(class, reconciliation.Count(class))
		}
		for _, failure := range reconciliation.Failures() {
			log.Warn("provider rejected", "provider_id", failure.ProviderID, "error", failure.Err)
		}
		log.Info("reconciled lock rows",
			"unlocked", report.Counts.Unlocked,
			"new", report.Counts.New,
			"repaired", report.Counts.Repaired,
			"locked", report.Counts.Locked,
		)
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, log, report, StatePersist, func(ctx context.Context, span trace.Span) error {
		rows := reconciliation.ToPersist()
		span.SetAttributes(tracing.AttrCount.Int(len(rows)))
		if len(rows) == 0 {
			return nil
		}
		if err := c.deps.Store.BatchPut(ctx, rows); err != nil {
			return err
		}
		report.Persisted = len(rows)
		recordPersistedRows(len(rows))
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, log, report, StateBuildTasks, func(_ context.Context, span trace.Span) error {
		tasks = c.deps.Builder.Build(reconciliation.Eligible())
		span.SetAttributes(tracing.AttrCount.Int(len(tasks)))
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, log, report, StateDispatch, func(ctx context.Context, span trace.Span) error {
		requests := make([]dispatch.Request, 0, len(tasks))
		for _, task := range tasks {
			request, err := task.Request()
			if err != nil {
				log.Error("failed to build dispatch request", "provider_id", task.ProviderID, "error", err)
				report.Failed = append(report.Failed, task.ProviderID)
				continue
			}
			requests = append(requests, request)
		}
		if len(requests) == 0 {
			return nil
		}
		result := c.deps.Dispatcher.Dispatch(ctx, requests)
		dispatched, failed := result.ProviderIDs()
		report.Dispatched = append(report.Dispatched, dispatched...)
		report.Failed = append(report.Failed, failed...)
		span.SetAttributes(tracing.AttrCount.Int(len(dispatched)))
		return nil
	})
	if err != nil {
		return err
	}

	report.State = StateDone
	log.Info("cycle state", "state", StateDone)
	return nil
}

func (c *Cycle) step(ctx context.Context, log logger.Logger, report *CycleReport, state State, fn func(context.Context, trace.Span) error) error {
	report.State = state
	log.Info("cycle state", "state", state)

	stateCtx, span := tracing.StartStateSpan(ctx, string(state))
	defer span.End()
	if err := fn(stateCtx, span); err != nil {
		tracing.RecordError(span, err)
		return stateError(state, err)
	}
	return nil
}
