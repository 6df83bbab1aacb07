package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/observability/tracing"
	"github.com/nimburion/findings-scheduler/pkg/workerpool"
)

// DefaultWorkers is the dispatch pool size used when none is configured.
const DefaultWorkers = workerpool.DefaultSize

// Config tunes a Dispatcher.
type Config struct {
	// Workers bounds concurrent invocations.
	Workers int
	// RatePerSecond caps invocations per second across workers. Zero means unlimited.
	RatePerSecond float64
	// InvokeTimeout bounds a single invocation. Zero leaves the caller's deadline in charge.
	InvokeTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RatePerSecond < 0 {
		c.RatePerSecond = 0
	}
	if c.InvokeTimeout < 0 {
		c.InvokeTimeout = 0
	}
}

// Dispatcher fans requests out to a Target through a bounded pool.
// Every request is attempted exactly once. A failure is logged and reported,
// never retried, and never cancels its siblings.
type Dispatcher struct {
	target  Target
	log     logger.Logger
	config  Config
	limiter *rate.Limiter
}

func NewDispatcher(target Target, log logger.Logger, cfg Config) (*Dispatcher, error) {
	if target == nil {
		return nil, dispatchError(ErrInvalidArgument, "target is required")
	}
	if log == nil {
		return nil, dispatchError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	d := &Dispatcher{target: target, log: log, config: cfg}
	if cfg.RatePerSecond > 0 {
		burst := max(1, int(cfg.RatePerSecond))
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return d, nil
}

// Target returns the underlying delivery target.
func (d *Dispatcher) Target() Target { return d.target }

// Dispatch delivers every request and waits for all of them.
func (d *Dispatcher) Dispatch(ctx context.Context, requests []Request) Report {
	started := time.Now()
	report := Report{Target: d.target.Name(), Outcomes: make([]Outcome, 0, len(requests))}
	if len(requests) == 0 {
		return report
	}

	log := d.log.WithContext(ctx)
	var mu sync.Mutex
	errs := workerpool.Run(ctx, requests, workerpool.Options{Size: d.config.Workers}, func(ctx context.Context, request Request) error {
		outcome := d.deliver(ctx, request)
		if outcome.Err != nil {
			log.Error("failed to dispatch task",
				"provider_id", outcome.ProviderID,
				"target", report.Target,
				"error", outcome.Err,
			)
		} else {
			log.Info("dispatched task",
				"provider_id", outcome.ProviderID,
				"target", report.Target,
				"status_code", outcome.Ack.StatusCode,
				"request_id", outcome.Ack.RequestID,
			)
		}
		mu.Lock()
		report.Outcomes = append(report.Outcomes, outcome)
		mu.Unlock()
		return nil
	})

	// The pool only reports errors for requests it never started (ctx ended first).
	for idx, err := range errs {
		if err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{
				ProviderID: requests[idx].ProviderID,
				Err:        fmt.Errorf("dispatch not attempted: %w", err),
			})
		}
	}

	report.Duration = time.Since(started)
	log.Info("dispatch finished",
		"target", report.Target,
		"total", len(report.Outcomes),
		"failed", report.Failed(),
		"duration", report.Duration,
	)
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, request Request) (outcome Outcome) {
	name := d.target.Name()
	outcome.ProviderID = request.ProviderID
	started := time.Now()

	incrementDispatchInFlight(name)
	ctx, span := tracing.StartDispatchSpan(ctx, name, request.ProviderID)
	defer func() {
		outcome.Duration = time.Since(started)
		decrementDispatchInFlight(name)
		recordDispatch(name, classify(outcome.Err), outcome.Duration)
		if outcome.Err != nil {
			tracing.RecordError(span, outcome.Err)
		} else {
			span.SetAttributes(attribute.Int(string(tracing.AttrStatusCode), outcome.Ack.StatusCode))
			tracing.RecordSuccess(span)
		}
		span.End()
	}()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			outcome.Err = fmt.Errorf("rate limiter wait: %w", err)
			return outcome
		}
	}

	invokeCtx := ctx
	if d.config.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, d.config.InvokeTimeout)
		defer cancel()
	}

	outcome.Ack, outcome.Err = d.invokeSafely(invokeCtx, request)
	return outcome
}

func (d *Dispatcher) invokeSafely(ctx context.Context, request Request) (ack Ack, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while dispatching %s: %v; stack=%s", request.ProviderID, rec, string(debug.Stack()))
		}
	}()
	return d.target.Invoke(ctx, request)
}
