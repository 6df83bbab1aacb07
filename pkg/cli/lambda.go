package cli

import (
	"context"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/scheduler"
)

// flusher is implemented by the tracer provider. Lambda freezes the process
// between invocations, so spans are flushed before returning.
type flusher interface {
	ForceFlush(ctx context.Context) error
}

// LambdaHandler runs one cycle per invocation. The event payload is ignored.
type LambdaHandler func(ctx context.Context) (*scheduler.CycleReport, error)

// NewLambdaHandler returns the handler passed to lambda.Start.
func NewLambdaHandler(runner scheduler.Runner, tracer flusher, log logger.Logger) LambdaHandler {
	return func(ctx context.Context) (*scheduler.CycleReport, error) {
		report, err := runner.Run(ctx)
		if tracer != nil {
			if flushErr := tracer.ForceFlush(ctx); flushErr != nil {
				log.Warn("failed to flush traces", "error", flushErr)
			}
		}
		return report, err
	}
}
