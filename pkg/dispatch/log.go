package dispatch

import (
	"context"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

// LogTarget only logs the tasks it receives. It backs dry runs.
type LogTarget struct {
	log logger.Logger
}

func NewLogTarget(log logger.Logger) *LogTarget {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogTarget{log: log}
}

func (t *LogTarget) Name() string { return "log" }

func (t *LogTarget) Invoke(ctx context.Context, request Request) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	t.log.WithContext(ctx).Info("dry-run task",
		"provider_id", request.ProviderID,
		"start_date", timewindow.Format(request.Start),
		"last_date", timewindow.Format(request.End),
		"last_event_date", timewindow.Format(request.Watermark),
		"payload", string(request.Payload),
	)
	return Ack{}, nil
}

func (t *LogTarget) HealthCheck(context.Context) error { return nil }

func (t *LogTarget) Close() error { return nil }
