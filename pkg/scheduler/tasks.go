package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nimburion/findings-scheduler/pkg/dispatch"
	"github.com/nimburion/findings-scheduler/pkg/lockstore"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

// DefaultWindowOffset is how far past "now" every task window ends.
const DefaultWindowOffset = 5 * time.Minute

// Task is the unit of work handed to one processor invocation.
type Task struct {
	ProviderID string
	Start      time.Time
	End        time.Time
	// LastEventWatermark is the provider's LastProcessedAt when the task was built.
	LastEventWatermark time.Time
}

// taskPayload is the processor wire contract.
type taskPayload struct {
	ProductARN    string `json:"product_arn"`
	StartDate     string `json:"start_date"`
	LastDate      string `json:"last_date"`
	LastEventDate string `json:"last_event_date"`
}

// Window returns the half-open [Start, End) range of the task.
func (t Task) Window() timewindow.Window {
	return timewindow.Window{Start: t.Start, End: t.End}
}

// Payload encodes the processor payload from the values fixed at build time.
func (t Task) Payload() ([]byte, error) {
	payload, err := json.Marshal(taskPayload{
		ProductARN:    t.ProviderID,
		StartDate:     timewindow.Format(t.Start),
		LastDate:      timewindow.Format(t.End),
		LastEventDate: timewindow.Format(t.LastEventWatermark),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", t.ProviderID, err)
	}
	return payload, nil
}

// Request converts the task into a dispatch request.
func (t Task) Request() (dispatch.Request, error) {
	payload, err := t.Payload()
	if err != nil {
		return dispatch.Request{}, err
	}
	return dispatch.Request{
		ProviderID: t.ProviderID,
		Start:      t.Start,
		End:        t.End,
		Watermark:  t.LastEventWatermark,
		Payload:    payload,
	}, nil
}

// TaskBuilderConfig tunes task windows.
type TaskBuilderConfig struct {
	WindowOffset time.Duration
}

func (c *TaskBuilderConfig) normalize() {
	if c.WindowOffset <= 0 {
		c.WindowOffset = DefaultWindowOffset
	}
}

// TaskBuilder turns eligible lock rows into tasks.
type TaskBuilder struct {
	clock  timewindow.Clock
	config TaskBuilderConfig
}

func NewTaskBuilder(clock timewindow.Clock, cfg TaskBuilderConfig) *TaskBuilder {
	if clock == nil {
		clock = timewindow.SystemClock{}
	}
	cfg.normalize()
	return &TaskBuilder{clock: clock, config: cfg}
}

// Build creates one task per row. The clock is read once, so every task of a
// call shares the same End. Start is one millisecond past the watermark.
func (b *TaskBuilder) Build(eligible []lockstore.Record) []Task {
	end := b.clock.Now().Add(b.config.WindowOffset)
	tasks := make([]Task, 0, len(eligible))
	for _, record := range eligible {
		tasks = append(tasks, Task{
			ProviderID:         record.ProviderID,
			Start:              timewindow.AddMilliseconds(record.LastProcessedAt, 1),
			End:                end,
			LastEventWatermark: record.LastProcessedAt,
		})
	}
	return tasks
}
