// Package dispatch delivers processing tasks to an asynchronous target and
// reports the per-provider outcome of every delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

var (
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("dispatch invalid argument")
	// ErrClosed classifies operations performed on closed targets.
	ErrClosed = errors.New("dispatch target closed")
	// ErrRejected classifies deliveries the target answered with a failure status.
	ErrRejected = errors.New("dispatch rejected")
)

func dispatchError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Request is one processing task ready for delivery.
type Request struct {
	ProviderID string
	Start      time.Time
	End        time.Time
	Watermark  time.Time
	// Payload is the encoded processor payload. Targets send it verbatim.
	Payload []byte
}

// Ack is the target's acknowledgement of an accepted delivery.
type Ack struct {
	StatusCode int
	RequestID  string
}

// Target accepts processing tasks. Implementations must be safe for concurrent use.
type Target interface {
	Name() string
	Invoke(ctx context.Context, request Request) (Ack, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Outcome is the result of delivering one request.
type Outcome struct {
	ProviderID string
	Ack        Ack
	Err        error
	Duration   time.Duration
}

// Succeeded reports whether the delivery was accepted.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Report aggregates the outcomes of one Dispatch call, in completion order.
type Report struct {
	Target   string
	Outcomes []Outcome
	Duration time.Duration
}

func (r Report) Successes() []Outcome {
	out := make([]Outcome, 0, len(r.Outcomes))
	for _, outcome := range r.Outcomes {
		if outcome.Succeeded() {
			out = append(out, outcome)
		}
	}
	return out
}

func (r Report) Failures() []Outcome {
	out := make([]Outcome, 0)
	for _, outcome := range r.Outcomes {
		if !outcome.Succeeded() {
			out = append(out, outcome)
		}
	}
	return out
}

// Failed returns the number of failed deliveries.
func (r Report) Failed() int {
	return len(r.Failures())
}

// ProviderIDs splits the outcome provider ids into dispatched and failed.
func (r Report) ProviderIDs() (dispatched, failed []string) {
	dispatched = []string{}
	failed = []string{}
	for _, outcome := range r.Outcomes {
		if outcome.Succeeded() {
			dispatched = append(dispatched, outcome.ProviderID)
		} else {
			failed = append(failed, outcome.ProviderID)
		}
	}
	return dispatched, failed
}

var throttlingCodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"ThrottledException":                     {},
	"TooManyRequestsException":               {},
	"RequestLimitExceeded":                   {},
	"RequestThrottled":                       {},
	"RequestThrottledException":              {},
	"ProvisionedThroughputExceededException": {},
	"EC2ThrottledException":                  {},
}

// IsThrottled reports whether err carries an AWS throttling error code.
func IsThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := throttlingCodes[apiErr.ErrorCode()]
	return ok
}

// classify maps an invocation error to a metrics status label.
func classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsThrottled(err):
		return "throttled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

func normalizeDispatchLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
