package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

type fakeTarget struct {
	mu       sync.Mutex
	invoked  []string
	failFor  map[string]error
	panicFor map[string]bool
	delay    time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeTarget) Name() string { return "fake" }

func (f *fakeTarget) Invoke(ctx context.Context, request Request) (Ack, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if current <= old || f.peak.CompareAndSwap(old, current) {
			break
		}
	}

	f.mu.Lock()
	f.invoked = append(f.invoked, request.ProviderID)
	f.mu.Unlock()

	if f.panicFor[request.ProviderID] {
		panic("target exploded")
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err := f.failFor[request.ProviderID]; err != nil {
		return Ack{}, err
	}
	return Ack{StatusCode: 202, RequestID: "req-" + request.ProviderID}, nil
}

func (f *fakeTarget) HealthCheck(context.Context) error { return nil }
func (f *fakeTarget) Close() error                      { return nil }

func requestsFor(ids ...string) []Request {
	out := make([]Request, 0, len(ids))
	for _, id := range ids {
		out = append(out, Request{ProviderID: id, Payload: []byte(`{}`)})
	}
	return out
}

func newTestDispatcher(t *testing.T, target Target, cfg Config) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(target, logger.NewNop(), cfg)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(nil, logger.NewNop(), Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewDispatcher(&fakeTarget{}, nil, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	d := newTestDispatcher(t, &fakeTarget{}, Config{})
	if d.config.Workers != DefaultWorkers {
		t.Fatalf("expected default workers %d, got %d", DefaultWorkers, d.config.Workers)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	boom := errors.New("invoke failed")
	target := &fakeTarget{failFor: map[string]error{"B": boom}}
	d := newTestDispatcher(t, target, Config{})

	report := d.Dispatch(context.Background(), requestsFor("A", "B", "C"))

	if len(target.invoked) != 3 {
		t.Fatalf("expected 3 invocations, got %v", target.invoked)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected 1 failure, got %d", report.Failed())
	}
	dispatched, failed := report.ProviderIDs()
	sort.Strings(dispatched)
	if len(dispatched) != 2 || dispatched[0] != "A" || dispatched[1] != "C" {
		t.Fatalf("unexpected dispatched ids %v", dispatched)
	}
	if len(failed) != 1 || failed[0] != "B" {
		t.Fatalf("unexpected failed ids %v", failed)
	}
	if !errors.Is(report.Failures()[0].Err, boom) {
		t.Fatalf("expected boom, got %v", report.Failures()[0].Err)
	}
	for _, outcome := range report.Successes() {
		if outcome.Ack.StatusCode != 202 {
			t.Fatalf("expected status 202, got %d", outcome.Ack.StatusCode)
		}
	}
}

func TestDispatchConvertsPanicsToFailures(t *testing.T) {
	target := &fakeTarget{panicFor: map[string]bool{"A": true}}
	report := newTestDispatcher(t, target, Config{}).Dispatch(context.Background(), requestsFor("A", "B"))

	if report.Failed() != 1 || report.Failures()[0].ProviderID != "A" {
		t.Fatalf("expected A to fail, got %+v", report.Outcomes)
	}
	if len(report.Successes()) != 1 {
		t.Fatalf("expected B to succeed, got %+v", report.Outcomes)
	}
}

func TestDispatchRespectsWorkerBound(t *testing.T) {
	target := &fakeTarget{delay: 10 * time.Millisecond}
	ids := make([]string, 0, 20)
	for i := range 20 {
		ids = append(ids, string(rune('a'+i)))
	}
	report := newTestDispatcher(t, target, Config{Workers: 3}).Dispatch(context.Background(), requestsFor(ids...))

	if len(report.Outcomes) != 20 || report.Failed() != 0 {
		t.Fatalf("expected 20 successes, got %d outcomes / %d failed", len(report.Outcomes), report.Failed())
	}
	if peak := target.peak.Load(); peak > 3 {
		t.Fatalf("expected at most 3 concurrent invocations, got %d", peak)
	}
}

func TestDispatchAppliesInvokeTimeout(t *testing.T) {
	target := &fakeTarget{delay: time.Second}
	report := newTestDispatcher(t, target, Config{InvokeTimeout: 20 * time.Millisecond}).
		Dispatch(context.Background(), requestsFor("A"))

	if report.Failed() != 1 || !errors.Is(report.Failures()[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %+v", report.Outcomes)
	}
}

func TestDispatchWithCancelledContextReportsEveryRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := &fakeTarget{}
	report := newTestDispatcher(t, target, Config{}).Dispatch(ctx, requestsFor("A", "B"))

	if len(report.Outcomes) != 2 || report.Failed() != 2 {
		t.Fatalf("expected 2 failed outcomes, got %+v", report.Outcomes)
	}
	if len(target.invoked) != 0 {
		t.Fatalf("expected no invocations, got %v", target.invoked)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	target := &fakeTarget{}
	d := newTestDispatcher(t, target, Config{RatePerSecond: 50})
	started := time.Now()
	report := d.Dispatch(context.Background(), requestsFor("A", "B", "C", "D"))
	if report.Failed() != 0 {
		t.Fatalf("unexpected failures %+v", report.Failures())
	}
	// burst of 50 covers all four requests
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("rate limiter delayed dispatch too long: %v", elapsed)
	}
}

func TestDispatchEmpty(t *testing.T) {
	report := newTestDispatcher(t, &fakeTarget{}, Config{}).Dispatch(context.Background(), nil)
	if len(report.Outcomes) != 0 || report.Target != "fake" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestClassify(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{throttled, "throttled"},
		{context.DeadlineExceeded, "timeout"},
		{dispatchError(ErrRejected, "status 500"), "rejected"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !IsThrottled(errors.Join(errors.New("wrapped"), throttled)) {
		t.Fatal("expected wrapped throttling error to be detected")
	}
}
