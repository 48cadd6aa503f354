package scheduler

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/detect"
	"github.com/realport/feedsync/internal/dispatch"
	"github.com/realport/feedsync/internal/reconcile"
	"github.com/realport/feedsync/internal/telemetry"
)

type fakeDispatcher struct{ runs int }

func (f *fakeDispatcher) Run(_ context.Context) (dispatch.Report, error) {
	f.runs++
	return dispatch.Report{}, nil
}

type fakeDetector struct{}

func (fakeDetector) DetectLoops(_ context.Context) (detect.LoopReport, error) {
	return detect.LoopReport{}, nil
}

func (fakeDetector) SweepHeartbeats(_ context.Context) (detect.HeartbeatReport, error) {
	return detect.HeartbeatReport{}, nil
}

type fakeReconciler struct{}

func (fakeReconciler) Run(_ context.Context) (reconcile.Report, error) {
	return reconcile.Report{}, nil
}

type fakeGauges struct{}

func (fakeGauges) StatusCounts(_ context.Context) (map[core.Status]int, error) {
	return map[core.Status]int{}, nil
}

type fakeSlotGauge struct{}

func (fakeSlotGauge) Counter(_ context.Context) (int, error) { return 0, nil }

type fakeJanitor struct{}

func (fakeJanitor) CleanupExpired(_ context.Context) ([]int64, error) { return nil, nil }

func TestSchedulerStop_Idempotent(t *testing.T) {
	s := &Scheduler{
		stop: make(chan struct{}),
	}

	s.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Stop should be idempotent, panicked on second call: %v", r)
		}
	}()

	s.Stop()
}

func TestSchedulerStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JobTimeout = time.Second
	s := New(cfg, &fakeDispatcher{}, fakeDetector{}, fakeReconciler{}, fakeJanitor{}, fakeGauges{}, fakeSlotGauge{}, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestRunJob_RecordsPassSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	d := &fakeDispatcher{}
	cfg := Config{JobTimeout: time.Second}
	s := New(cfg, d, fakeDetector{}, fakeReconciler{}, fakeJanitor{}, fakeGauges{}, fakeSlotGauge{}, nil,
		WithTracer(tp.Tracer(telemetry.TracerName)))

	s.runJob("dispatch", s.runDispatch)

	if d.runs != 1 {
		t.Fatalf("dispatch ran %d times, want 1", d.runs)
	}
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "pass.dispatch" {
		t.Errorf("span name = %q, want pass.dispatch", spans[0].Name())
	}
}

func TestSchedulerStart_SkipsDisabledPasses(t *testing.T) {
	cfg := Config{JobTimeout: time.Second}
	s := New(cfg, &fakeDispatcher{}, fakeDetector{}, fakeReconciler{}, fakeJanitor{}, fakeGauges{}, fakeSlotGauge{}, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if got := len(s.cron.Entries()); got != 0 {
		t.Errorf("registered %d entries, want 0 with all intervals disabled", got)
	}
}
