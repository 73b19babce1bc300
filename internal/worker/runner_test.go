package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type funcWorker struct {
	name string
	fn   func(ctx context.Context) error
}

func (w funcWorker) Name() string                  { return w.name }
func (w funcWorker) Run(ctx context.Context) error { return w.fn(ctx) }

func TestRunnerCancelsAllOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	var sawCancel atomic.Bool

	r := NewRunner(
		funcWorker{"failing", func(context.Context) error { return boom }},
		funcWorker{"waiting", func(ctx context.Context) error {
			<-ctx.Done()
			sawCancel.Store(true)
			return nil
		}},
	)

	err := r.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want boom", err)
	}
	if !sawCancel.Load() {
		t.Error("sibling worker was not cancelled")
	}
}

func TestRunnerCleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(funcWorker{"idle", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil on clean cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPeriodicRunsAndStops(t *testing.T) {
	var ticks atomic.Int64
	p := NewPeriodic("counter", 5*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	})
	if p.Name() != "counter" {
		t.Errorf("Name() = %q", p.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ticks.Load() < 3 {
		t.Fatal("periodic function never ran")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
