package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/go-vaudio/internal/logging"
)

func TestRunnerStateString(t *testing.T) {
	tests := []struct {
		state RunnerState
		want  string
	}{
		{RunnerIdle, "idle"},
		{RunnerRunning, "running"},
		{RunnerStopped, "stopped"},
		{RunnerState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRunnerDrainsOnInterval(t *testing.T) {
	var calls atomic.Int32
	r := NewRunner(context.Background(), Config{
		Interval: time.Millisecond,
		Drain: func() int {
			calls.Add(1)
			return 2
		},
		Logger: logging.Nop(),
	})
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("drain called %d times, want at least 3", calls.Load())
	}
	if r.State() != RunnerRunning {
		t.Errorf("state = %s, want running", r.State())
	}
}

func TestRunnerKick(t *testing.T) {
	drained := make(chan struct{}, 16)
	r := NewRunner(context.Background(), Config{
		Interval: time.Hour,
		Drain: func() int {
			drained <- struct{}{}
			return 1
		},
		Logger: logging.Nop(),
	})
	r.Start()
	defer r.Stop()

	r.Kick()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not trigger a drain")
	}
	if r.Delivered() != 1 {
		t.Errorf("Delivered() = %d, want 1", r.Delivered())
	}
}

func TestRunnerStopRunsFinalDrain(t *testing.T) {
	var calls atomic.Int32
	r := NewRunner(context.Background(), Config{
		Interval: time.Hour,
		Drain:    func() int { calls.Add(1); return 0 },
		Logger:   logging.Nop(),
	})
	r.Start()
	r.Stop()

	if calls.Load() != 1 {
		t.Errorf("drain called %d times on stop, want 1", calls.Load())
	}
	if r.State() != RunnerStopped {
		t.Errorf("state = %s, want stopped", r.State())
	}
	r.Stop()
	r.Start()
	if r.State() != RunnerStopped {
		t.Error("a stopped runner must not restart")
	}
}

func TestRunnerContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(ctx, Config{Interval: time.Millisecond, Logger: logging.Nop()})
	r.Start()

	cancel()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit on context cancellation")
	}
	if r.State() != RunnerStopped {
		t.Errorf("state = %s, want stopped", r.State())
	}
}

func TestRunnerStopBeforeStart(t *testing.T) {
	r := NewRunner(context.Background(), Config{Logger: logging.Nop()})
	r.Stop()
	if r.State() != RunnerStopped {
		t.Errorf("state = %s, want stopped", r.State())
	}
}
