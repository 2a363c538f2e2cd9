package wasm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestSchedulerDrainAppliesCompletions(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	defer s.Close()
	ctx := context.Background()

	var applied atomic.Int32
	for range 3 {
		ok := s.Go(ctx, "op", func(context.Context) Completion {
			return func(context.Context) { applied.Add(1) }
		})
		if !ok {
			t.Fatal("Go() rejected work on an open scheduler")
		}
	}

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for !s.Idle() {
		s.Drain(ctx)
		if err := s.Wait(deadline); err != nil {
			t.Fatalf("Wait() failed: %v", err)
		}
	}
	if applied.Load() != 3 {
		t.Errorf("applied %d completions, want 3", applied.Load())
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", s.InFlight())
	}
}

func TestSchedulerCompletionsWaitForDrain(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	defer s.Close()
	ctx := context.Background()

	var applied atomic.Bool
	s.Go(ctx, "op", func(context.Context) Completion {
		return func(context.Context) { applied.Store(true) }
	})

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Wait(deadline); err != nil {
		t.Fatal(err)
	}
	if applied.Load() {
		t.Fatal("completion applied before Drain")
	}
	if n := s.Drain(ctx); n != 1 || !applied.Load() {
		t.Errorf("Drain() = %d, applied = %v", n, applied.Load())
	}
}

func TestSchedulerWaitCancelled(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	release := make(chan struct{})
	defer s.Close()
	defer close(release)

	s.Go(context.Background(), "blocked", func(context.Context) Completion {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
	if s.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", s.InFlight())
	}
}

func TestSchedulerClose(t *testing.T) {
	tests := []struct {
		name string
		// run issues work before Close and returns a check to run after.
		run      func(t *testing.T, s *Scheduler) func(t *testing.T)
		wantLogs string
	}{
		{
			name: "work panics",
			run: func(t *testing.T, s *Scheduler) func(t *testing.T) {
				s.Go(context.Background(), "boom", func(context.Context) Completion {
					panic("boom")
				})
				return func(t *testing.T) {}
			},
			wantLogs: "Deferred operation panicked",
		},
		{
			name: "undrained completion is discarded",
			run: func(t *testing.T, s *Scheduler) func(t *testing.T) {
				var applied atomic.Bool
				s.Go(context.Background(), "op", func(context.Context) Completion {
					return func(context.Context) { applied.Store(true) }
				})
				return func(t *testing.T) {
					if n := s.Drain(context.Background()); n != 0 || applied.Load() {
						t.Errorf("Drain() after Close applied %d completions", n)
					}
				}
			},
		},
		{
			name: "work after close never runs",
			run: func(t *testing.T, s *Scheduler) func(t *testing.T) {
				return func(t *testing.T) {
					var ran atomic.Bool
					if s.Go(context.Background(), "late", func(context.Context) Completion {
						ran.Store(true)
						return nil
					}) {
						t.Error("Go() accepted work after Close")
					}
					if ran.Load() || !s.Idle() {
						t.Error("work ran after Close")
					}
				}
			},
			wantLogs: "Dropping deferred operation after close",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			s := NewScheduler(zap.New(core))

			check := tt.run(t, s)
			s.Close()
			s.Close()
			check(t)

			if tt.wantLogs != "" && logs.FilterMessage(tt.wantLogs).Len() != 1 {
				t.Errorf("expected one %q log entry", tt.wantLogs)
			}
		})
	}
}
