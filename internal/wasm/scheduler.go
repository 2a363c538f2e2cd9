package wasm

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Completion publishes the outcome of deferred work into guest memory.
// It always runs on the goroutine that drives the guest.
type Completion func(ctx context.Context)

// Work is the off-stack part of a deferred host operation. It must not touch
// guest memory; it returns the Completion that does.
type Work func(ctx context.Context) Completion

// Scheduler runs deferred host work and hands completions back to the guest
// at turn boundaries.
//
// Guest memory is only ever mutated by the goroutine running the guest:
// Work runs concurrently, but its Completion is queued and applied by Drain,
// which the instance calls before and after each exported call and between
// frames. A guest polling a PendingResult therefore observes the whole record
// at once, never a flag without its payload.
type Scheduler struct {
	wg conc.WaitGroup

	mu       sync.Mutex
	ready    []Completion
	inFlight int
	closed   bool

	// Signalled whenever a completion is queued.
	signal chan struct{}

	logger *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		signal: make(chan struct{}, 1),
		logger: logger.With(zap.String("component", "wasm-scheduler")),
	}
}

// Go starts work in the background and reports whether it was accepted.
// After Close no work is accepted and work never runs. Accepted work keeps
// running when ctx is cancelled after Go returns; only the values of ctx are
// inherited.
func (s *Scheduler) Go(ctx context.Context, name string, work Work) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("Dropping deferred operation after close", zap.String("operation", name))
		return false
	}
	s.inFlight++
	s.mu.Unlock()

	workCtx := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		var done Completion
		defer func() {
			s.mu.Lock()
			s.inFlight--
			if done != nil && !s.closed {
				s.ready = append(s.ready, done)
			}
			s.mu.Unlock()
			s.notify()
		}()

		s.logger.Debug("Deferred operation started", zap.String("operation", name))
		done = work(workCtx)
	})
	return true
}

func (s *Scheduler) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Drain applies every queued completion in the order the work finished and
// returns how many ran. Call it only from the goroutine driving the guest.
func (s *Scheduler) Drain(ctx context.Context) int {
	s.mu.Lock()
	ready := s.ready
	s.ready = nil
	s.mu.Unlock()

	for _, complete := range ready {
		complete(ctx)
	}
	return len(ready)
}

// InFlight returns the number of operations whose work has not finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Idle reports whether there is neither running work nor a queued completion.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight == 0 && len(s.ready) == 0
}

// Wait blocks until a completion is queued, all work has finished, or ctx is
// done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		settled := len(s.ready) > 0 || s.inFlight == 0
		s.mu.Unlock()
		if settled {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.signal:
		}
	}
}

// Close stops accepting work, waits for running work to finish and discards
// completions that were never drained. Panics raised by work are logged.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if recovered := s.wg.WaitAndRecover(); recovered != nil {
		s.logger.Error("Deferred operation panicked",
			zap.Any("value", recovered.Value),
			zap.String("stack", string(recovered.Stack)),
		)
	}

	s.mu.Lock()
	dropped := len(s.ready)
	s.ready = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("Discarded undrained completions", zap.Int("count", dropped))
	}
}
