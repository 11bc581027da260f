package listen

import (
	"context"
	"sync"
	"time"
)

// TimerState is the state of a Scheduler.
type TimerState int

const (
	TimerUnset TimerState = iota
	TimerArmed
	TimerFired
	TimerCancelled
)

func (s TimerState) String() string {
	switch s {
	case TimerArmed:
		return "armed"
	case TimerFired:
		return "fired"
	case TimerCancelled:
		return "cancelled"
	default:
		return "unset"
	}
}

// Scheduler runs one delayed action at a time. Arm replaces any pending
// action: the prior one is cancelled and awaited before the new delay
// starts, so two actions are never outstanding. An action that has fired
// runs to completion and a concurrent Arm waits for it.
type Scheduler struct {
	action func(ctx context.Context)
	base   context.Context

	// armMu serializes Arm and Stop so cancel-and-await is atomic with
	// respect to the next schedule.
	armMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	state   TimerState
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler returns an unset scheduler. The action runs with base as
// its context so a firing outlives the session that armed it.
func NewScheduler(base context.Context, action func(ctx context.Context)) *Scheduler {
	return &Scheduler{action: action, base: base}
}

// Arm schedules the action to run after d, replacing any pending one.
// It is a no-op after Stop.
func (s *Scheduler) Arm(d time.Duration) {
	s.armMu.Lock()
	defer s.armMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	prevCancel, prevDone := s.cancel, s.done
	if s.state == TimerArmed {
		s.state = TimerCancelled
	}
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	if s.stopped || s.gen != gen {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel, s.done = cancel, done
	s.state = TimerArmed
	s.mu.Unlock()

	go s.wait(ctx, gen, d, done)
}

func (s *Scheduler) wait(ctx context.Context, gen uint64, d time.Duration, done chan struct{}) {
	defer close(done)
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	s.mu.Lock()
	if s.stopped || s.gen != gen || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.state = TimerFired
	s.mu.Unlock()

	s.action(s.base)

	s.mu.Lock()
	if s.gen == gen {
		s.state = TimerUnset
	}
	s.mu.Unlock()
}

// Stop cancels a pending action. An action that already fired keeps
// running on the base context and is not awaited. The scheduler cannot be
// armed again.
func (s *Scheduler) Stop() {
	s.armMu.Lock()
	defer s.armMu.Unlock()

	s.mu.Lock()
	s.stopped = true
	s.gen++
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	fired := s.state == TimerFired
	if s.state == TimerArmed {
		s.state = TimerCancelled
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		if !fired {
			<-done
		}
	}
}

// State reports the scheduler's current state.
func (s *Scheduler) State() TimerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Armed reports whether an action is pending.
func (s *Scheduler) Armed() bool {
	return s.State() == TimerArmed
}
