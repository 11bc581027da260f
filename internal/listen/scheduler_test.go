package listen

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFiresOnceAfterLastArm(t *testing.T) {
	var (
		mu    sync.Mutex
		fires []time.Time
	)
	s := NewScheduler(context.Background(), func(context.Context) {
		mu.Lock()
		fires = append(fires, time.Now())
		mu.Unlock()
	})
	defer s.Stop()

	const q = 80 * time.Millisecond
	var lastArm time.Time
	for i := 0; i < 5; i++ {
		lastArm = time.Now()
		s.Arm(q)
		time.Sleep(q / 4)
	}
	if st := s.State(); st != TimerArmed {
		t.Fatalf("State() = %v, want armed", st)
	}
	time.Sleep(3 * q)

	mu.Lock()
	defer mu.Unlock()
	if len(fires) != 1 {
		t.Fatalf("fired %d times, want 1", len(fires))
	}
	if got := fires[0].Sub(lastArm); got < q {
		t.Errorf("fired %v after last arm, want >= %v", got, q)
	}
	if st := s.State(); st != TimerUnset {
		t.Errorf("State() after firing = %v, want unset", st)
	}
}

func TestSchedulerStop(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(context.Background(), func(context.Context) { fired.Add(1) })

	s.Arm(30 * time.Millisecond)
	s.Stop()
	if st := s.State(); st != TimerCancelled {
		t.Errorf("State() = %v, want cancelled", st)
	}
	s.Arm(time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("fired %d times after Stop, want 0", n)
	}
}

func TestSchedulerArmAwaitsRunningAction(t *testing.T) {
	var running, overlap atomic.Int32
	var fired atomic.Int32
	s := NewScheduler(context.Background(), func(context.Context) {
		if running.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(40 * time.Millisecond)
		running.Add(-1)
		fired.Add(1)
	})
	defer s.Stop()

	s.Arm(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	// The first action is running; Arm must wait for it.
	s.Arm(time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("Arm returned before the running action finished (fired=%d)", n)
	}
	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n != 2 {
		t.Errorf("fired %d times, want 2", n)
	}
	if overlap.Load() != 0 {
		t.Error("two actions ran concurrently")
	}
}

func TestTimerStateString(t *testing.T) {
	for st, want := range map[TimerState]string{
		TimerUnset:     "unset",
		TimerArmed:     "armed",
		TimerFired:     "fired",
		TimerCancelled: "cancelled",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}
