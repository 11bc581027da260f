package listen

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/snarg/listen-engine/internal/audio"
	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/processor"
	"github.com/snarg/listen-engine/internal/profile"
	"github.com/snarg/listen-engine/internal/transcript"
)

func seg(text string, start, end float64) transcript.Segment {
	return transcript.Segment{Text: text, Speaker: "SPEAKER_00", Start: start, End: end}
}

func TestSessionAppendsAndFinalizes(t *testing.T) {
	h := newHarness(t, func(o *ServiceOptions) { o.QuietPeriod = 60 * time.Millisecond })
	conn := newFakeConn()
	_, done := h.start(t, defaultParams("u1"), conn)

	conn.in <- []byte{1, 2, 3}
	waitFor(t, "frame forwarded", func() bool { n, _ := h.dialer.stream(0).stats(); return n == 1 })

	cb := h.dialer.stream(0).cb
	cb.OnBatch([]transcript.Segment{seg("hello", 3, 4)})
	cb.OnBatch([]transcript.Segment{seg("world", 5, 6)})

	waitFor(t, "memory_created", hasEvent(conn, EventMemoryCreated))

	var created *memory.Memory
	for _, ev := range conn.events() {
		if ev.Type == EventMemoryCreated {
			created = ev.Memory
		}
	}
	if created.Status != memory.StatusCompleted {
		t.Errorf("status = %q, want completed", created.Status)
	}
	if len(created.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(created.Segments))
	}
	// The first batch sets the trim base.
	if created.Segments[0].Start != 0 || created.Segments[1].Start != 2 {
		t.Errorf("starts = %v, %v; want 0, 2", created.Segments[0].Start, created.Segments[1].Start)
	}
	if !hasEvent(conn, EventProcessingStarted)() {
		t.Error("no memory_processing_started event")
	}
	if n := conn.count(func(s string) bool { return strings.HasPrefix(s, "[") }); n != 2 {
		t.Errorf("client got %d segment batches, want 2", n)
	}

	stored, err := h.store.GetMemory(context.Background(), "u1", created.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if stored.Status != memory.StatusCompleted {
		t.Errorf("stored status = %q, want completed", stored.Status)
	}

	close(conn.in)
	if err := waitRun(t, done); !errors.Is(err, ErrClientGone) {
		t.Errorf("Run = %v, want ErrClientGone", err)
	}
	if code, _ := conn.closeCode(); code != 1001 {
		t.Errorf("close code = %d, want 1001", code)
	}
	if _, closes := h.dialer.stream(0).stats(); closes != 1 {
		t.Errorf("stream closed %d times, want 1", closes)
	}
	if n := h.svc.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions = %d after close, want 0", n)
	}
}

func TestSessionRearmsOnEveryBatch(t *testing.T) {
	const q = 150 * time.Millisecond
	h := newHarness(t, func(o *ServiceOptions) { o.QuietPeriod = q })
	conn := newFakeConn()
	_, done := h.start(t, defaultParams("u1"), conn)
	cb := h.dialer.stream(0).cb

	for i := 0; i < 4; i++ {
		cb.OnBatch([]transcript.Segment{seg("word", float64(i), float64(i)+0.5)})
		time.Sleep(q / 3)
	}
	if hasEvent(conn, EventMemoryCreated)() {
		t.Fatal("finalized while batches kept arriving")
	}
	waitFor(t, "memory_created", hasEvent(conn, EventMemoryCreated))
	time.Sleep(q)

	n := 0
	for _, ev := range conn.events() {
		if ev.Type == EventMemoryCreated {
			n++
			if len(ev.Memory.Segments) != 4 {
				t.Errorf("finalized %d segments, want 4", len(ev.Memory.Segments))
			}
		}
	}
	if n != 1 {
		t.Errorf("%d finalizations, want 1", n)
	}
	close(conn.in)
	waitRun(t, done)
}

func TestSessionWithoutSpeechCreatesNothing(t *testing.T) {
	h := newHarness(t, func(o *ServiceOptions) { o.QuietPeriod = 20 * time.Millisecond })
	conn := newFakeConn()
	s, done := h.start(t, defaultParams("u1"), conn)

	h.dialer.stream(0).cb.OnBatch(nil)
	conn.in <- []byte{0}
	time.Sleep(60 * time.Millisecond)
	close(conn.in)
	waitRun(t, done)

	if m, _ := h.store.GetInProgressMemory(context.Background(), "u1"); m != nil {
		t.Errorf("memory %s created without segments", m.ID)
	}
	if n := len(conn.events()); n != 0 {
		t.Errorf("%d lifecycle events, want 0", n)
	}
	if st := s.scheduler.State(); st == TimerFired {
		t.Error("finalization fired with no activity")
	}
}

func seedInProgress(t *testing.T, h *harness, uid string, finished time.Time) *memory.Memory {
	t.Helper()
	m := &memory.Memory{
		ID:         "m-prev",
		UserID:     uid,
		Language:   "en",
		CreatedAt:  finished.Add(-time.Minute),
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		Status:     memory.StatusInProgress,
		Segments:   []transcript.Segment{seg("earlier", 0, 1)},
	}
	ctx := context.Background()
	if err := h.store.UpsertMemory(ctx, m); err != nil {
		t.Fatalf("UpsertMemory: %v", err)
	}
	if err := h.pointers.SetInProgress(ctx, uid, m.ID); err != nil {
		t.Fatalf("SetInProgress: %v", err)
	}
	return m
}

func TestSessionResume(t *testing.T) {
	t.Run("within_quiet_period_arms_remaining", func(t *testing.T) {
		const q = time.Second
		h := newHarness(t, func(o *ServiceOptions) { o.QuietPeriod = q })
		seedInProgress(t, h, "u1", time.Now().Add(-900*time.Millisecond))

		conn := newFakeConn()
		opened := time.Now()
		s, done := h.start(t, defaultParams("u1"), conn)
		if !s.scheduler.Armed() {
			t.Fatal("timer not armed for resumed memory")
		}
		waitFor(t, "memory_created", hasEvent(conn, EventMemoryCreated))
		if elapsed := time.Since(opened); elapsed >= 700*time.Millisecond {
			t.Errorf("finalized after %v, want the remaining ~100ms", elapsed)
		}
		close(conn.in)
		waitRun(t, done)
	})

	t.Run("carry_over_offsets_new_segments", func(t *testing.T) {
		h := newHarness(t, func(o *ServiceOptions) { o.QuietPeriod = time.Minute })
		prev := seedInProgress(t, h, "u1", time.Now().Add(-10*time.Second))

		conn := newFakeConn()
		_, done := h.start(t, defaultParams("u1"), conn)
		h.dialer.stream(0).cb.OnBatch([]transcript.Segment{seg("again", 1, 2)})
		close(conn.in)
		waitRun(t, done)

		m, err := h.store.GetMemory(context.Background(), "u1", prev.ID)
		if err != nil {
			t.Fatalf("GetMemory: %v", err)
		}
		if len(m.Segments) != 2 {
			t.Fatalf("segments = %d, want 2", len(m.Segments))
		}
		// Started 70s ago: the new segment lands about 71s in.
		if got := m.Segments[1].Start; got < 70 || got > 73 {
			t.Errorf("resumed segment start = %v, want about 71", got)
		}
		if !transcript.IsSorted(m.Segments) {
			t.Error("segments not sorted")
		}
	})

	t.Run("stale_memory_finalized_in_background", func(t *testing.T) {
		release := make(chan struct{})
		h := newHarness(t, func(o *ServiceOptions) {
			o.QuietPeriod = 50 * time.Millisecond
			o.Processor = processFunc(func(m *memory.Memory) (*processor.Result, error) {
				select {
				case <-release:
				case <-time.After(2 * time.Second):
				}
				return &processor.Result{Memory: m.Clone()}, nil
			})
		})
		prev := seedInProgress(t, h, "u1", time.Now().Add(-time.Second))

		conn := newFakeConn()
		_, done := h.start(t, defaultParams("u1"), conn)
		ctx := context.Background()
		m, err := h.store.GetMemory(ctx, "u1", prev.ID)
		if err != nil {
			t.Fatalf("GetMemory: %v", err)
		}
		if m.Status != memory.StatusProcessing {
			t.Errorf("status = %q when Open returned, want processing", m.Status)
		}
		if !hasEvent(conn, EventProcessingStarted)() {
			t.Error("no memory_processing_started event when Open returned")
		}

		close(release)
		waitFor(t, "memory_created", hasEvent(conn, EventMemoryCreated))
		m, err = h.store.GetMemory(ctx, "u1", prev.ID)
		if err != nil {
			t.Fatalf("GetMemory: %v", err)
		}
		if m.Status != memory.StatusCompleted {
			t.Errorf("status = %q, want completed", m.Status)
		}
		close(conn.in)
		waitRun(t, done)
	})

	t.Run("processing_memory_recovered", func(t *testing.T) {
		h := newHarness(t, nil)
		m := &memory.Memory{ID: "m-stuck", UserID: "u1", Status: memory.StatusProcessing, Segments: []transcript.Segment{seg("x", 0, 1)}}
		h.store.UpsertMemory(context.Background(), m)

		conn := newFakeConn()
		_, done := h.start(t, defaultParams("u1"), conn)
		waitFor(t, "memory_created", hasEvent(conn, EventMemoryCreated))
		if hasEvent(conn, EventProcessingStarted)() {
			t.Error("processing_started sent for a memory already processing")
		}
		close(conn.in)
		waitRun(t, done)
	})
}

func TestSessionProcessingFailureDiscards(t *testing.T) {
	h := newHarness(t, func(o *ServiceOptions) {
		o.QuietPeriod = 30 * time.Millisecond
		o.Processor = processFunc(func(*memory.Memory) (*processor.Result, error) {
			return nil, errors.New("pipeline down")
		})
	})
	conn := newFakeConn()
	_, done := h.start(t, defaultParams("u1"), conn)
	h.dialer.stream(0).cb.OnBatch([]transcript.Segment{seg("hi", 0, 1)})

	waitFor(t, "memory_created", hasEvent(conn, EventMemoryCreated))
	for _, ev := range conn.events() {
		if ev.Type == EventMemoryCreated && !ev.Memory.Discarded {
			t.Error("memory_created not marked discarded")
		}
	}
	id, _ := h.pointers.GetInProgress(context.Background(), "u1")
	m, err := h.store.GetMemory(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if m.Status != memory.StatusDiscarded {
		t.Errorf("status = %q, want discarded", m.Status)
	}

	// The session survives a processing failure.
	select {
	case err := <-done:
		t.Fatalf("session ended: %v", err)
	default:
	}
	close(conn.in)
	waitRun(t, done)
}

func TestSessionProviderErrorKeepsMemory(t *testing.T) {
	h := newHarness(t, nil)
	conn := newFakeConn()
	_, done := h.start(t, defaultParams("u1"), conn)
	stream := h.dialer.stream(0)
	stream.cb.OnBatch([]transcript.Segment{seg("hi", 0, 1)})
	stream.cb.OnError(errors.New("socket reset"))

	err := waitRun(t, done)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Run = %v, want ProviderError", err)
	}
	if code, _ := conn.closeCode(); code != 1011 {
		t.Errorf("close code = %d, want 1011", code)
	}
	if _, closes := stream.stats(); closes != 1 {
		t.Errorf("stream closed %d times, want 1", closes)
	}
	m, _ := h.store.GetInProgressMemory(context.Background(), "u1")
	if m == nil || len(m.Segments) != 1 {
		t.Errorf("in-progress memory = %+v, want one segment kept", m)
	}
}

func TestSessionSendFailure(t *testing.T) {
	h := newHarness(t, nil)
	conn := newFakeConn()
	_, done := h.start(t, defaultParams("u1"), conn)
	stream := h.dialer.stream(0)
	stream.mu.Lock()
	stream.sendErr = errors.New("broken pipe")
	stream.mu.Unlock()
	conn.in <- []byte{1}

	var pe *ProviderError
	if err := waitRun(t, done); !errors.As(err, &pe) {
		t.Errorf("Run = %v, want ProviderError", err)
	}
}

func TestSessionLifetimeCap(t *testing.T) {
	h := newHarness(t, func(o *ServiceOptions) {
		o.HeartbeatInterval = 10 * time.Millisecond
		o.Lifetime = 35 * time.Millisecond
	})
	conn := newFakeConn()
	_, done := h.start(t, defaultParams("u1"), conn)

	if err := waitRun(t, done); !errors.Is(err, ErrSessionTimeout) {
		t.Fatalf("Run = %v, want ErrSessionTimeout", err)
	}
	if code, _ := conn.closeCode(); code != 1001 {
		t.Errorf("close code = %d, want 1001", code)
	}
	if n := conn.count(func(s string) bool { return s == `{"type":"ping"}` }); n < 2 {
		t.Errorf("%d pings, want at least 2", n)
	}
	if _, closes := h.dialer.stream(0).stats(); closes != 1 {
		t.Errorf("stream closed %d times, want 1", closes)
	}
}

func TestSessionContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	conn := newFakeConn()
	s, err := h.svc.Open(context.Background(), defaultParams("u1"), conn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if code, _ := conn.closeCode(); code != 1001 {
		t.Errorf("close code = %d, want 1001", code)
	}
}

func TestOpenEnrollment(t *testing.T) {
	sample := &profile.Sample{
		PCM:        make([]byte, 3200*5),
		SampleRate: 16000,
		Duration:   500 * time.Millisecond,
		Window:     5500 * time.Millisecond,
	}
	p := Params{UID: "u1", Language: "en", SampleRate: 16000, Codec: audio.CodecPCM16, Channels: 1, IncludeSpeechProfile: true}

	t.Run("two_streams_and_sample_fed", func(t *testing.T) {
		h := newHarness(t, func(o *ServiceOptions) { o.Profiles = staticProfiles{sample: sample} })
		conn := newFakeConn()
		s, done := h.start(t, p, conn)
		if !s.enrolled {
			t.Fatal("session not enrolled")
		}
		primary, preload := h.dialer.stream(0), h.dialer.stream(1)
		if primary.opts.PreSeconds != 0.5 || primary.opts.LiveOffset != 5.5 {
			t.Errorf("primary opts = %+v", primary.opts)
		}
		if sent, _ := primary.stats(); sent != 5 {
			t.Errorf("primary got %d sample chunks, want 5", sent)
		}

		conn.in <- []byte{1, 2}
		waitFor(t, "live frame on preload", func() bool { n, _ := preload.stats(); return n == 1 })

		close(conn.in)
		waitRun(t, done)
		for i, st := range []*fakeStream{primary, preload} {
			if _, closes := st.stats(); closes != 1 {
				t.Errorf("stream %d closed %d times, want 1", i, closes)
			}
		}
	})

	t.Run("opt_out_uses_one_stream", func(t *testing.T) {
		h := newHarness(t, func(o *ServiceOptions) { o.Profiles = staticProfiles{sample: sample} })
		q := p
		q.IncludeSpeechProfile = false
		conn := newFakeConn()
		_, done := h.start(t, q, conn)
		close(conn.in)
		waitRun(t, done)
		if n := len(h.dialer.streams); n != 1 {
			t.Errorf("dialed %d streams, want 1", n)
		}
	})

	t.Run("second_dial_failure_closes_first", func(t *testing.T) {
		h := newHarness(t, func(o *ServiceOptions) { o.Profiles = staticProfiles{sample: sample} })
		h.dialer.failAt = 2
		_, err := h.svc.Open(context.Background(), p, newFakeConn())
		var pe *ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("Open = %v, want ProviderError", err)
		}
		if _, closes := h.dialer.stream(0).stats(); closes != 1 {
			t.Errorf("primary closed %d times, want 1", closes)
		}
	})
}

func TestPostProcess(t *testing.T) {
	var forced *memory.Memory
	h := newHarness(t, func(o *ServiceOptions) {
		o.Processor = processFunc(func(m *memory.Memory) (*processor.Result, error) {
			forced = m
			out := m.Clone()
			out.Status = memory.StatusCompleted
			return &processor.Result{Memory: out}, nil
		})
	})
	ctx := context.Background()
	h.store.UpsertMemory(ctx, &memory.Memory{
		ID: "m1", UserID: "u1", Status: memory.StatusCompleted,
		Segments: []transcript.Segment{
			{Text: "me", SpeakerID: 1, IsUser: true, Start: 0, End: 1},
			{Text: "them", SpeakerID: 0, Start: 1, End: 2},
		},
	})

	fresh := []transcript.Segment{
		{Text: "them again", SpeakerID: 0, Start: 1, End: 2},
		{Text: "me again", SpeakerID: 1, Start: 0, End: 1},
	}
	res, err := h.svc.PostProcess(ctx, "u1", "m1", fresh)
	if err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if forced == nil || !transcript.IsSorted(forced.Segments) {
		t.Fatal("processor did not receive a sorted transcript")
	}
	if !res.Memory.Segments[0].IsUser || res.Memory.Segments[1].IsUser {
		t.Errorf("user flags = %v, %v; want true, false", res.Memory.Segments[0].IsUser, res.Memory.Segments[1].IsUser)
	}

	h.store.UpsertMemory(ctx, &memory.Memory{ID: "m2", UserID: "u1", Status: memory.StatusInProgress})
	if _, err := h.svc.PostProcess(ctx, "u1", "m2", fresh); !errors.Is(err, ErrMemoryInProgress) {
		t.Errorf("PostProcess in-progress = %v, want ErrMemoryInProgress", err)
	}
	h.store.UpsertMemory(ctx, &memory.Memory{ID: "m3", UserID: "u1", Status: memory.StatusDiscarded, Discarded: true})
	if _, err := h.svc.PostProcess(ctx, "u1", "m3", fresh); !errors.Is(err, ErrMemoryDiscarded) {
		t.Errorf("PostProcess discarded = %v, want ErrMemoryDiscarded", err)
	}
	if _, err := h.svc.PostProcess(ctx, "u1", "missing", fresh); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("PostProcess missing = %v, want ErrNotFound", err)
	}
}

// slowStore widens the window between looking up and creating a memory.
type slowStore struct {
	memory.Store
	delay time.Duration
}

func (s slowStore) GetInProgressMemory(ctx context.Context, uid string) (*memory.Memory, error) {
	time.Sleep(s.delay)
	return s.Store.GetInProgressMemory(ctx, uid)
}

func TestConcurrentSessionsShareMemory(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.opts.Store = slowStore{Store: h.store, delay: 50 * time.Millisecond}

	c1, c2 := newFakeConn(), newFakeConn()
	s1, done1 := h.start(t, defaultParams("u1"), c1)
	s2, done2 := h.start(t, defaultParams("u1"), c2)

	go h.dialer.stream(0).cb.OnBatch([]transcript.Segment{seg("from one", 0, 1)})
	go h.dialer.stream(1).cb.OnBatch([]transcript.Segment{seg("from two", 0, 1)})
	waitFor(t, "both batches appended", func() bool {
		return s1.MemoryID() != "" && s2.MemoryID() != ""
	})

	if s1.MemoryID() != s2.MemoryID() {
		t.Fatalf("sessions created memories %s and %s, want one", s1.MemoryID(), s2.MemoryID())
	}
	m, err := h.store.GetMemory(context.Background(), "u1", s1.MemoryID())
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if len(m.Segments) != 2 {
		t.Errorf("segments = %d, want 2", len(m.Segments))
	}

	close(c1.in)
	close(c2.in)
	waitRun(t, done1)
	waitRun(t, done2)
	h.svc.mu.Lock()
	locks := len(h.svc.userLocks)
	h.svc.mu.Unlock()
	if locks != 0 {
		t.Errorf("%d user locks left after sessions ended, want 0", locks)
	}
}
