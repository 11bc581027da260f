package listen

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/audio"
	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/processor"
	"github.com/snarg/listen-engine/internal/profile"
	"github.com/snarg/listen-engine/internal/stt"
)

var errDeadline = errors.New("i/o timeout")

type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte
	code    int
	closes  int

	interrupted chan struct{}
	intOnce     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), interrupted: make(chan struct{})}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return nil, ErrClientGone
		}
		return m, nil
	case <-c.interrupted:
		return nil, errDeadline
	}
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Interrupt() {
	c.intOnce.Do(func() { close(c.interrupted) })
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes == 0 {
		c.code = code
	}
	c.closes++
	return nil
}

func (c *fakeConn) closeCode() (code, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.closes
}

// events returns the lifecycle events written so far.
func (c *fakeConn) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, w := range c.written {
		var ev Event
		if json.Unmarshal(w, &ev) == nil && ev.Type != "" {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) count(pred func(string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.written {
		if pred(string(w)) {
			n++
		}
	}
	return n
}

type fakeStream struct {
	opts stt.Options
	cb   stt.Callbacks

	mu      sync.Mutex
	sent    int
	closes  int
	sendErr error
}

func (s *fakeStream) Send(_ context.Context, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) stats() (sent, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.closes
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	failAt  int // 1-based dial that fails; 0 never
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(_ context.Context, opts stt.Options, cb stt.Callbacks) (stt.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == len(d.streams)+1 {
		return nil, errors.New("dial refused")
	}
	s := &fakeStream{opts: opts, cb: cb}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

type passFilter struct{}

func (passFilter) Process(frame []byte) ([]byte, audio.DropReason, bool) {
	return frame, "", true
}

type processFunc func(m *memory.Memory) (*processor.Result, error)

func (f processFunc) Process(_ context.Context, _, _ string, m *memory.Memory, _ bool) (*processor.Result, error) {
	return f(m)
}

type staticProfiles struct {
	sample *profile.Sample
}

func (p staticProfiles) Lookup(context.Context, string) (*profile.Sample, bool, error) {
	return p.sample, p.sample != nil, nil
}

type harness struct {
	svc      *Service
	store    *memory.MemStore
	pointers *memory.MemPointers
	dialer   *fakeDialer
}

func newHarness(t *testing.T, mod func(*ServiceOptions)) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewMemStore(),
		pointers: memory.NewMemPointers(),
		dialer:   &fakeDialer{},
	}
	reg, err := stt.NewRegistry("fake", "fake", h.dialer)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	opts := ServiceOptions{
		Store:             h.store,
		Pointers:          h.pointers,
		Registry:          reg,
		QuietPeriod:       time.Minute,
		Lifetime:          time.Hour,
		HeartbeatInterval: time.Hour,
		NewFilter: func(audio.FilterOptions, zerolog.Logger) (FrameFilter, error) {
			return passFilter{}, nil
		},
		Log: zerolog.Nop(),
	}
	if mod != nil {
		mod(&opts)
	}
	h.svc = NewService(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.svc.Close(ctx)
	})
	return h
}

func defaultParams(uid string) Params {
	return Params{UID: uid, Language: "en", SampleRate: 8000, Codec: audio.CodecPCM8, Channels: 1}
}

// start opens a session and runs it in the background. The returned
// channel yields Run's result.
func (h *harness) start(t *testing.T, p Params, conn *fakeConn) (*Session, <-chan error) {
	t.Helper()
	s, err := h.svc.Open(context.Background(), p, conn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return s, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func hasEvent(conn *fakeConn, typ string) func() bool {
	return func() bool {
		for _, ev := range conn.events() {
			if ev.Type == typ {
				return true
			}
		}
		return false
	}
}
