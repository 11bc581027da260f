// Package listen runs live transcription sessions: it filters inbound audio,
// streams it to a transcription backend, accumulates the results into the
// user's in-progress memory and finalizes that memory after a quiet period.
package listen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/audio"
	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/metrics"
	"github.com/snarg/listen-engine/internal/processor"
	"github.com/snarg/listen-engine/internal/profile"
	"github.com/snarg/listen-engine/internal/stt"
	"github.com/snarg/listen-engine/internal/transcript"
)

// Processor turns an in-progress memory into a finalized record.
type Processor interface {
	Process(ctx context.Context, uid, language string, m *memory.Memory, force bool) (*processor.Result, error)
}

// ProfileSource looks up a user's speech enrollment sample.
type ProfileSource interface {
	Lookup(ctx context.Context, uid string) (*profile.Sample, bool, error)
}

// UserSet reports membership of a user id.
type UserSet interface {
	Contains(uid string) bool
}

// FrameFilter decodes and voice-gates inbound frames.
type FrameFilter interface {
	Process(frame []byte) (pcm []byte, reason audio.DropReason, ok bool)
}

// FilterFactory builds a session's frame filter.
type FilterFactory func(opts audio.FilterOptions, log zerolog.Logger) (FrameFilter, error)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store     memory.Store
	Pointers  memory.Pointers
	Processor Processor
	Registry  *stt.Registry
	// Profiles is optional; without it no session uses enrollment.
	Profiles ProfileSource
	// BypassVAD lists users whose frames skip voice activity detection.
	BypassVAD UserSet
	Publisher Publisher
	// Matcher resolves the user's speaker on post-processing. Optional.
	Matcher transcript.SpeakerMatcher

	QuietPeriod       time.Duration
	Lifetime          time.Duration
	HeartbeatInterval time.Duration
	VADMode           int
	NewFilter         FilterFactory
	Log               zerolog.Logger
}

// Service opens sessions and owns the work that outlives them.
type Service struct {
	opts ServiceOptions
	log  zerolog.Logger

	// base is the context of finalizations; it ends at Close.
	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	wg        sync.WaitGroup
	closed    bool
	sessions  map[*Session]struct{}
	userLocks map[string]*userLock
}

// userLock serializes changes to one user's in-progress memory across
// sessions. refs counts holders and waiters.
type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(opts ServiceOptions) *Service {
	if opts.NewFilter == nil {
		opts.NewFilter = func(o audio.FilterOptions, log zerolog.Logger) (FrameFilter, error) {
			return audio.NewFilter(o, log)
		}
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Processor == nil {
		opts.Processor = processor.Passthrough{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:      opts,
		log:       opts.Log.With().Str("component", "listen").Logger(),
		base:      base,
		cancel:    cancel,
		sessions:  make(map[*Session]struct{}),
		userLocks: make(map[string]*userLock),
	}
}

// Open starts a session for p on conn. The caller runs it with Session.Run.
// On error nothing was left open except conn, which the caller closes.
func (svc *Service) Open(ctx context.Context, p Params, conn Conn) (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		params:      p,
		svc:         svc,
		conn:        conn,
		aligner:     transcript.NewAligner(),
		start:       time.Now(),
		batches:     make(chan []transcript.Segment, 16),
		providerErr: make(chan error, 1),
		done:        make(chan struct{}),
	}
	s.log = svc.log.With().
		Str("session_id", s.id).
		Str("uid", p.UID).
		Str("language", p.Language).
		Str("codec", string(p.Codec)).
		Int("sample_rate", p.SampleRate).
		Logger()
	s.sink = NewEventSink(p.UID, conn, svc.opts.Publisher, s.log)
	s.scheduler = NewScheduler(svc.base, func(ctx context.Context) {
		svc.track(func() { s.finalizeCurrent(ctx) })
	})

	svc.recoverProcessing(ctx, p, s.sink, s.log)
	s.resume(ctx)

	filter, err := svc.opts.NewFilter(audio.FilterOptions{
		Codec:      p.Codec,
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
		VADMode:    svc.opts.VADMode,
		BypassVAD:  svc.opts.BypassVAD != nil && svc.opts.BypassVAD.Contains(p.UID),
	}, s.log)
	if err != nil {
		s.scheduler.Stop()
		return nil, fmt.Errorf("frame filter: %w", err)
	}
	s.filter = filter

	if err := s.dial(ctx); err != nil {
		s.scheduler.Stop()
		return nil, err
	}

	svc.mu.Lock()
	svc.sessions[s] = struct{}{}
	svc.mu.Unlock()

	s.log.Info().Str("provider", s.provider).Bool("enrollment", s.enrolled).Msg("session opened")
	return s, nil
}

// resume picks up the user's in-progress memory from an earlier session.
// A memory whose quiet period already passed is moved to processing now
// and finalized in the background so the session starts without waiting
// on the pipeline. Otherwise the timer is armed for the time remaining.
func (s *Session) resume(ctx context.Context) {
	svc := s.svc
	unlock := svc.lockUser(s.params.UID)
	m, err := memory.Retrieve(ctx, svc.opts.Store, svc.opts.Pointers, s.params.UID)
	if err != nil {
		unlock()
		s.log.Warn().Err(err).Msg("in-progress memory lookup failed, starting fresh")
		return
	}
	if m == nil {
		unlock()
		return
	}
	now := time.Now()
	since := now.Sub(m.FinishedAt)
	if since >= svc.opts.QuietPeriod && len(m.Segments) > 0 {
		s.log.Info().Str("memory_id", m.ID).Dur("idle", since).Msg("finalizing stale in-progress memory")
		svc.beginProcessing(svc.base, m, s.sink, s.log)
		unlock()
		svc.goTracked(func() {
			svc.completeMemory(svc.base, m, languageOf(m, s.params.Language), s.sink, s.log)
		})
		return
	}
	s.aligner.SetCarryOver(now.Sub(m.StartedAt).Seconds())
	unlock()

	remaining := max(svc.opts.QuietPeriod-since, 0)
	s.log.Info().Str("memory_id", m.ID).Dur("remaining", remaining).Msg("resumed in-progress memory")
	s.scheduler.Arm(remaining)
}

// dial opens the session's provider streams and feeds the enrollment
// sample when the user has one.
func (s *Session) dial(ctx context.Context) error {
	svc := s.svc
	p := s.params
	dialer := svc.opts.Registry.For(stt.Select(p.Language, p.Codec, p.SampleRate))
	s.provider = dialer.Name()

	cb := stt.Callbacks{OnBatch: s.enqueueBatch, OnError: s.reportProviderError}
	opts := stt.Options{Language: p.Language, SampleRate: p.SampleRate, Channels: p.Channels}

	sample := s.lookupSample(ctx)
	if sample == nil {
		primary, err := dialer.Dial(ctx, opts, cb)
		if err != nil {
			metrics.ProviderErrorsTotal.WithLabelValues(s.provider).Inc()
			return &ProviderError{Provider: s.provider, Err: err}
		}
		s.stream = stt.NewRouter(primary, nil, 0, s.log)
		return nil
	}

	primaryOpts := opts
	primaryOpts.PreSeconds = sample.Duration.Seconds()
	primaryOpts.LiveOffset = sample.Window.Seconds()
	primary, err := dialer.Dial(ctx, primaryOpts, cb)
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(s.provider).Inc()
		return &ProviderError{Provider: s.provider, Err: err}
	}
	preload, err := dialer.Dial(ctx, opts, cb)
	if err != nil {
		primary.Close()
		metrics.ProviderErrorsTotal.WithLabelValues(s.provider).Inc()
		return &ProviderError{Provider: s.provider, Err: err}
	}
	if err := sample.Feed(ctx, primary); err != nil {
		primary.Close()
		preload.Close()
		metrics.ProviderErrorsTotal.WithLabelValues(s.provider).Inc()
		return &ProviderError{Provider: s.provider, Err: err}
	}
	s.enrolled = true
	s.stream = stt.NewRouter(primary, preload, sample.Window, s.log)
	return nil
}

func (s *Session) lookupSample(ctx context.Context) *profile.Sample {
	p := s.params
	if s.svc.opts.Profiles == nil || !profile.Eligible(p.Language, p.Codec, p.IncludeSpeechProfile) {
		return nil
	}
	sample, ok, err := s.svc.opts.Profiles.Lookup(ctx, p.UID)
	if err != nil {
		s.log.Warn().Err(err).Msg("speech profile lookup failed, continuing without enrollment")
		return nil
	}
	if !ok {
		return nil
	}
	if sample.SampleRate != p.SampleRate {
		s.log.Warn().
			Int("profile_rate", sample.SampleRate).
			Msg("speech profile sample rate does not match session, continuing without enrollment")
		return nil
	}
	return sample
}

// recoverProcessing finalizes memories a previous session left in
// processing. The list is read before this session can move anything to
// processing itself.
func (svc *Service) recoverProcessing(ctx context.Context, p Params, sink *EventSink, log zerolog.Logger) {
	ms, err := svc.opts.Store.GetProcessingMemories(ctx, p.UID)
	if err != nil {
		log.Warn().Err(err).Msg("processing memory lookup failed")
		return
	}
	if len(ms) == 0 {
		return
	}
	svc.goTracked(func() {
		for _, m := range ms {
			log.Info().Str("memory_id", m.ID).Msg("finalizing memory left in processing")
			svc.completeMemory(svc.base, m, languageOf(m, p.Language), sink, log)
		}
	})
}

func languageOf(m *memory.Memory, fallback string) string {
	if m.Language != "" {
		return m.Language
	}
	return fallback
}

// track runs fn unless the service is closing; Close waits for it.
func (svc *Service) track(fn func()) {
	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		return
	}
	svc.wg.Add(1)
	svc.mu.Unlock()
	defer svc.wg.Done()
	fn()
}

func (svc *Service) goTracked(fn func()) {
	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		return
	}
	svc.wg.Add(1)
	svc.mu.Unlock()
	go func() {
		defer svc.wg.Done()
		fn()
	}()
}

// lockUser takes uid's memory lock and returns its release. Every session
// of the user reads and writes the in-progress memory under it.
func (svc *Service) lockUser(uid string) func() {
	svc.mu.Lock()
	l, ok := svc.userLocks[uid]
	if !ok {
		l = &userLock{}
		svc.userLocks[uid] = l
	}
	l.refs++
	svc.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		svc.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(svc.userLocks, uid)
		}
		svc.mu.Unlock()
	}
}

func (svc *Service) remove(s *Session) {
	svc.mu.Lock()
	delete(svc.sessions, s)
	svc.mu.Unlock()
}

// ActiveSessions reports the number of open live sessions.
func (svc *Service) ActiveSessions() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.sessions)
}

// ArmedTimers reports how many open sessions have a finalization pending.
func (svc *Service) ArmedTimers() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	n := 0
	for s := range svc.sessions {
		if s.scheduler.Armed() {
			n++
		}
	}
	return n
}

// Close waits for in-flight finalizations until ctx is done, then cancels
// whatever is still running.
func (svc *Service) Close(ctx context.Context) error {
	svc.mu.Lock()
	svc.closed = true
	svc.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(done)
	}()
	defer svc.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ metrics.SessionStats = (*Service)(nil)
