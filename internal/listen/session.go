package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/metrics"
	"github.com/snarg/listen-engine/internal/stt"
	"github.com/snarg/listen-engine/internal/transcript"
)

// streamCloseTimeout bounds how long closing waits for providers to flush.
const streamCloseTimeout = 10 * time.Second

// Session is one live connection. Provider output reaches it through a
// queue consumed by its control loop; mu guards the aligner and memoryID.
// Changes to the user's in-progress memory also hold the service's user
// lock, taken after mu.
type Session struct {
	id       string
	params   Params
	svc      *Service
	conn     Conn
	sink     *EventSink
	filter   FrameFilter
	stream   stt.Stream
	provider string
	enrolled bool
	start    time.Time
	log      zerolog.Logger

	aligner   *transcript.Aligner
	scheduler *Scheduler

	batches     chan []transcript.Segment
	providerErr chan error
	done        chan struct{}

	mu       sync.Mutex
	memoryID string
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// MemoryID returns the id of the memory the session last appended to.
func (s *Session) MemoryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryID
}

// Run serves the session until the client leaves, a provider fails, the
// lifetime cap is reached or ctx is cancelled. Every provider stream is
// closed and the connection is closed with a code derived from the result
// before Run returns.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() { s.cleanup(err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receive(gctx) })
	g.Go(func() error {
		return Heartbeat(gctx, s.conn, s.start, s.svc.opts.HeartbeatInterval, s.svc.opts.Lifetime)
	})
	g.Go(func() error { return s.control(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Interrupt()
		return nil
	})
	return g.Wait()
}

func (s *Session) receive(ctx context.Context) error {
	for {
		frame, err := s.conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		metrics.FramesReceivedTotal.Inc()

		pcm, reason, ok := s.filter.Process(frame)
		if !ok {
			metrics.FramesDroppedTotal.WithLabelValues(string(reason)).Inc()
			continue
		}
		if err := s.stream.Send(ctx, pcm); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ProviderErrorsTotal.WithLabelValues(s.provider).Inc()
			return &ProviderError{Provider: s.provider, Err: err}
		}
	}
}

// control applies provider output in arrival order.
func (s *Session) control(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-s.batches:
			s.handleBatch(batch)
		case err := <-s.providerErr:
			return err
		}
	}
}

// enqueueBatch is the provider callback. It blocks while the queue is full
// so batches are never reordered or lost, and gives up once the session
// has ended.
func (s *Session) enqueueBatch(batch []transcript.Segment) {
	select {
	case s.batches <- batch:
	case <-s.done:
	}
}

func (s *Session) reportProviderError(err error) {
	metrics.ProviderErrorsTotal.WithLabelValues(s.provider).Inc()
	select {
	case s.providerErr <- &ProviderError{Provider: s.provider, Err: err}:
	default:
	}
}

// handleBatch aligns a batch, forwards it to the client and appends it to
// the in-progress memory, creating the memory on the first non-empty batch.
// Every append rearms finalization for a full quiet period.
func (s *Session) handleBatch(batch []transcript.Segment) {
	if len(batch) == 0 {
		return
	}
	ctx := s.svc.base

	s.mu.Lock()
	aligned := s.aligner.Align(batch)
	if data, err := json.Marshal(aligned); err == nil {
		if err := s.conn.WriteText(data); err != nil {
			s.log.Debug().Err(err).Msg("segments not delivered to client")
		}
	}
	err := s.appendSegments(ctx, aligned)
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Int("segments", len(aligned)).Msg("append segments failed")
		return
	}
	s.scheduler.Arm(s.svc.opts.QuietPeriod)
}

// appendSegments must be called with mu held. The user lock keeps a
// concurrent session of the same user from creating a second memory.
func (s *Session) appendSegments(ctx context.Context, aligned []transcript.Segment) error {
	store, pointers := s.svc.opts.Store, s.svc.opts.Pointers
	uid := s.params.UID
	unlock := s.svc.lockUser(uid)
	defer unlock()

	m, err := memory.Retrieve(ctx, store, pointers, uid)
	if err != nil {
		return fmt.Errorf("retrieve in-progress memory: %w", err)
	}
	now := time.Now()
	if m == nil {
		first := aligned[0]
		started := now.Add(-time.Duration(first.Duration() * float64(time.Second)))
		m = &memory.Memory{
			ID:         uuid.NewString(),
			UserID:     uid,
			Language:   s.params.Language,
			CreatedAt:  started,
			StartedAt:  started,
			FinishedAt: now,
			Status:     memory.StatusInProgress,
		}
		if err := store.UpsertMemory(ctx, m); err != nil {
			return fmt.Errorf("create memory: %w", err)
		}
		s.log.Info().Str("memory_id", m.ID).Msg("memory started")
	}
	if err := pointers.SetInProgress(ctx, uid, m.ID); err != nil {
		s.log.Warn().Err(err).Str("memory_id", m.ID).Msg("set in-progress pointer failed")
	}

	merged := transcript.Merge(m.Segments, aligned)
	if err := store.UpdateSegments(ctx, uid, m.ID, merged); err != nil {
		return fmt.Errorf("update segments: %w", err)
	}
	if err := store.UpdateFinishedAt(ctx, uid, m.ID, now); err != nil {
		return fmt.Errorf("update finished_at: %w", err)
	}
	s.memoryID = m.ID
	metrics.SegmentsAppendedTotal.Add(float64(len(aligned)))
	return nil
}

// cleanup releases everything the session holds. Provider output that
// arrives while the streams flush is still appended.
func (s *Session) cleanup(runErr error) {
	code := CloseCode(runErr)
	switch {
	case code == websocket.CloseInternalServerErr:
		s.log.Error().Err(runErr).Msg("session failed")
	case errors.Is(runErr, ErrSessionTimeout):
		s.log.Info().Dur("lifetime", s.svc.opts.Lifetime).Msg("session lifetime reached")
	}
	s.conn.Close(code, closeReason(runErr))

	closed := make(chan error, 1)
	go func() { closed <- s.stream.Close() }()
	timeout := time.NewTimer(streamCloseTimeout)
	defer timeout.Stop()
drain:
	for {
		select {
		case batch := <-s.batches:
			s.handleBatch(batch)
		case err := <-closed:
			if err != nil {
				s.log.Debug().Err(err).Msg("provider stream close")
			}
			break drain
		case <-timeout.C:
			s.log.Warn().Msg("provider streams did not close in time")
			break drain
		}
	}
	close(s.done)
	for len(s.batches) > 0 {
		s.handleBatch(<-s.batches)
	}

	s.scheduler.Stop()
	s.svc.remove(s)
	metrics.SessionsClosedTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	s.log.Info().Int("code", code).Dur("duration", time.Since(s.start)).Msg("session closed")
}

func closeReason(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrClientGone), errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, ErrSessionTimeout):
		return "session timeout"
	default:
		return "internal error"
	}
}
