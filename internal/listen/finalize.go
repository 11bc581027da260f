package listen

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/metrics"
)

// finalizeCurrent is the scheduler action. It clears the aligner so the
// next batch starts a new recording, then finalizes the user's in-progress
// memory if it has any segments. Once the memory is marked processing the
// locks are released; new batches go to a fresh memory while the
// pipeline runs.
func (s *Session) finalizeCurrent(ctx context.Context) {
	s.mu.Lock()
	s.aligner.Reset()
	unlock := s.svc.lockUser(s.params.UID)
	m, err := memory.Retrieve(ctx, s.svc.opts.Store, s.svc.opts.Pointers, s.params.UID)
	if err != nil {
		unlock()
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("retrieve in-progress memory for finalization")
		return
	}
	if m == nil || len(m.Segments) == 0 {
		unlock()
		s.mu.Unlock()
		return
	}
	s.svc.beginProcessing(ctx, m, s.sink, s.log)
	unlock()
	if s.memoryID == m.ID {
		s.memoryID = ""
	}
	s.mu.Unlock()

	s.svc.completeMemory(ctx, m, languageOf(m, s.params.Language), s.sink, s.log)
}

// beginProcessing moves m to processing and tells the client.
func (svc *Service) beginProcessing(ctx context.Context, m *memory.Memory, sink *EventSink, log zerolog.Logger) {
	if m.Status == memory.StatusProcessing {
		return
	}
	m.Status = memory.StatusProcessing
	sink.Emit(Event{Type: EventProcessingStarted, Memory: m})
	if err := svc.opts.Store.UpdateStatus(ctx, m.UserID, m.ID, memory.StatusProcessing); err != nil {
		log.Error().Err(err).Str("memory_id", m.ID).Msg("mark memory processing")
	}
}

// completeMemory runs m through the processing pipeline and stores the
// result. A pipeline failure discards the memory; the client is told either
// way. A store failure leaves m in processing so a later session retries it.
func (svc *Service) completeMemory(ctx context.Context, m *memory.Memory, language string, sink *EventSink, log zerolog.Logger) {
	log = log.With().Str("memory_id", m.ID).Logger()

	res, err := svc.opts.Processor.Process(ctx, m.UserID, language, m, false)
	if err != nil {
		log.Error().Err(&ProcessingError{MemoryID: m.ID, Err: err}).Msg("memory discarded")
		if err := svc.opts.Store.SetDiscarded(ctx, m.UserID, m.ID); err != nil {
			log.Error().Err(err).Msg("mark memory discarded")
		}
		discarded := m.Clone()
		discarded.Status = memory.StatusDiscarded
		discarded.Discarded = true
		metrics.FinalizationsTotal.WithLabelValues("discarded").Inc()
		sink.Emit(Event{Type: EventMemoryCreated, Memory: discarded})
		return
	}

	out := finalized(m, res.Memory)
	if err := svc.opts.Store.SaveProcessed(ctx, out); err != nil {
		log.Error().Err(err).Msg("store processed memory")
		metrics.FinalizationsTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.FinalizationsTotal.WithLabelValues("completed").Inc()
	log.Info().Int("segments", len(out.Segments)).Msg("memory completed")
	sink.Emit(Event{Type: EventMemoryCreated, Memory: out, Messages: res.Messages})
}

// finalized fills in what the pipeline may leave out of its record.
func finalized(in, out *memory.Memory) *memory.Memory {
	if out == nil {
		out = in.Clone()
	}
	if out.ID == "" {
		out.ID = in.ID
	}
	if out.UserID == "" {
		out.UserID = in.UserID
	}
	switch out.Status {
	case "", memory.StatusInProgress, memory.StatusProcessing:
		out.Status = memory.StatusCompleted
	}
	if out.Status == memory.StatusDiscarded {
		out.Discarded = true
	}
	return out
}
