package listen

import (
	"context"
	"errors"
	"fmt"

	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/processor"
	"github.com/snarg/listen-engine/internal/stt"
	"github.com/snarg/listen-engine/internal/transcript"
)

// ErrMemoryInProgress rejects post-processing of a memory that is still
// being recorded.
var ErrMemoryInProgress = errors.New("memory is still in progress")

// ErrMemoryDiscarded rejects post-processing of a discarded memory.
var ErrMemoryDiscarded = errors.New("memory is discarded")

// PostProcess replaces a finalized memory's transcript with a higher
// quality re-transcription. The user flag is carried over from the stored
// transcript before the memory is force-processed and saved.
func (svc *Service) PostProcess(ctx context.Context, uid, memoryID string, segments []transcript.Segment) (*processor.Result, error) {
	m, err := svc.opts.Store.GetMemory(ctx, uid, memoryID)
	if err != nil {
		return nil, err
	}
	if m.Status == memory.StatusInProgress {
		return nil, ErrMemoryInProgress
	}
	if m.Discarded || m.Status == memory.StatusDiscarded {
		return nil, ErrMemoryDiscarded
	}

	fresh, err := transcript.ReconcileSpeakers(ctx, m.Segments, segments, svc.opts.Matcher, transcript.DefaultTokenBudget)
	if err != nil {
		return nil, fmt.Errorf("reconcile speakers: %w", err)
	}
	m.Segments = transcript.Merge(nil, fresh)

	res, err := svc.opts.Processor.Process(ctx, uid, languageOf(m, stt.DefaultLanguage), m, true)
	if err != nil {
		return nil, &ProcessingError{MemoryID: m.ID, Err: err}
	}
	out := finalized(m, res.Memory)
	if err := svc.opts.Store.SaveProcessed(ctx, out); err != nil {
		return nil, fmt.Errorf("store processed memory: %w", err)
	}
	svc.log.Info().Str("uid", uid).Str("memory_id", m.ID).Int("segments", len(out.Segments)).Msg("memory post-processed")
	return &processor.Result{Memory: out, Messages: res.Messages}, nil
}
