// Package memory holds the recording session ("memory") model shared by the
// live listener, the durable store and the ephemeral pointer store.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/snarg/listen-engine/internal/transcript"
)

// Status is the lifecycle state of a memory.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDiscarded  Status = "discarded"
)

// ErrNotFound is returned by stores when a memory does not exist.
var ErrNotFound = errors.New("memory not found")

// Memory is one recording session. While in progress it accumulates
// transcript segments; finalization turns it into a completed (or discarded)
// record with a structured summary attached by the processing pipeline.
type Memory struct {
	ID         string               `json:"id"`
	UserID     string               `json:"uid"`
	Language   string               `json:"language"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Status     Status               `json:"status"`
	Discarded  bool                 `json:"discarded"`
	Segments   []transcript.Segment `json:"transcript_segments"`
	Structured json.RawMessage      `json:"structured,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m *Memory) Clone() *Memory {
	c := *m
	c.Segments = append([]transcript.Segment(nil), m.Segments...)
	if m.Structured != nil {
		c.Structured = append(json.RawMessage(nil), m.Structured...)
	}
	return &c
}

// Store is the durable document store for memories.
type Store interface {
	GetMemory(ctx context.Context, uid, id string) (*Memory, error)
	// GetInProgressMemory returns the most recently started in_progress
	// memory for uid, or nil if there is none.
	GetInProgressMemory(ctx context.Context, uid string) (*Memory, error)
	GetProcessingMemories(ctx context.Context, uid string) ([]*Memory, error)
	UpsertMemory(ctx context.Context, m *Memory) error
	UpdateSegments(ctx context.Context, uid, id string, segments []transcript.Segment) error
	UpdateFinishedAt(ctx context.Context, uid, id string, t time.Time) error
	UpdateStatus(ctx context.Context, uid, id string, status Status) error
	SetDiscarded(ctx context.Context, uid, id string) error
	// SaveProcessed stores the pipeline's finalized record.
	SaveProcessed(ctx context.Context, m *Memory) error
}

// Pointers is the fast ephemeral mapping user → active in-progress memory id.
// Writes are last-writer-wins; readers must re-validate against Store.
type Pointers interface {
	GetInProgress(ctx context.Context, uid string) (string, error)
	SetInProgress(ctx context.Context, uid, memoryID string) error
}

// Retrieve finds the user's in-progress memory. The pointer is tried first;
// a pointer to a memory that is missing or no longer in_progress (finalized
// concurrently elsewhere) falls back to a durable query.
func Retrieve(ctx context.Context, store Store, pointers Pointers, uid string) (*Memory, error) {
	id, err := pointers.GetInProgress(ctx, uid)
	if err != nil {
		return nil, err
	}
	if id != "" {
		m, err := store.GetMemory(ctx, uid, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if m != nil && m.Status == StatusInProgress {
			return m, nil
		}
	}
	return store.GetInProgressMemory(ctx, uid)
}
