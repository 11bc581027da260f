package memory

import (
	"context"
	"sync"
	"time"

	"github.com/snarg/listen-engine/internal/transcript"
)

// MemStore is an in-process Store used for local runs without Postgres and
// in tests.
type MemStore struct {
	mu   sync.Mutex
	byID map[string]*Memory
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]*Memory)}
}

func (s *MemStore) GetMemory(_ context.Context, uid, id string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.UserID != uid {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemStore) GetInProgressMemory(_ context.Context, uid string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Memory
	for _, m := range s.byID {
		if m.UserID != uid || m.Status != StatusInProgress {
			continue
		}
		if latest == nil || m.StartedAt.After(latest.StartedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (s *MemStore) GetProcessingMemories(_ context.Context, uid string) ([]*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Memory
	for _, m := range s.byID {
		if m.UserID == uid && m.Status == StatusProcessing {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) UpsertMemory(_ context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = m.Clone()
	return nil
}

func (s *MemStore) UpdateSegments(_ context.Context, uid, id string, segments []transcript.Segment) error {
	return s.update(uid, id, func(m *Memory) {
		m.Segments = append([]transcript.Segment(nil), segments...)
	})
}

func (s *MemStore) UpdateFinishedAt(_ context.Context, uid, id string, t time.Time) error {
	return s.update(uid, id, func(m *Memory) { m.FinishedAt = t })
}

func (s *MemStore) UpdateStatus(_ context.Context, uid, id string, status Status) error {
	return s.update(uid, id, func(m *Memory) { m.Status = status })
}

func (s *MemStore) SetDiscarded(_ context.Context, uid, id string) error {
	return s.update(uid, id, func(m *Memory) {
		m.Status = StatusDiscarded
		m.Discarded = true
	})
}

func (s *MemStore) SaveProcessed(_ context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; !ok {
		return ErrNotFound
	}
	s.byID[m.ID] = m.Clone()
	return nil
}

func (s *MemStore) update(uid, id string, fn func(*Memory)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.UserID != uid {
		return ErrNotFound
	}
	fn(m)
	return nil
}

// MemPointers is an in-process Pointers implementation.
type MemPointers struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewMemPointers creates an empty in-process pointer store.
func NewMemPointers() *MemPointers {
	return &MemPointers{ids: make(map[string]string)}
}

func (p *MemPointers) GetInProgress(_ context.Context, uid string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ids[uid], nil
}

func (p *MemPointers) SetInProgress(_ context.Context, uid, memoryID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[uid] = memoryID
	return nil
}
