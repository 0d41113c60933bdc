package jobstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node deployments
// where the API and worker share a process.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	subs map[string][]chan Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		subs: make(map[string][]chan Job),
	}
}

func (s *MemoryStore) Create(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	copied := *job
	return &copied, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, delta Delta) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	job.apply(delta)
	snapshot := *job

	terminal := snapshot.Status.Terminal()
	for _, ch := range s.subs[id] {
		select {
		case ch <- snapshot:
			continue
		default:
		}
		if !terminal {
			// Slow subscribers drop intermediate snapshots.
			continue
		}
		// The terminal snapshot always goes through: evict the oldest queued
		// frame to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
	if terminal {
		for _, ch := range s.subs[id] {
			close(ch)
		}
		delete(s.subs, id)
	}
	return &snapshot, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	ch := make(chan Job, 64)
	ch <- *job
	if job.Status.Terminal() {
		close(ch)
		return ch, nil
	}
	s.subs[id] = append(s.subs[id], ch)
	return ch, nil
}
