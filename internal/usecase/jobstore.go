package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/semmidev/ferry/internal/domain"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrWorkerRunning     = errors.New("worker already running")
	ErrShuttingDown      = errors.New("job store is shutting down")
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// JobStore owns the in-memory state of every job this process knows about and
// the handles of their workers. Reads hand out copies; writes go through
// Update* closures under the store lock.
type JobStore struct {
	mu           sync.Mutex
	batches      map[string]*domain.BatchJob
	incrementals map[string]*domain.IncrementalJob
	tasks        map[string]*task
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJobStore() *JobStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobStore{
		batches:      make(map[string]*domain.BatchJob),
		incrementals: make(map[string]*domain.IncrementalJob),
		tasks:        make(map[string]*task),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *JobStore) PutBatch(job *domain.BatchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[job.ID] = job.Clone()
}

func (s *JobStore) Batch(id string) (*domain.BatchJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.batches[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

func (s *JobStore) Batches() []*domain.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.BatchJob, 0, len(s.batches))
	for _, job := range s.batches {
		out = append(out, job.Clone())
	}
	return out
}

// UpdateBatch applies fn to the stored job and returns a copy of the result.
// If fn fails the job is left untouched.
func (s *JobStore) UpdateBatch(id string, fn func(*domain.BatchJob) error) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.batches[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	working := job.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	s.batches[id] = working
	return working.Clone(), nil
}

func (s *JobStore) PutIncremental(job *domain.IncrementalJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementals[job.ID] = job.Clone()
}

func (s *JobStore) Incremental(id string) (*domain.IncrementalJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.incrementals[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

func (s *JobStore) Incrementals() []*domain.IncrementalJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.IncrementalJob, 0, len(s.incrementals))
	for _, job := range s.incrementals {
		out = append(out, job.Clone())
	}
	return out
}

func (s *JobStore) UpdateIncremental(id string, fn func(*domain.IncrementalJob) error) (*domain.IncrementalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.incrementals[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	working := job.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	s.incrementals[id] = working
	return working.Clone(), nil
}

// Go launches the worker for id. At most one worker per job runs at a time.
// The worker's context is cancelled by Shutdown; wake receives Signal calls.
func (s *JobStore) Go(id string, fn func(ctx context.Context, wake <-chan struct{})) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShuttingDown
	}
	if _, running := s.tasks[id]; running {
		return ErrWorkerRunning
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	s.tasks[id] = t
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, id)
			s.mu.Unlock()
			cancel()
			close(t.done)
		}()
		fn(ctx, t.wake)
	}()
	return nil
}

func (s *JobStore) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Signal wakes a worker that is sleeping between units of work.
func (s *JobStore) Signal(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the worker for id has returned or ctx is done.
func (s *JobStore) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting workers, cancels the running ones and waits for
// them to park their jobs.
func (s *JobStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
