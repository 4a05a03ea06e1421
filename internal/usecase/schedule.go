package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/semmidev/ferry/internal/domain"
)

type ScheduleRepository interface {
	SaveSchedule(schedule *domain.MigrationSchedule) error
	LoadSchedule(id string) (*domain.MigrationSchedule, error)
	ListSchedules() ([]*domain.MigrationSchedule, error)
}

type IncrementalStarter interface {
	StartIncrementalJob(ctx context.Context, req IncrementalRequest) (string, error)
	GetIncremental(id string) (*domain.IncrementalJob, error)
}

// ScheduleService starts single-cycle incremental migrations on recurring schedules.
type ScheduleService struct {
	repo        ScheduleRepository
	incremental IncrementalStarter
	logger      Logger
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewScheduleService(repo ScheduleRepository, incremental IncrementalStarter, logger Logger) *ScheduleService {
	return &ScheduleService{
		repo:        repo,
		incremental: incremental,
		logger:      logger,
		now:         time.Now,
		inFlight:    make(map[string]bool),
	}
}

func (s *ScheduleService) CreateSchedule(name string, firstRun time.Time, pattern domain.RecurrencePattern, syncInterval time.Duration) (*domain.MigrationSchedule, error) {
	if name == "" {
		return nil, fmt.Errorf("schedule name is required")
	}
	if _, err := domain.ParseRecurrence(string(pattern)); err != nil {
		return nil, err
	}

	schedule := &domain.MigrationSchedule{
		ID:                uuid.NewString(),
		Name:              name,
		ScheduledAt:       firstRun,
		NextExecutionAt:   firstRun,
		RecurrencePattern: pattern,
		SyncInterval:      syncInterval,
		Active:            true,
		CreatedAt:         s.now(),
	}
	if err := s.repo.SaveSchedule(schedule); err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}

	s.logger.Infof("[%s] Schedule %q created: %s from %s", schedule.ID, name, pattern, firstRun.Format(time.RFC3339))
	return schedule, nil
}

func (s *ScheduleService) DeactivateSchedule(id string) error {
	schedule, err := s.repo.LoadSchedule(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
		}
		return err
	}
	schedule.Active = false
	if err := s.repo.SaveSchedule(schedule); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	s.logger.Infof("[%s] Schedule %q deactivated", id, schedule.Name)
	return nil
}

func (s *ScheduleService) ListSchedules() ([]*domain.MigrationSchedule, error) {
	schedules, err := s.repo.ListSchedules()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	sort.Slice(schedules, func(i, k int) bool { return schedules[i].CreatedAt.Before(schedules[k].CreatedAt) })
	return schedules, nil
}

// Poll starts every due schedule. Failures of one schedule are logged and do
// not stop the others; a schedule that failed to start stays due.
func (s *ScheduleService) Poll(ctx context.Context) error {
	schedules, err := s.ListSchedules()
	if err != nil {
		return err
	}

	now := s.now()
	for _, schedule := range schedules {
		if !schedule.Active || schedule.NextExecutionAt.After(now) {
			continue
		}
		if err := s.execute(ctx, schedule, now); err != nil {
			s.logger.Errorf("[%s] Scheduled run of %q failed: %v", schedule.ID, schedule.Name, err)
		}
	}
	return nil
}

func (s *ScheduleService) execute(ctx context.Context, schedule *domain.MigrationSchedule, now time.Time) error {
	if !s.claim(schedule.ID) {
		return nil
	}
	defer s.release(schedule.ID)

	previous, err := s.previousJob(schedule)
	if err != nil {
		return err
	}
	if previous != nil && previous.Status == domain.IncrementalRunning {
		s.logger.Infof("[%s] Previous job %s still running, skipping this run", schedule.ID, schedule.LastJobID)
		return nil
	}

	watermark := schedule.ScheduledAt
	switch {
	case previous != nil && previous.Status != domain.IncrementalCompleted:
		// The previous run did not finish its window, so sync it again.
		watermark = previous.LastSyncTimestamp
		s.logger.Warnf("[%s] Previous job %s ended %s, syncing again from %s",
			schedule.ID, previous.ID, previous.Status, watermark.Format(time.RFC3339))
	case schedule.LastExecutedAt != nil:
		watermark = *schedule.LastExecutedAt
	}

	jobID, err := s.incremental.StartIncrementalJob(ctx, IncrementalRequest{
		SyncInterval:      schedule.SyncInterval,
		LastSyncTimestamp: watermark,
		SingleCycle:       true,
		ScheduleID:        schedule.ID,
	})
	if err != nil {
		return fmt.Errorf("start incremental job: %w", err)
	}

	schedule.LastExecutedAt = &now
	schedule.LastJobID = jobID
	schedule.ExecutionCount++
	schedule.NextExecutionAt = schedule.NextAfter(now)
	if err := s.repo.SaveSchedule(schedule); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}

	s.logger.Infof("[%s] Started job %s for %q, next run at %s",
		schedule.ID, jobID, schedule.Name, schedule.NextExecutionAt.Format(time.RFC3339))
	return nil
}

// previousJob returns the job started by the last run, or nil when there is
// none or it can no longer be found.
func (s *ScheduleService) previousJob(schedule *domain.MigrationSchedule) (*domain.IncrementalJob, error) {
	if schedule.LastJobID == "" {
		return nil, nil
	}
	job, err := s.incremental.GetIncremental(schedule.LastJobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *ScheduleService) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *ScheduleService) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
