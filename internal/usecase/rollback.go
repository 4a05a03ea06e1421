package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/semmidev/ferry/internal/domain"
)

type SnapshotRepository interface {
	SaveSnapshot(snapshot *domain.Snapshot) error
	LoadSnapshot(jobID string) (*domain.Snapshot, error)
}

// JobController lets recovery act on a job without knowing its kind.
type JobController interface {
	Retry(ctx context.Context, jobID string) (string, error)
	Halt(ctx context.Context, jobID string) error
}

type Rollback struct {
	repo        SnapshotRepository
	source      Platform
	destination Platform
	refresher   domain.TokenRefresher
	jobs        JobController
	delay       time.Duration
	logger      Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRollback(
	repo SnapshotRepository,
	source Platform,
	destination Platform,
	refresher domain.TokenRefresher,
	delay time.Duration,
	logger Logger,
) *Rollback {
	return &Rollback{
		repo:        repo,
		source:      source,
		destination: destination,
		refresher:   refresher,
		delay:       delay,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// WithJobs wires the controller used to halt and retry jobs. It is set after
// construction because the engines themselves take the Rollback as Snapshotter.
func (r *Rollback) WithJobs(jobs JobController) *Rollback {
	r.jobs = jobs
	return r
}

// CreateSnapshot records both platforms as they are before a migration touches them.
func (r *Rollback) CreateSnapshot(ctx context.Context, jobID string) error {
	source, err := dumpPlatform(ctx, r.source, nil)
	if err != nil {
		return fmt.Errorf("snapshot source: %w", err)
	}
	destination, err := dumpPlatform(ctx, r.destination, nil)
	if err != nil {
		return fmt.Errorf("snapshot destination: %w", err)
	}

	snapshot := &domain.Snapshot{
		JobID:       jobID,
		TakenAt:     r.now(),
		Source:      source.Entities,
		Destination: destination.Entities,
	}
	if err := r.repo.SaveSnapshot(snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	r.logger.Infof("[%s] Snapshot taken: %d source and %d destination entities",
		jobID, countEntities(source.Entities), countEntities(destination.Entities))
	return nil
}

// RollbackMigration halts the job, removes destination entities created since
// the snapshot, re-applies the source snapshot and checks the destination
// matches the snapshot again.
func (r *Rollback) RollbackMigration(ctx context.Context, jobID, reason string) domain.RollbackResult {
	result := domain.RollbackResult{JobID: jobID, Reason: reason}
	r.logger.Warnf("[%s] Rolling back: %s", jobID, reason)

	snapshot, err := r.repo.LoadSnapshot(jobID)
	if err != nil {
		result.Message = fmt.Sprintf("no snapshot for job %s: %v", jobID, err)
		return result
	}

	if r.jobs != nil {
		if err := r.jobs.Halt(ctx, jobID); err != nil &&
			!errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrJobNotFound) {
			r.logger.Warnf("[%s] Could not halt job before rollback: %v", jobID, err)
		}
	}

	var errs []error
	for _, entityType := range sortedKeys(snapshot.Destination) {
		deleted, err := r.removeAdded(ctx, entityType, snapshot.Destination[entityType])
		result.Deleted += deleted
		if err != nil {
			errs = append(errs, err)
		}
	}

	restored, err := applyDump(ctx, r.source.Client, snapshot.Source)
	result.Restored = restored
	if err != nil {
		errs = append(errs, fmt.Errorf("restore source: %w", err))
	}

	result.Validated, err = r.validate(ctx, snapshot)
	if err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		result.Message = fmt.Sprintf("rollback incomplete: %v", err)
		r.logger.Errorf("[%s] %s", jobID, result.Message)
		return result
	}

	result.Success = result.Validated
	result.Message = fmt.Sprintf("deleted %d, restored %d", result.Deleted, result.Restored)
	if !result.Validated {
		result.Message += "; destination does not match the snapshot"
	}
	r.logger.Infof("[%s] Rollback finished: %s", jobID, result.Message)
	return result
}

func (r *Rollback) removeAdded(ctx context.Context, entityType string, snapshot []domain.Entity) (int, error) {
	keep := idSet(snapshot)
	current, err := r.destination.Client.List(ctx, entityType)
	if err != nil {
		return 0, fmt.Errorf("list destination %s: %w", entityType, err)
	}

	var errs []error
	deleted := 0
	for _, e := range current {
		if keep[e.ID()] {
			continue
		}
		if err := r.destination.Client.Delete(ctx, entityType, e.ID()); err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", entityType, e.ID(), err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func (r *Rollback) validate(ctx context.Context, snapshot *domain.Snapshot) (bool, error) {
	for _, entityType := range sortedKeys(snapshot.Destination) {
		current, err := r.destination.Client.List(ctx, entityType)
		if err != nil {
			return false, fmt.Errorf("validate destination %s: %w", entityType, err)
		}
		want := idSet(snapshot.Destination[entityType])
		got := idSet(current)
		if len(want) != len(got) {
			return false, nil
		}
		for id := range want {
			if !got[id] {
				return false, nil
			}
		}
	}
	return true, nil
}

// RecoverFromFailure classifies err and runs the matching recovery: retry
// after a delay, refresh credentials then retry, or roll the migration back.
func (r *Rollback) RecoverFromFailure(ctx context.Context, jobID string, cause error) domain.RecoveryResult {
	kind := domain.Classify(cause)
	result := domain.RecoveryResult{
		JobID:    jobID,
		Kind:     kind,
		Strategy: domain.StrategyFor(kind),
	}
	r.logger.Warnf("[%s] Recovering from %s: %v", jobID, kind, cause)

	switch result.Strategy {
	case domain.StrategyRetry:
		delay := r.delay
		if kind == domain.ErrResourceExhaustion {
			delay *= 2
		}
		if err := r.sleep(ctx, delay); err != nil {
			result.Message = fmt.Sprintf("recovery interrupted: %v", err)
			return result
		}
		r.retry(ctx, &result)

	case domain.StrategyRefreshAndRetry:
		if r.refresher == nil {
			result.Message = "no credentials to refresh"
			return result
		}
		if err := r.refresher.Refresh(ctx); err != nil {
			result.Message = fmt.Sprintf("token refresh failed: %v", err)
			return result
		}
		r.retry(ctx, &result)

	default:
		rollback := r.RollbackMigration(ctx, jobID, fmt.Sprintf("%s: %v", kind, cause))
		result.Rollback = &rollback
		result.Success = rollback.Success
		result.Message = rollback.Message
	}

	if result.Success {
		r.logger.Infof("[%s] Recovery by %s succeeded: %s", jobID, result.Strategy, result.Message)
	} else {
		r.logger.Errorf("[%s] Recovery by %s failed: %s", jobID, result.Strategy, result.Message)
	}
	return result
}

func (r *Rollback) retry(ctx context.Context, result *domain.RecoveryResult) {
	if r.jobs == nil {
		result.Message = "no job controller configured"
		return
	}
	id, err := r.jobs.Retry(ctx, result.JobID)
	if err != nil {
		result.Message = fmt.Sprintf("retry failed: %v", err)
		return
	}
	result.Success = true
	result.ResumedJobID = id
	result.Message = fmt.Sprintf("job %s resumed", id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func idSet(entities []domain.Entity) map[string]bool {
	set := make(map[string]bool, len(entities))
	for _, e := range entities {
		set[e.ID()] = true
	}
	return set
}

func sortedKeys(m map[string][]domain.Entity) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func countEntities(m map[string][]domain.Entity) int {
	n := 0
	for _, entities := range m {
		n += len(entities)
	}
	return n
}
