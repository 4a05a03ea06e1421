package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/semmidev/ferry/internal/domain"
)

// FailureHandler is told about jobs that ended in failure. It runs on the
// job's worker, so anything that waits for that worker must be done elsewhere.
type FailureHandler func(jobID string, cause error)

// Jobs routes job-level commands to the engine that owns the job.
type Jobs struct {
	batch       *BatchMigration
	incremental *IncrementalMigration
}

func NewJobs(batch *BatchMigration, incremental *IncrementalMigration) *Jobs {
	return &Jobs{batch: batch, incremental: incremental}
}

// Lookup returns whichever kind of job has the id; exactly one result is non-nil.
func (j *Jobs) Lookup(id string) (*domain.BatchJob, *domain.IncrementalJob, error) {
	batch, err := j.batch.GetBatch(id)
	if err == nil {
		return batch, nil, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, nil, err
	}

	incremental, err := j.incremental.GetIncremental(id)
	if err != nil {
		return nil, nil, err
	}
	return nil, incremental, nil
}

func (j *Jobs) Pause(id string) error {
	batch, _, err := j.Lookup(id)
	if err != nil {
		return err
	}
	if batch != nil {
		return j.batch.PauseBatch(id)
	}
	return j.incremental.PauseIncremental(id)
}

func (j *Jobs) Resume(ctx context.Context, id string) error {
	batch, _, err := j.Lookup(id)
	if err != nil {
		return err
	}
	if batch != nil {
		return j.batch.ResumeBatch(ctx, id)
	}
	return j.incremental.ResumeIncremental(ctx, id)
}

// Cancel cancels a batch job or stops an incremental one.
func (j *Jobs) Cancel(ctx context.Context, id string) error {
	batch, _, err := j.Lookup(id)
	if err != nil {
		return err
	}
	if batch != nil {
		return j.batch.CancelBatch(id)
	}
	return j.incremental.StopIncremental(ctx, id)
}

// Retry continues the work of a job after a transient failure. A failed
// incremental job cannot leave its terminal state, so a new job picks up from
// its watermark and that job's id is returned.
func (j *Jobs) Retry(ctx context.Context, id string) (string, error) {
	batch, incremental, err := j.Lookup(id)
	if err != nil {
		return "", err
	}
	if batch != nil {
		return id, j.batch.ResumeBatch(ctx, id)
	}

	switch incremental.Status {
	case domain.IncrementalPaused, domain.IncrementalRunning:
		return id, j.incremental.ResumeIncremental(ctx, id)
	case domain.IncrementalFailed:
		return j.incremental.StartIncrementalJob(ctx, IncrementalRequest{
			SyncInterval:      incremental.SyncInterval,
			LastSyncTimestamp: incremental.LastSyncTimestamp,
			SingleCycle:       incremental.SingleCycle,
			ScheduleID:        incremental.ScheduleID,
		})
	}
	return "", fmt.Errorf("%w: job is %s", ErrInvalidTransition, incremental.Status)
}

// Halt stops a job for good and waits for its worker to exit.
func (j *Jobs) Halt(ctx context.Context, id string) error {
	batch, incremental, err := j.Lookup(id)
	if err != nil {
		return err
	}

	if batch != nil {
		if !batch.Status.IsTerminal() {
			if err := j.batch.CancelBatch(id); err != nil {
				return err
			}
		}
		return j.batch.Wait(ctx, id)
	}

	if !incremental.Status.IsTerminal() {
		if err := j.incremental.StopIncremental(ctx, id); err != nil {
			return err
		}
	}
	return j.incremental.Wait(ctx, id)
}
