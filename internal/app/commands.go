package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/semmidev/ferry/internal/domain"
	"github.com/semmidev/ferry/internal/usecase"
)

// JobStatus is what `ferry status` prints: the persisted job plus its live
// progress when this process is monitoring it.
type JobStatus struct {
	Batch       *domain.BatchJob          `json:"batch,omitempty"`
	Incremental *domain.IncrementalJob    `json:"incremental,omitempty"`
	Progress    *domain.MigrationProgress `json:"progress,omitempty"`
}

// RunBatch migrates every source entity in batches and blocks until the job
// stops. Interrupting ctx parks the job as paused.
func (a *App) RunBatch(ctx context.Context, batchSize int, createBackup bool) (*domain.BatchJob, error) {
	if batchSize <= 0 {
		batchSize = a.config.Migration.BatchSize
	}

	items, err := usecase.CollectItems(ctx, a.source, a.config.Source.EntityTypes)
	if err != nil {
		return nil, fmt.Errorf("collect items: %w", err)
	}
	a.logger.Infof("Collected %d item(s) from %d entity type(s)", len(items), len(a.config.Source.EntityTypes))

	id, err := a.batch.StartBatch(ctx, items, batchSize, createBackup)
	if err != nil {
		return nil, err
	}
	return a.waitBatch(ctx, id)
}

// RunIncremental syncs changes since the given watermark every interval until
// the job stops, or once when singleCycle is set.
func (a *App) RunIncremental(ctx context.Context, interval time.Duration, since time.Time, singleCycle bool) (*domain.IncrementalJob, error) {
	if interval <= 0 {
		interval = a.config.Migration.SyncInterval
	}

	id, err := a.incremental.StartIncrementalJob(ctx, usecase.IncrementalRequest{
		SyncInterval:      interval,
		LastSyncTimestamp: since,
		SingleCycle:       singleCycle,
	})
	if err != nil {
		return nil, err
	}
	return a.waitIncremental(ctx, id)
}

// Resume continues a paused job in the foreground.
func (a *App) Resume(ctx context.Context, id string) (*JobStatus, error) {
	if err := a.jobs.Resume(ctx, id); err != nil {
		return nil, err
	}

	batch, _, err := a.jobs.Lookup(id)
	if err != nil {
		return nil, err
	}
	if batch != nil {
		job, err := a.waitBatch(ctx, id)
		return &JobStatus{Batch: job}, err
	}
	job, err := a.waitIncremental(ctx, id)
	return &JobStatus{Incremental: job}, err
}

func (a *App) Pause(id string) error {
	return a.jobs.Pause(id)
}

func (a *App) Cancel(ctx context.Context, id string) error {
	return a.jobs.Cancel(ctx, id)
}

func (a *App) Status(id string) (*JobStatus, error) {
	batch, incremental, err := a.jobs.Lookup(id)
	if err != nil {
		return nil, err
	}
	status := &JobStatus{Batch: batch, Incremental: incremental}
	if progress, err := a.monitor.GetProgress(id); err == nil {
		status.Progress = progress
	}
	return status, nil
}

func (a *App) ListJobs() ([]*domain.BatchJob, []*domain.IncrementalJob, error) {
	batches, err := a.batch.ListBatches()
	if err != nil {
		return nil, nil, err
	}
	incrementals, err := a.incremental.ListIncrementals()
	if err != nil {
		return nil, nil, err
	}
	return batches, incrementals, nil
}

// Report generates a fresh report for jobs monitored by this process and
// falls back to the last saved one otherwise.
func (a *App) Report(id string) (*domain.MigrationReport, error) {
	report, err := a.monitor.GenerateReport(id)
	if errors.Is(err, usecase.ErrJobNotFound) {
		return a.repo.LatestReport(id)
	}
	return report, err
}

func (a *App) Backup(ctx context.Context, jobID string, incremental bool, parentID string) domain.BackupResult {
	if incremental {
		return a.backup.CreateIncrementalBackup(ctx, jobID, parentID)
	}
	return a.backup.CreateFullBackup(ctx, jobID)
}

func (a *App) Restore(ctx context.Context, backupID string) domain.RestoreResult {
	return a.backup.RestoreFromBackup(ctx, backupID)
}

func (a *App) ListBackups(jobID string) ([]*domain.BackupInfo, error) {
	return a.backup.ListBackups(jobID)
}

func (a *App) DeleteBackup(ctx context.Context, backupID string) error {
	return a.backup.DeleteBackup(ctx, backupID)
}

func (a *App) Cleanup(ctx context.Context) error {
	return a.cleanup.Execute(ctx)
}

func (a *App) Rollback(ctx context.Context, jobID, reason string) domain.RollbackResult {
	return a.rollback.RollbackMigration(ctx, jobID, reason)
}

// Recover runs the recovery dispatcher against the error recorded on a failed job.
func (a *App) Recover(ctx context.Context, jobID string) (domain.RecoveryResult, error) {
	status, err := a.Status(jobID)
	if err != nil {
		return domain.RecoveryResult{}, err
	}

	var message string
	switch {
	case status.Batch != nil && status.Batch.Status == domain.BatchFailed:
		message = status.Batch.Error
	case status.Incremental != nil && status.Incremental.Status == domain.IncrementalFailed:
		message = status.Incremental.Error
	default:
		return domain.RecoveryResult{}, fmt.Errorf("%w: job %s has not failed", usecase.ErrInvalidTransition, jobID)
	}

	return a.rollback.RecoverFromFailure(ctx, jobID, errors.New(message)), nil
}

func (a *App) CreateSchedule(name string, firstRun time.Time, pattern string, interval time.Duration) (*domain.MigrationSchedule, error) {
	p, err := domain.ParseRecurrence(pattern)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = a.config.Migration.SyncInterval
	}
	return a.schedules.CreateSchedule(name, firstRun, p, interval)
}

func (a *App) DeactivateSchedule(id string) error {
	return a.schedules.DeactivateSchedule(id)
}

func (a *App) ListSchedules() ([]*domain.MigrationSchedule, error) {
	return a.schedules.ListSchedules()
}

func (a *App) waitBatch(ctx context.Context, id string) (*domain.BatchJob, error) {
	if err := a.wait(ctx, id, a.batch.Wait); err != nil {
		return nil, err
	}
	return a.batch.GetBatch(id)
}

func (a *App) waitIncremental(ctx context.Context, id string) (*domain.IncrementalJob, error) {
	if err := a.wait(ctx, id, a.incremental.Wait); err != nil {
		return nil, err
	}
	return a.incremental.GetIncremental(id)
}

// wait blocks until the job's worker exits. When ctx ends first, the workers
// are shut down so the job is parked as paused and can be resumed later.
func (a *App) wait(ctx context.Context, id string, wait func(context.Context, string) error) error {
	if err := wait(ctx, id); err != nil {
		if ctx.Err() == nil {
			return err
		}
		a.logger.Warnf("[%s] Interrupted, parking the job", id)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.store.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("park %s: %w", id, err)
		}
	}
	a.saveReport(id)
	return nil
}

func (a *App) saveReport(id string) {
	report, err := a.monitor.GenerateReport(id)
	if err != nil {
		a.logger.Warnf("[%s] Could not save report: %v", id, err)
		return
	}
	a.logger.Infof("[%s] Report saved to %s", id, report.FilePath)
}
