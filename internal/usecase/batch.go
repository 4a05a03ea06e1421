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

const batchKind = "batch"

type BatchRepository interface {
	SaveBatchJob(job *domain.BatchJob) error
	LoadBatchJob(id string) (*domain.BatchJob, error)
	ListBatchJobs() ([]*domain.BatchJob, error)
}

// ItemProcessor migrates a single item. An error marks the item failed; the
// batch carries on.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item domain.BatchItem) error
}

type ItemProcessorFunc func(ctx context.Context, item domain.BatchItem) error

func (f ItemProcessorFunc) ProcessItem(ctx context.Context, item domain.BatchItem) error {
	return f(ctx, item)
}

type BackupCreator interface {
	CreateFullBackup(ctx context.Context, jobID string) domain.BackupResult
}

type Snapshotter interface {
	CreateSnapshot(ctx context.Context, jobID string) error
}

type BatchMigration struct {
	store     *JobStore
	repo      BatchRepository
	processor ItemProcessor
	backups   BackupCreator
	snapshots Snapshotter
	monitor   ProgressTracker
	metrics   Recorder
	logger    Logger
	now       func() time.Time
	onFailure FailureHandler

	persistMu sync.Mutex
}

func NewBatchMigration(
	store *JobStore,
	repo BatchRepository,
	processor ItemProcessor,
	monitor ProgressTracker,
	metrics Recorder,
	logger Logger,
) *BatchMigration {
	return &BatchMigration{
		store:     store,
		repo:      repo,
		processor: processor,
		monitor:   monitor,
		metrics:   recorderOrNop(metrics),
		logger:    logger,
		now:       time.Now,
	}
}

// OnFailure registers a handler called, from the worker, after a job failed.
func (b *BatchMigration) OnFailure(h FailureHandler) *BatchMigration {
	b.onFailure = h
	return b
}

// WithBackups makes jobs started with createBackup take a full backup first.
func (b *BatchMigration) WithBackups(backups BackupCreator) *BatchMigration {
	b.backups = backups
	return b
}

// WithSnapshots makes every new job capture a rollback snapshot before its first batch.
func (b *BatchMigration) WithSnapshots(snapshots Snapshotter) *BatchMigration {
	b.snapshots = snapshots
	return b
}

func (b *BatchMigration) StartBatch(ctx context.Context, items []domain.BatchItem, batchSize int, createBackup bool) (string, error) {
	if batchSize <= 0 {
		return "", fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if createBackup && b.backups == nil {
		return "", fmt.Errorf("backup requested but no backup engine is configured")
	}

	now := b.now()
	pending := make([]domain.BatchItem, len(items))
	for i, item := range items {
		item.Status = domain.ItemPending
		item.Error = ""
		item.ProcessedAt = nil
		pending[i] = item
	}

	job := &domain.BatchJob{
		ID:           uuid.NewString(),
		Status:       domain.BatchPending,
		BatchSize:    batchSize,
		TotalItems:   len(items),
		TotalBatches: domain.TotalBatchesFor(len(items), batchSize),
		Pending:      pending,
		CreateBackup: createBackup,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := b.repo.SaveBatchJob(job); err != nil {
		return "", fmt.Errorf("persist batch job: %w", err)
	}
	b.store.PutBatch(job)

	if _, err := b.monitor.StartMonitoring(job.ID); err != nil {
		b.logger.Warnf("[%s] Progress monitoring unavailable: %v", job.ID, err)
	}
	b.step(job.ID, domain.StepInitialization, domain.StepCompleted,
		fmt.Sprintf("%d item(s) in %d batch(es) of %d", job.TotalItems, job.TotalBatches, batchSize))

	if err := b.launch(job.ID); err != nil {
		return "", err
	}

	b.logger.Infof("[%s] Batch migration started: %d item(s), %d batch(es)", job.ID, job.TotalItems, job.TotalBatches)
	return job.ID, nil
}

func (b *BatchMigration) launch(id string) error {
	if err := b.store.Go(id, func(ctx context.Context, _ <-chan struct{}) {
		b.run(ctx, id)
	}); err != nil {
		return fmt.Errorf("start worker for %s: %w", id, err)
	}
	return nil
}

// PauseBatch asks the worker to stop before its next batch. A job known only
// from disk is paused there, so a later resume continues from its batch.
func (b *BatchMigration) PauseBatch(id string) error {
	if err := b.load(id); err != nil {
		return err
	}

	job, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		if j.Status != domain.BatchRunning && j.Status != domain.BatchPending {
			return fmt.Errorf("%w: cannot pause %s job", ErrInvalidTransition, j.Status)
		}
		j.Status = domain.BatchPaused
		j.UpdatedAt = b.now()
		return nil
	})
	if err != nil {
		return b.notFound(id, err)
	}

	b.logger.Infof("[%s] Pause requested at batch %d/%d", id, job.CurrentBatch, job.TotalBatches)
	return b.persist(job.ID)
}

// ResumeBatch restarts a paused or failed job from its current batch. Jobs
// known only from disk (e.g. after a restart) are loaded first.
func (b *BatchMigration) ResumeBatch(ctx context.Context, id string) error {
	if err := b.load(id); err != nil {
		return err
	}

	if current, _ := b.store.Batch(id); current != nil &&
		current.Status == domain.BatchRunning && b.store.Running(id) {
		return fmt.Errorf("%w: job is already running", ErrInvalidTransition)
	}

	// A paused worker finishes its current batch before exiting.
	if err := b.store.Wait(ctx, id); err != nil {
		return fmt.Errorf("wait for worker of %s: %w", id, err)
	}

	// Running and pending jobs without a worker were orphaned by a crash.
	job, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: cannot resume %s job", ErrInvalidTransition, j.Status)
		}
		j.Status = domain.BatchRunning
		j.Error = ""
		j.UpdatedAt = b.now()
		return nil
	})
	if err != nil {
		return err
	}
	if err := b.persist(job.ID); err != nil {
		return err
	}

	if _, err := b.monitor.StartMonitoring(id); err != nil {
		b.logger.Warnf("[%s] Progress monitoring unavailable: %v", id, err)
	}
	b.step(id, domain.StepCompletion, domain.StepPending, "resumed")

	b.logger.Infof("[%s] Resuming at batch %d/%d", id, job.CurrentBatch+1, job.TotalBatches)
	return b.launch(id)
}

// CancelBatch stops the job for good. A running worker notices at the next item.
func (b *BatchMigration) CancelBatch(id string) error {
	if err := b.load(id); err != nil {
		return err
	}

	job, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: job already %s", ErrInvalidTransition, j.Status)
		}
		now := b.now()
		j.Status = domain.BatchCancelled
		j.CompletedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	b.logger.Infof("[%s] Cancelled after %d/%d item(s)", id, job.ProcessedCount(), job.TotalItems)
	if !b.store.Running(id) {
		b.step(id, domain.StepCompletion, domain.StepFailed, "cancelled")
		b.metrics.JobFinished(batchKind, string(job.Status))
	}
	return b.persist(job.ID)
}

// Wait blocks until the job's worker has exited.
func (b *BatchMigration) Wait(ctx context.Context, id string) error {
	return b.store.Wait(ctx, id)
}

func (b *BatchMigration) GetBatch(id string) (*domain.BatchJob, error) {
	if job, ok := b.store.Batch(id); ok {
		return job, nil
	}
	job, err := b.repo.LoadBatchJob(id)
	if err != nil {
		return nil, b.notFound(id, err)
	}
	return job, nil
}

// ListBatches merges in-memory jobs with the ones persisted by earlier runs.
func (b *BatchMigration) ListBatches() ([]*domain.BatchJob, error) {
	byID := make(map[string]*domain.BatchJob)

	persisted, err := b.repo.ListBatchJobs()
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	for _, job := range persisted {
		byID[job.ID] = job
	}
	for _, job := range b.store.Batches() {
		byID[job.ID] = job
	}

	jobs := make([]*domain.BatchJob, 0, len(byID))
	for _, job := range byID {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func (b *BatchMigration) load(id string) error {
	if _, ok := b.store.Batch(id); ok {
		return nil
	}
	job, err := b.repo.LoadBatchJob(id)
	if err != nil {
		return b.notFound(id, err)
	}
	b.store.PutBatch(job)
	return nil
}

func (b *BatchMigration) run(ctx context.Context, id string) {
	b.metrics.WorkerStarted(batchKind)
	defer b.metrics.WorkerStopped(batchKind)

	defer func() {
		if r := recover(); r != nil {
			b.fail(id, fmt.Errorf("worker panic: %v", r))
		}
	}()

	job, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		if j.Status.IsTerminal() || j.Status == domain.BatchPaused {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.Status)
		}
		now := b.now()
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.Status = domain.BatchRunning
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		b.logger.Warnf("[%s] Worker not started: %v", id, err)
		return
	}

	if job.ProcessedCount() == 0 || (job.CreateBackup && job.BackupID == "") {
		if err := b.prepare(ctx, job); err != nil {
			b.fail(id, err)
			return
		}
	}

	b.step(id, domain.StepTargetCreation, domain.StepInProgress,
		fmt.Sprintf("batch %d/%d", job.CurrentBatch+1, job.TotalBatches))

	for {
		job, ok := b.store.Batch(id)
		if !ok {
			return
		}

		switch job.Status {
		case domain.BatchPaused:
			b.logger.Infof("[%s] Paused before batch %d/%d", id, job.CurrentBatch+1, job.TotalBatches)
			b.step(id, domain.StepTargetCreation, domain.StepInProgress,
				fmt.Sprintf("paused before batch %d/%d", job.CurrentBatch+1, job.TotalBatches))
			return
		case domain.BatchCancelled:
			b.stopCancelled(job)
			return
		}

		if len(job.Pending) == 0 {
			b.finish(ctx, id)
			return
		}

		if ctx.Err() != nil {
			b.park(id)
			return
		}

		if err := b.runBatch(ctx, job); err != nil {
			b.fail(id, err)
			return
		}
	}
}

// prepare takes the snapshot and the optional backup before any item is touched.
func (b *BatchMigration) prepare(ctx context.Context, job *domain.BatchJob) error {
	id := job.ID

	b.step(id, domain.StepPrerequisiteValidation, domain.StepInProgress, "")
	if b.snapshots != nil && job.ProcessedCount() == 0 {
		if err := b.snapshots.CreateSnapshot(ctx, id); err != nil {
			b.step(id, domain.StepPrerequisiteValidation, domain.StepFailed, err.Error())
			return fmt.Errorf("snapshot: %w", err)
		}
	}
	b.step(id, domain.StepPrerequisiteValidation, domain.StepCompleted, "")

	if job.CreateBackup && job.BackupID == "" {
		b.step(id, domain.StepBackupCreation, domain.StepInProgress, "")
		result := b.backups.CreateFullBackup(ctx, id)
		if !result.Success {
			b.step(id, domain.StepBackupCreation, domain.StepFailed, result.Message)
			return fmt.Errorf("backup: %s", result.Message)
		}
		updated, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
			j.BackupID = result.BackupID
			return nil
		})
		if err != nil {
			return err
		}
		if err := b.persist(updated.ID); err != nil {
			return err
		}
		b.step(id, domain.StepBackupCreation, domain.StepCompleted, result.BackupID)
	} else if !job.CreateBackup {
		b.step(id, domain.StepBackupCreation, domain.StepSkipped, "not requested")
	}

	b.step(id, domain.StepSourceExtraction, domain.StepCompleted, fmt.Sprintf("%d item(s) supplied", job.TotalItems))
	b.step(id, domain.StepTransformation, domain.StepSkipped, "items are migrated as supplied")
	return nil
}

// runBatch processes the next batch of pending items and persists the job.
func (b *BatchMigration) runBatch(ctx context.Context, job *domain.BatchJob) error {
	id := job.ID

	// An interrupted batch is finished before the next one starts.
	n := job.BatchSize - (job.ProcessedCount() - job.CurrentBatch*job.BatchSize)
	n = max(1, min(n, len(job.Pending)))
	batch := job.Pending[:n]

	b.logger.Infof("[%s] Processing batch %d/%d (%d item(s))", id, job.CurrentBatch+1, job.TotalBatches, n)

	for _, item := range batch {
		current, ok := b.store.Batch(id)
		if !ok || current.Status == domain.BatchCancelled {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		err := b.processor.ProcessItem(ctx, item)
		if err != nil && ctx.Err() != nil {
			// Interrupted by shutdown; the item stays pending.
			return nil
		}
		b.metrics.ItemProcessed(err == nil)

		if _, uerr := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
			return recordItem(j, item, err, b.now())
		}); uerr != nil {
			return uerr
		}
		if err != nil {
			b.logger.Warnf("[%s] Item %s/%s failed: %v", id, item.EntityType, item.ID, err)
		}
	}

	updated, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		now := b.now()
		j.CurrentBatch++
		j.EstimatedTimeRemaining = j.EstimateRemaining(now)
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	if err := b.persist(updated.ID); err != nil {
		return err
	}

	b.step(id, domain.StepTargetCreation, domain.StepInProgress,
		fmt.Sprintf("batch %d/%d", updated.CurrentBatch, updated.TotalBatches))
	return nil
}

// recordItem moves item from Pending to Processed or Failed.
func recordItem(j *domain.BatchJob, item domain.BatchItem, err error, now time.Time) error {
	idx := -1
	for i := range j.Pending {
		if j.Pending[i].ID == item.ID && j.Pending[i].EntityType == item.EntityType {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("item %s/%s is not pending", item.EntityType, item.ID)
	}
	j.Pending = append(j.Pending[:idx], j.Pending[idx+1:]...)

	item.ProcessedAt = &now
	if err != nil {
		item.Status = domain.ItemFailed
		item.Error = err.Error()
		j.Failed = append(j.Failed, item)
	} else {
		item.Status = domain.ItemSuccess
		item.Error = ""
		j.Processed = append(j.Processed, item)
	}
	j.UpdatedAt = now
	return nil
}

func (b *BatchMigration) finish(ctx context.Context, id string) {
	job, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		now := b.now()
		if len(j.Failed) == 0 {
			j.Status = domain.BatchCompleted
		} else {
			j.Status = domain.BatchCompletedWithErrors
		}
		j.EstimatedTimeRemaining = 0
		j.CompletedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		b.logger.Errorf("[%s] Failed to complete job: %v", id, err)
		return
	}
	if err := b.persist(job.ID); err != nil {
		b.fail(id, err)
		return
	}

	summary := fmt.Sprintf("%d succeeded, %d failed", len(job.Processed), len(job.Failed))
	b.step(id, domain.StepTargetCreation, domain.StepCompleted, summary)
	for _, step := range []domain.Step{domain.StepBotSetup, domain.StepRoutingSetup} {
		b.step(id, step, domain.StepSkipped, "not part of batch migrations")
	}
	b.step(id, domain.StepValidationTesting, domain.StepCompleted, summary)
	b.step(id, domain.StepOptimization, domain.StepSkipped, "")
	b.step(id, domain.StepCompletion, domain.StepCompleted, string(job.Status))

	b.metrics.JobFinished(batchKind, string(job.Status))
	b.logger.Infof("[%s] Batch migration %s: %s", id, job.Status, summary)
	b.monitor.Notify(ctx, id, fmt.Sprintf("Batch migration %s %s: %s", id, job.Status, summary))
}

func (b *BatchMigration) stopCancelled(job *domain.BatchJob) {
	if err := b.persist(job.ID); err != nil {
		b.logger.Errorf("[%s] %v", job.ID, err)
	}
	b.step(job.ID, domain.StepCompletion, domain.StepFailed, "cancelled")
	b.metrics.JobFinished(batchKind, string(job.Status))
	b.logger.Infof("[%s] Worker stopped: job cancelled", job.ID)
}

// park pauses a job whose worker is being shut down.
func (b *BatchMigration) park(id string) {
	job, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		if j.Status == domain.BatchRunning {
			j.Status = domain.BatchPaused
			j.UpdatedAt = b.now()
		}
		return nil
	})
	if err != nil {
		return
	}
	if err := b.persist(job.ID); err != nil {
		b.logger.Errorf("[%s] %v", id, err)
	}
	b.logger.Infof("[%s] Parked as %s at batch %d/%d", id, job.Status, job.CurrentBatch, job.TotalBatches)
}

func (b *BatchMigration) fail(id string, cause error) {
	job, err := b.store.UpdateBatch(id, func(j *domain.BatchJob) error {
		j.Status = domain.BatchFailed
		j.Error = cause.Error()
		j.UpdatedAt = b.now()
		return nil
	})
	if err != nil {
		b.logger.Errorf("[%s] Job failed: %v", id, cause)
		return
	}
	if err := b.persist(job.ID); err != nil {
		b.logger.Errorf("[%s] %v", id, err)
	}

	b.step(id, domain.StepCompletion, domain.StepFailed, cause.Error())
	b.metrics.JobFinished(batchKind, string(job.Status))
	b.logger.Errorf("[%s] Batch migration failed: %v", id, cause)
	b.monitor.Notify(context.Background(), id, fmt.Sprintf("Batch migration %s failed: %v", id, cause))
	if b.onFailure != nil {
		b.onFailure(id, cause)
	}
}

// persist writes the latest in-memory state of the job. Writes are serialized
// so an older copy never lands after a newer one.
func (b *BatchMigration) persist(id string) error {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	job, ok := b.store.Batch(id)
	if !ok {
		return ErrJobNotFound
	}
	if err := b.repo.SaveBatchJob(job); err != nil {
		return fmt.Errorf("persist batch job %s: %w", id, err)
	}
	return nil
}

func (b *BatchMigration) step(id string, step domain.Step, status domain.StepStatus, details string) {
	if err := b.monitor.UpdateProgress(id, step, status, details); err != nil {
		b.logger.Warnf("[%s] Progress update for %s failed: %v", id, step, err)
	}
}

func (b *BatchMigration) notFound(id string, err error) error {
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("batch job %s: %w", id, ErrJobNotFound)
	}
	return err
}
