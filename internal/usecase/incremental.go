package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/semmidev/ferry/internal/domain"
)

const incrementalKind = "incremental"

var errNotRunning = errors.New("job is no longer running")

type IncrementalRepository interface {
	SaveIncrementalJob(job *domain.IncrementalJob) error
	LoadIncrementalJob(id string) (*domain.IncrementalJob, error)
	ListIncrementalJobs() ([]*domain.IncrementalJob, error)
}

type DeltaDetector interface {
	DetectChanges(ctx context.Context, since time.Time) ([]domain.DataDelta, error)
}

type DeltaApplier interface {
	ApplyDelta(ctx context.Context, delta domain.DataDelta) error
}

// IncrementalOptions bound the retries of a failing sync cycle. A cycle is
// attempted once plus MaxCycleRetries times, CycleBackoff apart.
type IncrementalOptions struct {
	CycleBackoff    time.Duration
	MaxCycleRetries int
}

type IncrementalRequest struct {
	SyncInterval      time.Duration
	LastSyncTimestamp time.Time
	// SingleCycle jobs complete after their first successful cycle.
	SingleCycle bool
	ScheduleID  string
}

type IncrementalMigration struct {
	store     *JobStore
	repo      IncrementalRepository
	detector  DeltaDetector
	applier   DeltaApplier
	monitor   ProgressTracker
	opts      IncrementalOptions
	metrics   Recorder
	logger    Logger
	now       func() time.Time
	onFailure FailureHandler

	persistMu sync.Mutex
}

func NewIncrementalMigration(
	store *JobStore,
	repo IncrementalRepository,
	detector DeltaDetector,
	applier DeltaApplier,
	monitor ProgressTracker,
	opts IncrementalOptions,
	metrics Recorder,
	logger Logger,
) *IncrementalMigration {
	if opts.CycleBackoff <= 0 {
		opts.CycleBackoff = time.Minute
	}
	if opts.MaxCycleRetries < 0 {
		opts.MaxCycleRetries = 0
	}
	return &IncrementalMigration{
		store:    store,
		repo:     repo,
		detector: detector,
		applier:  applier,
		monitor:  monitor,
		opts:     opts,
		metrics:  recorderOrNop(metrics),
		logger:   logger,
		now:      time.Now,
	}
}

// OnFailure registers a handler called, from the worker, after a job failed.
func (m *IncrementalMigration) OnFailure(h FailureHandler) *IncrementalMigration {
	m.onFailure = h
	return m
}

func (m *IncrementalMigration) StartIncremental(ctx context.Context, syncInterval time.Duration, lastSync time.Time) (string, error) {
	return m.StartIncrementalJob(ctx, IncrementalRequest{SyncInterval: syncInterval, LastSyncTimestamp: lastSync})
}

// StartIncrementalJob detects the first set of changes before returning, so
// the returned job already reports them; syncing happens in the background.
func (m *IncrementalMigration) StartIncrementalJob(ctx context.Context, req IncrementalRequest) (string, error) {
	if !req.SingleCycle && req.SyncInterval <= 0 {
		return "", fmt.Errorf("sync interval must be positive, got %s", req.SyncInterval)
	}

	detectedAt := m.now()
	deltas, err := m.detector.DetectChanges(ctx, req.LastSyncTimestamp)
	if err != nil {
		return "", fmt.Errorf("detect changes: %w", err)
	}

	job := &domain.IncrementalJob{
		ID:                uuid.NewString(),
		Status:            domain.IncrementalRunning,
		SyncInterval:      req.SyncInterval,
		LastSyncTimestamp: req.LastSyncTimestamp,
		PendingChanges:    domain.SortDeltas(deltas),
		DetectedAt:        detectedAt,
		TotalChanges:      len(deltas),
		SingleCycle:       req.SingleCycle,
		ScheduleID:        req.ScheduleID,
		CreatedAt:         detectedAt,
		UpdatedAt:         detectedAt,
	}

	if err := m.repo.SaveIncrementalJob(job); err != nil {
		return "", fmt.Errorf("persist incremental job: %w", err)
	}
	m.store.PutIncremental(job)

	if _, err := m.monitor.StartMonitoring(job.ID); err != nil {
		m.logger.Warnf("[%s] Progress monitoring unavailable: %v", job.ID, err)
	}
	m.step(job.ID, domain.StepInitialization, domain.StepCompleted, fmt.Sprintf("watermark %s", req.LastSyncTimestamp.Format(time.RFC3339)))
	m.step(job.ID, domain.StepPrerequisiteValidation, domain.StepSkipped, "")
	m.step(job.ID, domain.StepBackupCreation, domain.StepSkipped, "")
	m.step(job.ID, domain.StepSourceExtraction, domain.StepCompleted, fmt.Sprintf("%d change(s) detected", len(deltas)))
	m.step(job.ID, domain.StepTransformation, domain.StepSkipped, "")

	if err := m.launch(job.ID); err != nil {
		return "", err
	}

	m.logger.Infof("[%s] Incremental migration started: %d change(s) pending, interval %s",
		job.ID, job.TotalChanges, job.SyncInterval)
	return job.ID, nil
}

func (m *IncrementalMigration) launch(id string) error {
	if err := m.store.Go(id, func(ctx context.Context, wake <-chan struct{}) {
		m.run(ctx, id, wake)
	}); err != nil {
		return fmt.Errorf("start worker for %s: %w", id, err)
	}
	return nil
}

// SynchronizeChanges applies deltas in (priority, changedAt) order. Failed
// deltas are recorded and skipped; deltas not reached before ctx ends are
// returned in Skipped.
func (m *IncrementalMigration) SynchronizeChanges(ctx context.Context, deltas []domain.DataDelta) domain.SyncResult {
	start := time.Now()
	ordered := domain.SortDeltas(deltas)
	result := domain.SyncResult{}

	for i, delta := range ordered {
		if ctx.Err() != nil {
			result.Skipped = append(result.Skipped, ordered[i:]...)
			break
		}

		err := m.applier.ApplyDelta(ctx, delta)
		if err != nil && ctx.Err() != nil {
			result.Skipped = append(result.Skipped, ordered[i:]...)
			break
		}
		m.metrics.DeltaApplied(string(delta.ChangeType), err == nil)

		if err != nil {
			result.FailedChanges = append(result.FailedChanges, domain.SyncError{
				Delta:    delta,
				Message:  err.Error(),
				Kind:     domain.Classify(err),
				FailedAt: m.now(),
			})
			continue
		}
		result.Applied = append(result.Applied, delta)
		result.SyncedChanges++
	}

	result.Success = len(result.FailedChanges) == 0 && len(result.Skipped) == 0
	result.Duration = time.Since(start)
	return result
}

func (m *IncrementalMigration) run(ctx context.Context, id string, wake <-chan struct{}) {
	m.metrics.WorkerStarted(incrementalKind)
	defer m.metrics.WorkerStopped(incrementalKind)

	defer func() {
		if r := recover(); r != nil {
			m.fail(id, fmt.Errorf("worker panic: %v", r))
		}
	}()

	// Start already detected the first changes; a resumed job detects unless
	// changes are still pending from before.
	detect := false
	if job, ok := m.store.Incremental(id); ok {
		detect = job.CycleCount > 0 && len(job.PendingChanges) == 0
	}
	for {
		job, ok := m.store.Incremental(id)
		if !ok || job.Status != domain.IncrementalRunning {
			return
		}

		err := m.runCycle(ctx, id, detect)
		detect = true
		switch {
		case errors.Is(err, errNotRunning):
			return
		case ctx.Err() != nil:
			m.park(id)
			return
		case err != nil:
			m.fail(id, err)
			return
		}

		job, ok = m.store.Incremental(id)
		if !ok || job.Status != domain.IncrementalRunning {
			return
		}
		if job.SingleCycle {
			if err := m.finish(ctx, id, domain.IncrementalCompleted, "single cycle finished"); err != nil {
				m.logger.Warnf("[%s] %v", id, err)
			}
			return
		}

		m.monitor.MarkIdle(id, m.now().Add(job.SyncInterval))
		timer := time.NewTimer(job.SyncInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.park(id)
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runCycle detects (when asked) and syncs pending changes, retrying the whole
// cycle on failure with a constant backoff.
func (m *IncrementalMigration) runCycle(ctx context.Context, id string, detect bool) error {
	attempt := 0
	op := func() error {
		attempt++
		job, ok := m.store.Incremental(id)
		if !ok {
			return backoff.Permanent(ErrJobNotFound)
		}
		if job.Status != domain.IncrementalRunning {
			return backoff.Permanent(errNotRunning)
		}

		if detect {
			detectedAt := m.now()
			deltas, err := m.detector.DetectChanges(ctx, job.LastSyncTimestamp)
			if err != nil {
				return fmt.Errorf("detect changes: %w", err)
			}
			if _, err := m.store.UpdateIncremental(id, func(j *domain.IncrementalJob) error {
				j.PendingChanges = domain.SortDeltas(append(j.PendingChanges, deltas...))
				j.DetectedAt = detectedAt
				j.TotalChanges += len(deltas)
				return nil
			}); err != nil {
				return backoff.Permanent(err)
			}
			detect = false
			m.step(id, domain.StepSourceExtraction, domain.StepCompleted,
				fmt.Sprintf("cycle %d: %d change(s) detected", job.CycleCount+1, len(deltas)))
		}

		pending, _ := m.store.Incremental(id)
		result := m.SynchronizeChanges(ctx, pending.PendingChanges)

		updated, err := m.store.UpdateIncremental(id, func(j *domain.IncrementalJob) error {
			now := m.now()
			j.SyncedChanges += result.SyncedChanges
			j.FailedChanges = append(j.FailedChanges, result.FailedChanges...)
			j.PendingChanges = result.Skipped
			j.UpdatedAt = now
			if len(result.Skipped) == 0 {
				j.LastSyncTimestamp = j.DetectedAt
				j.LastSyncAt = &now
				j.CycleCount++
				j.ConsecutiveFailures = 0
				j.Error = ""
			}
			return nil
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := m.persist(updated.ID); err != nil {
			return err
		}
		if len(result.Skipped) > 0 {
			return backoff.Permanent(ctx.Err())
		}

		m.metrics.SyncCycle(true)
		m.step(id, domain.StepTargetCreation, domain.StepInProgress,
			fmt.Sprintf("cycle %d: %d synced, %d failed", updated.CycleCount, result.SyncedChanges, len(result.FailedChanges)))
		m.logger.Infof("[%s] Cycle %d done in %s: %d synced, %d failed, watermark %s",
			id, updated.CycleCount, result.Duration.Round(time.Millisecond), result.SyncedChanges,
			len(result.FailedChanges), updated.LastSyncTimestamp.Format(time.RFC3339))
		return nil
	}

	notify := func(err error, wait time.Duration) {
		m.metrics.SyncCycle(false)
		job, uerr := m.store.UpdateIncremental(id, func(j *domain.IncrementalJob) error {
			j.ConsecutiveFailures++
			j.Error = err.Error()
			j.UpdatedAt = m.now()
			return nil
		})
		if uerr == nil {
			if perr := m.persist(job.ID); perr != nil {
				m.logger.Errorf("[%s] %v", id, perr)
			}
		}
		m.logger.Warnf("[%s] Sync cycle failed (attempt %d/%d): %v; retrying in %s",
			id, attempt, m.opts.MaxCycleRetries+1, err, wait)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.CycleBackoff), uint64(m.opts.MaxCycleRetries)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if !errors.Is(err, errNotRunning) && ctx.Err() == nil {
			m.metrics.SyncCycle(false)
			if _, uerr := m.store.UpdateIncremental(id, func(j *domain.IncrementalJob) error {
				j.ConsecutiveFailures++
				return nil
			}); uerr != nil {
				m.logger.Errorf("[%s] %v", id, uerr)
			}
			return fmt.Errorf("sync cycle failed after %d attempt(s): %w", attempt, err)
		}
		return err
	}
	return nil
}

func (m *IncrementalMigration) PauseIncremental(id string) error {
	job, err := m.transition(id, domain.IncrementalPaused, "")
	if err != nil {
		return err
	}
	m.step(id, domain.StepTargetCreation, domain.StepInProgress, fmt.Sprintf("paused after cycle %d", job.CycleCount))
	m.logger.Infof("[%s] Paused", id)
	return nil
}

// ResumeIncremental restarts the worker of a paused job, or of a running job
// left without one by a previous process.
func (m *IncrementalMigration) ResumeIncremental(ctx context.Context, id string) error {
	if err := m.load(id); err != nil {
		return err
	}
	if current, _ := m.store.Incremental(id); current != nil &&
		current.Status == domain.IncrementalRunning && m.store.Running(id) {
		return fmt.Errorf("%w: job is already running", ErrInvalidTransition)
	}
	if err := m.store.Wait(ctx, id); err != nil {
		return fmt.Errorf("wait for worker of %s: %w", id, err)
	}

	job, _ := m.store.Incremental(id)
	if job.Status != domain.IncrementalRunning {
		var err error
		if job, err = m.transition(id, domain.IncrementalRunning, ""); err != nil {
			return err
		}
	}

	if _, err := m.monitor.StartMonitoring(id); err != nil {
		m.logger.Warnf("[%s] Progress monitoring unavailable: %v", id, err)
	}
	m.logger.Infof("[%s] Resuming after cycle %d, watermark %s", id, job.CycleCount, job.LastSyncTimestamp.Format(time.RFC3339))
	return m.launch(id)
}

// StopIncremental ends the job and returns once an in-flight cycle has finished.
func (m *IncrementalMigration) StopIncremental(ctx context.Context, id string) error {
	return m.end(ctx, id, domain.IncrementalStopped, "stopped by operator")
}

func (m *IncrementalMigration) CompleteIncremental(ctx context.Context, id string) error {
	return m.end(ctx, id, domain.IncrementalCompleted, "completed by operator")
}

func (m *IncrementalMigration) end(ctx context.Context, id string, to domain.IncrementalStatus, reason string) error {
	job, err := m.transition(id, to, reason)
	if err != nil {
		return err
	}
	if err := m.store.Wait(ctx, id); err != nil {
		return fmt.Errorf("wait for worker of %s: %w", id, err)
	}
	if latest, ok := m.store.Incremental(id); ok {
		job = latest
	}
	m.closeOut(ctx, job, reason)
	return nil
}

// Wait blocks until the job's worker has exited.
func (m *IncrementalMigration) Wait(ctx context.Context, id string) error {
	return m.store.Wait(ctx, id)
}

func (m *IncrementalMigration) GetIncremental(id string) (*domain.IncrementalJob, error) {
	if job, ok := m.store.Incremental(id); ok {
		return job, nil
	}
	job, err := m.repo.LoadIncrementalJob(id)
	if err != nil {
		return nil, m.notFound(id, err)
	}
	return job, nil
}

func (m *IncrementalMigration) ListIncrementals() ([]*domain.IncrementalJob, error) {
	byID := make(map[string]*domain.IncrementalJob)

	persisted, err := m.repo.ListIncrementalJobs()
	if err != nil {
		return nil, fmt.Errorf("list incremental jobs: %w", err)
	}
	for _, job := range persisted {
		byID[job.ID] = job
	}
	for _, job := range m.store.Incrementals() {
		byID[job.ID] = job
	}

	jobs := make([]*domain.IncrementalJob, 0, len(byID))
	for _, job := range byID {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func (m *IncrementalMigration) load(id string) error {
	if _, ok := m.store.Incremental(id); ok {
		return nil
	}
	job, err := m.repo.LoadIncrementalJob(id)
	if err != nil {
		return m.notFound(id, err)
	}
	m.store.PutIncremental(job)
	return nil
}

// transition moves the job through the state machine, persists it and wakes
// a sleeping worker so it notices.
func (m *IncrementalMigration) transition(id string, to domain.IncrementalStatus, reason string) (*domain.IncrementalJob, error) {
	if err := m.load(id); err != nil {
		return nil, err
	}

	job, err := m.store.UpdateIncremental(id, func(j *domain.IncrementalJob) error {
		if err := domain.ValidateIncrementalTransition(j.Status, to); err != nil {
			return err
		}
		now := m.now()
		j.Status = to
		j.UpdatedAt = now
		if to.IsTerminal() {
			j.CompletedAt = &now
		}
		if to == domain.IncrementalFailed {
			j.Error = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.store.Signal(id)
	return job, m.persist(job.ID)
}

// finish is the worker's own way of ending the job.
func (m *IncrementalMigration) finish(ctx context.Context, id string, to domain.IncrementalStatus, reason string) error {
	job, err := m.transition(id, to, reason)
	if err != nil {
		return err
	}
	m.closeOut(ctx, job, reason)
	return nil
}

// closeOut records the terminal status in the progress monitor, metrics and
// notifications.
func (m *IncrementalMigration) closeOut(ctx context.Context, job *domain.IncrementalJob, reason string) {
	id := job.ID
	summary := fmt.Sprintf("%d cycle(s), %d of %d change(s) synced, %d failed",
		job.CycleCount, job.SyncedChanges, job.TotalChanges, len(job.FailedChanges))

	if job.Status == domain.IncrementalFailed {
		m.step(id, domain.StepTargetCreation, domain.StepFailed, reason)
		m.step(id, domain.StepCompletion, domain.StepFailed, reason)
		m.logger.Errorf("[%s] Incremental migration failed: %s (%s)", id, reason, summary)
	} else {
		m.step(id, domain.StepTargetCreation, domain.StepCompleted, summary)
		for _, step := range []domain.Step{domain.StepBotSetup, domain.StepRoutingSetup, domain.StepOptimization} {
			m.step(id, step, domain.StepSkipped, "")
		}
		m.step(id, domain.StepValidationTesting, domain.StepCompleted, summary)
		m.step(id, domain.StepCompletion, domain.StepCompleted, reason)
		m.logger.Infof("[%s] Incremental migration %s: %s", id, job.Status, summary)
	}

	m.metrics.JobFinished(incrementalKind, string(job.Status))
	m.monitor.Notify(ctx, id, fmt.Sprintf("Incremental migration %s %s: %s", id, job.Status, summary))
}

func (m *IncrementalMigration) fail(id string, cause error) {
	if err := m.finish(context.Background(), id, domain.IncrementalFailed, cause.Error()); err != nil {
		m.logger.Errorf("[%s] Could not mark job failed (%v): %v", id, cause, err)
		return
	}
	if m.onFailure != nil {
		m.onFailure(id, cause)
	}
}

// park pauses a job whose worker is being shut down.
func (m *IncrementalMigration) park(id string) {
	job, err := m.transition(id, domain.IncrementalPaused, "")
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			m.logger.Errorf("[%s] %v", id, err)
		}
		return
	}
	m.logger.Infof("[%s] Parked as %s after cycle %d", id, job.Status, job.CycleCount)
}

// persist writes the latest in-memory state of the job. Writes are serialized
// so an older copy never lands after a newer one.
func (m *IncrementalMigration) persist(id string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	job, ok := m.store.Incremental(id)
	if !ok {
		return ErrJobNotFound
	}
	if err := m.repo.SaveIncrementalJob(job); err != nil {
		return fmt.Errorf("persist incremental job %s: %w", id, err)
	}
	return nil
}

func (m *IncrementalMigration) step(id string, step domain.Step, status domain.StepStatus, details string) {
	if err := m.monitor.UpdateProgress(id, step, status, details); err != nil {
		m.logger.Warnf("[%s] Progress update for %s failed: %v", id, step, err)
	}
}

func (m *IncrementalMigration) notFound(id string, err error) error {
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("incremental job %s: %w", id, ErrJobNotFound)
	}
	return err
}
