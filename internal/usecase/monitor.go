package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/semmidev/ferry/internal/domain"
)

// JobLog is the per-job log file opened by StartMonitoring.
type JobLog interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Close()
}

type JobLogOpener func(jobID string, startedAt time.Time) (JobLog, string, error)

type ReportRepository interface {
	SaveReport(report *domain.MigrationReport) (string, error)
}

// ProgressTracker is what the engines report to.
type ProgressTracker interface {
	StartMonitoring(jobID string) (string, error)
	UpdateProgress(jobID string, step domain.Step, status domain.StepStatus, details string) error
	MarkIdle(jobID string, until time.Time)
	Notify(ctx context.Context, jobID, message string)
}

type ProgressMonitor struct {
	mu       sync.Mutex
	progress map[string]*domain.MigrationProgress
	logs     map[string]JobLog

	openLog   JobLogOpener
	reports   ReportRepository
	renderer  domain.Renderer
	notifier  domain.Notifier
	threshold time.Duration
	metrics   Recorder
	logger    Logger
	now       func() time.Time
}

func NewProgressMonitor(
	openLog JobLogOpener,
	reports ReportRepository,
	notifier domain.Notifier,
	threshold time.Duration,
	metrics Recorder,
	logger Logger,
) *ProgressMonitor {
	return &ProgressMonitor{
		progress:  make(map[string]*domain.MigrationProgress),
		logs:      make(map[string]JobLog),
		openLog:   openLog,
		reports:   reports,
		notifier:  notifier,
		threshold: threshold,
		metrics:   recorderOrNop(metrics),
		logger:    logger,
		now:       time.Now,
	}
}

// SetRenderer enables the text rendering of generated reports.
func (m *ProgressMonitor) SetRenderer(r domain.Renderer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderer = r
}

// StartMonitoring registers a job and opens its log file. Calling it again for
// a known job (e.g. on resume) reopens the log if needed and returns the
// progress to running.
func (m *ProgressMonitor) StartMonitoring(jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	p, exists := m.progress[jobID]
	if !exists {
		steps := make([]domain.StepProgress, len(domain.Steps))
		for i, step := range domain.Steps {
			steps[i] = domain.StepProgress{Step: step, Status: domain.StepPending}
		}
		p = &domain.MigrationProgress{
			JobID:          jobID,
			Status:         domain.ProgressRunning,
			Steps:          steps,
			StartTime:      now,
			LastUpdateTime: now,
		}
	}

	if _, open := m.logs[jobID]; !open && m.openLog != nil {
		jobLog, path, err := m.openLog(jobID, now)
		if err != nil {
			return "", fmt.Errorf("open job log: %w", err)
		}
		m.logs[jobID] = jobLog
		p.LogPath = path
		jobLog.Infof("monitoring started")
	}

	if p.Status != domain.ProgressCompleted {
		p.Status = domain.ProgressRunning
	}
	p.LastUpdateTime = now
	m.progress[jobID] = p

	m.logger.Infof("[%s] Monitoring started, log: %s", jobID, p.LogPath)
	return p.LogPath, nil
}

func (m *ProgressMonitor) UpdateProgress(jobID string, step domain.Step, status domain.StepStatus, details string) error {
	if !domain.IsKnownStep(step) {
		return fmt.Errorf("unknown step %q", step)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[jobID]
	if !ok {
		return ErrJobNotFound
	}

	now := m.now()
	for i := range p.Steps {
		sp := &p.Steps[i]
		if sp.Step != step {
			continue
		}
		sp.Status = status
		sp.Details = details
		if sp.StartTime == nil && status != domain.StepPending {
			sp.StartTime = &now
		}
		switch status {
		case domain.StepPending:
			sp.StartTime = nil
			sp.EndTime = nil
			sp.Error = ""
		case domain.StepInProgress:
			sp.EndTime = nil
			sp.Error = ""
		case domain.StepFailed:
			sp.EndTime = &now
			sp.Error = details
		default:
			sp.EndTime = &now
			sp.Error = ""
		}
	}

	p.LastUpdateTime = now
	p.IdleUntil = nil
	p.OverallProgress, p.Status = summarize(p.Steps)

	if jobLog, ok := m.logs[jobID]; ok {
		if status == domain.StepFailed {
			jobLog.Errorf("step %s %s: %s", step, status, details)
		} else {
			jobLog.Infof("step %s %s: %s", step, status, details)
		}
	}
	return nil
}

func summarize(steps []domain.StepProgress) (float64, domain.ProgressStatus) {
	resolved, failed := 0, false
	for _, s := range steps {
		if s.Resolved() {
			resolved++
		}
		if s.Status == domain.StepFailed {
			failed = true
		}
	}

	overall := float64(resolved) / float64(len(steps)) * 100
	switch {
	case failed:
		return overall, domain.ProgressFailed
	case resolved == len(steps):
		return overall, domain.ProgressCompleted
	}
	return overall, domain.ProgressRunning
}

// MarkIdle tells the health check that jobID will be quiet until the given time.
func (m *ProgressMonitor) MarkIdle(jobID string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.progress[jobID]; ok {
		p.IdleUntil = &until
	}
}

func (m *ProgressMonitor) GetProgress(jobID string) (*domain.MigrationProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return p.Clone(), nil
}

func (m *ProgressMonitor) ListProgress() []*domain.MigrationProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.MigrationProgress, 0, len(m.progress))
	for _, p := range m.progress {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartTime.Before(out[k].StartTime) })
	return out
}

func (m *ProgressMonitor) GenerateReport(jobID string) (*domain.MigrationReport, error) {
	m.mu.Lock()
	p, ok := m.progress[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrJobNotFound
	}
	p = p.Clone()
	renderer := m.renderer
	now := m.now()
	m.mu.Unlock()

	report := &domain.MigrationReport{
		JobID:           p.JobID,
		Status:          p.Status,
		OverallProgress: p.OverallProgress,
		Steps:           p.Steps,
		GeneratedAt:     now,
	}
	for _, s := range p.Steps {
		switch s.Status {
		case domain.StepCompleted:
			report.CompletedSteps++
		case domain.StepSkipped:
			report.SkippedSteps++
		case domain.StepFailed:
			report.FailedSteps++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", s.Step, s.Error))
		}
	}

	end := p.LastUpdateTime
	if p.Status == domain.ProgressRunning || p.Status == domain.ProgressStalled {
		end = now
	}
	report.Duration = end.Sub(p.StartTime)

	if renderer != nil {
		text, err := renderer.Render(report)
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
		report.Rendered = text
	}

	if m.reports != nil {
		path, err := m.reports.SaveReport(report)
		if err != nil {
			return nil, fmt.Errorf("save report: %w", err)
		}
		report.FilePath = path
	}

	m.logger.Infof("[%s] Report generated: %.0f%% complete, %d failed step(s)",
		jobID, report.OverallProgress, report.FailedSteps)
	return report, nil
}

// StopMonitoring closes the job log. The progress stays queryable.
func (m *ProgressMonitor) StopMonitoring(jobID string) {
	m.mu.Lock()
	jobLog, ok := m.logs[jobID]
	delete(m.logs, jobID)
	m.mu.Unlock()

	if ok {
		jobLog.Infof("monitoring stopped")
		jobLog.Close()
	}
}

// CheckHealth flags running jobs that have not reported within the stall
// threshold. It only changes the reported status; workers are left alone.
func (m *ProgressMonitor) CheckHealth(ctx context.Context) []string {
	m.mu.Lock()
	now := m.now()
	var stalled []string
	for id, p := range m.progress {
		if p.Status != domain.ProgressRunning {
			continue
		}
		last := p.LastUpdateTime
		if p.IdleUntil != nil && p.IdleUntil.After(last) {
			last = *p.IdleUntil
		}
		if now.Sub(last) > m.threshold {
			p.Status = domain.ProgressStalled
			stalled = append(stalled, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(stalled)
	for _, id := range stalled {
		m.metrics.Stalled()
		m.logger.Warnf("[%s] No progress for more than %s", id, m.threshold)
		m.Notify(ctx, id, fmt.Sprintf("migration %s looks stalled: no progress for more than %s", id, m.threshold))
	}
	return stalled
}

// Notify sends an operator message about a job, if a notifier is configured.
func (m *ProgressMonitor) Notify(ctx context.Context, jobID, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, message); err != nil {
		m.logger.Errorf("[%s] Failed to send notification: %v", jobID, err)
	}
}
