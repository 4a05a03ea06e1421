package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/semmidev/ferry/internal/adapter/compressor"
	"github.com/semmidev/ferry/internal/adapter/persistence"
	"github.com/semmidev/ferry/internal/adapter/platform"
	"github.com/semmidev/ferry/internal/adapter/storage"
	"github.com/semmidev/ferry/internal/config"
	"github.com/semmidev/ferry/internal/domain"
	"github.com/semmidev/ferry/internal/infrastructure/logger"
	"github.com/semmidev/ferry/internal/infrastructure/metrics"
	"github.com/semmidev/ferry/internal/infrastructure/scheduler"
	"github.com/semmidev/ferry/internal/usecase"
)

type App struct {
	config    *config.Config
	logger    *logger.Logger
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	repo      *persistence.FileStore
	store     *usecase.JobStore

	source      *platform.Client
	destination *platform.Client

	monitor     *usecase.ProgressMonitor
	batch       *usecase.BatchMigration
	incremental *usecase.IncrementalMigration
	jobs        *usecase.Jobs
	backup      *usecase.Backup
	rollback    *usecase.Rollback
	schedules   *usecase.ScheduleService
	cleanup     *usecase.Cleanup

	uploadTargets []usecase.UploadTarget
	autoRecover   bool
	recoverCtx    context.Context
	stopRecover   context.CancelFunc
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	repo, err := persistence.NewFileStore(cfg.App.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize data directory: %w", err)
	}
	repo.WithLogger(log)

	m := metrics.New()
	source := platform.New(cfg.Source)
	destination := platform.New(cfg.Destination)

	srcPlatform := usecase.Platform{Name: platformName(cfg.Source, "source"), Client: source, EntityTypes: cfg.Source.EntityTypes}
	dstPlatform := usecase.Platform{Name: platformName(cfg.Destination, "destination"), Client: destination, EntityTypes: cfg.Destination.EntityTypes}

	uploadTargets := initializeUploadTargets(ctx, cfg, log)
	notifier := initializeNotifier(cfg, log)

	monitor := usecase.NewProgressMonitor(openJobLog(repo.LogDir()), repo, notifier, cfg.Monitor.StallThreshold, m, log)
	backup := usecase.NewBackup(repo, srcPlatform, dstPlatform, compressor.NewZip(), uploadTargets, m, log)
	rollback := usecase.NewRollback(repo, srcPlatform, dstPlatform, refreshAll{source, destination}, cfg.Migration.RecoveryDelay, log)

	store := usecase.NewJobStore()
	batch := usecase.NewBatchMigration(store, repo, usecase.NewDestinationWriter(destination), monitor, m, log).
		WithBackups(backup).
		WithSnapshots(rollback)
	incremental := usecase.NewIncrementalMigration(
		store,
		repo,
		usecase.NewClientDeltaDetector(source, cfg.Source.EntityTypes, cfg.Migration.Priority),
		usecase.NewClientDeltaApplier(destination),
		monitor,
		usecase.IncrementalOptions{
			CycleBackoff:    cfg.Migration.CycleBackoff,
			MaxCycleRetries: cfg.Migration.MaxCycleRetries,
		},
		m,
		log,
	)
	jobs := usecase.NewJobs(batch, incremental)
	rollback.WithJobs(jobs)

	recoverCtx, stopRecover := context.WithCancel(context.Background())
	a := &App{
		config:        cfg,
		logger:        log,
		metrics:       m,
		scheduler:     scheduler.New(log),
		repo:          repo,
		store:         store,
		source:        source,
		destination:   destination,
		monitor:       monitor,
		batch:         batch,
		incremental:   incremental,
		jobs:          jobs,
		backup:        backup,
		rollback:      rollback,
		schedules:     usecase.NewScheduleService(repo, incremental, log),
		cleanup:       usecase.NewCleanup(backup, uploadTargets, log, cfg.Backup.RetentionDays),
		uploadTargets: uploadTargets,
		autoRecover:   cfg.Migration.AutoRecover,
		recoverCtx:    recoverCtx,
		stopRecover:   stopRecover,
	}
	if a.autoRecover {
		batch.OnFailure(a.recoverLater(batch.Wait))
		incremental.OnFailure(a.recoverLater(incremental.Wait))
	}

	log.Infof("%s ready: %s -> %s, data in %s", cfg.App.Name, srcPlatform.Name, dstPlatform.Name, cfg.App.DataDir)
	return a, nil
}

func platformName(cfg config.PlatformConfig, fallback string) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return fallback
}

func openJobLog(dir string) usecase.JobLogOpener {
	return func(jobID string, startedAt time.Time) (usecase.JobLog, string, error) {
		l, path, err := logger.NewJobLog(dir, jobID, startedAt)
		if err != nil {
			return nil, "", err
		}
		return l, path, nil
	}
}

func initializeUploadTargets(ctx context.Context, cfg *config.Config, log *logger.Logger) []usecase.UploadTarget {
	var targets []usecase.UploadTarget

	for _, targetCfg := range cfg.GetEnabledUploadTargets() {
		var stor domain.Storage
		var err error

		switch targetCfg.Type {
		case "local":
			stor, err = storage.NewLocal(targetCfg.Path)
			if err != nil {
				log.Errorf("Failed to initialize local mirror: %v", err)
				continue
			}
			log.Infof("Local mirror enabled (%s)", targetCfg.Path)

		case "gdrive":
			stor, err = storage.NewGDrive(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize Google Drive: %v", err)
				continue
			}
			log.Infof("Google Drive upload enabled")

		case "s3":
			stor, err = storage.NewS3(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize S3: %v", err)
				continue
			}
			log.Infof("AWS S3 upload enabled (bucket: %s)", targetCfg.Bucket)

		case "telegram":
			stor, err = storage.NewTelegram(targetCfg.BotToken, targetCfg.ChatID, targetCfg.SendFile)
			if err != nil {
				log.Errorf("Failed to initialize Telegram: %v", err)
				continue
			}
			log.Infof("Telegram upload enabled")

		default:
			log.Warnf("Unknown upload target type: %s", targetCfg.Type)
			continue
		}

		targets = append(targets, usecase.UploadTarget{
			Name:    targetCfg.Type,
			Storage: stor,
		})
	}

	return targets
}

func initializeNotifier(cfg *config.Config, log *logger.Logger) domain.Notifier {
	tg := cfg.Notify.Telegram
	if !tg.Enabled {
		return nil
	}
	bot, err := storage.NewTelegram(tg.BotToken, tg.ChatID, false)
	if err != nil {
		log.Errorf("Failed to initialize Telegram notifications: %v", err)
		return nil
	}
	log.Infof("Telegram notifications enabled")
	return bot
}

// refreshAll refreshes the tokens of both platforms; an auth failure does not
// say which side rejected it.
type refreshAll []domain.TokenRefresher

func (r refreshAll) Refresh(ctx context.Context) error {
	var errs []error
	for _, refresher := range r {
		if err := refresher.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recoverLater runs the recovery dispatcher once the failed job's worker has exited.
func (a *App) recoverLater(wait func(ctx context.Context, id string) error) usecase.FailureHandler {
	return func(jobID string, cause error) {
		go func() {
			if err := wait(a.recoverCtx, jobID); err != nil {
				return
			}
			result := a.rollback.RecoverFromFailure(a.recoverCtx, jobID, cause)
			a.logger.Infof("[%s] Automatic recovery (%s): %s", jobID, result.Strategy, result.Message)
		}()
	}
}

// Run starts the periodic jobs and the metrics server, then blocks until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	periodic := []struct {
		name string
		spec string
		job  func(context.Context) error
	}{
		{"health", a.config.Monitor.HealthCheckSchedule, func(ctx context.Context) error {
			a.monitor.CheckHealth(ctx)
			return nil
		}},
		{"schedules", a.config.Scheduler.PollSchedule, a.schedules.Poll},
		{"cleanup", a.config.Backup.CleanupSchedule, a.cleanup.Execute},
	}
	for _, p := range periodic {
		a.logger.Infof("Scheduling %s: %s", p.name, p.spec)
		if err := a.scheduler.AddJob(p.name, p.spec, p.job); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", p.name, err)
		}
	}

	var server *http.Server
	if a.config.App.MetricsAddr != "" {
		server = metrics.NewServer(a.config.App.MetricsAddr, a.metrics)
		go func() {
			a.logger.Infof("Metrics listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	a.scheduler.Start()
	a.logger.Infof("Scheduler started, backup destinations: local + %d remote target(s)", len(a.uploadTargets))

	<-ctx.Done()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warnf("Failed to shutdown metrics server: %v", err)
		}
	}
	return nil
}

// Shutdown parks every running job as paused so it can be resumed later.
func (a *App) Shutdown() {
	a.logger.Infof("Shutting down application...")
	a.scheduler.Stop()
	a.stopRecover()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.store.Shutdown(ctx); err != nil {
		a.logger.Errorf("Workers did not stop in time: %v", err)
	}
	for _, p := range a.monitor.ListProgress() {
		a.monitor.StopMonitoring(p.JobID)
	}
	a.logger.Close()
}
