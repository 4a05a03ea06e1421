package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
)

type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// Scheduler runs periodic jobs on six-field cron specs. A run that is still in
// progress when its next tick fires is skipped, not overlapped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger Logger
}

func New(logger Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// AddJob registers job under name. The context handed to job is cancelled by Stop.
func (s *Scheduler) AddJob(name, spec string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job(s.ctx); err != nil {
			s.logger.Errorf("[%s] scheduled run failed: %v", name, err)
		}
	})
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	// cron reports every wake-up at info level; only skips are worth surfacing
	if msg == "skip" {
		l.logger.Infof("cron: previous run still in progress, skipping %v", keysAndValues)
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}
