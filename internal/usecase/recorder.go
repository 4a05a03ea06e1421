package usecase

import "time"

// Recorder receives operational counters. *metrics.Metrics satisfies it.
type Recorder interface {
	ItemProcessed(success bool)
	DeltaApplied(changeType string, success bool)
	JobFinished(kind, status string)
	SyncCycle(success bool)
	Stalled()
	WorkerStarted(kind string)
	WorkerStopped(kind string)
	BackupDuration(backupType string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ItemProcessed(bool)                   {}
func (nopRecorder) DeltaApplied(string, bool)            {}
func (nopRecorder) JobFinished(string, string)           {}
func (nopRecorder) SyncCycle(bool)                       {}
func (nopRecorder) Stalled()                             {}
func (nopRecorder) WorkerStarted(string)                 {}
func (nopRecorder) WorkerStopped(string)                 {}
func (nopRecorder) BackupDuration(string, time.Duration) {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
