package domain

type RecoveryStrategy string

const (
	StrategyRetry           RecoveryStrategy = "retry"
	StrategyRefreshAndRetry RecoveryStrategy = "refresh_and_retry"
	StrategyRollback        RecoveryStrategy = "rollback"
)

// StrategyFor maps a failure kind to the recovery action taken for it.
func StrategyFor(kind ErrorKind) RecoveryStrategy {
	switch kind {
	case ErrNetworkTimeout, ErrResourceExhaustion:
		return StrategyRetry
	case ErrAuthentication:
		return StrategyRefreshAndRetry
	}
	return StrategyRollback
}

type RecoveryResult struct {
	JobID    string           `json:"job_id"`
	Kind     ErrorKind        `json:"kind"`
	Strategy RecoveryStrategy `json:"strategy"`
	Success  bool             `json:"success"`
	// ResumedJobID is the job carrying on the work; it differs from JobID
	// when a failed incremental job is replaced by a new one.
	ResumedJobID string          `json:"resumed_job_id,omitempty"`
	Rollback     *RollbackResult `json:"rollback,omitempty"`
	Message      string          `json:"message"`
}
