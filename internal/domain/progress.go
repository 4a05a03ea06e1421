package domain

import "time"

type Step string

const (
	StepInitialization         Step = "initialization"
	StepPrerequisiteValidation Step = "prerequisite_validation"
	StepBackupCreation         Step = "backup_creation"
	StepSourceExtraction       Step = "source_extraction"
	StepTransformation         Step = "transformation"
	StepTargetCreation         Step = "target_creation"
	StepBotSetup               Step = "bot_setup"
	StepRoutingSetup           Step = "routing_setup"
	StepValidationTesting      Step = "validation_testing"
	StepOptimization           Step = "optimization"
	StepCompletion             Step = "completion"
)

// Steps is the fixed order every migration walks through.
var Steps = []Step{
	StepInitialization,
	StepPrerequisiteValidation,
	StepBackupCreation,
	StepSourceExtraction,
	StepTransformation,
	StepTargetCreation,
	StepBotSetup,
	StepRoutingSetup,
	StepValidationTesting,
	StepOptimization,
	StepCompletion,
}

func IsKnownStep(s Step) bool {
	for _, step := range Steps {
		if step == s {
			return true
		}
	}
	return false
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

type ProgressStatus string

const (
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressStalled   ProgressStatus = "stalled"
)

type StepProgress struct {
	Step      Step       `json:"step"`
	Status    StepStatus `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Details   string     `json:"details,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (s StepProgress) Resolved() bool {
	return s.Status == StepCompleted || s.Status == StepSkipped
}

type MigrationProgress struct {
	JobID           string         `json:"job_id"`
	Status          ProgressStatus `json:"status"`
	Steps           []StepProgress `json:"steps"`
	OverallProgress float64        `json:"overall_progress"`
	StartTime       time.Time      `json:"start_time"`
	LastUpdateTime  time.Time      `json:"last_update_time"`
	// IdleUntil is set by workers that sleep on purpose, e.g. between sync cycles.
	IdleUntil *time.Time `json:"idle_until,omitempty"`
	LogPath   string     `json:"log_path,omitempty"`
}

func (p *MigrationProgress) Clone() *MigrationProgress {
	c := *p
	c.Steps = append([]StepProgress(nil), p.Steps...)
	return &c
}

type MigrationReport struct {
	JobID           string         `json:"job_id"`
	Status          ProgressStatus `json:"status"`
	OverallProgress float64        `json:"overall_progress"`
	Steps           []StepProgress `json:"steps"`
	CompletedSteps  int            `json:"completed_steps"`
	FailedSteps     int            `json:"failed_steps"`
	SkippedSteps    int            `json:"skipped_steps"`
	Errors          []string       `json:"errors,omitempty"`
	Duration        time.Duration  `json:"duration"`
	GeneratedAt     time.Time      `json:"generated_at"`
	FilePath        string         `json:"file_path,omitempty"`
	Rendered        string         `json:"rendered,omitempty"`
}
