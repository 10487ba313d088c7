package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionPaused     ExecutionStatus = "paused"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRolledBack:
		return true
	}
	return false
}

type StageExecStatus string

const (
	StageExecPending   StageExecStatus = "pending"
	StageExecRunning   StageExecStatus = "running"
	StageExecCompleted StageExecStatus = "completed"
	StageExecFailed    StageExecStatus = "failed"
	StageExecSkipped   StageExecStatus = "skipped"
)

type Execution struct {
	ID              string          `gorm:"primaryKey" json:"id"`
	PipelineID      string          `gorm:"not null;index" json:"pipeline_id"`
	PipelineName    string          `gorm:"not null" json:"pipeline_name"`
	Status          ExecutionStatus `gorm:"not null;index" json:"status"`
	TotalStages     int             `gorm:"not null;default:0" json:"total_stages"`
	CompletedStages int             `gorm:"not null;default:0" json:"completed_stages"`
	CurrentStage    string          `json:"current_stage,omitempty"`
	StartedAt       time.Time       `gorm:"not null;index" json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Duration        *float64        `json:"duration,omitempty"` // seconds
	Variables       datatypes.JSON  `gorm:"type:jsonb" json:"variables"`
	Results         datatypes.JSON  `gorm:"type:jsonb" json:"results"` // keyed by stage id
	RiskScore       *float64        `json:"risk_score,omitempty"`
	TriggeredBy     string          `gorm:"not null;default:'manual'" json:"triggered_by"`
	TriggerMetadata datatypes.JSON  `gorm:"type:jsonb" json:"trigger_metadata"`
	Error           string          `gorm:"type:text" json:"error,omitempty"`
}

func (Execution) TableName() string { return "executions" }

func (e *Execution) VariablesMap() map[string]any {
	return decodeJSONMap(e.Variables)
}

func (e *Execution) ResultsMap() map[string]any {
	return decodeJSONMap(e.Results)
}

func (e *Execution) TriggerMetadataMap() map[string]any {
	return decodeJSONMap(e.TriggerMetadata)
}

func decodeJSONMap(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

type StageExecution struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	ExecutionID   string          `gorm:"not null;index;uniqueIndex:idx_exec_stage" json:"execution_id"`
	StageID       string          `gorm:"not null;uniqueIndex:idx_exec_stage" json:"stage_id"`
	Status        StageExecStatus `gorm:"not null" json:"status"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Duration      *float64        `json:"duration,omitempty"` // seconds
	RetryCount    int             `gorm:"not null;default:0" json:"retry_count"`
	Output        datatypes.JSON  `gorm:"type:jsonb" json:"output,omitempty"`
	Error         string          `gorm:"type:text" json:"error,omitempty"`
	IsAnomaly     bool            `gorm:"not null;default:false" json:"is_anomaly"`
	AnomalyReason string          `json:"anomaly_reason,omitempty"`
}

func (StageExecution) TableName() string { return "stage_executions" }

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type ExecutionLog struct {
	ID          uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	ExecutionID string         `gorm:"not null;index" json:"execution_id"`
	StageID     string         `json:"stage_id,omitempty"`
	Level       LogLevel       `gorm:"not null;default:'info'" json:"level"`
	Message     string         `gorm:"type:text;not null" json:"message"`
	Metadata    datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	Timestamp   time.Time      `gorm:"not null;index" json:"timestamp"`
}

func (ExecutionLog) TableName() string { return "logs" }

// ExecutionLock is the durable single-writer lock: at most one active row per
// pipeline. A row past ExpiresAt is treated as released.
type ExecutionLock struct {
	PipelineID  string    `gorm:"primaryKey" json:"pipeline_id"`
	ExecutionID string    `gorm:"not null" json:"execution_id"`
	Holder      string    `gorm:"not null" json:"holder"`
	AcquiredAt  time.Time `gorm:"not null" json:"acquired_at"`
	ExpiresAt   time.Time `gorm:"not null;index" json:"expires_at"`
}

func (ExecutionLock) TableName() string { return "execution_locks" }

// ExecutionStats is the rolling-window aggregate the risk scorer consumes.
type ExecutionStats struct {
	PipelineID           string  `json:"pipeline_id"`
	TotalExecutions      int     `json:"total_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	AvgDuration          float64 `json:"avg_duration"` // seconds
	Last7DaysFailures    int     `json:"last_7_days_failures"`
	Last7DaysExecutions  int     `json:"last_7_days_executions"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	DaysSinceLastSuccess float64 `json:"days_since_last_success"`
	StageCount           int     `json:"stage_count"`
}
