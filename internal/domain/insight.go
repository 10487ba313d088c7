package domain

import (
	"time"

	"gorm.io/datatypes"
)

type InsightSeverity string

const (
	SeverityLow      InsightSeverity = "low"
	SeverityMedium   InsightSeverity = "medium"
	SeverityHigh     InsightSeverity = "high"
	SeverityCritical InsightSeverity = "critical"
)

// AIInsight is an advisory record produced by the engine and read by external
// viewers; the engine itself never consumes insights.
type AIInsight struct {
	ID             uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	PipelineID     string          `gorm:"index" json:"pipeline_id,omitempty"`
	ExecutionID    string          `gorm:"index" json:"execution_id,omitempty"`
	StageID        string          `json:"stage_id,omitempty"`
	Type           string          `gorm:"not null" json:"type"`
	Severity       InsightSeverity `gorm:"not null;default:'low'" json:"severity"`
	Title          string          `gorm:"not null" json:"title"`
	Message        string          `gorm:"type:text" json:"message"`
	Recommendation string          `gorm:"type:text" json:"recommendation,omitempty"`
	Confidence     float64         `gorm:"not null;default:0" json:"confidence"`
	RiskScore      *float64        `json:"risk_score,omitempty"`
	Factors        datatypes.JSON  `gorm:"type:jsonb" json:"factors,omitempty"`
	Explanation    string          `gorm:"type:text" json:"explanation,omitempty"`
	ActionTaken    string          `json:"action_taken,omitempty"`
	Resolved       bool            `gorm:"not null;default:false" json:"resolved"`
	CreatedAt      time.Time       `gorm:"not null;index" json:"created_at"`
}

func (AIInsight) TableName() string { return "ai_insights" }

type Metric struct {
	ID          uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Type        string         `gorm:"column:metric_type;not null;index" json:"type"`
	Name        string         `gorm:"not null" json:"name"`
	Value       float64        `gorm:"not null" json:"value"`
	Unit        string         `json:"unit,omitempty"`
	PipelineID  string         `gorm:"index" json:"pipeline_id,omitempty"`
	ExecutionID string         `gorm:"index" json:"execution_id,omitempty"`
	Tags        datatypes.JSON `gorm:"type:jsonb" json:"tags,omitempty"`
	Timestamp   time.Time      `gorm:"not null;index" json:"timestamp"`
}

func (Metric) TableName() string { return "metrics" }
