package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type StageKind string

const (
	StageKindInput      StageKind = "input"
	StageKindTransform  StageKind = "transform"
	StageKindValidation StageKind = "validation"
	StageKindOutput     StageKind = "output"
)

func ValidStageKind(k StageKind) bool {
	switch k {
	case StageKindInput, StageKindTransform, StageKindValidation, StageKindOutput:
		return true
	}
	return false
}

// Pipeline is immutable by version: running executions keep the snapshot they
// started with even if the row is updated afterwards.
type Pipeline struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	Name        string          `gorm:"not null;index" json:"name"`
	Description string          `gorm:"type:text" json:"description"`
	Version     string          `gorm:"not null;default:'1.0'" json:"version"`
	Active      bool            `gorm:"not null;default:true" json:"active"`
	Schedule    string          `json:"schedule,omitempty"`
	Variables   datatypes.JSON  `gorm:"type:jsonb" json:"variables"`
	Stages      []PipelineStage `gorm:"foreignKey:PipelineID;references:ID" json:"stages"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
}

func (Pipeline) TableName() string { return "pipelines" }

type PipelineStage struct {
	ID           uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	PipelineID   string         `gorm:"not null;index;uniqueIndex:idx_pipeline_stage" json:"pipeline_id"`
	StageID      string         `gorm:"column:stage_id;not null;uniqueIndex:idx_pipeline_stage" json:"stage_id"`
	Name         string         `gorm:"not null" json:"name"`
	Kind         StageKind      `gorm:"column:kind;not null" json:"kind"`
	Config       datatypes.JSON `gorm:"type:jsonb" json:"config"`
	Dependencies datatypes.JSON `gorm:"type:jsonb" json:"dependencies"`
	Timeout      int            `gorm:"not null;default:0" json:"timeout"` // seconds; 0 means stage default
	MaxRetries   int            `gorm:"not null;default:0" json:"max_retries"`
	RetryDelay   float64        `gorm:"not null;default:0" json:"retry_delay"` // seconds
	RetryBackoff float64        `gorm:"not null;default:0" json:"retry_backoff"`
	IsCritical   bool           `gorm:"not null;default:false" json:"is_critical"`
	Order        int            `gorm:"column:stage_order;not null;default:0" json:"order"`
}

func (PipelineStage) TableName() string { return "pipeline_stages" }

// DepList decodes the JSON dependency column into stage ids. A missing or
// malformed column reads as no dependencies.
func (s *PipelineStage) DepList() []string {
	if len(s.Dependencies) == 0 {
		return nil
	}
	var deps []string
	if err := json.Unmarshal(s.Dependencies, &deps); err != nil {
		return nil
	}
	return deps
}

func (s *PipelineStage) SetDeps(deps []string) {
	if deps == nil {
		deps = []string{}
	}
	b, _ := json.Marshal(deps)
	s.Dependencies = datatypes.JSON(b)
}

func (s *PipelineStage) ConfigMap() map[string]any {
	if len(s.Config) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(s.Config, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func (p *Pipeline) VariablesMap() map[string]any {
	if len(p.Variables) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(p.Variables, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func (p *Pipeline) Stage(stageID string) *PipelineStage {
	for i := range p.Stages {
		if p.Stages[i].StageID == stageID {
			return &p.Stages[i]
		}
	}
	return nil
}
