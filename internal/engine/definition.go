package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

// StageSpec is the on-disk shape of one stage definition.
type StageSpec struct {
	ID           string         `yaml:"id" json:"id"`
	Name         string         `yaml:"name" json:"name"`
	Kind         string         `yaml:"kind" json:"kind"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout      int            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries   *int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelay   float64        `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	RetryBackoff float64        `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`
	Critical     bool           `yaml:"critical,omitempty" json:"critical,omitempty"`
}

// PipelineSpec is the on-disk shape of a pipeline definition.
type PipelineSpec struct {
	ID          string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string         `yaml:"name" json:"name"`
	Version     string         `yaml:"version,omitempty" json:"version,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Active      *bool          `yaml:"active,omitempty" json:"active,omitempty"`
	Schedule    string         `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Variables   map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Stages      []StageSpec    `yaml:"stages" json:"stages"`
}

// ParsePipeline decodes a YAML or JSON definition, fills engine defaults, and
// validates the stage graph. A definition that fails planning is rejected.
func ParsePipeline(data []byte, cfg app.Config) (*domain.Pipeline, error) {
	var spec PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	return spec.Build(cfg)
}

// Build converts the spec into the stored model.
func (spec *PipelineSpec) Build(cfg app.Config) (*domain.Pipeline, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: pipeline name is required", ErrInvalidPipeline)
	}
	id := spec.ID
	if id == "" {
		id = "pipe-" + uuid.NewString()[:8]
	}
	version := spec.Version
	if version == "" {
		version = "1.0"
	}
	active := true
	if spec.Active != nil {
		active = *spec.Active
	}

	p := &domain.Pipeline{
		ID:          id,
		Name:        spec.Name,
		Description: spec.Description,
		Version:     version,
		Active:      active,
		Schedule:    spec.Schedule,
	}
	if len(spec.Variables) > 0 {
		if b, err := json.Marshal(spec.Variables); err == nil {
			p.Variables = datatypes.JSON(b)
		}
	}

	for i, ss := range spec.Stages {
		kind := domain.StageKind(ss.Kind)
		if !domain.ValidStageKind(kind) {
			return nil, fmt.Errorf("%w: stage %q has unknown kind %q", ErrInvalidPipeline, ss.ID, ss.Kind)
		}
		name := ss.Name
		if name == "" {
			name = ss.ID
		}
		timeout := ss.Timeout
		if timeout <= 0 {
			timeout = int(cfg.StageDefaultTimeout.Seconds())
		}
		maxRetries := cfg.ExecutorMaxRetries
		if ss.MaxRetries != nil && *ss.MaxRetries >= 0 {
			maxRetries = *ss.MaxRetries
		}
		retryDelay := ss.RetryDelay
		if retryDelay <= 0 {
			retryDelay = cfg.RetryBaseDelay.Seconds()
		}
		backoff := ss.RetryBackoff
		if backoff < 1 {
			backoff = cfg.RetryBackoff
		}

		stage := domain.PipelineStage{
			PipelineID:   id,
			StageID:      ss.ID,
			Name:         name,
			Kind:         kind,
			Timeout:      timeout,
			MaxRetries:   maxRetries,
			RetryDelay:   retryDelay,
			RetryBackoff: backoff,
			IsCritical:   ss.Critical,
			Order:        i,
		}
		if len(ss.Config) > 0 {
			if b, err := json.Marshal(ss.Config); err == nil {
				stage.Config = datatypes.JSON(b)
			}
		}
		stage.SetDeps(ss.DependsOn)
		p.Stages = append(p.Stages, stage)
	}

	if _, err := PlanOrder(p.Stages); err != nil {
		return nil, err
	}
	return p, nil
}

// Spec converts a stored pipeline back into its definition shape, so
// definitions round-trip through parse and serialize.
func Spec(p *domain.Pipeline) *PipelineSpec {
	active := p.Active
	spec := &PipelineSpec{
		ID:          p.ID,
		Name:        p.Name,
		Version:     p.Version,
		Description: p.Description,
		Active:      &active,
		Schedule:    p.Schedule,
		Variables:   p.VariablesMap(),
	}
	if len(spec.Variables) == 0 {
		spec.Variables = nil
	}
	for i := range p.Stages {
		s := &p.Stages[i]
		maxRetries := s.MaxRetries
		ss := StageSpec{
			ID:           s.StageID,
			Name:         s.Name,
			Kind:         string(s.Kind),
			DependsOn:    s.DepList(),
			Timeout:      s.Timeout,
			MaxRetries:   &maxRetries,
			RetryDelay:   s.RetryDelay,
			RetryBackoff: s.RetryBackoff,
			Critical:     s.IsCritical,
		}
		if cfg := s.ConfigMap(); len(cfg) > 0 {
			ss.Config = cfg
		}
		spec.Stages = append(spec.Stages, ss)
	}
	return spec
}

// MarshalPipeline serializes a stored pipeline as YAML.
func MarshalPipeline(p *domain.Pipeline) ([]byte, error) {
	return yaml.Marshal(Spec(p))
}

// LoadPipelinesDir upserts every .yaml/.yml/.json definition found in dir.
// Used at boot when PIPELINES_DIR is configured.
func LoadPipelinesDir(ctx context.Context, dir string, pipelines repos.PipelineRepo, cfg app.Config, log *logger.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("failed to read pipeline definition", "path", path, "error", err)
			continue
		}
		p, err := ParsePipeline(data, cfg)
		if err != nil {
			log.Warn("failed to parse pipeline definition", "path", path, "error", err)
			continue
		}
		if _, err := pipelines.GetByID(ctx, nil, p.ID); err == nil {
			_, err = pipelines.Update(ctx, nil, p)
			if err != nil {
				log.Warn("failed to update pipeline", "pipeline_id", p.ID, "error", err)
				continue
			}
		} else {
			if _, err := pipelines.Create(ctx, nil, p); err != nil {
				log.Warn("failed to create pipeline", "pipeline_id", p.ID, "error", err)
				continue
			}
		}
		loaded++
		log.Info("loaded pipeline definition", "pipeline_id", p.ID, "name", p.Name, "path", path)
	}
	return loaded, nil
}
