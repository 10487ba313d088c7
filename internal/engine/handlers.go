package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
)

// ExecutionContext is the mutable state a run threads through its stages:
// merged variables plus the results of previously completed stages.
type ExecutionContext struct {
	ExecutionID string
	PipelineID  string
	Variables   map[string]any
	Results     map[string]any // keyed by stage id
}

// Handler executes one stage kind. Implementations must honor ctx, which
// carries the stage timeout.
type Handler func(ctx context.Context, stage *domain.PipelineStage, ec *ExecutionContext) (map[string]any, error)

// HandlerRegistry keys handlers by stage kind. The four built-in kinds are a
// closed set at the API boundary but replaceable here.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[domain.StageKind]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: map[domain.StageKind]Handler{}}
	r.Register(domain.StageKindInput, inputHandler)
	r.Register(domain.StageKindTransform, transformHandler)
	r.Register(domain.StageKindValidation, validationHandler)
	r.Register(domain.StageKindOutput, outputHandler)
	return r
}

func (r *HandlerRegistry) Register(kind domain.StageKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *HandlerRegistry) Get(kind domain.StageKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// firstDepResult returns the output of the stage's first dependency, or an
// empty map when the stage has none.
func firstDepResult(stage *domain.PipelineStage, ec *ExecutionContext) map[string]any {
	deps := stage.DepList()
	if len(deps) == 0 {
		return map[string]any{}
	}
	if out, ok := ec.Results[deps[0]].(map[string]any); ok {
		return out
	}
	return map[string]any{}
}

func recordsOf(m map[string]any) []any {
	if recs, ok := m["records"].([]any); ok {
		return recs
	}
	if data, ok := m["data"].([]any); ok {
		return data
	}
	return nil
}

func inputHandler(_ context.Context, stage *domain.PipelineStage, _ *ExecutionContext) (map[string]any, error) {
	cfg := stage.ConfigMap()
	source, _ := cfg["source"].(string)
	if source == "" {
		source = "static"
	}
	records, _ := cfg["records"].([]any)
	if records == nil {
		if n, ok := cfg["count"].(float64); ok && n > 0 {
			records = make([]any, 0, int(n))
			for i := 0; i < int(n); i++ {
				records = append(records, map[string]any{"index": i, "source": source})
			}
		} else {
			records = []any{}
		}
	}
	return map[string]any{
		"source":  source,
		"records": records,
		"count":   len(records),
	}, nil
}

func transformHandler(_ context.Context, stage *domain.PipelineStage, ec *ExecutionContext) (map[string]any, error) {
	cfg := stage.ConfigMap()
	operation, _ := cfg["operation"].(string)
	if operation == "" {
		operation = "passthrough"
	}
	in := recordsOf(firstDepResult(stage, ec))
	if in == nil {
		in = []any{}
	}
	return map[string]any{
		"operation":    operation,
		"input_count":  len(in),
		"output_count": len(in),
		"data":         in,
	}, nil
}

func validationHandler(_ context.Context, stage *domain.PipelineStage, ec *ExecutionContext) (map[string]any, error) {
	cfg := stage.ConfigMap()
	in := recordsOf(firstDepResult(stage, ec))
	schema, hasSchema := cfg["schema"].(map[string]any)
	total := len(in)
	valid := total
	invalid := 0
	if hasSchema && len(schema) > 0 {
		valid = 0
		for _, rec := range in {
			m, ok := rec.(map[string]any)
			if !ok {
				continue
			}
			missing := false
			for field := range schema {
				if _, present := m[field]; !present {
					missing = true
					break
				}
			}
			if !missing {
				valid++
			}
		}
		invalid = total - valid
	}
	schemaName, _ := cfg["schema_name"].(string)
	if schemaName == "" && hasSchema {
		schemaName = "inline"
	}
	if schemaName == "" {
		schemaName = "none"
	}
	return map[string]any{
		"total":   total,
		"valid":   valid,
		"invalid": invalid,
		"schema":  schemaName,
	}, nil
}

func outputHandler(_ context.Context, stage *domain.PipelineStage, ec *ExecutionContext) (map[string]any, error) {
	cfg := stage.ConfigMap()
	destination, _ := cfg["destination"].(string)
	if destination == "" {
		destination = "default"
	}
	in := recordsOf(firstDepResult(stage, ec))
	return map[string]any{
		"destination":     destination,
		"records_written": len(in),
		"success":         true,
	}, nil
}

// UnknownKindError distinguishes a registry miss from a handler failure.
type UnknownKindError struct {
	Kind domain.StageKind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no handler registered for stage kind %q", e.Kind)
}
