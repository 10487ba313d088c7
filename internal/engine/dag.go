package engine

import (
	"errors"
	"fmt"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
)

// ErrInvalidPipeline wraps every planner rejection so callers can map the
// whole class to a validation failure.
var ErrInvalidPipeline = errors.New("invalid pipeline definition")

// PlanOrder validates the stage graph and returns a topological execution
// order. Ties are broken by original stage index so a given snapshot always
// plans the same way.
func PlanOrder(stages []domain.PipelineStage) ([]string, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no stages", ErrInvalidPipeline)
	}

	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.StageID == "" {
			return nil, fmt.Errorf("%w: stage %d has an empty id", ErrInvalidPipeline, i)
		}
		if _, dup := index[s.StageID]; dup {
			return nil, fmt.Errorf("%w: duplicate stage id %q", ErrInvalidPipeline, s.StageID)
		}
		index[s.StageID] = i
	}

	deps := make([][]string, len(stages))
	for i := range stages {
		deps[i] = stages[i].DepList()
		for _, d := range deps[i] {
			if _, ok := index[d]; !ok {
				return nil, fmt.Errorf("%w: stage %q depends on unknown stage %q", ErrInvalidPipeline, stages[i].StageID, d)
			}
		}
	}

	// DFS with recursion-stack coloring to detect cycles.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(stages))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, d := range deps[i] {
			j := index[d]
			switch color[j] {
			case gray:
				return fmt.Errorf("%w: cycle involving stage %q", ErrInvalidPipeline, stages[j].StageID)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range stages {
		if color[i] == white {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}

	// Kahn's algorithm; each round picks the ready stage with the lowest
	// original index.
	indegree := make([]int, len(stages))
	dependents := make([][]int, len(stages))
	for i := range stages {
		indegree[i] = len(deps[i])
		for _, d := range deps[i] {
			j := index[d]
			dependents[j] = append(dependents[j], i)
		}
	}

	order := make([]string, 0, len(stages))
	done := make([]bool, len(stages))
	for len(order) < len(stages) {
		next := -1
		for i := range stages {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			// Unreachable after the DFS pass; kept as a hard stop.
			return nil, fmt.Errorf("%w: unresolvable dependency graph", ErrInvalidPipeline)
		}
		done[next] = true
		order = append(order, stages[next].StageID)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}
