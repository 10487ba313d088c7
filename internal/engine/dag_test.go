package engine

import (
	"errors"
	"testing"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
)

func stage(id string, deps ...string) domain.PipelineStage {
	s := domain.PipelineStage{StageID: id, Name: id, Kind: domain.StageKindTransform}
	s.SetDeps(deps)
	return s
}

func TestPlanOrderLinear(t *testing.T) {
	order, err := PlanOrder([]domain.PipelineStage{
		stage("a"),
		stage("b", "a"),
		stage("c", "b"),
	})
	if err != nil {
		t.Fatalf("PlanOrder failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestPlanOrderTieBreakByIndex(t *testing.T) {
	// b and c are both ready after a; b comes first in the definition.
	order, err := PlanOrder([]domain.PipelineStage{
		stage("a"),
		stage("b", "a"),
		stage("c", "a"),
		stage("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("PlanOrder failed: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestPlanOrderDeterministic(t *testing.T) {
	stages := []domain.PipelineStage{
		stage("x"),
		stage("m", "x"),
		stage("n", "x"),
		stage("z", "m", "n"),
	}
	first, err := PlanOrder(stages)
	if err != nil {
		t.Fatalf("PlanOrder failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := PlanOrder(stages)
		if err != nil {
			t.Fatalf("PlanOrder failed on repeat: %v", err)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("order not stable: %v vs %v", first, again)
			}
		}
	}
}

func TestPlanOrderRespectsEveryEdge(t *testing.T) {
	stages := []domain.PipelineStage{
		stage("load"),
		stage("clean", "load"),
		stage("check", "clean"),
		stage("sink", "check", "load"),
	}
	order, err := PlanOrder(stages)
	if err != nil {
		t.Fatalf("PlanOrder failed: %v", err)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if len(pos) != len(stages) {
		t.Fatalf("order must contain every stage exactly once: %v", order)
	}
	for _, s := range stages {
		for _, dep := range s.DepList() {
			if pos[dep] >= pos[s.StageID] {
				t.Fatalf("dependency %s must precede %s in %v", dep, s.StageID, order)
			}
		}
	}
}

func TestPlanOrderEmpty(t *testing.T) {
	if _, err := PlanOrder(nil); !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline for empty list, got %v", err)
	}
}

func TestPlanOrderDuplicateID(t *testing.T) {
	_, err := PlanOrder([]domain.PipelineStage{stage("a"), stage("a")})
	if !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline for duplicate id, got %v", err)
	}
}

func TestPlanOrderUnknownDependency(t *testing.T) {
	_, err := PlanOrder([]domain.PipelineStage{stage("a", "ghost")})
	if !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline for unknown dependency, got %v", err)
	}
}

func TestPlanOrderCycle(t *testing.T) {
	_, err := PlanOrder([]domain.PipelineStage{
		stage("a", "c"),
		stage("b", "a"),
		stage("c", "b"),
	})
	if !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline for cycle, got %v", err)
	}
}

func TestPlanOrderSelfDependency(t *testing.T) {
	_, err := PlanOrder([]domain.PipelineStage{stage("a", "a")})
	if !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline for self dependency, got %v", err)
	}
}
