package engine

import (
	"strings"
	"testing"
)

func TestSelectActionNoIssue(t *testing.T) {
	action, rationale := SelectAction(ActionInput{StageID: "a"})
	if action != ActionContinue {
		t.Fatalf("expected continue, got %v", action)
	}
	if rationale == "" {
		t.Fatal("rationale must always be set")
	}
}

func TestSelectActionRetryWhileBudgetRemains(t *testing.T) {
	action, _ := SelectAction(ActionInput{
		StageID:     "b",
		Failed:      true,
		RetriesUsed: 1,
		MaxRetries:  3,
	})
	if action != ActionRetryStage {
		t.Fatalf("expected retry_stage with retries remaining, got %v", action)
	}
}

func TestSelectActionSkipNonCritical(t *testing.T) {
	action, rationale := SelectAction(ActionInput{
		StageID:     "b",
		Failed:      true,
		IsCritical:  false,
		RetriesUsed: 2,
		MaxRetries:  2,
	})
	if action != ActionSkipStage {
		t.Fatalf("expected skip_stage, got %v", action)
	}
	if !strings.Contains(rationale, "b") {
		t.Fatalf("rationale should name the stage, got %q", rationale)
	}
}

func TestSelectActionRollbackUnderBurst(t *testing.T) {
	action, _ := SelectAction(ActionInput{
		StageID:     "b",
		Failed:      true,
		IsCritical:  true,
		RetriesUsed: 2,
		MaxRetries:  2,
		RiskLevel:   RiskHigh,
		ErrorBurst:  true,
	})
	if action != ActionRollback {
		t.Fatalf("expected rollback for critical+high-risk+burst, got %v", action)
	}
}

func TestSelectActionPauseCritical(t *testing.T) {
	// Critical and exhausted, but no burst and low risk: pause wins over
	// rollback and terminate.
	action, _ := SelectAction(ActionInput{
		StageID:     "b",
		Failed:      true,
		IsCritical:  true,
		RetriesUsed: 1,
		MaxRetries:  1,
		RiskLevel:   RiskLow,
	})
	if action != ActionPausePipeline {
		t.Fatalf("expected pause_pipeline, got %v", action)
	}
}

func TestSelectActionTerminateOnSafetyViolation(t *testing.T) {
	action, _ := SelectAction(ActionInput{StageID: "b", SafetyViolation: true})
	if action != ActionTerminate {
		t.Fatalf("expected terminate, got %v", action)
	}
}

func TestSelectActionPriorityOrder(t *testing.T) {
	// Retry budget outranks everything else even on a critical stage.
	action, _ := SelectAction(ActionInput{
		StageID:     "b",
		Failed:      true,
		IsCritical:  true,
		RetriesUsed: 0,
		MaxRetries:  2,
		RiskLevel:   RiskCritical,
		ErrorBurst:  true,
	})
	if action != ActionRetryStage {
		t.Fatalf("retry must outrank rollback while budget remains, got %v", action)
	}
}
