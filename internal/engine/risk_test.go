package engine

import (
	"math"
	"testing"
	"time"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

func testConfig() app.Config {
	return app.Config{
		DefaultExecutionTimeout: 3600 * time.Second,
		StageDefaultTimeout:     300 * time.Second,
		ExecutorMaxRetries:      3,
		RetryBaseDelay:          time.Second,
		RetryBackoff:            2.0,
		RiskThresholdLow:        0.2,
		RiskThresholdMedium:     0.4,
		RiskThresholdHigh:       0.7,
		AnomalyTimeMultiplier:   3.0,
		AnomalyErrorThreshold:   5,
		HeartbeatInterval:       10 * time.Second,
		HeartbeatTTL:            30 * time.Second,
		LockTTL:                 3600 * time.Second,
		ShutdownGrace:           5 * time.Second,
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init failed: %v", err)
	}
	return log
}

func TestRiskScoreNoHistory(t *testing.T) {
	scorer := NewRiskScorer(testConfig(), testLogger(t))
	a := scorer.Assess(&domain.ExecutionStats{})
	if a.Score != 0 {
		t.Fatalf("expected score 0 with no history, got %v", a.Score)
	}
	if a.Level != RiskLow {
		t.Fatalf("expected low risk, got %v", a.Level)
	}
	if a.Blocked {
		t.Fatal("empty history must not block")
	}
	if len(a.Factors) == 0 {
		t.Fatal("factors must never be empty")
	}
}

func TestRiskScoreWeightedSum(t *testing.T) {
	scorer := NewRiskScorer(testConfig(), testLogger(t))
	a := scorer.Assess(&domain.ExecutionStats{
		TotalExecutions:      10,
		FailedExecutions:     4,
		Last7DaysExecutions:  5,
		Last7DaysFailures:    2,
		ConsecutiveFailures:  2,
		StageCount:           5,
		DaysSinceLastSuccess: 3.5,
	})
	// 0.6*0.30 + 0.8*0.25 + (2/3)*0.15 + 0 + (5/15)*0.10 + 0.5*0.10
	if a.Score != 0.563 {
		t.Fatalf("expected score 0.563, got %v", a.Score)
	}
	if a.Level != RiskHigh {
		t.Fatalf("expected high risk at 0.563, got %v", a.Level)
	}
}

func TestRiskScoreDeterministic(t *testing.T) {
	scorer := NewRiskScorer(testConfig(), testLogger(t))
	stats := &domain.ExecutionStats{
		TotalExecutions:      7,
		FailedExecutions:     2,
		Last7DaysExecutions:  3,
		Last7DaysFailures:    1,
		ConsecutiveFailures:  1,
		AvgDuration:          150,
		StageCount:           4,
		DaysSinceLastSuccess: 0.5,
	}
	first := scorer.Assess(stats)
	for i := 0; i < 5; i++ {
		again := scorer.Assess(stats)
		if again.Score != first.Score || again.Level != first.Level || again.Explanation != first.Explanation {
			t.Fatalf("assessment not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestRiskScoreClampedAndRounded(t *testing.T) {
	scorer := NewRiskScorer(testConfig(), testLogger(t))
	a := scorer.Assess(&domain.ExecutionStats{
		TotalExecutions:      100,
		FailedExecutions:     100,
		Last7DaysExecutions:  50,
		Last7DaysFailures:    50,
		ConsecutiveFailures:  30,
		AvgDuration:          5000,
		StageCount:           40,
		DaysSinceLastSuccess: 60,
	})
	if a.Score < 0 || a.Score > 1 {
		t.Fatalf("score out of range: %v", a.Score)
	}
	if a.Score != math.Round(a.Score*1000)/1000 {
		t.Fatalf("score not rounded to 3 decimals: %v", a.Score)
	}
	if a.Level != RiskCritical {
		t.Fatalf("expected critical, got %v", a.Level)
	}
}

func TestRiskBlockingPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.BlockHighRisk = true
	scorer := NewRiskScorer(cfg, testLogger(t))

	hot := scorer.Assess(&domain.ExecutionStats{
		TotalExecutions:     10,
		FailedExecutions:    10,
		Last7DaysExecutions: 5,
		Last7DaysFailures:   5,
		ConsecutiveFailures: 10,
	})
	if !hot.Blocked {
		t.Fatalf("expected block at level %v with policy on", hot.Level)
	}

	cold := scorer.Assess(&domain.ExecutionStats{TotalExecutions: 10})
	if cold.Blocked {
		t.Fatal("low risk must not block")
	}
}

func TestRiskDurationFactorBands(t *testing.T) {
	scorer := NewRiskScorer(testConfig(), testLogger(t))

	short := scorer.Assess(&domain.ExecutionStats{AvgDuration: 60})
	long := scorer.Assess(&domain.ExecutionStats{AvgDuration: 240})
	nearTimeout := scorer.Assess(&domain.ExecutionStats{AvgDuration: 3000})

	if short.Score != 0 {
		t.Fatalf("sub-two-minute average must not contribute, got %v", short.Score)
	}
	if long.Score <= short.Score {
		t.Fatalf("longer average must raise the score: %v <= %v", long.Score, short.Score)
	}
	if nearTimeout.Score != 0.08 {
		t.Fatalf("near-timeout average should contribute 0.8*0.10, got %v", nearTimeout.Score)
	}
}

func TestRiskInsightCarriesAssessment(t *testing.T) {
	scorer := NewRiskScorer(testConfig(), testLogger(t))
	a := scorer.Assess(&domain.ExecutionStats{
		TotalExecutions:  10,
		FailedExecutions: 5,
	})
	insight := a.Insight("pipe-1", "exec-1")
	if insight.PipelineID != "pipe-1" || insight.ExecutionID != "exec-1" {
		t.Fatalf("insight scope wrong: %+v", insight)
	}
	if insight.RiskScore == nil || *insight.RiskScore != a.Score {
		t.Fatalf("insight must carry the score, got %+v", insight.RiskScore)
	}
	if insight.Type != "risk_assessment" {
		t.Fatalf("unexpected insight type %q", insight.Type)
	}
}
