package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskAssessment is the admission verdict for one pipeline. Factors and the
// explanation are persisted as an insight on the execution.
type RiskAssessment struct {
	Score           float64   `json:"score"`
	Level           RiskLevel `json:"level"`
	Blocked         bool      `json:"blocked"`
	Factors         []string  `json:"factors"`
	Recommendations []string  `json:"recommendations"`
	Explanation     string    `json:"explanation"`
}

// RiskScorer turns rolling-window execution statistics into a score in [0,1].
// Pure apart from the days-since-success input, which the caller aggregates.
type RiskScorer struct {
	thresholdLow    float64
	thresholdMedium float64
	thresholdHigh   float64
	blockHighRisk   bool
	defaultTimeout  time.Duration
	log             *logger.Logger
}

func NewRiskScorer(cfg app.Config, log *logger.Logger) *RiskScorer {
	return &RiskScorer{
		thresholdLow:    cfg.RiskThresholdLow,
		thresholdMedium: cfg.RiskThresholdMedium,
		thresholdHigh:   cfg.RiskThresholdHigh,
		blockHighRisk:   cfg.BlockHighRisk,
		defaultTimeout:  cfg.DefaultExecutionTimeout,
		log:             log.With("service", "RiskScorer"),
	}
}

// Factor weights, sum 1.0.
const (
	weightFailureRate  = 0.30
	weightRecentRate   = 0.25
	weightConsecutive  = 0.15
	weightDuration     = 0.10
	weightComplexity   = 0.10
	weightTimeSinceSuc = 0.10
)

func (s *RiskScorer) Assess(stats *domain.ExecutionStats) *RiskAssessment {
	if stats == nil {
		stats = &domain.ExecutionStats{}
	}

	var failureRate float64
	if stats.TotalExecutions > 0 {
		failureRate = float64(stats.FailedExecutions) / float64(stats.TotalExecutions)
	}
	var recentRate float64
	if stats.Last7DaysExecutions > 0 {
		recentRate = float64(stats.Last7DaysFailures) / float64(stats.Last7DaysExecutions)
	}

	failureSub := math.Min(failureRate*1.5, 1)
	recentSub := math.Min(recentRate*2, 1)
	consecutiveSub := math.Min(float64(stats.ConsecutiveFailures)/3, 1)

	var durationSub float64
	switch {
	case stats.AvgDuration > 0.8*s.defaultTimeout.Seconds():
		durationSub = 0.8
	case stats.AvgDuration > 120:
		durationSub = math.Min(stats.AvgDuration/300, 0.6)
	}

	complexitySub := math.Min(float64(stats.StageCount)/15, 1)
	staleSub := math.Min(stats.DaysSinceLastSuccess/7, 1)

	score := failureSub*weightFailureRate +
		recentSub*weightRecentRate +
		consecutiveSub*weightConsecutive +
		durationSub*weightDuration +
		complexitySub*weightComplexity +
		staleSub*weightTimeSinceSuc
	score = math.Round(math.Max(0, math.Min(score, 1))*1000) / 1000

	level := s.level(score)

	var factors, recs []string
	if failureSub > 0 {
		factors = append(factors, fmt.Sprintf("historical failure rate %.0f%% over %d runs", failureRate*100, stats.TotalExecutions))
	}
	if recentSub > 0 {
		factors = append(factors, fmt.Sprintf("%d of %d runs failed in the last 7 days", stats.Last7DaysFailures, stats.Last7DaysExecutions))
		recs = append(recs, "review recent failure logs before re-running")
	}
	if stats.ConsecutiveFailures > 0 {
		factors = append(factors, fmt.Sprintf("%d consecutive failures", stats.ConsecutiveFailures))
		recs = append(recs, "investigate the most recent failure before retrying")
	}
	if durationSub > 0 {
		factors = append(factors, fmt.Sprintf("average duration %.0fs approaches the execution timeout", stats.AvgDuration))
		recs = append(recs, "raise stage timeouts or split long-running stages")
	}
	if complexitySub >= 0.5 {
		factors = append(factors, fmt.Sprintf("pipeline has %d stages", stats.StageCount))
	}
	if stats.DaysSinceLastSuccess >= 1 {
		factors = append(factors, fmt.Sprintf("%.1f days since the last successful run", stats.DaysSinceLastSuccess))
	}
	if len(factors) == 0 {
		factors = append(factors, "no adverse execution history")
	}
	if level == RiskHigh || level == RiskCritical {
		recs = append(recs, "consider running with a reduced dataset or in a staging environment first")
	}

	blocked := s.blockHighRisk && (level == RiskHigh || level == RiskCritical)

	explanation := fmt.Sprintf("Risk score %.3f (%s) from %s.", score, level, strings.Join(factors, "; "))
	if blocked {
		explanation += " Execution blocked by policy."
	}

	return &RiskAssessment{
		Score:           score,
		Level:           level,
		Blocked:         blocked,
		Factors:         factors,
		Recommendations: recs,
		Explanation:     explanation,
	}
}

func (s *RiskScorer) level(score float64) RiskLevel {
	switch {
	case score < s.thresholdLow:
		return RiskLow
	case score < s.thresholdMedium:
		return RiskMedium
	case score < s.thresholdHigh:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Insight builds the advisory record persisted alongside the admission
// decision.
func (a *RiskAssessment) Insight(pipelineID, executionID string) *domain.AIInsight {
	score := a.Score
	insight := &domain.AIInsight{
		PipelineID:  pipelineID,
		ExecutionID: executionID,
		Type:        "risk_assessment",
		Severity:    riskSeverity(a.Level),
		Title:       fmt.Sprintf("Pre-execution risk: %s", a.Level),
		Message:     a.Explanation,
		Confidence:  0.8,
		RiskScore:   &score,
		Explanation: a.Explanation,
	}
	if a.Blocked {
		insight.Title = "Execution blocked by risk policy"
		insight.ActionTaken = "blocked"
	}
	if len(a.Recommendations) > 0 {
		insight.Recommendation = strings.Join(a.Recommendations, "; ")
	}
	if b, err := json.Marshal(a.Factors); err == nil {
		insight.Factors = datatypes.JSON(b)
	}
	return insight
}

func riskSeverity(level RiskLevel) domain.InsightSeverity {
	switch level {
	case RiskCritical:
		return domain.SeverityCritical
	case RiskHigh:
		return domain.SeverityHigh
	case RiskMedium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
