package engine

import "fmt"

type Action string

const (
	ActionContinue      Action = "continue"
	ActionRetryStage    Action = "retry_stage"
	ActionSkipStage     Action = "skip_stage"
	ActionPausePipeline Action = "pause_pipeline"
	ActionRollback      Action = "rollback"
	ActionTerminate     Action = "terminate"
)

// ActionInput describes a stage failure (or anomaly) at the moment the
// supervisor must decide what to do next.
type ActionInput struct {
	StageID         string
	Failed          bool
	Anomaly         *AnomalySignal
	IsCritical      bool
	RetriesUsed     int
	MaxRetries      int
	RiskLevel       RiskLevel
	ErrorBurst      bool
	SafetyViolation bool
}

// SelectAction maps a failure descriptor to the safest applicable remediation.
// Pure function; the rationale is persisted for auditability.
func SelectAction(in ActionInput) (Action, string) {
	if !in.Failed && in.Anomaly == nil && !in.SafetyViolation {
		return ActionContinue, "no issue detected"
	}
	if in.Failed && in.RetriesUsed < in.MaxRetries {
		return ActionRetryStage, fmt.Sprintf("recoverable error on stage %s, %d of %d retries used", in.StageID, in.RetriesUsed, in.MaxRetries)
	}
	if in.Failed && !in.IsCritical {
		return ActionSkipStage, fmt.Sprintf("non-critical stage %s exhausted retries, skipping", in.StageID)
	}
	if in.Failed && in.IsCritical && (in.RiskLevel == RiskHigh || in.RiskLevel == RiskCritical) && in.ErrorBurst {
		return ActionRollback, fmt.Sprintf("critical stage %s failed under %s risk with an error burst, rolling back", in.StageID, in.RiskLevel)
	}
	if in.Failed && in.IsCritical {
		return ActionPausePipeline, fmt.Sprintf("critical stage %s exhausted retries", in.StageID)
	}
	return ActionTerminate, "unresolved safety violation"
}
